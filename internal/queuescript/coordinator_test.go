package queuescript

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/queue"
)

// fakeRunner records invocations and optionally emits output lines. It
// blocks until released so tests can observe the queued state.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []RunSpec
	output  []string
	release chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}, 100)}
}

func (r *fakeRunner) Run(_ context.Context, spec RunSpec) error {
	r.mu.Lock()
	r.runs = append(r.runs, spec)
	lines := append([]string{}, r.output...)
	r.mu.Unlock()

	for _, line := range lines {
		spec.OnOutput(line)
	}

	<-r.release
	return nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *fakeRunner) lastRun() RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func scriptsConfig(names ...string) config.ScriptsConfig {
	cfg := config.ScriptsConfig{QueueScripts: names}
	for _, name := range names {
		cfg.Definitions = append(cfg.Definitions, config.ScriptDef{
			Name:        name,
			DisplayName: name,
			Location:    "/opt/scripts/" + name,
			QueueScript: true,
		})
	}
	return cfg
}

func addTestNzb(dq *queue.DownloadQueue, name string) int {
	id := 0
	dq.Update(func(q *queue.Queue) {
		nzb := &queue.NzbInfo{ID: q.AllocNzbID(), Name: name}
		id = nzb.ID
		q.Add(nzb, false)
	})
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met in time")
}

func TestEventCoalescing(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	c := NewCoordinator(dq, scriptsConfig("notify"), runner)
	nzbID := addTestNzb(dq, "release")

	// occupy the single execution slot so further events stay queued
	blocker := addTestNzb(dq, "blocker")
	c.Enqueue(blocker, queue.EventNzbAdded)
	waitFor(t, func() bool { return runner.runCount() == 1 })

	c.Enqueue(nzbID, queue.EventFileDownloaded)
	assert.Len(t, c.QueuedEvents(), 1)
	c.Enqueue(nzbID, queue.EventNzbDownloaded)

	// NZB_DOWNLOADED dropped the earlier FILE_DOWNLOADED item
	assert.Len(t, c.QueuedEvents(), 1)
	assert.Contains(t, c.QueuedEvents()[0], "NZB_DOWNLOADED")

	// release the blocker; exactly one dequeue runs NZB_DOWNLOADED
	runner.release <- struct{}{}
	waitFor(t, func() bool { return runner.runCount() == 2 })
	assert.Contains(t, runner.lastRun().Env, "NZBNA_EVENT=NZB_DOWNLOADED")

	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestHighestEventWinsOnDequeue(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	c := NewCoordinator(dq, scriptsConfig("notify"), runner)

	blocker := addTestNzb(dq, "blocker")
	a := addTestNzb(dq, "a")
	b := addTestNzb(dq, "b")

	c.Enqueue(blocker, queue.EventNzbAdded)
	waitFor(t, func() bool { return runner.runCount() == 1 })

	c.Enqueue(a, queue.EventFileDownloaded)
	c.Enqueue(b, queue.EventNzbDeleted)

	runner.release <- struct{}{}
	waitFor(t, func() bool { return runner.runCount() == 2 })
	assert.Contains(t, runner.lastRun().Env, "NZBNA_EVENT=NZB_DELETED")

	runner.release <- struct{}{}
	waitFor(t, func() bool { return runner.runCount() == 3 })
	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestFileDownloadedDebounce(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()

	cfg := scriptsConfig("a", "b")
	cfg.EventInterval = 60
	c := NewCoordinator(dq, cfg, runner)

	now := time.Unix(1_000_000, 0)
	c.now = func() time.Time { return now }

	blocker := addTestNzb(dq, "blocker")
	c.Enqueue(blocker, queue.EventNzbAdded)
	waitFor(t, func() bool { return runner.runCount() == 1 })

	nzbID := addTestNzb(dq, "x")

	// five submissions spaced 10s apart with a 60s interval: only the first
	// passes, per (nzb, script) dedup drops re-queues anyway
	for i := 0; i < 5; i++ {
		c.Enqueue(nzbID, queue.EventFileDownloaded)
		now = now.Add(10 * time.Second)
	}

	count := 0
	for _, ev := range c.QueuedEvents() {
		if containsAll(ev, "FILE_DOWNLOADED") {
			count++
		}
	}
	assert.LessOrEqual(t, count, 2, "at most one FILE_DOWNLOADED per (nzb, script)")

	for i := 0; i < 10; i++ {
		runner.release <- struct{}{}
	}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		found := false
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestEventIntervalSuppressed(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()

	cfg := scriptsConfig("notify")
	cfg.EventInterval = -1
	c := NewCoordinator(dq, cfg, runner)

	nzbID := addTestNzb(dq, "x")
	c.Enqueue(nzbID, queue.EventFileDownloaded)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount(), "FILE_DOWNLOADED is suppressed with interval -1")
	assert.Equal(t, 0, c.QueueSize())

	// other events are unaffected
	c.Enqueue(nzbID, queue.EventNzbDownloaded)
	waitFor(t, func() bool { return runner.runCount() == 1 })
	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestParameterSelection(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()

	// script installed but not globally enabled
	cfg := config.ScriptsConfig{
		Definitions: []config.ScriptDef{
			{Name: "cleanup", DisplayName: "cleanup", Location: "/opt/cleanup", QueueScript: true},
		},
	}
	c := NewCoordinator(dq, cfg, runner)

	nzbID := 0
	dq.Update(func(q *queue.Queue) {
		nzb := &queue.NzbInfo{ID: q.AllocNzbID(), Name: "x"}
		nzb.Parameters.Set("cleanup:", "yes")
		nzbID = nzb.ID
		q.Add(nzb, false)
	})

	c.Enqueue(nzbID, queue.EventNzbDownloaded)
	waitFor(t, func() bool { return runner.runCount() == 1 })
	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestEventFilter(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()

	cfg := scriptsConfig("notify")
	cfg.Definitions[0].QueueEvents = []string{"NZB_DOWNLOADED"}
	c := NewCoordinator(dq, cfg, runner)

	nzbID := addTestNzb(dq, "x")

	c.Enqueue(nzbID, queue.EventNzbAdded)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount())

	c.Enqueue(nzbID, queue.EventNzbDownloaded)
	waitFor(t, func() bool { return runner.runCount() == 1 })
	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestNzbprCommandSetsParameter(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	runner.output = []string{"[NZB] NZBPR_FOO=bar"}

	c := NewCoordinator(dq, scriptsConfig("setter", "reader"), runner)
	nzbID := addTestNzb(dq, "x")

	c.Enqueue(nzbID, queue.EventNzbDownloaded)
	waitFor(t, func() bool { return runner.runCount() == 1 })

	// the parameter becomes visible before the script even finishes
	waitFor(t, func() bool {
		value := ""
		dq.View(func(q *queue.Queue) {
			value = q.Find(nzbID).Parameters.Get("FOO")
		})
		return value == "bar"
	})

	runner.mu.Lock()
	runner.output = nil
	runner.mu.Unlock()
	runner.release <- struct{}{}

	// the second script sees the parameter in its environment
	waitFor(t, func() bool { return runner.runCount() == 2 })
	assert.Contains(t, runner.lastRun().Env, "NZBPR_FOO=bar")

	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestMarkBadCommand(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	runner.output = []string{"[NZB] MARK=BAD"}

	c := NewCoordinator(dq, scriptsConfig("checker"), runner)
	nzbID := addTestNzb(dq, "x")

	c.Enqueue(nzbID, queue.EventNzbAdded)
	waitFor(t, func() bool { return runner.runCount() == 1 })
	runner.release <- struct{}{}

	waitFor(t, func() bool {
		var status queue.DeleteStatus
		var mark queue.MarkStatus
		dq.View(func(q *queue.Queue) {
			if nzb := q.FindAnywhere(nzbID); nzb != nil {
				status = nzb.DeleteStatus
				mark = nzb.MarkStatus
			}
		})
		return status == queue.DeleteBad && mark == queue.MarkBad
	})
}

func TestPrefixStrippedBeforeCommandParsing(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	runner.output = []string{"checker: [NZB] NZBPR_X=1"}

	c := NewCoordinator(dq, scriptsConfig("checker"), runner)
	nzbID := addTestNzb(dq, "x")

	c.Enqueue(nzbID, queue.EventNzbAdded)
	waitFor(t, func() bool {
		value := ""
		dq.View(func(q *queue.Queue) {
			value = q.Find(nzbID).Parameters.Get("X")
		})
		return value == "1"
	})

	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}

func TestScriptEnvironment(t *testing.T) {
	dq := queue.NewDownloadQueue()
	runner := newFakeRunner()
	c := NewCoordinator(dq, scriptsConfig("notify"), runner)

	nzbID := 0
	dq.Update(func(q *queue.Queue) {
		nzb := &queue.NzbInfo{
			ID:        q.AllocNzbID(),
			Name:      "My Release",
			Filename:  "my.release.nzb",
			DestDir:   "/downloads/My Release",
			Category:  "tv",
			Priority:  50,
			DupeKey:   "myrelease",
			DupeScore: 100,
			DupeMode:  queue.DupeForce,
		}
		nzb.Parameters.Set("Quality", "hd")
		nzbID = nzb.ID
		q.Add(nzb, false)
	})

	c.Enqueue(nzbID, queue.EventNzbAdded)
	waitFor(t, func() bool { return runner.runCount() == 1 })

	env := runner.lastRun().Env
	assert.Contains(t, env, "NZBNA_NZBNAME=My Release")
	assert.Contains(t, env, "NZBNA_FILENAME=my.release.nzb")
	assert.Contains(t, env, "NZBNA_DIRECTORY=/downloads/My Release")
	assert.Contains(t, env, "NZBNA_CATEGORY=tv")
	assert.Contains(t, env, "NZBNA_PRIORITY=50")
	assert.Contains(t, env, "NZBNA_DUPEKEY=myrelease")
	assert.Contains(t, env, "NZBNA_DUPESCORE=100")
	assert.Contains(t, env, "NZBNA_DUPEMODE=FORCE")
	assert.Contains(t, env, "NZBNA_EVENT=NZB_ADDED")
	assert.Contains(t, env, "NZBNA_DELETESTATUS=NONE")
	assert.Contains(t, env, "NZBPR_Quality=hd")

	runner.release <- struct{}{}
	waitFor(t, func() bool { return c.QueueSize() == 0 })
}
