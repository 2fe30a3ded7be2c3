// Package queuescript runs user scripts at download lifecycle events,
// serialized process-wide, with a stdout command channel back into the
// queue.
package queuescript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/queue"
)

// item is one pending (nzb, script, event) execution.
type item struct {
	nzbID  int
	script *config.ScriptDef
	event  queue.EventKind
}

// Coordinator owns the script queue. At most one script process runs at any
// instant; higher-valued events preempt lower ones on dequeue.
type Coordinator struct {
	dq     *queue.DownloadQueue
	cfg    config.ScriptsConfig
	runner Runner
	log    *slog.Logger

	hasQueueScripts bool

	// mu guards the item queue; when both locks are needed the queue lock
	// is acquired first.
	mu      sync.Mutex
	queue   []*item
	current *item
	stopped bool

	ctx context.Context
	wg  sync.WaitGroup

	now func() time.Time
}

// NewCoordinator creates the queue-script coordinator.
func NewCoordinator(dq *queue.DownloadQueue, cfg config.ScriptsConfig, runner Runner) *Coordinator {
	c := &Coordinator{
		dq:     dq,
		cfg:    cfg,
		runner: runner,
		log:    slog.Default().With("component", "queue-script"),
		ctx:    context.Background(),
		now:    time.Now,
	}
	for _, def := range cfg.Definitions {
		if def.QueueScript {
			c.hasQueueScripts = true
			break
		}
	}
	return c
}

// Start binds the coordinator to the engine lifetime; running scripts are
// killed when the context ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
}

// Stop prevents new scripts from starting and waits for the current one.
// The context passed to Start bounds how long the child may linger.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
}

// HandleQueueEvent receives queue events in commit order.
func (c *Coordinator) HandleQueueEvent(ev queue.Event) {
	switch ev.Kind {
	case queue.EventFileDownloaded, queue.EventUrlCompleted, queue.EventNzbAdded,
		queue.EventNzbDownloaded, queue.EventNzbDeleted:
		c.Enqueue(ev.NzbID, ev.Kind)
	}
}

// Enqueue schedules the matching scripts for an (nzb, event) pair, applying
// coalescing, debouncing and deduplication.
func (c *Coordinator) Enqueue(nzbID int, event queue.EventKind) {
	if !c.hasQueueScripts {
		return
	}

	c.dq.Update(func(q *queue.Queue) {
		nzb := q.FindAnywhere(nzbID)
		if nzb == nil {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.stopped {
			return
		}

		if event == queue.EventNzbDownloaded {
			// the terminal event supersedes everything queued for this nzb
			kept := c.queue[:0]
			for _, it := range c.queue {
				if it.nzbID != nzbID {
					kept = append(kept, it)
				}
			}
			c.queue = kept
		}

		// respect the event interval: -1 suppresses FILE_DOWNLOADED
		// entirely, >0 debounces per nzb
		if event == queue.EventFileDownloaded {
			interval := c.cfg.EventInterval
			elapsed := c.now().Sub(nzb.QueueScriptTime)
			if interval == -1 ||
				(interval > 0 && elapsed > 0 && elapsed < time.Duration(interval)*time.Second) {
				return
			}
		}

		for i := range c.cfg.Definitions {
			script := &c.cfg.Definitions[i]
			if !script.QueueScript || !c.scriptSelected(script, nzb) || !eventAccepted(script, event) {
				continue
			}

			if event == queue.EventFileDownloaded && c.alreadyQueued(nzbID, script) {
				continue
			}

			it := &item{nzbID: nzbID, script: script, event: event}
			if c.current != nil {
				c.queue = append(c.queue, it)
			} else {
				c.startLocked(it, snapshotEnv(nzb, script, event))
			}

			nzb.QueueScriptTime = c.now()
		}
	})
}

// scriptSelected applies the selection rules: globally enabled by name, or
// enabled through an nzb parameter "<name>:" with a truthy value.
func (c *Coordinator) scriptSelected(script *config.ScriptDef, nzb *queue.NzbInfo) bool {
	for _, name := range c.cfg.QueueScripts {
		for _, tok := range strings.FieldsFunc(name, func(r rune) bool { return r == ',' || r == ';' }) {
			if strings.EqualFold(strings.TrimSpace(tok), script.Name) {
				return true
			}
		}
	}

	for _, param := range nzb.Parameters {
		name := param.Name
		if len(name) < 2 || name[0] == '*' || !strings.HasSuffix(name, ":") {
			continue
		}
		if !strings.EqualFold(strings.TrimSuffix(name, ":"), script.Name) {
			continue
		}
		switch strings.ToLower(param.Value) {
		case "yes", "on", "1":
			return true
		}
	}

	return false
}

func eventAccepted(script *config.ScriptDef, event queue.EventKind) bool {
	if len(script.QueueEvents) == 0 {
		return true
	}
	for _, name := range script.QueueEvents {
		if strings.EqualFold(name, event.String()) {
			return true
		}
	}
	return false
}

func (c *Coordinator) alreadyQueued(nzbID int, script *config.ScriptDef) bool {
	if c.current != nil && c.current.nzbID == nzbID && c.current.script == script &&
		c.current.event == queue.EventFileDownloaded {
		return true
	}
	for _, it := range c.queue {
		if it.nzbID == nzbID && it.script == script && it.event == queue.EventFileDownloaded {
			return true
		}
	}
	return false
}

// CheckQueue dequeues the next runnable item: stale items are dropped, the
// highest event value wins.
func (c *Coordinator) CheckQueue() {
	c.dq.Update(func(q *queue.Queue) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.stopped {
			return
		}
		c.current = nil

		var best *item
		var bestNzb *queue.NzbInfo
		kept := c.queue[:0]

		for _, it := range c.queue {
			nzb := q.FindAnywhere(it.nzbID)

			// drop items whose nzb must not be processed further
			if nzb == nil ||
				(nzb.DeleteStatus != queue.DeleteNone && it.event != queue.EventNzbDeleted) ||
				nzb.MarkStatus == queue.MarkBad {
				continue
			}

			kept = append(kept, it)
			if best == nil || it.event > best.event {
				best = it
				bestNzb = nzb
			}
		}
		c.queue = kept

		if best == nil {
			return
		}

		for i, it := range c.queue {
			if it == best {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.startLocked(best, snapshotEnv(bestNzb, best.script, best.event))
	})
}

// startLocked launches the controller for an item. Both locks are held.
func (c *Coordinator) startLocked(it *item, env *scriptEnv) {
	c.current = it
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runScript(it, env)
		c.CheckQueue()
	}()
}

// HasJob reports whether a script is running or queued for the nzb.
func (c *Coordinator) HasJob(nzbID int) (working bool, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.nzbID == nzbID {
		return true, true
	}
	for _, it := range c.queue {
		if it.nzbID == nzbID {
			return true, false
		}
	}
	return false, false
}

// QueueSize counts queued plus running items.
func (c *Coordinator) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := len(c.queue)
	if c.current != nil {
		size++
	}
	return size
}

// QueuedEvents lists the pending (nzb, event) pairs; used by tests and the
// status API.
func (c *Coordinator) QueuedEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, it := range c.queue {
		out = append(out, fmt.Sprintf("%d:%s:%s", it.nzbID, it.script.Name, it.event))
	}
	return out
}
