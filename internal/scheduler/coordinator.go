// Package scheduler contains the queue coordinator: the state machine that
// assigns articles to connections, enforces per-server capacity, applies
// retry and fallback policy and drives file assembly.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/downloader"
	"github.com/javi11/nzbd/internal/errors"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/serverpool"
)

type articleKey struct {
	FileID int
	Part   int
}

type activeDownload struct {
	job     downloader.Job
	started time.Time
}

// Coordinator is the download queue coordinator.
type Coordinator struct {
	dq      *queue.DownloadQueue
	pool    *serverpool.Pool
	limiter *RateLimiter
	log     *slog.Logger

	interDir        string
	crcCheck        bool
	healthThreshold int // percent, 0 disables

	paused  atomic.Bool
	stopped atomic.Bool

	results chan downloader.Result
	workers *conc.WaitGroup

	// the fields below are only touched inside dq.Update, so the queue lock
	// serializes them
	active          map[articleKey]*activeDownload
	nzbActive       map[int]int
	nzbActiveSince  map[int]time.Time
	assembling      map[int]bool
	lastServedNzbID int
	generation      uint64

	stateSaver FileStateSaver

	totalDownloaded atomic.Int64
}

// New creates the coordinator.
func New(dq *queue.DownloadQueue, pool *serverpool.Pool, limiter *RateLimiter, cfg config.Config) *Coordinator {
	return &Coordinator{
		dq:              dq,
		pool:            pool,
		limiter:         limiter,
		log:             slog.Default().With("component", "scheduler"),
		interDir:        cfg.Paths.Inter,
		crcCheck:        cfg.Download.CrcCheck,
		healthThreshold: cfg.Download.HealthThreshold,
		results:         make(chan downloader.Result, 1024),
		workers:         conc.NewWaitGroup(),
		active:          make(map[articleKey]*activeDownload),
		nzbActive:       make(map[int]int),
		nzbActiveSince:  make(map[int]time.Time),
		assembling:      make(map[int]bool),
		generation:      pool.Generation(),
	}
}

// SetPaused flips the global download pause.
func (c *Coordinator) SetPaused(paused bool) {
	c.paused.Store(paused)
	if !paused {
		c.kick()
	}
}

// Paused reports the global pause state.
func (c *Coordinator) Paused() bool { return c.paused.Load() }

// TotalDownloaded returns the decoded bytes downloaded since start.
func (c *Coordinator) TotalDownloaded() int64 { return c.totalDownloaded.Load() }

// ActiveDownloads returns the number of live workers.
func (c *Coordinator) ActiveDownloads() int { return c.pool.ActiveCount() }

func (c *Coordinator) kick() {
	select {
	case c.results <- downloader.Result{}:
	default:
	}
}

// Run executes the coordinator loop until the context is cancelled. Workers
// are joined on exit; a clean shutdown finishes within the engine's stop
// deadline because workers abort at the next read.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		c.fill(ctx)

		select {
		case <-ctx.Done():
			c.stopped.Store(true)
			c.drain()
			return nil

		case res := <-c.results:
			if res.Slot != nil {
				c.handleResult(res)
			}

		case <-c.dq.Changed():

		case <-ticker.C:
			// re-check quarantine expiry
		}
	}
}

// drain joins workers after cancellation and releases their slots.
func (c *Coordinator) drain() {
	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()

	for {
		select {
		case res := <-c.results:
			if res.Slot != nil {
				res.Slot.Discard()
				c.pool.Release(res.Slot, serverpool.OutcomeSuccess)
			}
		case <-done:
			return
		case <-time.After(5 * time.Second):
			c.log.Warn("Download workers did not stop within deadline")
			return
		}
	}
}

// fill starts downloads for every idle connection that has feasible work.
func (c *Coordinator) fill(ctx context.Context) {
	if c.paused.Load() || c.stopped.Load() || ctx.Err() != nil {
		return
	}

	type startReq struct {
		job  downloader.Job
		slot *serverpool.Slot
	}
	var starts []startReq
	var obsolete []string

	gen := c.pool.Generation()

	c.dq.Update(func(q *queue.Queue) {
		if gen != c.generation {
			c.generation = gen
			for _, nzb := range q.Nzbs() {
				for _, f := range nzb.Files {
					for _, a := range f.Articles {
						a.ResetServerFailures()
					}
				}
			}
		}

		obsolete = c.retireDrained(q)

		capacity := c.pool.TotalCapacity()

		for _, pick := range c.selectionOrder(q) {
			if c.pool.ActiveCount() >= capacity {
				break
			}

			nzb, f := pick.nzb, pick.file
			for _, a := range f.Articles {
				if a.Status != queue.ArticleUndefined {
					continue
				}

				slot, ok := c.pool.AcquireForArticle(a.ServerFailed)
				if !ok {
					break
				}

				a.Status = queue.ArticleRunning
				key := articleKey{FileID: f.ID, Part: a.PartNumber}
				job := downloader.Job{
					NzbID:      nzb.ID,
					FileID:     f.ID,
					PartNumber: a.PartNumber,
					MessageID:  a.MessageID,
					Groups:     f.Groups,
					Size:       a.Size,
					SegmentDir: filepath.Join(c.interDir, fmt.Sprintf("n%d", nzb.ID)),
					CrcCheck:   c.crcCheck,
				}
				c.active[key] = &activeDownload{job: job, started: time.Now()}
				c.noteNzbActive(nzb, +1)
				c.lastServedNzbID = nzb.ID
				starts = append(starts, startReq{job: job, slot: slot})
			}
		}
	})

	for _, path := range obsolete {
		_ = os.RemoveAll(path)
	}

	for _, s := range starts {
		job, slot := s.job, s.slot
		c.workers.Go(func() {
			_ = os.MkdirAll(job.SegmentDir, 0o755)
			res := downloader.Download(ctx, job, slot, c.limiter, c.log)
			c.results <- res
		})
	}
}

type filePick struct {
	nzb  *queue.NzbInfo
	file *queue.FileInfo
}

// selectionOrder yields files in download order: extra-priority files first,
// then NZBs by priority band with round-robin fairness inside a band.
func (c *Coordinator) selectionOrder(q *queue.Queue) []filePick {
	var picks []filePick

	eligible := func(nzb *queue.NzbInfo) bool {
		return nzb.DeleteStatus == queue.DeleteNone
	}

	// extra-priority files bypass their NZB's pause and band
	for _, nzb := range q.Nzbs() {
		if !eligible(nzb) {
			continue
		}
		for _, f := range nzb.Files {
			if f.ExtraPriority && !f.Paused && f.RemainingArticles() > 0 {
				picks = append(picks, filePick{nzb: nzb, file: f})
			}
		}
	}

	var nzbs []*queue.NzbInfo
	for _, nzb := range q.Nzbs() {
		if eligible(nzb) && !nzb.Paused {
			nzbs = append(nzbs, nzb)
		}
	}

	// stable sort by priority keeps declared order within a band
	sort.SliceStable(nzbs, func(i, j int) bool {
		return nzbs[i].Priority > nzbs[j].Priority
	})

	// rotate each equal-priority band so the entry after the last serviced
	// NZB goes first, preventing starvation
	for start := 0; start < len(nzbs); {
		end := start
		for end < len(nzbs) && nzbs[end].Priority == nzbs[start].Priority {
			end++
		}
		band := nzbs[start:end]
		for i, nzb := range band {
			if nzb.ID == c.lastServedNzbID && i+1 < len(band) {
				rotated := append(append([]*queue.NzbInfo{}, band[i+1:]...), band[:i+1]...)
				copy(band, rotated)
				break
			}
		}
		start = end
	}

	for _, nzb := range nzbs {
		for _, f := range nzb.Files {
			if f.Paused || f.ExtraPriority || f.RemainingArticles() == 0 {
				continue
			}
			picks = append(picks, filePick{nzb: nzb, file: f})
		}
	}

	return picks
}

// retireDrained moves deleted NZBs with no in-flight work to history and
// returns their working directories for removal outside the lock.
func (c *Coordinator) retireDrained(q *queue.Queue) []string {
	var obsolete []string

	for _, nzb := range append([]*queue.NzbInfo{}, q.Nzbs()...) {
		if nzb.DeleteStatus == queue.DeleteNone || c.nzbActive[nzb.ID] > 0 {
			continue
		}

		c.log.Info("Retiring download",
			"nzb", nzb.Name, "status", nzb.DeleteStatus.String())
		obsolete = append(obsolete, filepath.Join(c.interDir, fmt.Sprintf("n%d", nzb.ID)))
		q.MoveToHistory(nzb, queue.HistoryNzb)
		q.Emit(queue.Event{Kind: queue.EventNzbDeleted, NzbID: nzb.ID})
	}

	return obsolete
}

func (c *Coordinator) noteNzbActive(nzb *queue.NzbInfo, delta int) {
	count := c.nzbActive[nzb.ID] + delta
	if count <= 0 {
		delete(c.nzbActive, nzb.ID)
		if since, ok := c.nzbActiveSince[nzb.ID]; ok {
			nzb.DownloadSec += int(time.Since(since).Seconds())
			delete(c.nzbActiveSince, nzb.ID)
		}
		return
	}
	if c.nzbActive[nzb.ID] == 0 {
		c.nzbActiveSince[nzb.ID] = time.Now()
	}
	c.nzbActive[nzb.ID] = count
}

// handleResult integrates one finished download attempt.
func (c *Coordinator) handleResult(res downloader.Result) {
	c.pool.Release(res.Slot, res.PoolOutcome)
	c.totalDownloaded.Add(res.Written)

	var discard []string
	var assembleReq *assembly

	c.dq.Update(func(q *queue.Queue) {
		key := articleKey{FileID: res.Job.FileID, Part: res.Job.PartNumber}
		delete(c.active, key)

		nzb := q.Find(res.Job.NzbID)
		if nzb == nil || nzb.DeleteStatus != queue.DeleteNone {
			// deleted while in flight: the completed article is discarded
			if nzb != nil {
				c.noteNzbActive(nzb, -1)
			}
			if res.SegmentPath != "" {
				discard = append(discard, res.SegmentPath)
			}
			return
		}
		c.noteNzbActive(nzb, -1)

		f := nzb.FindFile(res.Job.FileID)
		if f == nil {
			if res.SegmentPath != "" {
				discard = append(discard, res.SegmentPath)
			}
			return
		}

		var a *queue.ArticleInfo
		for _, cur := range f.Articles {
			if cur.PartNumber == res.Job.PartNumber {
				a = cur
				break
			}
		}
		if a == nil || a.Status != queue.ArticleRunning {
			if res.SegmentPath != "" {
				discard = append(discard, res.SegmentPath)
			}
			return
		}

		if res.BeginOffset > 0 {
			a.Offset = res.BeginOffset
		}
		if res.ArticleFilename != "" && !f.FilenameConfirmed {
			f.Filename = filepath.Base(res.ArticleFilename)
			f.FilenameConfirmed = true
		}

		if res.Succeeded() {
			a.Status = queue.ArticleFinished
			a.Crc = res.Crc
			a.CrcKnown = true
			if old := a.SegmentPath; old != "" && old != res.SegmentPath {
				discard = append(discard, old)
			}
			a.SegmentPath = res.SegmentPath
			f.SuccessSize += a.Size
		} else {
			c.articleFailed(q, nzb, f, a, res, &discard)
		}

		if f.Terminal() && f.OutputPath == "" && !c.assembling[f.ID] {
			c.assembling[f.ID] = true
			assembleReq = snapshotAssembly(nzb, f)
		}
	})

	for _, path := range discard {
		_ = os.Remove(path)
	}

	if assembleReq != nil {
		req := assembleReq
		c.workers.Go(func() {
			c.assemble(req)
		})
	}
}

func (c *Coordinator) articleFailed(q *queue.Queue, nzb *queue.NzbInfo, f *queue.FileInfo, a *queue.ArticleInfo, res downloader.Result, discard *[]string) {
	kind := errors.KindOf(res.Err)

	if kind == errors.KindCancelled {
		a.Status = queue.ArticleUndefined
		if res.SegmentPath != "" {
			*discard = append(*discard, res.SegmentPath)
		}
		return
	}

	a.SetServerFailed(res.Slot.ServerID())

	// CRC mismatches and truncations keep their partial bytes for PAR
	// recovery; replace any older partial
	if res.SegmentPath != "" {
		if old := a.SegmentPath; old != "" && old != res.SegmentPath {
			*discard = append(*discard, old)
		}
		a.SegmentPath = res.SegmentPath
	}

	if !c.pool.Exhausted(a.ServerFailed) {
		// another server or level may still carry the article
		a.Status = queue.ArticleUndefined
		c.log.Debug("Article retry scheduled",
			"message_id", a.MessageID, "server", res.Slot.ServerID(), "kind", kind.String())
		return
	}

	a.Status = queue.ArticleFailed
	if kind == errors.KindArticleMissing {
		f.MissedSize += a.Size
	} else {
		f.FailedSize += a.Size
	}
	nzb.AddMessage(queue.MessageWarning,
		fmt.Sprintf("Article %s failed on all servers: %v", a.MessageID, res.Err))
	c.log.Warn("Article failed on all levels", "message_id", a.MessageID, "err", res.Err)

	c.checkHealth(q, nzb)
}

// checkHealth deletes the NZB when too many bytes are lost.
func (c *Coordinator) checkHealth(q *queue.Queue, nzb *queue.NzbInfo) {
	if c.healthThreshold <= 0 {
		return
	}
	if nzb.Health() >= c.healthThreshold*10 {
		return
	}

	nzb.AddMessage(queue.MessageWarning,
		fmt.Sprintf("Cancelling download: health %.1f%% below critical %d%%", float64(nzb.Health())/10, c.healthThreshold))
	q.DeleteNzb(nzb, queue.DeleteHealth)
}
