// Package engine is the composition root: it wires the queue, server pool,
// scheduler, coordinators and control surfaces and owns their lifecycle. It
// replaces the process-wide singletons of classic download engines with one
// explicit context object.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/javi11/nzbd/internal/api"
	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/nzb"
	"github.com/javi11/nzbd/internal/par"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/queuescript"
	"github.com/javi11/nzbd/internal/remote"
	"github.com/javi11/nzbd/internal/scheduler"
	"github.com/javi11/nzbd/internal/serverpool"
)

// Engine owns every subsystem of the download engine.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	dq        *queue.DownloadQueue
	pool      *serverpool.Pool
	limiter   *scheduler.RateLimiter
	coord     *scheduler.Coordinator
	parCoord  *par.Coordinator
	qscript   *queuescript.Coordinator
	diskstate *diskstate.DiskState
	loader    *nzb.Loader
	remoteSrv *remote.Server
	apiSrv    *api.Server
	msglog    *MessageLog

	scanPaused atomic.Bool
	saveSignal chan struct{}

	// speed accounting for the status surfaces
	lastTotal int64
	lastTime  time.Time
}

// New builds and wires the engine from a loaded configuration.
func New(cfg config.Config) *Engine {
	e := &Engine{
		cfg:        cfg,
		msglog:     NewMessageLog(),
		saveSignal: make(chan struct{}, 1),
		lastTime:   time.Now(),
	}

	// route all logging through the frontend-visible message ring
	slog.SetDefault(slog.New(newCaptureHandler(slog.Default().Handler(), e.msglog)))
	e.log = slog.Default().With("component", "engine")

	e.dq = queue.NewDownloadQueue()
	e.diskstate = diskstate.New(cfg.Paths.State)
	e.pool = serverpool.New(cfg.Servers, time.Duration(cfg.Download.RetryInterval)*time.Second)
	e.limiter = scheduler.NewRateLimiter(int64(cfg.Download.RateLimitKB) * 1024)
	e.coord = scheduler.New(e.dq, e.pool, e.limiter, cfg)
	e.coord.SetFileStateSaver(func(fileID int, segments []scheduler.SegmentState) error {
		converted := make([]diskstate.Segment, len(segments))
		for i, seg := range segments {
			converted[i] = diskstate.Segment(seg)
		}
		return e.diskstate.SaveFileState(fileID, converted)
	})

	checker := par.NewExternalChecker("")
	e.parCoord = par.NewCoordinator(e.dq, cfg.Par, checker)
	e.parCoord.SetFileStateLoader(func(fileID int) ([]par.FileSegment, bool) {
		segments, ok := e.diskstate.LoadFileState(fileID)
		if !ok {
			return nil, false
		}
		converted := make([]par.FileSegment, len(segments))
		for i, seg := range segments {
			converted[i] = par.FileSegment{
				Finished: seg.Finished,
				Offset:   seg.Offset,
				Size:     seg.Size,
				Crc:      seg.Crc,
			}
		}
		return converted, true
	})

	e.qscript = queuescript.NewCoordinator(e.dq, cfg.Scripts,
		&queuescript.ExecRunner{ShellOverride: cfg.Scripts.ShellOverride})
	e.loader = nzb.NewLoader(e.dq, cfg)
	e.remoteSrv = remote.NewServer(cfg.Remote, e)
	if cfg.API.Enabled {
		e.apiSrv = api.NewServer(cfg.API, e)
	}

	// observers receive events in commit order, outside the queue lock
	e.dq.Attach(e.parCoord)
	e.dq.Attach(e.qscript)
	e.dq.Attach(saveObserver{e})

	return e
}

// saveObserver schedules a snapshot after every committed queue mutation.
type saveObserver struct{ e *Engine }

func (o saveObserver) HandleQueueEvent(ev queue.Event) {
	if ev.Kind == queue.EventQueueChanged {
		select {
		case o.e.saveSignal <- struct{}{}:
		default:
		}
	}
}

// AddNzb inserts an NZB file into the queue.
func (e *Engine) AddNzb(path string, opts nzb.AddOptions) (int, error) {
	return e.loader.AddFile(path, opts)
}

// Queue exposes the download queue to callers that hold no other handle.
func (e *Engine) Queue() *queue.DownloadQueue { return e.dq }

// Run restores state and executes all subsystems until the context is
// cancelled. A clean shutdown saves the final snapshot.
func (e *Engine) Run(ctx context.Context) error {
	nzbs, history, err := e.diskstate.LoadQueue()
	if err != nil {
		return err
	}
	if len(nzbs) > 0 || len(history) > 0 {
		e.dq.Update(func(q *queue.Queue) {
			q.RestoreState(nzbs, history)
		})
		e.log.Info("Queue restored", "active", len(nzbs), "history", len(history))
	}

	e.qscript.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.coord.Run(gctx) })
	g.Go(func() error { return e.parCoord.Run(gctx) })
	g.Go(func() error { return e.remoteSrv.Run(gctx) })
	if e.apiSrv != nil {
		g.Go(func() error { return e.apiSrv.Run(gctx) })
	}
	g.Go(func() error { e.saveLoop(gctx); return nil })
	if e.cfg.Paths.Nzb != "" {
		g.Go(func() error { e.scanLoop(gctx); return nil })
	}

	err = g.Wait()

	e.qscript.Stop()
	if serr := e.diskstate.Save(e.dq); serr != nil {
		e.log.Error("Final queue snapshot failed", "err", serr)
	}
	e.pool.Close()

	return err
}

// saveLoop debounces snapshot writes: many queue mutations within a second
// collapse into one disk write.
func (e *Engine) saveLoop(ctx context.Context) {
	var pending bool
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.saveSignal:
			if !pending {
				pending = true
				timer.Reset(time.Second)
			}
		case <-timer.C:
			pending = false
			if err := e.diskstate.Save(e.dq); err != nil {
				e.log.Error("Queue snapshot failed", "err", err)
			}
		}
	}
}

// scanLoop polls the NZB watch directory and queues every manifest dropped
// into it.
func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.scanPaused.Load() {
				continue
			}
			e.scanOnce()
		}
	}
}

func (e *Engine) scanOnce() {
	entries, err := os.ReadDir(e.cfg.Paths.Nzb)
	if err != nil {
		e.log.Warn("Cannot scan NZB directory", "dir", e.cfg.Paths.Nzb, "err", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".nzb") {
			continue
		}

		path := filepath.Join(e.cfg.Paths.Nzb, entry.Name())
		if _, err := e.AddNzb(path, nzb.AddOptions{}); err != nil {
			e.log.Warn("Cannot queue scanned NZB", "path", path, "err", err)
			_ = os.Rename(path, path+".error")
			continue
		}
		_ = os.Rename(path, path+".queued")
	}
}
