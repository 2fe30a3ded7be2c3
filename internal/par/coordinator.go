package par

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/queue"
)

// PostStage is the post-processing state of one NZB.
type PostStage int

const (
	StageQueued PostStage = iota
	StageLoadingPars
	StageVerifyingSources
	StageRepairing
	StageVerifyingRepaired
	StageRenaming
	StageFinished
)

var stageNames = []string{"queued", "loading-pars", "verifying-sources", "repairing", "verifying-repaired", "renaming", "finished"}

func (s PostStage) String() string { return stageNames[s] }

// CheckStatus is the verdict of a parity check run.
type CheckStatus int

const (
	CheckRepairNotNeeded CheckStatus = iota
	CheckRepaired
	CheckRepairPossible
	CheckFailed
)

// PostInfo tracks one NZB through post-processing.
type PostInfo struct {
	NzbID int

	mu            sync.Mutex
	stage         PostStage
	progressLabel string
	fileProgress  int
	stageProgress int
	startTime     time.Time
	stageTime     time.Time

	cancelled atomic.Bool
}

// Stage returns the current post-processing stage.
func (p *PostInfo) Stage() PostStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Progress returns the published label and progress values.
func (p *PostInfo) Progress() (label string, fileProgress, stageProgress int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLabel, p.fileProgress, p.stageProgress
}

// Cancelled reports the cooperative cancel flag; the checker polls it at
// file boundaries.
func (p *PostInfo) Cancelled() bool { return p.cancelled.Load() }

// Cancel requests cooperative termination of the running check.
func (p *PostInfo) Cancel() { p.cancelled.Store(true) }

// shift advances all time stamps by the pause delta so elapsed-time
// calculations stay meaningful across post-process pauses.
func (p *PostInfo) shift(delta time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.startTime.IsZero() {
		p.startTime = p.startTime.Add(delta)
	}
	if !p.stageTime.IsZero() {
		p.stageTime = p.stageTime.Add(delta)
	}
}

// Callbacks is the contract the coordinator offers to a running checker.
type Callbacks interface {
	// RequestMorePars unpauses par2 volumes to cover blockNeeded recovery
	// blocks. Returns ok when the demand is satisfied or par files remain
	// in flight, plus the number of blocks found.
	RequestMorePars(blockNeeded int) (ok bool, blockFound int)
	// FindFileCrc consults the completed-file records for a fast verify.
	FindFileCrc(filename string) (status queue.CompletedStatus, crc uint32, known bool, segments []FileSegment)
	// UpdateProgress publishes stage and progress values.
	UpdateProgress(stage PostStage, label string, fileProgress, stageProgress int)
	// RequestDupeSources offers history duplicates as supplemental sources.
	RequestDupeSources() []DupeSource
	// StatDupeSources books the blocks consumed from each dupe source.
	StatDupeSources(sources []DupeSource)
	// Cancelled reports whether the check should stop at the next boundary.
	Cancelled() bool
}

// FileSegment mirrors the per-article state of a partial file.
type FileSegment struct {
	Finished bool
	Offset   int64
	Size     int64
	Crc      uint32
}

// DupeSource is one history duplicate whose files may donate blocks.
type DupeSource struct {
	NzbID      int
	Directory  string
	UsedBlocks int
}

// Checker runs the parity verification and repair for one collection. The
// concrete implementation wraps the external PAR2 library.
type Checker interface {
	Check(ctx context.Context, destDir, nzbName, parFilename string, cb Callbacks) CheckStatus
	// AddParFile feeds a freshly downloaded par2 volume into a running check.
	AddParFile(path string)
}

// FileStateLoader loads the per-article state of a partially completed file;
// wired to the disk state reader by the engine.
type FileStateLoader func(fileID int) ([]FileSegment, bool)

// Coordinator owns the post-processing queue and drives one check at a time.
type Coordinator struct {
	dq      *queue.DownloadQueue
	cfg     config.ParConfig
	checker Checker
	matcher *DupeMatcher
	log     *slog.Logger

	stateLoader FileStateLoader

	mu      sync.Mutex
	queue   []*PostInfo
	current *PostInfo

	pausePost atomic.Bool
	stopped   atomic.Bool
	wake      chan struct{}
}

// NewCoordinator creates the PAR coordinator.
func NewCoordinator(dq *queue.DownloadQueue, cfg config.ParConfig, checker Checker) *Coordinator {
	return &Coordinator{
		dq:      dq,
		cfg:     cfg,
		checker: checker,
		matcher: NewDupeMatcher(cfg.DupeSizeDiffPercent),
		log:     slog.Default().With("component", "par"),
		wake:    make(chan struct{}, 1),
	}
}

// SetFileStateLoader installs the partial-file state hook.
func (c *Coordinator) SetFileStateLoader(loader FileStateLoader) {
	c.stateLoader = loader
}

// SetPausePostProcess suspends running and pending checks.
func (c *Coordinator) SetPausePostProcess(paused bool) {
	c.pausePost.Store(paused)
	if !paused {
		c.kick()
	}
}

// PausedPostProcess reports the post-process pause flag.
func (c *Coordinator) PausedPostProcess() bool { return c.pausePost.Load() }

func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// HandleQueueEvent receives queue events in commit order.
func (c *Coordinator) HandleQueueEvent(ev queue.Event) {
	switch ev.Kind {
	case queue.EventNzbDownloaded:
		c.enqueue(ev.NzbID)
	case queue.EventFileDownloaded:
		c.routeParFile(ev.NzbID, ev.FileID)
	}
}

func (c *Coordinator) enqueue(nzbID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.queue {
		if p.NzbID == nzbID {
			return
		}
	}
	c.queue = append(c.queue, &PostInfo{NzbID: nzbID, stage: StageQueued})
	c.kick()
}

// routeParFile feeds a newly assembled par2 volume into a running check of
// the same collection (AddPar in the original design).
func (c *Coordinator) routeParFile(nzbID, fileID int) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current == nil || current.NzbID != nzbID {
		return
	}

	var path string
	c.dq.View(func(q *queue.Queue) {
		nzb := q.Find(nzbID)
		if nzb == nil {
			return
		}
		f := nzb.FindFile(fileID)
		if f == nil || !f.ParFile {
			return
		}
		path = filepath.Join(nzb.DestDir, f.Filename)
	})

	if path != "" {
		c.checker.AddParFile(path)
	}
}

// Run processes the post queue serially until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		post := c.nextPost()
		if post == nil {
			select {
			case <-ctx.Done():
				c.stopped.Store(true)
				return nil
			case <-c.wake:
				continue
			}
		}

		c.process(ctx, post)

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}
}

func (c *Coordinator) nextPost() *PostInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 || c.pausePost.Load() {
		return nil
	}
	post := c.queue[0]
	c.queue = c.queue[1:]
	c.current = post
	return post
}

// process runs the parity stage machine for one NZB.
func (c *Coordinator) process(ctx context.Context, post *PostInfo) {
	var destDir, nzbName, parFilename string
	skip := false

	c.dq.View(func(q *queue.Queue) {
		nzb := q.FindAnywhere(post.NzbID)
		if nzb == nil || nzb.DeleteStatus != queue.DeleteNone {
			skip = true
			return
		}
		destDir = nzb.DestDir
		nzbName = nzb.Name
		parFilename = mainParFile(nzb)
	})
	if skip {
		return
	}

	if parFilename == "" {
		c.dq.Update(func(q *queue.Queue) {
			if nzb := q.FindAnywhere(post.NzbID); nzb != nil && nzb.ParStatus == queue.ParNone {
				nzb.ParStatus = queue.ParSkipped
				nzb.AddMessage(queue.MessageInfo, "Collection has no par2 files, skipping par-check")
				q.MarkChanged()
			}
		})
		return
	}

	c.log.Info("Checking pars", "nzb", nzbName, "par", parFilename)

	post.mu.Lock()
	post.startTime = time.Now()
	post.stage = StageLoadingPars
	post.stageTime = post.startTime
	post.mu.Unlock()

	parStart := time.Now()
	fullParPath := filepath.Join(destDir, parFilename)
	status := c.checker.Check(ctx, destDir, nzbName, fullParPath, &callbacks{c: c, post: post, parFilename: fullParPath})
	parSec := int(time.Since(parStart).Seconds())

	c.dq.Update(func(q *queue.Queue) {
		nzb := q.FindAnywhere(post.NzbID)
		if nzb == nil {
			return
		}

		switch status {
		case CheckRepaired, CheckRepairNotNeeded:
			if nzb.ParStatus <= queue.ParSkipped {
				nzb.ParStatus = queue.ParSuccess
			}
		case CheckRepairPossible:
			if nzb.ParStatus != queue.ParFailure {
				nzb.ParStatus = queue.ParRepairPossible
			}
		default:
			nzb.ParStatus = queue.ParFailure
		}

		nzb.ParSec += parSec
		nzb.AddMessage(queue.MessageInfo,
			fmt.Sprintf("Par-check for %s finished: %s", nzbName, parStatusText(status)))
		q.MarkChanged()
	})

	post.mu.Lock()
	post.stage = StageFinished
	post.mu.Unlock()
}

func parStatusText(status CheckStatus) string {
	switch status {
	case CheckRepairNotNeeded:
		return "repair not needed"
	case CheckRepaired:
		return "repaired"
	case CheckRepairPossible:
		return "repair possible but not performed"
	default:
		return "failed"
	}
}

// mainParFile picks the collection's index par2 (smallest block count, then
// shortest name) from the completed files.
func mainParFile(nzb *queue.NzbInfo) string {
	var candidates []string
	for _, cf := range nzb.CompletedFiles {
		if maybeParFile(cf.Filename) {
			candidates = append(candidates, cf.Filename)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		_, bi, _ := ParseParFilename(candidates[i])
		_, bj, _ := ParseParFilename(candidates[j])
		if bi != bj {
			return bi < bj
		}
		return len(candidates[i]) < len(candidates[j])
	})
	return candidates[0]
}

// PausePars applies the pause-extra-pars edit to an NZB; only the index par2
// stays unpaused until repair demands more blocks. The NZB loader pauses
// extra pars on its own and does not call it.
func (c *Coordinator) PausePars(q *queue.Queue, nzb *queue.NzbInfo) {
	q.EditEntry(nzb.ID, queue.ActionGroupPauseExtraPars, 0, "")
}

// blockInfo pairs a par file with its recovery block count.
type blockInfo struct {
	file   *queue.FileInfo
	blocks int
}

// RequestMorePars unpauses par2 volumes of the collection until blockNeeded
// recovery blocks are covered. Returns true when either the demand is
// satisfied or at least one par file is still in flight, so the checker
// blocks on its download instead of failing immediately.
func (c *Coordinator) RequestMorePars(nzbID int, parFilename string, blockNeeded int) (bool, int) {
	blockFound := 0
	ok := false

	c.dq.Update(func(q *queue.Queue) {
		nzb := q.FindAnywhere(nzbID)
		if nzb == nil {
			return
		}

		// three passes of increasing looseness
		var blocks []*blockInfo
		for _, pass := range []findPass{passExact, passStrict, passAny} {
			if blockFound >= blockNeeded {
				break
			}
			found := findPars(nzb, parFilename, pass, &blocks)
			blockFound += found
		}

		if blockFound >= blockNeeded {
			// phase 1: exact fit, largest block count <= need first
			for blockNeeded > 0 {
				var best *blockInfo
				for _, bi := range blocks {
					if bi.blocks <= blockNeeded && (best == nil || best.blocks < bi.blocks) {
						best = bi
					}
				}
				if best == nil {
					break
				}
				unpauseParFile(nzb, best.file, c.log)
				blockNeeded -= best.blocks
				for i, bi := range blocks {
					if bi == best {
						blocks = append(blocks[:i], blocks[i+1:]...)
						break
					}
				}
			}

			// phase 2: overshoot from the front when the collection is not
			// built exponentially or volumes are missing
			for i := 0; blockNeeded > 0 && i < len(blocks); i++ {
				unpauseParFile(nzb, blocks[i].file, c.log)
				blockNeeded -= blocks[i].blocks
			}
		}

		hasUnpausedPars := false
		for _, f := range nzb.Files {
			if f.ParFile && !f.Paused && !f.Terminal() {
				hasUnpausedPars = true
				break
			}
		}

		ok = blockNeeded <= 0 || hasUnpausedPars
		q.MarkChanged()
	})

	return ok, blockFound
}

type findPass int

const (
	passExact findPass = iota
	passStrict
	passAny
)

// findPars collects pending par files of the collection into blocks,
// honoring the pass looseness. Returns the blocks found in this pass.
func findPars(nzb *queue.NzbInfo, parFilename string, pass findPass, blocks *[]*blockInfo) int {
	base, _, ok := ParseParFilename(filepath.Base(parFilename))
	if !ok {
		return 0
	}
	base = strings.ToLower(base)

	found := 0
	for _, f := range nzb.Files {
		_, blockCount, parOK := ParseParFilename(f.Filename)
		if !parOK || blockCount <= 0 {
			continue
		}

		use := false
		switch pass {
		case passExact:
			use = SameParCollection(f.Filename, filepath.Base(parFilename))
		case passStrict:
			lo := strings.ToLower(f.Filename)
			use = strings.Contains(lo, base+".par2") || strings.Contains(lo, base+".vol")
		case passAny:
			use = true
		}
		if !use {
			continue
		}

		already := false
		for _, bi := range *blocks {
			if bi.file == f {
				already = true
				break
			}
		}
		if already {
			continue
		}

		*blocks = append(*blocks, &blockInfo{file: f, blocks: blockCount})
		found += blockCount
	}

	return found
}

func unpauseParFile(nzb *queue.NzbInfo, f *queue.FileInfo, log *slog.Logger) {
	if !f.Paused {
		return
	}
	log.Info("Unpausing par file for par-recovery", "nzb", nzb.Name, "file", f.Filename)
	nzb.AddMessage(queue.MessageInfo,
		fmt.Sprintf("Unpausing %s/%s for par-recovery", nzb.Name, f.Filename))
	f.Paused = false
	f.ExtraPriority = true
}
