package par

import (
	"fmt"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/queue"
)

// callbacks implements the Callbacks contract for one running check.
type callbacks struct {
	c           *Coordinator
	post        *PostInfo
	parFilename string

	repairTime time.Time
}

func (cb *callbacks) RequestMorePars(blockNeeded int) (bool, int) {
	return cb.c.RequestMorePars(cb.post.NzbID, cb.parFilename, blockNeeded)
}

func (cb *callbacks) FindFileCrc(filename string) (queue.CompletedStatus, uint32, bool, []FileSegment) {
	var cf *queue.CompletedFile

	cb.c.dq.View(func(q *queue.Queue) {
		nzb := q.FindAnywhere(cb.post.NzbID)
		if nzb == nil {
			return
		}
		for i := range nzb.CompletedFiles {
			if strings.EqualFold(nzb.CompletedFiles[i].Filename, filename) {
				copied := nzb.CompletedFiles[i]
				cf = &copied
				break
			}
		}
	})

	if cf == nil {
		return queue.CompletedFailure, 0, false, nil
	}

	var segments []FileSegment
	if cf.Status == queue.CompletedPartial && cf.FileID > 0 && cb.c.stateLoader != nil {
		if segs, ok := cb.c.stateLoader(cf.FileID); ok {
			segments = segs
		}
	}

	return cf.Status, cf.Crc, cf.CrcKnown, segments
}

// UpdateProgress publishes checker progress and enforces the repair time
// limit. stageProgress is per-mille.
func (cb *callbacks) UpdateProgress(stage PostStage, label string, fileProgress, stageProgress int) {
	post := cb.post

	post.mu.Lock()
	if post.stage != stage {
		post.stage = stage
		post.stageTime = time.Now()
		if stage == StageRepairing {
			cb.repairTime = time.Now()
		} else if stage == StageVerifyingRepaired && !cb.repairTime.IsZero() {
			repairSec := int(time.Since(cb.repairTime).Seconds())
			cb.c.dq.Update(func(q *queue.Queue) {
				if nzb := q.FindAnywhere(post.NzbID); nzb != nil {
					nzb.RepairSec += repairSec
				}
			})
		}
	}
	post.progressLabel = label
	post.fileProgress = fileProgress
	post.stageProgress = stageProgress
	stageTime := post.stageTime
	startTime := post.startTime
	post.mu.Unlock()

	cb.checkRepairTimeout(stage, stageTime, startTime, stageProgress)
	cb.checkPauseState()
}

// checkRepairTimeout extrapolates the total repair time linearly from the
// stage progress once a grace period has elapsed and cancels the check when
// the projection exceeds the configured limit.
func (cb *callbacks) checkRepairTimeout(stage PostStage, stageTime, startTime time.Time, stageProgress int) {
	limit := cb.c.cfg.TimeLimit
	if limit <= 0 || stage != StageRepairing || cb.post.Cancelled() {
		return
	}

	grace := 5 * time.Minute
	if limit <= 5 {
		grace = time.Minute
	}
	now := time.Now()
	if now.Sub(stageTime) <= grace {
		return
	}

	if stageProgress <= 0 {
		stageProgress = 1
	}
	estimated := int(now.Sub(startTime).Seconds()) * 1000 / stageProgress
	if estimated > limit*60 {
		cb.c.log.Warn("Cancelling par-repair, estimated repair time exceeds limit",
			"estimated_min", estimated/60, "limit_min", limit)
		cb.c.dq.Update(func(q *queue.Queue) {
			if nzb := q.FindAnywhere(cb.post.NzbID); nzb != nil {
				nzb.AddMessage(queue.MessageWarning, fmt.Sprintf(
					"Cancelling par-repair: estimated repair time (%d minutes) exceeds allowed repair time", estimated/60))
			}
		})
		cb.post.Cancel()
	}
}

// checkPauseState blocks the checker while post-processing is paused and
// advances the time stamps by the pause delta.
func (cb *callbacks) checkPauseState() {
	for cb.c.pausePost.Load() && !cb.c.stopped.Load() {
		waitStart := time.Now()
		time.Sleep(50 * time.Millisecond)
		cb.post.shift(time.Since(waitStart))
	}
}

// RequestDupeSources enumerates history NZBs sharing the dupe key whose
// destination content matches the expected size within tolerance.
func (cb *callbacks) RequestDupeSources() []DupeSource {
	var sources []DupeSource

	cb.c.dq.View(func(q *queue.Queue) {
		nzb := q.FindAnywhere(cb.post.NzbID)
		if nzb == nil || nzb.DupeKey == "" {
			return
		}

		expectedSize := nzb.Size()
		for _, hist := range q.History() {
			if hist.Kind != queue.HistoryNzb || hist.Nzb == nil || hist.Nzb.ID == nzb.ID {
				continue
			}
			if hist.Nzb.DupeKey != nzb.DupeKey {
				continue
			}
			if cb.c.matcher.MatchDupeContent(hist.Nzb.DestDir, expectedSize) {
				sources = append(sources, DupeSource{
					NzbID:     hist.Nzb.ID,
					Directory: hist.Nzb.DestDir,
				})
			}
		}
	})

	if len(sources) == 0 {
		cb.c.log.Info("No usable dupe scan sources found")
	}
	return sources
}

// StatDupeSources deducts the consumed blocks from each source's extra-par
// balance and credits them to the checked NZB. The deduction is part of the
// queue state and reaches the next snapshot.
func (cb *callbacks) StatDupeSources(sources []DupeSource) {
	cb.c.dq.Update(func(q *queue.Queue) {
		total := 0
		for _, src := range sources {
			if src.UsedBlocks <= 0 {
				continue
			}
			for _, hist := range q.History() {
				if hist.Kind == queue.HistoryNzb && hist.Nzb != nil && hist.Nzb.ID == src.NzbID {
					hist.Nzb.ExtraParBlocks -= src.UsedBlocks
				}
			}
			total += src.UsedBlocks
		}

		if nzb := q.FindAnywhere(cb.post.NzbID); nzb != nil {
			nzb.ExtraParBlocks += total
		}
		q.MarkChanged()
	})
}

func (cb *callbacks) Cancelled() bool {
	return cb.post.Cancelled() || cb.c.stopped.Load()
}
