package engine

import (
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/remote"
)

// The engine implements remote.Control for both the binary protocol and the
// HTTP API.

var _ remote.Control = (*Engine)(nil)

var speedMu sync.Mutex

// Log serves the global message ring.
func (e *Engine) Log(fromID, count int) []remote.LogEntry {
	return e.msglog.Range(fromID, count)
}

// ListQueue snapshots the active queue and summary counters.
func (e *Engine) ListQueue() ([]remote.QueueEntry, remote.Summary) {
	var entries []remote.QueueEntry
	var remaining int64

	e.dq.View(func(q *queue.Queue) {
		for _, nzb := range q.Nzbs() {
			size := nzb.Size()
			left := size - nzb.SuccessSize() - nzb.FailedSize()
			if left < 0 {
				left = 0
			}
			remaining += left

			entries = append(entries, remote.QueueEntry{
				ID:        nzb.ID,
				Name:      nzb.Name,
				Size:      size,
				Remaining: left,
				Priority:  nzb.Priority,
				Paused:    nzb.Paused,
				Health:    nzb.Health(),
			})
		}
	})

	summary := remote.Summary{
		DownloadRate:   e.currentSpeed(),
		RemainingSize:  remaining,
		DownloadPaused: e.coord.Paused(),
		PostPaused:     e.parCoord.PausedPostProcess(),
		ScanPaused:     e.scanPaused.Load(),
	}

	return entries, summary
}

// currentSpeed derives bytes/s from the downloaded-bytes counter deltas
// between status polls.
func (e *Engine) currentSpeed() int64 {
	speedMu.Lock()
	defer speedMu.Unlock()

	now := time.Now()
	total := e.coord.TotalDownloaded()

	elapsed := now.Sub(e.lastTime).Seconds()
	if elapsed <= 0 {
		return 0
	}

	speed := int64(float64(total-e.lastTotal) / elapsed)
	e.lastTotal = total
	e.lastTime = now

	if speed < 0 {
		return 0
	}
	return speed
}

// PauseTarget flips a pause flag; unknown targets fail.
func (e *Engine) PauseTarget(target remote.PauseTarget, pause bool) bool {
	switch target {
	case remote.PauseDownload:
		e.coord.SetPaused(pause)
	case remote.PausePostProcess:
		e.parCoord.SetPausePostProcess(pause)
	case remote.PauseScan:
		e.scanPaused.Store(pause)
	default:
		return false
	}

	e.log.Info("Pause state changed", "target", int(target), "paused", pause)
	return true
}

// SetDownloadRate caps the aggregate download speed; zero lifts the limit.
func (e *Engine) SetDownloadRate(bytesPerSec int64) bool {
	if bytesPerSec < 0 {
		return false
	}
	e.limiter.SetRate(bytesPerSec)
	e.log.Info("Download rate changed", "bytes_per_sec", bytesPerSec)
	return true
}

// EditQueue applies an edit action; the action codes are the queue package's
// EditAction values.
func (e *Engine) EditQueue(action, offset int, ids []int, names []string, matchMode int) bool {
	text := ""
	if len(names) > 0 {
		text = names[0]
	}

	var err error
	e.dq.Update(func(q *queue.Queue) {
		mode := queue.MatchMode(matchMode)
		if mode == queue.MatchName {
			err = q.EditList(nil, names, mode, queue.EditAction(action), offset, text)
		} else {
			err = q.EditList(ids, nil, mode, queue.EditAction(action), offset, text)
		}
	})

	if err != nil {
		e.log.Warn("Queue edit rejected", "action", action, "err", err)
		return false
	}
	return true
}
