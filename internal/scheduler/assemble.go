package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/javi11/nzbd/internal/decoder"
	"github.com/javi11/nzbd/internal/queue"
)

// SegmentState is the per-article record handed to the file-state saver for
// partial recovery after a restart.
type SegmentState struct {
	Part     int
	Finished bool
	Offset   int64
	Size     int64
	Crc      uint32
}

// FileStateSaver persists per-file article state; wired to the disk state
// writer by the engine.
type FileStateSaver func(fileID int, segments []SegmentState) error

// SetFileStateSaver installs the partial-file state hook. Must be called
// before Run.
func (c *Coordinator) SetFileStateSaver(saver FileStateSaver) {
	c.stateSaver = saver
}

type assemblySegment struct {
	Part        int
	Offset      int64
	SegmentPath string
	Finished    bool
	Crc         uint32
	CrcKnown    bool
}

type assembly struct {
	NzbID    int
	FileID   int
	NzbName  string
	Filename string
	DestDir  string
	Segments []assemblySegment
}

// snapshotAssembly copies everything assembly needs while the queue lock is
// held; the articles are terminal and no longer mutate.
func snapshotAssembly(nzb *queue.NzbInfo, f *queue.FileInfo) *assembly {
	as := &assembly{
		NzbID:    nzb.ID,
		FileID:   f.ID,
		NzbName:  nzb.Name,
		Filename: f.Filename,
		DestDir:  nzb.DestDir,
	}
	for _, a := range f.Articles {
		as.Segments = append(as.Segments, assemblySegment{
			Part:        a.PartNumber,
			Offset:      a.Offset,
			SegmentPath: a.SegmentPath,
			Finished:    a.Status == queue.ArticleFinished,
			Crc:         a.Crc,
			CrcKnown:    a.CrcKnown,
		})
	}
	sort.Slice(as.Segments, func(i, j int) bool {
		return as.Segments[i].Part < as.Segments[j].Part
	})
	return as
}

// assemble joins the segment files into the destination file and records the
// outcome. Runs outside the queue lock.
func (c *Coordinator) assemble(as *assembly) {
	status, crc, crcKnown, err := c.writeOutput(as)

	finished, total := 0, len(as.Segments)
	for _, seg := range as.Segments {
		if seg.Finished {
			finished++
		}
	}

	var state []SegmentState
	if status == queue.CompletedPartial {
		for _, seg := range as.Segments {
			size := int64(0)
			if seg.SegmentPath != "" {
				if fi, serr := os.Stat(seg.SegmentPath); serr == nil {
					size = fi.Size()
				}
			}
			state = append(state, SegmentState{
				Part:     seg.Part,
				Finished: seg.Finished,
				Offset:   seg.Offset,
				Size:     size,
				Crc:      seg.Crc,
			})
		}
	}

	if state != nil && c.stateSaver != nil {
		if serr := c.stateSaver(as.FileID, state); serr != nil {
			c.log.Warn("Cannot save partial file state", "file", as.Filename, "err", serr)
		}
	}

	var cleanup []string
	if status == queue.CompletedSuccess {
		for _, seg := range as.Segments {
			if seg.SegmentPath != "" {
				cleanup = append(cleanup, seg.SegmentPath)
			}
		}
	}

	c.dq.Update(func(q *queue.Queue) {
		delete(c.assembling, as.FileID)

		nzb := q.Find(as.NzbID)
		if nzb == nil {
			return
		}
		f := nzb.FindFile(as.FileID)
		if f == nil {
			return
		}

		f.OutputPath = filepath.Join(as.DestDir, as.Filename)

		completedID := 0
		if status == queue.CompletedPartial {
			completedID = as.FileID
		}
		nzb.CompletedFiles = append(nzb.CompletedFiles, queue.CompletedFile{
			Filename: as.Filename,
			Crc:      crc,
			CrcKnown: crcKnown,
			Status:   status,
			FileID:   completedID,
		})

		if err != nil {
			nzb.AddMessage(queue.MessageError,
				fmt.Sprintf("Could not assemble %s: %v", as.Filename, err))
		} else {
			nzb.AddMessage(queue.MessageInfo,
				fmt.Sprintf("Assembled %s (%d/%d articles)", as.Filename, finished, total))
		}

		q.Emit(queue.Event{Kind: queue.EventFileDownloaded, NzbID: nzb.ID, FileID: as.FileID})

		if nzb.Terminal() && !c.anyAssembling(nzb) {
			q.Emit(queue.Event{Kind: queue.EventNzbDownloaded, NzbID: nzb.ID})
		}
		q.MarkChanged()
	})

	for _, path := range cleanup {
		_ = os.Remove(path)
	}
}

func (c *Coordinator) anyAssembling(nzb *queue.NzbInfo) bool {
	for _, f := range nzb.Files {
		if c.assembling[f.ID] {
			return true
		}
	}
	return false
}

// writeOutput joins segments at their offsets, combines article CRCs and
// classifies the result.
func (c *Coordinator) writeOutput(as *assembly) (queue.CompletedStatus, uint32, bool, error) {
	finished, withData := 0, 0
	for _, seg := range as.Segments {
		if seg.Finished {
			finished++
		}
		if seg.SegmentPath != "" {
			withData++
		}
	}

	if withData == 0 {
		return queue.CompletedFailure, 0, false, nil
	}

	if err := os.MkdirAll(as.DestDir, 0o755); err != nil {
		return queue.CompletedFailure, 0, false, err
	}

	outPath := filepath.Join(as.DestDir, as.Filename)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return queue.CompletedFailure, 0, false, err
	}

	var combined uint32
	crcKnown := true
	first := true

	for _, seg := range as.Segments {
		if seg.SegmentPath == "" {
			crcKnown = false
			continue
		}

		in, err := os.Open(seg.SegmentPath)
		if err != nil {
			_ = out.Close()
			return queue.CompletedFailure, 0, false, err
		}

		fi, err := in.Stat()
		if err == nil {
			if _, err = out.Seek(seg.Offset, io.SeekStart); err == nil {
				_, err = io.Copy(out, in)
			}
		}
		_ = in.Close()
		if err != nil {
			_ = out.Close()
			c.handleDiskError(err)
			return queue.CompletedFailure, 0, false, err
		}

		if seg.Finished && seg.CrcKnown {
			if first {
				combined = seg.Crc
				first = false
			} else {
				combined = decoder.Crc32Combine(combined, seg.Crc, fi.Size())
			}
		} else {
			crcKnown = false
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return queue.CompletedFailure, 0, false, err
	}
	if err := out.Close(); err != nil {
		return queue.CompletedFailure, 0, false, err
	}

	switch {
	case finished == len(as.Segments):
		return queue.CompletedSuccess, combined, crcKnown, nil
	case finished > 0:
		return queue.CompletedPartial, combined, false, nil
	default:
		return queue.CompletedFailure, 0, false, nil
	}
}

// handleDiskError pauses all downloads when the disk ran full.
func (c *Coordinator) handleDiskError(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "no space left") {
		c.log.Error("Disk full, pausing downloads")
		c.SetPaused(true)
	}
}
