package queue

import (
	"fmt"
	"regexp"
	"strings"
)

// EditAction is the stable control vocabulary exposed to frontends.
type EditAction int

const (
	ActionGroupDelete EditAction = iota
	ActionGroupDupeDelete
	ActionGroupFinalDelete
	ActionGroupPause
	ActionGroupResume
	ActionGroupMoveOffset
	ActionGroupMoveTop
	ActionGroupMoveBottom
	ActionGroupSetPriority
	ActionGroupSetName
	ActionGroupSetCategory
	ActionGroupSetParameter
	ActionGroupMerge
	ActionGroupSplit
	ActionGroupPauseExtraPars
	ActionGroupMarkBad
	ActionGroupMarkGood
	ActionFilePause
	ActionFileResume
)

// MatchMode selects how EditList resolves its targets.
type MatchMode int

const (
	MatchID MatchMode = iota
	MatchName
)

var extraParVolume = regexp.MustCompile(`(?i)\.vol\d+\+\d+\.par2$`)

// EditEntry applies one action to one NZB. Returns false when the id is
// unknown.
func (q *Queue) EditEntry(nzbID int, action EditAction, offset int, text string) bool {
	err := q.EditList([]int{nzbID}, nil, MatchID, action, offset, text)
	return err == nil
}

// EditList applies an action to a set of entries resolved by id or name.
// The edit is atomic: targets are resolved up-front and nothing is mutated
// when any of them cannot be resolved.
func (q *Queue) EditList(ids []int, names []string, matchMode MatchMode, action EditAction, offset int, text string) error {
	var targets []*NzbInfo

	switch matchMode {
	case MatchID:
		for _, id := range ids {
			nzb := q.Find(id)
			if nzb == nil {
				return fmt.Errorf("no queue entry with id %d", id)
			}
			targets = append(targets, nzb)
		}
	case MatchName:
		for _, name := range names {
			found := false
			for _, nzb := range q.nzbs {
				if strings.EqualFold(nzb.Name, name) {
					targets = append(targets, nzb)
					found = true
				}
			}
			if !found {
				return fmt.Errorf("no queue entry named %q", name)
			}
		}
	}

	if len(targets) == 0 {
		return fmt.Errorf("edit matched no entries")
	}

	if action == ActionGroupMerge {
		return q.mergeEntries(targets)
	}

	for _, nzb := range targets {
		if err := q.applyAction(nzb, action, offset, text); err != nil {
			return err
		}
	}

	q.MarkChanged()
	return nil
}

func (q *Queue) applyAction(nzb *NzbInfo, action EditAction, offset int, text string) error {
	switch action {
	case ActionGroupDelete:
		q.deleteEntry(nzb, DeleteManual)

	case ActionGroupDupeDelete:
		q.deleteEntry(nzb, DeleteDupe)

	case ActionGroupFinalDelete:
		q.Remove(nzb)
		q.Emit(Event{Kind: EventNzbDeleted, NzbID: nzb.ID})

	case ActionGroupPause:
		nzb.Paused = true
		for _, f := range nzb.Files {
			f.Paused = true
		}

	case ActionGroupResume:
		nzb.Paused = false
		for _, f := range nzb.Files {
			f.Paused = false
		}

	case ActionGroupMoveOffset:
		q.moveEntry(nzb, offset)

	case ActionGroupMoveTop:
		q.moveEntry(nzb, -len(q.nzbs))

	case ActionGroupMoveBottom:
		q.moveEntry(nzb, len(q.nzbs))

	case ActionGroupSetPriority:
		nzb.Priority = offset

	case ActionGroupSetName:
		if text == "" {
			return fmt.Errorf("rename needs a name")
		}
		nzb.Name = text

	case ActionGroupSetCategory:
		nzb.Category = text

	case ActionGroupSetParameter:
		name, value, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("set-parameter needs name=value, got %q", text)
		}
		nzb.Parameters.Set(name, value)

	case ActionGroupSplit:
		return fmt.Errorf("split requires SplitGroup with an explicit file list")

	case ActionGroupPauseExtraPars:
		for _, f := range nzb.Files {
			if f.ParFile && extraParVolume.MatchString(f.Filename) {
				f.Paused = true
			}
		}

	case ActionGroupMarkBad:
		nzb.SetMarkStatus(MarkBad)
		q.deleteEntry(nzb, DeleteBad)

	case ActionGroupMarkGood:
		nzb.SetMarkStatus(MarkGood)

	case ActionFilePause:
		for _, f := range nzb.Files {
			f.Paused = true
		}

	case ActionFileResume:
		for _, f := range nzb.Files {
			f.Paused = false
		}

	default:
		return fmt.Errorf("unknown edit action %d", action)
	}

	return nil
}

// DeleteNzb marks an NZB for draining with the given status, e.g. when its
// health dropped below the threshold.
func (q *Queue) DeleteNzb(nzb *NzbInfo, status DeleteStatus) {
	q.deleteEntry(nzb, status)
	q.MarkChanged()
}

// deleteEntry marks an NZB for draining. The scheduler observes the delete
// status, cancels workers at the next article boundary and retires the entry
// to history once drained.
func (q *Queue) deleteEntry(nzb *NzbInfo, status DeleteStatus) {
	nzb.SetDeleteStatus(status)
	for _, f := range nzb.Files {
		for _, a := range f.Articles {
			if a.Status == ArticleUndefined {
				a.Status = ArticleFailed
				f.MissedSize += a.Size
			}
		}
	}
}

func (q *Queue) moveEntry(nzb *NzbInfo, offset int) {
	from := -1
	for i, cur := range q.nzbs {
		if cur == nzb {
			from = i
			break
		}
	}
	if from < 0 {
		return
	}

	to := from + offset
	if to < 0 {
		to = 0
	}
	if to > len(q.nzbs)-1 {
		to = len(q.nzbs) - 1
	}
	if to == from {
		return
	}

	q.nzbs = append(q.nzbs[:from], q.nzbs[from+1:]...)
	q.nzbs = append(q.nzbs[:to], append([]*NzbInfo{nzb}, q.nzbs[to:]...)...)
}

// mergeEntries folds all files of the trailing targets into the first one.
func (q *Queue) mergeEntries(targets []*NzbInfo) error {
	if len(targets) < 2 {
		return fmt.Errorf("merge needs at least two entries")
	}

	dest := targets[0]
	for _, src := range targets[1:] {
		if src == dest {
			continue
		}
		for _, f := range src.Files {
			f.NzbID = dest.ID
			dest.Files = append(dest.Files, f)
		}
		dest.CompletedFiles = append(dest.CompletedFiles, src.CompletedFiles...)
		src.Files = nil
		q.Remove(src)
	}

	q.MarkChanged()
	return nil
}

// SplitGroup moves the given files of an NZB into a new entry with the given
// name. All file ids must belong to the source NZB or nothing happens.
func (q *Queue) SplitGroup(nzbID int, fileIDs []int, name string) (*NzbInfo, error) {
	src := q.Find(nzbID)
	if src == nil {
		return nil, fmt.Errorf("no queue entry with id %d", nzbID)
	}

	var moved []*FileInfo
	for _, fileID := range fileIDs {
		f := src.FindFile(fileID)
		if f == nil {
			return nil, fmt.Errorf("file %d does not belong to %s", fileID, src.Name)
		}
		moved = append(moved, f)
	}
	if len(moved) == 0 {
		return nil, fmt.Errorf("split needs at least one file")
	}

	dest := &NzbInfo{
		ID:       q.AllocNzbID(),
		Name:     name,
		Filename: src.Filename,
		DestDir:  src.DestDir,
		Category: src.Category,
		Priority: src.Priority,
		DupeMode: src.DupeMode,
	}

	for _, f := range moved {
		for i, cur := range src.Files {
			if cur == f {
				src.Files = append(src.Files[:i], src.Files[i+1:]...)
				break
			}
		}
		f.NzbID = dest.ID
		dest.Files = append(dest.Files, f)
	}

	// insert the new group right after the source
	for i, cur := range q.nzbs {
		if cur == src {
			q.nzbs = append(q.nzbs[:i+1], append([]*NzbInfo{dest}, q.nzbs[i+1:]...)...)
			break
		}
	}

	q.MarkChanged()
	return dest, nil
}
