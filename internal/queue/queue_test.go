package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildNzb(q *Queue, name string, fileCount int) *NzbInfo {
	nzb := &NzbInfo{ID: q.AllocNzbID(), Name: name, DestDir: "/dl/" + name}
	for i := 0; i < fileCount; i++ {
		f := &FileInfo{
			ID:       q.AllocFileID(),
			NzbID:    nzb.ID,
			Filename: name + ".part",
			Size:     1000,
			Articles: []*ArticleInfo{
				{PartNumber: 1, MessageID: "m1", Size: 500},
				{PartNumber: 2, MessageID: "m2", Offset: 500, Size: 500},
			},
		}
		nzb.Files = append(nzb.Files, f)
	}
	q.Add(nzb, false)
	return nzb
}

func TestPauseIsIdempotent(t *testing.T) {
	dq := NewDownloadQueue()
	var nzb *NzbInfo

	dq.Update(func(q *Queue) {
		nzb = buildNzb(q, "a", 2)
		require.True(t, q.EditEntry(nzb.ID, ActionGroupPause, 0, ""))
	})

	snapshot := func() (bool, []bool) {
		var paused bool
		var files []bool
		dq.View(func(q *Queue) {
			n := q.Find(nzb.ID)
			paused = n.Paused
			for _, f := range n.Files {
				files = append(files, f.Paused)
			}
		})
		return paused, files
	}

	paused1, files1 := snapshot()

	dq.Update(func(q *Queue) {
		require.True(t, q.EditEntry(nzb.ID, ActionGroupPause, 0, ""))
	})
	paused2, files2 := snapshot()

	assert.Equal(t, paused1, paused2)
	assert.Equal(t, files1, files2)
	assert.True(t, paused2)
}

func TestDeleteStatusIsSticky(t *testing.T) {
	nzb := &NzbInfo{}
	nzb.SetDeleteStatus(DeleteHealth)
	nzb.SetDeleteStatus(DeleteNone)
	assert.Equal(t, DeleteHealth, nzb.DeleteStatus)
}

func TestMarkBadIsSticky(t *testing.T) {
	nzb := &NzbInfo{}
	nzb.SetMarkStatus(MarkBad)
	nzb.SetMarkStatus(MarkGood)
	assert.Equal(t, MarkBad, nzb.MarkStatus)
}

func TestEditListIsAtomic(t *testing.T) {
	dq := NewDownloadQueue()
	var id int

	dq.Update(func(q *Queue) {
		id = buildNzb(q, "a", 1).ID
	})

	dq.Update(func(q *Queue) {
		// one valid target plus one unknown: nothing may change
		err := q.EditList([]int{id, 9999}, nil, MatchID, ActionGroupPause, 0, "")
		require.Error(t, err)

		assert.False(t, q.Find(id).Paused)
	})
}

func TestGroupDeleteDrainsArticles(t *testing.T) {
	dq := NewDownloadQueue()
	var nzb *NzbInfo

	dq.Update(func(q *Queue) {
		nzb = buildNzb(q, "a", 1)
		require.True(t, q.EditEntry(nzb.ID, ActionGroupDelete, 0, ""))
	})

	dq.View(func(q *Queue) {
		n := q.Find(nzb.ID)
		require.NotNil(t, n, "entry stays queued until the scheduler drains it")
		assert.Equal(t, DeleteManual, n.DeleteStatus)
		for _, a := range n.Files[0].Articles {
			assert.Equal(t, ArticleFailed, a.Status)
		}
		assert.Equal(t, int64(1000), n.Files[0].MissedSize)
	})
}

func TestMoveOffset(t *testing.T) {
	dq := NewDownloadQueue()
	var ids []int

	dq.Update(func(q *Queue) {
		for _, name := range []string{"a", "b", "c"} {
			ids = append(ids, buildNzb(q, name, 0).ID)
		}

		require.True(t, q.EditEntry(ids[2], ActionGroupMoveOffset, -2, ""))
		assert.Equal(t, ids[2], q.Nzbs()[0].ID)

		require.True(t, q.EditEntry(ids[2], ActionGroupMoveBottom, 0, ""))
		assert.Equal(t, ids[2], q.Nzbs()[2].ID)

		// offsets are clamped to the list bounds
		require.True(t, q.EditEntry(ids[0], ActionGroupMoveOffset, -100, ""))
		assert.Equal(t, ids[0], q.Nzbs()[0].ID)
	})
}

func TestSetParameter(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		nzb := buildNzb(q, "a", 0)
		require.True(t, q.EditEntry(nzb.ID, ActionGroupSetParameter, 0, "Quality=hd"))
		assert.Equal(t, "hd", nzb.Parameters.Get("Quality"))

		// empty value removes the parameter
		require.True(t, q.EditEntry(nzb.ID, ActionGroupSetParameter, 0, "Quality="))
		assert.Equal(t, "", nzb.Parameters.Get("Quality"))
	})
}

func TestParametersKeepInsertionOrder(t *testing.T) {
	var params Parameters
	params.Set("b", "2")
	params.Set("a", "1")
	params.Set("c", "3")
	params.Set("a", "updated")

	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)
	assert.Equal(t, "updated", params.Get("a"))
}

func TestMergeEntries(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		a := buildNzb(q, "a", 1)
		b := buildNzb(q, "b", 2)

		require.NoError(t, q.EditList([]int{a.ID, b.ID}, nil, MatchID, ActionGroupMerge, 0, ""))

		assert.Len(t, q.Nzbs(), 1)
		assert.Len(t, a.Files, 3)
		for _, f := range a.Files {
			assert.Equal(t, a.ID, f.NzbID)
		}
		assert.Nil(t, q.Find(b.ID))
	})
}

func TestSplitGroup(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		src := buildNzb(q, "a", 3)
		moveID := src.Files[1].ID

		dest, err := q.SplitGroup(src.ID, []int{moveID}, "a.split")
		require.NoError(t, err)

		assert.Len(t, src.Files, 2)
		assert.Len(t, dest.Files, 1)
		assert.Equal(t, dest.ID, dest.Files[0].NzbID)
		assert.Equal(t, "a.split", dest.Name)

		// the new group sits right after the source
		assert.Equal(t, src.ID, q.Nzbs()[0].ID)
		assert.Equal(t, dest.ID, q.Nzbs()[1].ID)
	})
}

func TestSplitGroupUnknownFileIsRejected(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		src := buildNzb(q, "a", 2)

		_, err := q.SplitGroup(src.ID, []int{src.Files[0].ID, 424242}, "x")
		require.Error(t, err)
		assert.Len(t, src.Files, 2, "failed split must not move anything")
	})
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) HandleQueueEvent(ev Event) {
	r.events = append(r.events, ev)
}

func TestMassEditDefersSaveToOneEvent(t *testing.T) {
	dq := NewDownloadQueue()
	rec := &eventRecorder{}
	dq.Attach(rec)

	var id int
	dq.Update(func(q *Queue) {
		id = buildNzb(q, "a", 1).ID
	})

	rec.events = nil
	dq.Update(func(q *Queue) {
		q.BeginMassEdit()
		q.EditEntry(id, ActionGroupPause, 0, "")
		q.EditEntry(id, ActionGroupSetPriority, 10, "")
		q.EditEntry(id, ActionGroupResume, 0, "")
		q.EndMassEdit()
	})

	changed := 0
	for _, ev := range rec.events {
		if ev.Kind == EventQueueChanged {
			changed++
		}
	}
	assert.Equal(t, 1, changed, "mass edit collapses into one save trigger")
}

func TestEventsWithinOneCommitDispatchInOrder(t *testing.T) {
	dq := NewDownloadQueue()
	rec := &eventRecorder{}
	dq.Attach(rec)

	dq.Update(func(q *Queue) {
		q.Emit(Event{Kind: EventNzbAdded, NzbID: 1})
		q.Emit(Event{Kind: EventFileDownloaded, NzbID: 1, FileID: 2})
		q.Emit(Event{Kind: EventNzbDownloaded, NzbID: 1})
	})

	require.Len(t, rec.events, 3)
	assert.Equal(t, EventNzbAdded, rec.events[0].Kind)
	assert.Equal(t, EventFileDownloaded, rec.events[1].Kind)
	assert.Equal(t, EventNzbDownloaded, rec.events[2].Kind)
}

// stallingObserver blocks inside the delivery of the first commit's event so
// the test can land a second commit while the first is still being
// dispatched.
type stallingObserver struct {
	mu      sync.Mutex
	order   []int
	started chan struct{}
	release chan struct{}
}

func (o *stallingObserver) HandleQueueEvent(ev Event) {
	if ev.NzbID == 1 {
		close(o.started)
		<-o.release
	}
	o.mu.Lock()
	o.order = append(o.order, ev.NzbID)
	o.mu.Unlock()
}

func TestDispatchOrderMatchesCommitOrderAcrossGoroutines(t *testing.T) {
	dq := NewDownloadQueue()
	obs := &stallingObserver{started: make(chan struct{}), release: make(chan struct{})}
	dq.Attach(obs)

	firstDone := make(chan struct{})
	go func() {
		dq.Update(func(q *Queue) {
			q.Emit(Event{Kind: EventNzbAdded, NzbID: 1})
		})
		close(firstDone)
	}()

	// the first commit has happened and its dispatch is stalled mid-delivery
	<-obs.started

	// the second commit races the stalled dispatch of the first
	dq.Update(func(q *Queue) {
		q.Emit(Event{Kind: EventNzbAdded, NzbID: 2})
	})

	close(obs.release)
	<-firstDone

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{1, 2}, obs.order,
		"dispatch order must track commit order even when a later committer overtakes a stalled drain")
}

func TestHealthAccounting(t *testing.T) {
	nzb := &NzbInfo{
		Files: []*FileInfo{
			{Size: 1000, SuccessSize: 900, FailedSize: 100},
		},
	}
	assert.Equal(t, 900, nzb.Health())

	empty := &NzbInfo{}
	assert.Equal(t, 1000, empty.Health())
}

func TestByteInvariant(t *testing.T) {
	f := &FileInfo{Size: 1000, SuccessSize: 500, MissedSize: 200, FailedSize: 300}
	assert.LessOrEqual(t, f.SuccessSize+f.MissedSize+f.FailedSize, f.Size)
}

func TestMoveToHistoryTransfersOwnership(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		nzb := buildNzb(q, "a", 1)
		q.MoveToHistory(nzb, HistoryNzb)

		assert.Nil(t, q.Find(nzb.ID))
		assert.Same(t, nzb, q.FindAnywhere(nzb.ID))
		require.Len(t, q.History(), 1)
		assert.Equal(t, HistoryNzb, q.History()[0].Kind)
	})
}

func TestPauseExtraPars(t *testing.T) {
	dq := NewDownloadQueue()

	dq.Update(func(q *Queue) {
		nzb := buildNzb(q, "a", 0)
		nzb.Files = append(nzb.Files,
			&FileInfo{ID: q.AllocFileID(), NzbID: nzb.ID, Filename: "a.par2", ParFile: true},
			&FileInfo{ID: q.AllocFileID(), NzbID: nzb.ID, Filename: "a.vol01+02.par2", ParFile: true},
			&FileInfo{ID: q.AllocFileID(), NzbID: nzb.ID, Filename: "a.r00"},
		)

		require.True(t, q.EditEntry(nzb.ID, ActionGroupPauseExtraPars, 0, ""))

		assert.False(t, nzb.Files[0].Paused, "index par2 stays active")
		assert.True(t, nzb.Files[1].Paused, "vol file is paused")
		assert.False(t, nzb.Files[2].Paused, "data file unaffected")
	})
}
