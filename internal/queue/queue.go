package queue

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a queue lifecycle event. The order matters: the
// queue-script coordinator prefers higher-valued events on dequeue.
type EventKind int

const (
	EventFileDownloaded EventKind = iota
	EventUrlCompleted
	EventNzbAdded
	EventNzbDownloaded
	EventNzbDeleted
	// EventQueueChanged is an internal notification that the queue graph
	// mutated; it never reaches scripts.
	EventQueueChanged
)

var eventNames = []string{"FILE_DOWNLOADED", "URL_COMPLETED", "NZB_ADDED", "NZB_DOWNLOADED", "NZB_DELETED", "QUEUE_CHANGED"}

func (k EventKind) String() string { return eventNames[k] }

// Event is one post-commit notification to observers.
type Event struct {
	Kind   EventKind
	NzbID  int
	FileID int
}

// Observer receives queue events in commit order, outside the queue lock.
type Observer interface {
	HandleQueueEvent(ev Event)
}

// Queue is the guarded queue graph. It must only be touched through
// DownloadQueue.Update or DownloadQueue.View.
type Queue struct {
	nzbs    []*NzbInfo
	history []*HistoryInfo

	nextNzbID  int
	nextFileID int

	massEdit bool
	wantSave bool

	pending []Event
}

// DownloadQueue is the process-wide queue singleton replacement: one mutex
// serializes every mutation of the queue graph.
type DownloadQueue struct {
	mu        sync.Mutex
	q         Queue
	observers []Observer
	log       *slog.Logger

	// dispatchMu guards the backlog and the drainer baton. Events enter the
	// backlog while mu is still held, so backlog order is commit order.
	dispatchMu  sync.Mutex
	backlog     []Event
	dispatching bool

	// changed is signalled after any committed mutation so the scheduler
	// loop can re-evaluate pending work.
	changed chan struct{}
}

// NewDownloadQueue creates an empty queue.
func NewDownloadQueue() *DownloadQueue {
	return &DownloadQueue{
		q: Queue{
			nextNzbID:  1,
			nextFileID: 1,
		},
		log:     slog.Default().With("component", "queue"),
		changed: make(chan struct{}, 1),
	}
}

// Attach registers an observer for post-commit events. Not safe to call once
// the engine is running.
func (dq *DownloadQueue) Attach(obs Observer) {
	dq.observers = append(dq.observers, obs)
}

// Changed returns a channel that receives a token after every committed
// mutation.
func (dq *DownloadQueue) Changed() <-chan struct{} {
	return dq.changed
}

// Update runs fn under the queue lock and dispatches accumulated events in
// commit order after the lock is released. Commit order is preserved across
// concurrent callers: events join the backlog before the queue lock drops,
// and a single drainer delivers the backlog first-in first-out. A call may
// return before its own events are delivered when another goroutine holds
// the drainer baton. All mutation paths go through here; fn must not block
// on network or disk.
func (dq *DownloadQueue) Update(fn func(q *Queue)) {
	dq.mu.Lock()
	fn(&dq.q)
	events := dq.q.pending
	dq.q.pending = nil
	if len(events) > 0 {
		dq.dispatchMu.Lock()
		dq.backlog = append(dq.backlog, events...)
		dq.dispatchMu.Unlock()
	}
	dq.mu.Unlock()

	if len(events) > 0 {
		dq.dispatch()
		select {
		case dq.changed <- struct{}{}:
		default:
		}
	}
}

// dispatch drains the backlog. At most one goroutine drains at a time;
// a committer arriving while a drain is running leaves its events to the
// active drainer. Observers run without any lock held, so an observer may
// re-enter Update.
func (dq *DownloadQueue) dispatch() {
	dq.dispatchMu.Lock()
	if dq.dispatching {
		dq.dispatchMu.Unlock()
		return
	}
	dq.dispatching = true
	for len(dq.backlog) > 0 {
		ev := dq.backlog[0]
		dq.backlog = dq.backlog[1:]
		dq.dispatchMu.Unlock()

		for _, obs := range dq.observers {
			obs.HandleQueueEvent(ev)
		}

		dq.dispatchMu.Lock()
	}
	dq.dispatching = false
	dq.dispatchMu.Unlock()
}

// View runs fn under the queue lock for read-only access.
func (dq *DownloadQueue) View(fn func(q *Queue)) {
	dq.Update(fn)
}

// Emit queues an event for post-commit dispatch.
func (q *Queue) Emit(ev Event) {
	q.pending = append(q.pending, ev)
}

// Nzbs returns the active entries in declared order.
func (q *Queue) Nzbs() []*NzbInfo { return q.nzbs }

// History returns the history list, newest first.
func (q *Queue) History() []*HistoryInfo { return q.history }

// Find returns the active NZB with the given id, or nil.
func (q *Queue) Find(nzbID int) *NzbInfo {
	for _, nzb := range q.nzbs {
		if nzb.ID == nzbID {
			return nzb
		}
	}
	return nil
}

// FindAnywhere looks up an NZB in the active queue first, then in history.
func (q *Queue) FindAnywhere(nzbID int) *NzbInfo {
	if nzb := q.Find(nzbID); nzb != nil {
		return nzb
	}
	for _, hist := range q.history {
		if hist.Nzb != nil && hist.Nzb.ID == nzbID {
			return hist.Nzb
		}
	}
	return nil
}

// FindFile resolves a file id across all active NZBs.
func (q *Queue) FindFile(fileID int) (*NzbInfo, *FileInfo) {
	for _, nzb := range q.nzbs {
		if f := nzb.FindFile(fileID); f != nil {
			return nzb, f
		}
	}
	return nil, nil
}

// AllocNzbID hands out the next unique NZB id.
func (q *Queue) AllocNzbID() int {
	id := q.nextNzbID
	q.nextNzbID++
	return id
}

// AllocFileID hands out the next unique file id.
func (q *Queue) AllocFileID() int {
	id := q.nextFileID
	q.nextFileID++
	return id
}

// SeedIDs raises the id counters after a snapshot restore so new entries
// stay unique across queue and history.
func (q *Queue) SeedIDs(maxNzbID, maxFileID int) {
	if maxNzbID >= q.nextNzbID {
		q.nextNzbID = maxNzbID + 1
	}
	if maxFileID >= q.nextFileID {
		q.nextFileID = maxFileID + 1
	}
}

// Add inserts an NZB into the queue and emits NzbAdded. With addFirst the
// entry goes to the front.
func (q *Queue) Add(nzb *NzbInfo, addFirst bool) {
	if addFirst {
		q.nzbs = append([]*NzbInfo{nzb}, q.nzbs...)
	} else {
		q.nzbs = append(q.nzbs, nzb)
	}
	q.Emit(Event{Kind: EventNzbAdded, NzbID: nzb.ID})
	q.MarkChanged()
}

// Remove detaches an NZB from the active list without touching history.
func (q *Queue) Remove(nzb *NzbInfo) bool {
	for i, cur := range q.nzbs {
		if cur == nzb {
			q.nzbs = append(q.nzbs[:i], q.nzbs[i+1:]...)
			return true
		}
	}
	return false
}

// MoveToHistory retires an NZB: ownership transfers to the history record.
func (q *Queue) MoveToHistory(nzb *NzbInfo, kind HistoryKind) {
	q.Remove(nzb)
	q.history = append([]*HistoryInfo{{Kind: kind, Time: time.Now(), Nzb: nzb}}, q.history...)
	q.MarkChanged()
}

// RestoreState installs a snapshot-restored queue. Articles left Running by
// a crash revert to Undefined so they get rescheduled.
func (q *Queue) RestoreState(nzbs []*NzbInfo, history []*HistoryInfo) {
	q.nzbs = nzbs
	q.history = history

	maxNzbID, maxFileID := 0, 0
	touch := func(nzb *NzbInfo) {
		if nzb.ID > maxNzbID {
			maxNzbID = nzb.ID
		}
		for _, f := range nzb.Files {
			if f.ID > maxFileID {
				maxFileID = f.ID
			}
			for _, a := range f.Articles {
				if a.Status == ArticleRunning {
					a.Status = ArticleUndefined
				}
			}
		}
	}
	for _, nzb := range nzbs {
		touch(nzb)
	}
	for _, hist := range history {
		if hist.Nzb != nil {
			touch(hist.Nzb)
		}
	}
	q.SeedIDs(maxNzbID, maxFileID)
}

// MarkChanged flags the queue for saving and notifies observers that the
// graph mutated. During a mass edit the save is deferred until exit.
func (q *Queue) MarkChanged() {
	q.wantSave = true
	if !q.massEdit {
		q.Emit(Event{Kind: EventQueueChanged})
	}
}

// BeginMassEdit defers snapshot writes until EndMassEdit.
func (q *Queue) BeginMassEdit() {
	q.massEdit = true
	q.wantSave = false
}

// EndMassEdit leaves mass-edit mode; if anything mutated a single save is
// triggered.
func (q *Queue) EndMassEdit() {
	q.massEdit = false
	if q.wantSave {
		q.Emit(Event{Kind: EventQueueChanged})
	}
}
