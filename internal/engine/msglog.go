package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/remote"
)

// msgLogCapacity bounds the global message ring.
const msgLogCapacity = 1000

// MessageLog is the global message ring served to frontends via the log
// request.
type MessageLog struct {
	mu      sync.Mutex
	entries []remote.LogEntry
	firstID int
}

// NewMessageLog creates an empty ring.
func NewMessageLog() *MessageLog {
	return &MessageLog{firstID: 1}
}

// Add appends one entry, evicting the oldest beyond capacity.
func (m *MessageLog) Add(kind int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, remote.LogEntry{Kind: kind, Time: time.Now().Unix(), Text: text})
	if len(m.entries) > msgLogCapacity {
		drop := len(m.entries) - msgLogCapacity
		m.entries = m.entries[drop:]
		m.firstID += drop
	}
}

// Range returns up to count entries starting at fromID; fromID 0 means the
// oldest retained entry.
func (m *MessageLog) Range(fromID, count int) []remote.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if fromID > m.firstID {
		start = fromID - m.firstID
	}
	if start >= len(m.entries) {
		return nil
	}

	end := len(m.entries)
	if count > 0 && start+count < end {
		end = start + count
	}

	out := make([]remote.LogEntry, end-start)
	copy(out, m.entries[start:end])
	return out
}

// captureHandler tees slog records into the message log on their way to the
// real handler.
type captureHandler struct {
	inner slog.Handler
	sink  *MessageLog
}

func newCaptureHandler(inner slog.Handler, sink *MessageLog) slog.Handler {
	return &captureHandler{inner: inner, sink: sink}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	kind := 1
	switch {
	case r.Level < slog.LevelInfo:
		kind = 0
	case r.Level >= slog.LevelError:
		kind = 3
	case r.Level >= slog.LevelWarn:
		kind = 2
	}
	h.sink.Add(kind, r.Message)
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), sink: h.sink}
}
