package slogutil

import (
	"log/slog"
	"sync/atomic"
)

// DynamicLeveler is a slog.Leveler whose level can be changed at runtime,
// for example from a frontend request.
type DynamicLeveler struct {
	level atomic.Value
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	v, ok := dl.level.Load().(slog.Level)
	if !ok {
		return slog.LevelInfo
	}
	return v
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}
