// Package diag provides an injectable diagnostics sink for the cache,
// replacing the source's volatile global counters (avail_cells,
// num_wait_unused, lock_contentions) with a small interface each
// AssociativeCache is constructed with.
package diag

import (
	log "github.com/sirupsen/logrus"
)

// Sink receives best-effort notifications about cache internals. None of
// these calls may block or fail; implementations that need to do real
// work (metrics export, sampling) should buffer internally.
type Sink interface {
	// CellLockContended is called when a cell's spinlock was already held
	// by another goroutine.
	CellLockContended()
	// WaitUnused is called each time a goroutine has to block until a
	// page's refcount drops to zero.
	WaitUnused()
	// Evicted is called after a policy selects a victim page.
	Evicted(policy string)
	// Expanded is called after AssociativeCache.Expand finishes a split,
	// reporting the new level.
	Expanded(toLevel int)
	// Shrunk is called after AssociativeCache.Shrink finishes an unsplit,
	// reporting the new level.
	Shrunk(toLevel int)
	// FlushSubmitted reports how many pages were just handed to the I/O
	// layer in one writeback batch.
	FlushSubmitted(n int)
	// FlushCompleted reports how many pages a completion callback just
	// cleared.
	FlushCompleted(n int)
}

// NoopSink discards everything. It is the default when a cache is
// constructed without an explicit sink.
type NoopSink struct{}

func (NoopSink) CellLockContended()  {}
func (NoopSink) WaitUnused()         {}
func (NoopSink) Evicted(string)      {}
func (NoopSink) Expanded(int)        {}
func (NoopSink) Shrunk(int)          {}
func (NoopSink) FlushSubmitted(int)  {}
func (NoopSink) FlushCompleted(int)  {}

// LogrusSink logs every event at Debug level through a *logrus.Logger.
// Useful during development and in tests that want to observe cache
// behaviour without wiring a real metrics backend.
type LogrusSink struct {
	Log *log.Logger
}

// NewLogrusSink returns a LogrusSink; if logger is nil, logrus's standard
// logger is used.
func NewLogrusSink(logger *log.Logger) *LogrusSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogrusSink{Log: logger}
}

func (s *LogrusSink) CellLockContended() {
	s.Log.Debug("pagecache: cell lock contended")
}

func (s *LogrusSink) WaitUnused() {
	s.Log.Debug("pagecache: waiting for page to become unused")
}

func (s *LogrusSink) Evicted(policy string) {
	s.Log.WithField("policy", policy).Debug("pagecache: evicted page")
}

func (s *LogrusSink) Expanded(toLevel int) {
	s.Log.WithField("level", toLevel).Debug("pagecache: table expanded")
}

func (s *LogrusSink) Shrunk(toLevel int) {
	s.Log.WithField("level", toLevel).Debug("pagecache: table shrunk")
}

func (s *LogrusSink) FlushSubmitted(n int) {
	s.Log.WithField("pages", n).Debug("pagecache: flush batch submitted")
}

func (s *LogrusSink) FlushCompleted(n int) {
	s.Log.WithField("pages", n).Debug("pagecache: flush batch completed")
}
