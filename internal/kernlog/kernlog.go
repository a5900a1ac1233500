// Package kernlog is the kernel's "console" — in hosted Biscuit this is
// fmt.Printf straight to the VGA/serial console (main.go's kbd_daemon and
// boot banner). A simulator has no console device, so this wraps logrus
// (wired per SPEC_FULL.md, grounded on nestybox-sysbox-fs's logging setup)
// as a bounded ring buffer of structured records ("dmesg") that both humans
// and tests can read back.
package kernlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry is one dmesg record.
type Entry struct {
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

// Ring is a bounded, concurrency-safe log buffer with a logrus front end.
type Ring struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
	log     *logrus.Logger
}

// New creates a Ring that retains at most capacity entries, oldest dropped
// first, matching spec.md's treatment of kernel messages as ephemeral
// diagnostics rather than durable state.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	r := &Ring{cap: capacity}
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: false})
	l.AddHook(r)
	r.log = l
	return r
}

// Levels implements logrus.Hook: the ring buffer hooks every level.
func (r *Ring) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook, appending the entry to the ring.
func (r *Ring) Fire(e *logrus.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: e.Level, Message: e.Message, Fields: e.Data})
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	return nil
}

// Logger returns the logrus.Logger entries should be written through.
func (r *Ring) Logger() *logrus.Logger { return r.log }

// Snapshot returns a copy of the currently retained entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports how many entries are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
