// Package clock provides the single monotonic time seam used by the
// polling, sequence, and trigger scheduling loops so they can be driven
// by a fake clock in tests instead of wall time.
package clock

import "time"

// Timer is the minimal subset of time.Timer that callers need.
type Timer interface {
	// C returns the channel on which the timer fires.
	C() <-chan time.Time
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d from now.
	Reset(d time.Duration) bool
}

// Clock abstracts time.Now/time.AfterFunc-style scheduling.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
