package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of the
// session, sequence, and trigger scheduling loops.
//
// Like time.NewTimer, a timer whose deadline is not in the future fires
// immediately on creation (and on Reset) rather than waiting for the next
// Advance, so a scheduling loop that falls behind the advancing clock keeps
// making progress instead of deadlocking on an Advance that already happened.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	now := f.now
	t := &fakeTimer{
		owner: f,
		fire:  now.Add(d),
		ch:    make(chan time.Time, 1),
		live:  true,
	}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	if d <= 0 {
		t.deliver(now)
	}
	return t
}

// Advance moves the clock forward by d, firing any timers whose deadline
// has been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.now = target
	pending := make([]*fakeTimer, 0, len(f.timers))
	for _, t := range f.timers {
		if t.live && !t.fire.After(target) {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].fire.Before(pending[j].fire) })
	f.mu.Unlock()

	for _, t := range pending {
		t.deliver(target)
	}
}

type fakeTimer struct {
	owner *Fake
	mu    sync.Mutex
	fire  time.Time
	ch    chan time.Time
	live  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasLive := t.live
	t.live = false
	return wasLive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.owner.mu.Lock()
	now := t.owner.now
	t.owner.mu.Unlock()

	t.mu.Lock()
	wasLive := t.live
	t.fire = now.Add(d)
	t.live = true
	// drain any stale fire so a fresh deadline is observed
	select {
	case <-t.ch:
	default:
	}
	t.mu.Unlock()

	if d <= 0 {
		t.deliver(now)
	}
	return wasLive
}

// deliver fires the timer once if it is still live.
func (t *fakeTimer) deliver(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return
	}
	t.live = false
	select {
	case t.ch <- at:
	default:
	}
}
