package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Advance moves time
// forward and fires any timers and tickers that come due, in order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at     time.Time
	period time.Duration // 0 for one-shot
	ch     chan time.Time
	done   bool
}

// NewFake returns a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the clock has been advanced
// past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return t.ch
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return &fakeTickerHandle{f: f, t: t}
}

type fakeTickerHandle struct {
	f *Fake
	t *fakeTimer
}

func (h *fakeTickerHandle) C() <-chan time.Time { return h.t.ch }

func (h *fakeTickerHandle) Stop() {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.t.done = true
}

// Advance moves the clock forward by d, firing due timers in
// chronological order. Ticker sends are non-blocking: a tick that is
// not consumed before the next one is dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.nextDueLocked(target)
		if next == nil {
			break
		}
		f.now = next.at
		select {
		case next.ch <- f.now:
		default:
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.done = true
		}
	}
	f.now = target
	f.compactLocked()
}

// Set jumps the clock to an absolute time. Equivalent to Advance by
// the difference; t must not be in the past.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	now := f.now
	f.mu.Unlock()
	if t.After(now) {
		f.Advance(t.Sub(now))
	}
}

func (f *Fake) nextDueLocked(limit time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.done && !t.at.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due[0]
}

func (f *Fake) compactLocked() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	f.timers = live
}
