// Package timer implements the session countdown.
//
// The countdown is driven by one single-shot delay per tick that reschedules
// itself, never a free-running ticker. Every scheduled delay carries the
// generation it was created in; Pause, Resume and Stop bump the generation so
// a delay that was already in flight becomes a no-op. Pausing discards the
// partial tick, which bounds drift to one tick per pause.
package timer

import (
	"sync"
	"time"
)

// EventKind distinguishes countdown events.
type EventKind int

const (
	Tick EventKind = iota
	Expired
)

// Event is emitted once per elapsed tick, and once more on expiry.
type Event struct {
	Kind      EventKind
	Remaining int
}

// State is a point-in-time view of the countdown.
type State struct {
	Remaining int  `json:"remainingSeconds"`
	Active    bool `json:"active"`
}

type Timer struct {
	tick time.Duration

	mu        sync.Mutex
	remaining int
	active    bool
	started   bool
	expired   bool
	stopped   bool
	gen       uint64
	pending   *time.Timer

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a countdown of the given number of ticks. Tick is one second
// in production; tests shorten it.
func New(ticks int, tick time.Duration) *Timer {
	if tick <= 0 {
		tick = time.Second
	}
	return &Timer{
		tick:      tick,
		remaining: ticks,
		events:    make(chan Event, 8),
		done:      make(chan struct{}),
	}
}

// Events delivers ticks and the single expiry, in order.
func (t *Timer) Events() <-chan Event {
	return t.events
}

// Start begins the countdown. Only the first call has any effect.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	if t.remaining <= 0 {
		t.expired = true
		go t.send(Event{Kind: Expired})
		return
	}
	t.active = true
	t.scheduleLocked()
}

// Pause suspends the countdown, dropping the tick in progress.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	t.cancelLocked()
}

// Resume continues a paused countdown.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.active || t.expired || t.stopped {
		return
	}
	t.active = true
	t.scheduleLocked()
}

// Stop ends the countdown permanently. Safe to call more than once and
// before Start.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.active = false
	t.stopped = true
	t.cancelLocked()
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{Remaining: t.remaining, Active: t.active}
}

func (t *Timer) scheduleLocked() {
	t.gen++
	gen := t.gen
	t.pending = time.AfterFunc(t.tick, func() { t.fire(gen) })
}

func (t *Timer) cancelLocked() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.remaining--
	remaining := t.remaining
	if remaining <= 0 {
		t.active = false
		t.expired = true
	}
	t.mu.Unlock()

	t.send(Event{Kind: Tick, Remaining: remaining})
	if remaining <= 0 {
		t.send(Event{Kind: Expired})
		return
	}

	// Reschedule only after delivery so consecutive ticks stay ordered.
	t.mu.Lock()
	if gen == t.gen && t.active {
		t.scheduleLocked()
	}
	t.mu.Unlock()
}

func (t *Timer) send(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
