package entity

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealTimeProvider uses the standard library time functions.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// AfterFunc calls f on its own goroutine after d.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type timerKind int

const (
	ackTimer timerKind = iota
	nakTimer
	inactivityTimer
	checkTimer
	retryTimer
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case ackTimer:
		return "ack"
	case nakTimer:
		return "nak"
	case inactivityTimer:
		return "inactivity"
	case checkTimer:
		return "check"
	case retryTimer:
		return "retry"
	default:
		return "unknown"
	}
}

// timerSlot tracks one transaction timer. seq invalidates expiries that were
// already queued on the worker when the timer was stopped or re-armed.
type timerSlot struct {
	timer    Timer
	seq      uint64
	count    int
	interval time.Duration
	fire     func()
	armed    bool
}

// armTimer starts or restarts timer k. A zero interval leaves it disabled.
func (t *Transaction) armTimer(k timerKind, d time.Duration, fire func()) {
	slot := &t.timers[k]
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.seq++
	slot.interval = d
	slot.fire = fire
	slot.armed = d > 0
	if d <= 0 || t.state == StateSuspended {
		return
	}
	seq := slot.seq
	slot.timer = t.e.afterFunc(d, func() {
		if slot.seq != seq || t.state.Terminal() || t.state == StateSuspended {
			return
		}
		slot.timer = nil
		slot.armed = false
		fire()
	})
}

// restartTimer re-arms k with its previous interval if it is armed.
func (t *Transaction) restartTimer(k timerKind) {
	slot := &t.timers[k]
	if slot.armed {
		t.armTimer(k, slot.interval, slot.fire)
	}
}

// stopTimer disarms k and resets its expiry count.
func (t *Transaction) stopTimer(k timerKind) {
	slot := &t.timers[k]
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.seq++
	slot.armed = false
	slot.count = 0
}

// expired counts one expiry of k and reports whether limit is exceeded. A
// zero limit never expires.
func (t *Transaction) expired(k timerKind, limit int) bool {
	slot := &t.timers[k]
	slot.count++
	if limit > 0 && slot.count > limit {
		slot.count = 0
		return true
	}
	return false
}

func (t *Transaction) stopTimers() {
	for k := timerKind(0); k < numTimers; k++ {
		t.stopTimer(k)
	}
}

// pauseTimers stops the running timers but remembers which were armed.
func (t *Transaction) pauseTimers() {
	for k := range t.timers {
		slot := &t.timers[k]
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
		slot.seq++
	}
}

// resumeTimers restarts every timer that was armed when paused.
func (t *Transaction) resumeTimers() {
	for k := timerKind(0); k < numTimers; k++ {
		t.restartTimer(k)
	}
}
