package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a process-wide request budget shared by every outgoing API
// call. At most max requests are granted per rolling window, and blocked
// callers are released in FIFO order.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	// grants and queue are mutated under mu
	grants   []time.Time
	queue    []*waiter
	timerSet bool
	timer    *time.Timer
}

type waiter struct {
	ready     chan struct{}
	abandoned bool
}

// New creates a limiter that grants at most max slots per window.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Reserve blocks until a slot in the shared budget is free and consumes it.
// It only fails if ctx is cancelled while waiting; the limiter itself never
// imposes a deadline.
func (l *Limiter) Reserve(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	l.pruneLocked(now)

	if len(l.queue) == 0 && len(l.grants) < l.max {
		l.grants = append(l.grants, now)
		grantedTotal.Inc()
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	queueDepth.Set(float64(len(l.queue)))
	l.scheduleWakeLocked(now)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted while we were cancelling; the slot is consumed.
			l.mu.Unlock()
			return nil
		default:
			w.abandoned = true
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Pending returns the number of callers currently waiting for a slot.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.queue {
		if !w.abandoned {
			n++
		}
	}
	return n
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

func (l *Limiter) scheduleWakeLocked(now time.Time) {
	if l.timerSet {
		return
	}
	var d time.Duration
	if len(l.grants) > 0 {
		d = l.grants[0].Add(l.window).Sub(now)
	}
	if d < 0 {
		d = 0
	}
	l.timer = time.AfterFunc(d, l.wake)
	l.timerSet = true
}

func (l *Limiter) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timerSet = false
	now := l.now()
	l.pruneLocked(now)

	for len(l.queue) > 0 && len(l.grants) < l.max {
		w := l.queue[0]
		l.queue = l.queue[1:]
		if w.abandoned {
			continue
		}
		l.grants = append(l.grants, now)
		grantedTotal.Inc()
		close(w.ready)
	}
	queueDepth.Set(float64(len(l.queue)))

	if len(l.queue) > 0 {
		l.scheduleWakeLocked(now)
	}
}
