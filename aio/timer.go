package aio

import (
	"time"

	"github.com/solidgo/aio/internal/timerheap"
)

// Timer wraps a timer-heap slot instead of a Poller registration; deadlines
// live in the reactor's heap, not in the kernel.
type Timer struct {
	reactor *Reactor
	handle  timerheap.Handle
	slot    int32
	armed   bool
}

func NewTimer(r *Reactor) *Timer {
	return &Timer{reactor: r}
}

// WaitUntil arms the timer to fire fn(ctx) at deadline. Only one pending
// timer per Timer value; a second call while armed returns ErrAlready.
func (t *Timer) WaitUntil(deadline time.Time, fn func(ctx *ReactorContext)) error {
	if t.armed {
		return ErrAlready
	}
	t.armed = true
	wrapped := func(ctx *ReactorContext) {
		t.armed = false
		fn(ctx)
	}
	t.handle, t.slot = t.reactor.addTimer(deadline, wrapped)
	return nil
}

// WaitFor is WaitUntil relative to now.
func (t *Timer) WaitFor(d time.Duration, fn func(ctx *ReactorContext)) error {
	return t.WaitUntil(time.Now().Add(d), fn)
}

// Cancel removes a pending deadline and delivers ErrTimerCancel to the
// continuation, so the waiter always hears exactly one completion.
func (t *Timer) Cancel() {
	if !t.armed {
		return
	}
	t.armed = false
	cb := t.reactor.cancelTimer(t.handle, t.slot)
	if cb == nil {
		return
	}
	cb(&ReactorContext{Reactor: t.reactor, Event: TimerFiredEvent(t.slot), NowNano: time.Now().UnixNano(), Err: ErrTimerCancel})
}

