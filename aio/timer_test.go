package aio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTimerWaitForFires exercises the ordinary completion path:
// WaitFor(duration, fn) calls fn once the deadline elapses.
func TestTimerWaitForFires(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()
	m := NewManager()
	go r.Run(m)

	done := make(chan error, 1)
	r.PostExternal(func() {
		tm := NewTimer(r)
		err := tm.WaitFor(10*time.Millisecond, func(ctx *ReactorContext) {
			done <- ctx.Err
		})
		require.NoError(t, err)
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

// TestTimerCancelSynthesizesError: a canceled timer's pending continuation
// still fires, exactly once, with ErrTimerCancel.
func TestTimerCancelSynthesizesError(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()
	m := NewManager()
	go r.Run(m)

	done := make(chan error, 1)
	r.PostExternal(func() {
		tm := NewTimer(r)
		err := tm.WaitFor(time.Hour, func(ctx *ReactorContext) {
			done <- ctx.Err
		})
		require.NoError(t, err)
		tm.Cancel()
	})

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimerCancel)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled timer's continuation never fired")
	}
}

// TestTimerCancelIdempotentOnUnarmed: canceling a timer with nothing
// pending must not panic or double-fire.
func TestTimerCancelIdempotentOnUnarmed(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()

	tm := NewTimer(r)
	require.NotPanics(t, func() {
		tm.Cancel()
		tm.Cancel()
	})
}
