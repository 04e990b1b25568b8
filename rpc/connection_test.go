package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidgo/aio/aio"
)

// connSnapshot reads a Connection's state and error on its own reactor
// goroutine, since those fields are only ever touched there.
func connSnapshot(r *aio.Reactor, c *Connection) (connState, error) {
	type snap struct {
		state connState
		err   error
	}
	ch := make(chan snap, 1)
	r.PostExternal(func() { ch <- snap{state: c.state, err: c.err} })
	s := <-ch
	return s.state, s.err
}

// TestInactivityTimeoutStopsIdleConnection: a server-side connection whose
// peer sends nothing for the configured inactivity interval stops with
// ConnectionInactivityTimeout.
func TestInactivityTimeoutStopsIdleConnection(t *testing.T) {
	schedServer := newTestScheduler(t)
	schedClient := newTestScheduler(t)
	rServer := schedServer.Reactors()[0]
	rClient := schedClient.Reactors()[0]

	streamClient, streamServer := newMemLink(rClient, rServer)
	_ = streamClient // the client side stays silent for the whole test

	cfg := testConfig()
	cfg.InactivityTimeoutSeconds = 1
	server := NewConnection(cfg, rServer, schedServer.Manager(), nil, nil, streamServer, true)
	schedServer.StartActor(0, server, connEvent(evStart, nil))

	deadline := time.Now().Add(4 * time.Second)
	for {
		state, err := connSnapshot(rServer, server)
		if state == StateStopped {
			require.ErrorIs(t, err, ErrConnectionInactivityTimeout)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection never stopped; state=%d", state)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestKeepaliveFloodStopsServerConnection: a server counts consecutive
// inbound keepalives and stops the connection once the count exceeds the
// configured limit, while any real message in between resets the count.
func TestKeepaliveFloodStopsServerConnection(t *testing.T) {
	sched := newTestScheduler(t)
	r := sched.Reactors()[0]

	_, streamServer := newMemLink(r, r)

	cfg := testConfig()
	cfg.InactivityKeepaliveCount = 2
	server := NewConnection(cfg, r, sched.Manager(), nil, nil, streamServer, true)
	sched.StartActor(0, server, connEvent(evStart, nil))

	schedDone := make(chan struct{})
	r.PostExternal(func() {
		server.ReceiveKeepAlive()
		server.ReceiveKeepAlive()
		// A real message in between resets the consecutive count.
		server.ReceiveMessage(MessageHeader{}, "ping", fakeTypeID)
		server.ReceiveKeepAlive()
		server.ReceiveKeepAlive()
		close(schedDone)
	})
	<-schedDone

	state, err := connSnapshot(r, server)
	require.NotEqual(t, StateStopped, state, "count must reset on real traffic")
	require.NoError(t, err)

	r.PostExternal(func() { server.ReceiveKeepAlive() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := connSnapshot(r, server)
		if state == StateStopped {
			require.ErrorIs(t, err, ErrConnectionTooManyKeepalive)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("keepalive flood never stopped the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestPoolCancelPendingMessageCompletesOnce: canceling a message still
// queued in the pool's FIFO (no connection ever transmitted it) fires its
// completion exactly once with Canceled, and the entry is gone from the
// queue afterwards.
func TestPoolCancelPendingMessageCompletesOnce(t *testing.T) {
	sched := newTestScheduler(t)

	pool := newConnectionPool("peer", testConfig(), sched.Manager(), sched, 0, nil, nil, nil)

	completions := 0
	var gotErr error
	id, err := pool.Send(Message{
		Header: MessageHeader{Flags: FlagWaitResponse, SenderRequestID: 1},
		Body:   "doomed",
	}, func(resp Body, err error) {
		completions++
		gotErr = err
	})
	require.NoError(t, err)
	require.True(t, id.Valid())

	require.True(t, pool.Cancel(id))
	require.Equal(t, 1, completions)
	require.ErrorIs(t, gotErr, ErrMessageCanceled)

	// A second cancel finds nothing and must not re-fire the completion.
	require.False(t, pool.Cancel(id))
	require.Equal(t, 1, completions)

	msg, _, _, ok := pool.popPending()
	require.False(t, ok)
	require.Nil(t, msg)
}
