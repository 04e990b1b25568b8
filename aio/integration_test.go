package aio

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEchoStreamScenario: client connects, sends "0123456789"; the server
// Stream echoes it back; the client's recv returns the same 10 bytes, and
// a subsequent shutdown produces StreamShutdown. Run over a real loopback
// socket, not a mock.
//
// Assertions on the values a reactor-goroutine callback produces are made
// back on the test goroutine (testify's require.FailNow is only safe to
// call from the goroutine running the test), so every callback below just
// forwards its outcome over a channel.
func TestEchoStreamScenario(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()
	m := NewManager()
	go r.Run(m)

	ln, err := NewListener(r, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	accepted := make(chan *Stream, 1)
	acceptErr := make(chan error, 1)
	r.PostExternal(func() {
		_ = ln.PostAccept(func(ctx *ReactorContext, fd int, raddr net.Addr) {
			if ctx.Err != nil {
				acceptErr <- ctx.Err
				return
			}
			f := os.NewFile(uintptr(fd), "accepted")
			conn, err := net.FileConn(f)
			f.Close()
			if err != nil {
				acceptErr <- err
				return
			}
			s, err := NewStream(r, conn)
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- s
		})
	})

	type recvResult struct {
		n    int
		body []byte
		err  error
	}
	connectErr := make(chan error, 1)
	sendErr := make(chan error, 1)
	echoRecv := make(chan recvResult, 1)
	shutdownRecv := make(chan recvResult, 1)

	r.PostExternal(func() {
		cs, err := NewStreamConnecting(r, "tcp", addr)
		if err != nil {
			connectErr <- err
			return
		}
		err = cs.Connect(func(ctx *ReactorContext) {
			connectErr <- ctx.Err
			if ctx.Err != nil {
				return
			}
			sendBuf := []byte("0123456789")
			_ = cs.PostSendAll(sendBuf, func(ctx *ReactorContext) {
				sendErr <- ctx.Err
				if ctx.Err != nil {
					return
				}
				recvBuf := make([]byte, 10)
				_ = cs.PostRecvFull(recvBuf, func(ctx *ReactorContext, n int) {
					echoRecv <- recvResult{n: n, body: append([]byte(nil), recvBuf[:n]...), err: ctx.Err}
					if ctx.Err != nil {
						return
					}
					_ = cs.Shutdown()
					after := make([]byte, 1)
					_ = cs.PostRecvSome(after, func(ctx *ReactorContext, n int) {
						shutdownRecv <- recvResult{n: n, err: ctx.Err}
					})
				})
			})
		})
		if err != nil {
			connectErr <- err
		}
	})

	var serverStream *Stream
	select {
	case serverStream = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}

	serverEchoErr := make(chan error, 1)
	r.PostExternal(func() {
		echoBuf := make([]byte, 10)
		_ = serverStream.PostRecvSome(echoBuf, func(ctx *ReactorContext, n int) {
			if ctx.Err != nil || n == 0 {
				return
			}
			_ = serverStream.PostSendAll(echoBuf[:n], func(ctx *ReactorContext) {
				serverEchoErr <- ctx.Err
			})
		})
	})

	require.NoError(t, <-connectErr)
	require.NoError(t, <-sendErr)

	select {
	case got := <-echoRecv:
		require.NoError(t, got.err)
		require.Equal(t, 10, got.n)
		require.Equal(t, "0123456789", string(got.body))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the echo")
	}

	select {
	case err := <-serverEchoErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never finished echoing")
	}

	select {
	case got := <-shutdownRecv:
		require.ErrorIs(t, got.err, ErrStreamShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("post-shutdown recv never completed")
	}
}
