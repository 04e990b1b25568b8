package aio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDatagramEchoRoundTrip: a client datagram sends one packet to a bound
// server datagram, the server echoes it back to the sender address, and
// the client receives the exact payload. Run over real loopback UDP
// sockets, not a mock.
func TestDatagramEchoRoundTrip(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()
	m := NewManager()
	go r.Run(m)

	server, err := NewDatagram(r, "udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	serverAddr, err := server.LocalAddr()
	require.NoError(t, err)

	client, err := NewDatagram(r, "udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("datagram-echo")
	got := make(chan []byte, 1)
	recvErr := make(chan error, 1)

	r.PostExternal(func() {
		serverBuf := make([]byte, 64)
		err := server.PostRecvFrom(serverBuf, func(ctx *ReactorContext, n int, from net.Addr) {
			if ctx.Err != nil {
				recvErr <- ctx.Err
				return
			}
			echo := append([]byte(nil), serverBuf[:n]...)
			_ = server.PostSendTo(echo, from, func(ctx *ReactorContext) {})
		})
		if err != nil {
			recvErr <- err
			return
		}

		clientBuf := make([]byte, 64)
		err = client.PostRecvFrom(clientBuf, func(ctx *ReactorContext, n int, from net.Addr) {
			if ctx.Err != nil {
				recvErr <- ctx.Err
				return
			}
			got <- append([]byte(nil), clientBuf[:n]...)
		})
		if err != nil {
			recvErr <- err
			return
		}

		_ = client.PostSendTo(payload, serverAddr, func(ctx *ReactorContext) {
			if ctx.Err != nil {
				recvErr <- ctx.Err
			}
		})
	})

	select {
	case b := <-got:
		require.Equal(t, payload, b)
	case err := <-recvErr:
		t.Fatalf("datagram round trip failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram echo never arrived")
	}
}
