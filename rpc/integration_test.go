package rpc

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidgo/aio/aio"
)

// staticResolver always answers with the one address it was built with,
// regardless of the peer name asked for, the simplest Resolver a test
// needs.
type staticResolver struct{ addr string }

func (r staticResolver) Resolve(peerName string) ([]string, error) {
	return []string{r.addr}, nil
}

func newTestScheduler(t *testing.T) *aio.Scheduler {
	t.Helper()
	sched, err := aio.NewScheduler(aio.NewManager(), 1)
	require.NoError(t, err)
	sched.Start()
	t.Cleanup(sched.Stop)
	return sched
}

// echoUpperHandler answers every inbound request by echoing the body back.
// fakeProtocol decodes an inbound body into a *bytes.Buffer but only knows
// how to serialize a string, so the reply has to unwrap it first.
func echoUpperHandler(peer string, body Body) (Body, error) {
	if buf, ok := body.(*bytes.Buffer); ok {
		return buf.String(), nil
	}
	return body, nil
}

// TestMultiplexedRequestsRoundTrip: several requests sent with
// WaitResponse on the same pool each complete exactly once with their own
// matching response body, none blocking the others.
func TestMultiplexedRequestsRoundTrip(t *testing.T) {
	serverSched := newTestScheduler(t)
	clientSched := newTestScheduler(t)

	serverCfg := testConfig()
	serverCfg.ListenerAddress = "127.0.0.1:0"
	serverCfg.ConnectionsPerPool = 1
	server := NewService(serverCfg, serverSched, nil, echoUpperHandler)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	clientCfg := testConfig()
	clientCfg.ConnectionsPerPool = 1
	clientCfg.ClientStartState = StartActive
	clientCfg.MaxActiveMessages = 8
	client := NewService(clientCfg, clientSched, staticResolver{addr: server.ListenAddr().String()}, nil)
	require.NoError(t, client.Start())
	t.Cleanup(client.Stop)

	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]string, n)
	errs := make([]error, n)
	bodies := []string{"A", "B", "C"}
	for i := 0; i < n; i++ {
		i := i
		_, err := client.Send("room", Message{
			Header: MessageHeader{Flags: FlagWaitResponse, SenderRequestID: uint32(i + 1)},
			Body:   bodies[i],
		}, func(resp Body, err error) {
			defer wg.Done()
			errs[i] = err
			if err == nil {
				results[i] = bodyToString(resp)
			}
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all multiplexed requests completed")
	}

	for i := 0; i < n; i++ {
		require.NoErrorf(t, errs[i], "request %d", i)
		require.Equal(t, bodies[i], results[i])
	}
}

// bodyToString unwraps the *bytes.Buffer fakeProtocol.NewDeserializer
// decodes into, mirroring fakeReceiver's helper in fake_test.go.
func bodyToString(b Body) string {
	if buf, ok := b.(interface{ String() string }); ok {
		return buf.String()
	}
	return ""
}

// TestGracefulPoolShutdownFailsPending: a service stopped with messages
// still pending completes every one of them exactly once with
// MessageConnection, and none leak past Stop.
func TestGracefulPoolShutdownFailsPending(t *testing.T) {
	clientSched := newTestScheduler(t)

	cfg := testConfig()
	cfg.ConnectionsPerPool = 1
	// No resolver: every Send just queues in the pool's FIFO with nothing
	// ever able to dial out, so Stop must fail them all rather than hang.
	client := NewService(cfg, clientSched, nil, nil)
	require.NoError(t, client.Start())

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		_, err := client.Send("nowhere", Message{Body: "x"}, func(resp Body, err error) {
			errs[i] = err
			wg.Done()
		})
		require.NoError(t, err)
	}

	client.Stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("graceful shutdown did not complete every pending message")
	}

	for i := 0; i < n; i++ {
		require.ErrorIsf(t, errs[i], ErrMessageConnection, "message %d", i)
	}
}
