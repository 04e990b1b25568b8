package rpc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidgo/aio/aio"
)

// memStream is a minimal in-memory ioStream double: two memStreams formed
// by newMemLink feed each other's PostRecvSome directly across reactor
// goroutines via PostExternal, with no real socket involved. It exists so
// relay tests can wire several Connections together without depending on
// TCP loopback or aio.Stream's fd-duplication path.
type memStream struct {
	mu      sync.Mutex
	self    *aio.Reactor
	peer    *memStream
	peerR   *aio.Reactor
	inbox   []byte
	pendBuf []byte
	pendFn  func(ctx *aio.ReactorContext, n int)
	sending bool
	closed  bool
}

// newMemLink returns the two ends of an in-memory duplex link, one owned
// by ra's reactor and the other by rb's.
func newMemLink(ra, rb *aio.Reactor) (*memStream, *memStream) {
	a := &memStream{self: ra}
	b := &memStream{self: rb}
	a.peer, a.peerR = b, rb
	b.peer, b.peerR = a, ra
	return a, b
}

func (m *memStream) PostRecvSome(buf []byte, fn func(ctx *aio.ReactorContext, n int)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if len(m.inbox) > 0 {
		n := copy(buf, m.inbox)
		m.inbox = m.inbox[n:]
		m.mu.Unlock()
		self := m.self
		self.Post(func() { fn(&aio.ReactorContext{Reactor: self}, n) })
		return nil
	}
	m.pendBuf = buf
	m.pendFn = fn
	m.mu.Unlock()
	return nil
}

func (m *memStream) PostSendAll(buf []byte, fn func(ctx *aio.ReactorContext)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), buf...)
	peer, peerR, self := m.peer, m.peerR, m.self
	m.sending = true
	m.mu.Unlock()

	peerR.PostExternal(func() { peer.deliver(data) })
	self.Post(func() {
		m.mu.Lock()
		m.sending = false
		m.mu.Unlock()
		fn(&aio.ReactorContext{Reactor: self})
	})
	return nil
}

func (m *memStream) deliver(data []byte) {
	m.mu.Lock()
	if m.pendFn == nil {
		m.inbox = append(m.inbox, data...)
		m.mu.Unlock()
		return
	}
	buf, fn := m.pendBuf, m.pendFn
	m.pendBuf, m.pendFn = nil, nil
	n := copy(buf, data)
	if n < len(data) {
		m.inbox = append(m.inbox, data[n:]...)
	}
	m.mu.Unlock()
	fn(&aio.ReactorContext{Reactor: m.self}, n)
}

func (m *memStream) HasPendingSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sending
}

func (m *memStream) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// relayHubConfig returns a Configuration for the two relay-hop connections
// a relaying process owns, with enough spare recv buffers that a
// multi-packet forward leg never trips ErrConnectionTooManyRecvBuffers
// while its chunks sit retained awaiting the destination's write to
// drain.
func relayHubConfig() Configuration {
	return Configuration{
		Protocol:                   fakeProtocol{},
		MaxPacketSize:              1 << 16,
		MaxActiveMessages:          8,
		RelayEnabled:               true,
		ConnectionRelayBufferCount: 16,
	}
}

// TestRelayForwardsMultiPacketMessageRoundTrip: a client sends a request
// through a relaying hub to a second peer, and
// the peer's reply is relayed back, end to end. The body is large enough
// relative to the hub's send buffer that the forward leg spans several
// Continued wire packets, exercising the fix to consumeBody's dispatch (it
// must route every forward-direction continuation to ReceiveRelayBody, not
// ReceiveRelayResponse) together with CheckResponseState and the
// RelayNew/RelayDone event wiring.
func TestRelayForwardsMultiPacketMessageRoundTrip(t *testing.T) {
	schedC1 := newTestScheduler(t)
	schedHub := newTestScheduler(t)
	schedC2 := newTestScheduler(t)

	rC1 := schedC1.Reactors()[0]
	rHub := schedHub.Reactors()[0]
	rC2 := schedC2.Reactors()[0]

	streamC1, streamAin := newMemLink(rC1, rHub)
	streamAout, streamC2 := newMemLink(rHub, rC2)

	hubManager := schedHub.Manager()
	poolDest := newConnectionPool("", relayHubConfig(), hubManager, schedHub, 0, nil, nil, nil)
	relay := NewRelayEngine(hubManager, func(name string) (*ConnectionPool, bool) {
		return poolDest, true
	})

	// Start the relay's outbound leg to C2 first so its pool has an Active
	// connection by the time the forward leg arrives.
	outCfg := relayHubConfig()
	outCfg.ClientStartState = StartActive
	connAout := NewConnection(outCfg, rHub, hubManager, poolDest, relay, streamAout, false)
	schedHub.StartActor(0, connAout, connEvent(evStart, nil))

	inCfg := relayHubConfig()
	connAin := NewConnection(inCfg, rHub, hubManager, nil, relay, streamAin, true)
	schedHub.StartActor(0, connAin, connEvent(evStart, nil))

	c2Cfg := testConfig()
	poolC2 := newConnectionPool("hub", c2Cfg, schedC2.Manager(), schedC2, 0, nil, nil, echoUpperHandler)
	c2 := NewConnection(c2Cfg, rC2, schedC2.Manager(), poolC2, nil, streamC2, true)
	schedC2.StartActor(0, c2, connEvent(evStart, nil))

	c1Cfg := testConfig()
	c1Cfg.ClientStartState = StartActive
	c1 := NewConnection(c1Cfg, rC1, schedC1.Manager(), nil, nil, streamC1, false)
	c1ID := schedC1.StartActor(0, c1, connEvent(evStart, nil))

	body := strings.Repeat("relay-payload-", 200) // several KB, forces Continued chunks

	var (
		wg     sync.WaitGroup
		result string
		resErr error
	)
	wg.Add(1)
	var enqueued MessageID
	schedC1.Manager().Notify(c1ID, connEvent(evNewConnMessage, enqueueRequest{
		message: &Message{Header: MessageHeader{Flags: FlagWaitResponse, SenderRequestID: 1}, Body: body},
		cb: func(resp Body, err error) {
			defer wg.Done()
			resErr = err
			result = bodyToString(resp)
		},
		idOut: &enqueued,
	}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relayed request never completed")
	}

	require.NoError(t, resErr)
	require.Equal(t, body, result)
}

// relayRecorder is a bare aio.Actor used only to observe the two relay
// events a Connection otherwise handles: evRelayNew (it captures the
// payload's onFlushed hook, standing in for a destination connection whose
// write later drains) and evRelayDone (it records whatever buffers were
// freed, standing in for the origin connection reclaiming them).
type relayRecorder struct {
	mu        sync.Mutex
	onFlushed func()
	freed     []*aio.Buffer

	newCh    chan struct{}
	doneCh   chan struct{}
	newOnce  sync.Once
	doneOnce sync.Once
}

func newRelayRecorder() *relayRecorder {
	return &relayRecorder{newCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (r *relayRecorder) OnEvent(ctx *aio.ReactorContext, ev aio.Event) {
	if ev.Category != categoryConnection {
		return
	}
	switch ev.ID {
	case evRelayNew:
		p, _ := ev.Payload.(relayNewPayload)
		r.mu.Lock()
		r.onFlushed = p.onFlushed
		r.mu.Unlock()
		r.newOnce.Do(func() { close(r.newCh) })
	case evRelayDone:
		bufs, _ := ev.Payload.([]*aio.Buffer)
		r.mu.Lock()
		r.freed = append(r.freed, bufs...)
		r.mu.Unlock()
		r.doneOnce.Do(func() { close(r.doneCh) })
	}
}

func (r *relayRecorder) PostStopHook() {}

// TestRelayRetainsBufferUntilForwardCompletes exercises the relay buffer
// lifetime directly: a chunk handed to RelayEngine.Start keeps its
// aio.Buffer's use_count >= 2 across the origin connection's own post-Feed
// release (mirroring onRecv), and is only handed back to the origin (via
// evRelayDone) once the forwarded write actually drains (via the
// evRelayNew payload's onFlushed hook), not the instant the origin's own
// recv completes.
func TestRelayRetainsBufferUntilForwardCompletes(t *testing.T) {
	sched := newTestScheduler(t)
	manager := sched.Manager()

	originRec := newRelayRecorder()
	originID := sched.StartActor(0, originRec, aio.Event{})
	origin := &Connection{}
	origin.BindIdentity(originID)

	destRec := newRelayRecorder()
	destID := sched.StartActor(0, destRec, aio.Event{})

	poolDest := newConnectionPool("", relayHubConfig(), manager, sched, 0, nil, nil, nil)
	poolDest.promote(destID, nil)

	relay := NewRelayEngine(manager, func(name string) (*ConnectionPool, bool) { return poolDest, true })

	buf := aio.MakeBuffer(64)
	data := buf.Data()[:16]
	for i := range data {
		data[i] = byte(i)
	}
	require.EqualValues(t, 1, buf.UseCount())

	hdr := MessageHeader{Flags: FlagWaitResponse, SenderRequestID: 7}
	relayID, accepted, err := relay.Start(origin, hdr, buf, data, true)
	require.NoError(t, err)
	require.True(t, accepted)
	require.True(t, relayID.Valid())

	// RelayEngine.Start retained the chunk: use_count is 2 (the connection's
	// own original hold plus the relay session's).
	require.EqualValues(t, 2, buf.UseCount())

	// Mirror onRecv's own post-Feed release: it alone must not free the
	// buffer while the relay hop still holds its reference.
	require.False(t, buf.Release())
	require.EqualValues(t, 1, buf.UseCount())

	select {
	case <-destRec.newCh:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardRequest never posted evRelayNew to the destination connection")
	}
	destRec.mu.Lock()
	onFlushed := destRec.onFlushed
	destRec.mu.Unlock()
	require.NotNil(t, onFlushed)

	select {
	case <-originRec.doneCh:
		t.Fatal("evRelayDone fired before the forwarded write drained")
	case <-time.After(50 * time.Millisecond):
	}

	onFlushed()

	select {
	case <-originRec.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("evRelayDone never reached the origin connection after the forward write drained")
	}
	require.EqualValues(t, 0, buf.UseCount())
	originRec.mu.Lock()
	defer originRec.mu.Unlock()
	require.Len(t, originRec.freed, 1)
	require.Same(t, buf, originRec.freed[0])
}
