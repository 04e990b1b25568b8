package rpc

import (
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solidgo/aio/aio"
	"github.com/solidgo/aio/rpc/wire"
)

// connState is the monotone state order Raw -> (Passive | Active) ->
// Stopping -> Stopped; a connection never re-enters a prior state except
// via full teardown and recreation through its Pool.
type connState int

const (
	StateInit connState = iota
	StateConnecting
	StateSecuringClient
	StateSecuringServer
	StateRaw
	StatePassive
	StateActive
	StateStopping
	StateStopped
)

// connFlags is the connection's plain flag word.
type connFlags uint32

const (
	flagServer connFlags = 1 << iota
	flagWaitKeepAliveTimer
	flagStopPeer
	flagHasActivity
	flagPollPool
	flagStopping
	flagDelayedStopping
)

var categoryConnection = aio.NewEventCategory("rpc.connection")

const (
	evStart = iota
	evResolve
	evNewPoolMessage
	evNewConnMessage
	evCancelConnMessage
	evEnterActive
	evStartSecure
	evStoppingKill
	evTimerInactivity
	evTimerKeepalive
	evRelayNew
	evRelayDone
)

func connEvent(id int, payload any) aio.Event {
	return aio.Event{Category: categoryConnection, ID: id, Payload: payload}
}

// relayNewPayload is evRelayNew's payload: RelayEngine handing this
// connection a fully-accumulated relay leg (forward or response) to
// enqueue as a raw passthrough write. chunks are views directly into
// the relay's retained aio.Buffers, not copies; onFlushed, if set, must be
// called exactly once the chunks are no longer needed by this write (either
// because they were fully transmitted, or because the write could never be
// queued at all) so the origin/responder connection can reclaim them.
type relayNewPayload struct {
	header    MessageHeader
	chunks    [][]byte
	relayID   MessageID
	onFlushed func()
}

// Resolver is the injected async name-resolution collaborator. It returns
// candidate addresses for a pool name; the pool tries each in turn on
// connect failure.
type Resolver interface {
	Resolve(peerName string) ([]string, error)
}

// Connection glues one stream to a MessageReader/MessageWriter pair: it
// owns the keep-alive and inactivity timers, the flag word, and the ring
// of receive buffers, and dispatches every event on its owning reactor's
// goroutine.
type Connection struct {
	cfg     Configuration
	reactor *aio.Reactor
	manager *aio.Manager
	self    aio.ActorId

	pool     *ConnectionPool
	relay    *RelayEngine
	isServer bool

	state connState
	flags connFlags

	stream ioStream

	reader *MessageReader
	writer *MessageWriter

	keepaliveTimer   *aio.Timer
	inactivityTimer  *aio.Timer

	sendBuf  *aio.Buffer
	recvBufs *freeList
	curRecv  *aio.Buffer

	keepaliveRecvCount int
	basePort           uint32

	err    error
	sysErr error
}

// NewConnection constructs a Connection bound to reactor, for the named
// pool, with an already-open net-level Stream (either accepted by a
// Listener or dialed fresh); isServer marks the accepting side.
func NewConnection(cfg Configuration, reactor *aio.Reactor, manager *aio.Manager, pool *ConnectionPool, relay *RelayEngine, stream ioStream, isServer bool) *Connection {
	c := &Connection{
		cfg:      cfg,
		reactor:  reactor,
		manager:  manager,
		pool:     pool,
		relay:    relay,
		isServer: isServer,
		state:    StateInit,
		stream:   stream,
		reader:   NewMessageReader(cfg),
		writer:   NewMessageWriter(cfg),
	}
	if isServer {
		c.flags |= flagServer
	}
	c.keepaliveTimer = aio.NewTimer(reactor)
	c.inactivityTimer = aio.NewTimer(reactor)
	c.recvBufs = newFreeList(cfg.ConnectionRecvBufferCapacityKB*1024, cfg.ConnectionRelayBufferCount+2)
	c.basePort = listenerBasePort(cfg.ListenerAddress)
	return c
}

// listenerBasePort extracts the configured listener port, the value both
// sides exchange in the Connecting/Accepting handshake for symmetry
// checks. An empty or unparsable address yields 0, which is still a valid
// handshake payload.
func listenerBasePort(address string) uint32 {
	if address == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return 0
	}
	return uint32(port)
}

// OnEvent implements aio.Actor, dispatching to the doHandleEvent* table.
func (c *Connection) OnEvent(ctx *aio.ReactorContext, ev aio.Event) {
	if ev.Category == categoryConnection {
		switch ev.ID {
		case evStart:
			c.doHandleEventStart(ctx)
		case evResolve:
			c.doHandleEventResolve(ctx, ev)
		case evNewPoolMessage:
			c.doHandleEventNewPoolMessage(ctx)
		case evNewConnMessage:
			c.doHandleEventNewConnMessage(ctx, ev)
		case evCancelConnMessage:
			c.doHandleEventCancelConnMessage(ctx, ev)
		case evEnterActive:
			c.doHandleEventEnterActive(ctx, ev)
		case evStartSecure:
			c.doHandleEventStartSecure(ctx)
		case evStoppingKill:
			c.doStop(ctx, ErrConnectionKilled, nil)
		case evRelayNew:
			c.doHandleEventRelayNew(ctx, ev)
		case evRelayDone:
			c.doHandleEventRelayDone(ctx, ev)
		}
		return
	}
	if ev.Category != nil && ev.ID == aio.EventKill {
		c.doStop(ctx, ErrConnectionKilled, nil)
	}
}

func (c *Connection) PostStopHook() {
	c.keepaliveTimer.Cancel()
	c.inactivityTimer.Cancel()
	if c.stream != nil {
		c.stream.Close()
	}
}

// Self reports this connection's stable ActorId, valid once StartActor has
// registered it.
func (c *Connection) Self() aio.ActorId { return c.self }

// BindIdentity implements aio.IdentityBinder: the Reactor hands the
// Connection its ActorId before the start event fires, so a stop triggered
// inside the start path can still schedule teardown by id.
func (c *Connection) BindIdentity(id aio.ActorId) { c.self = id }

// doHandleEventStart begins the recv loop and, on the client side, opens
// the Connecting/Accepting exchange. Data flows only once the handshake
// has completed and enterStartState has run.
func (c *Connection) doHandleEventStart(ctx *aio.ReactorContext) {
	c.state = StateConnecting
	c.armInactivity()
	c.armRecv(ctx)
	if !c.isServer {
		if err := c.sendHandshake(wire.PacketConnecting, c.basePort, func(sctx *aio.ReactorContext) {
			if sctx.Err != nil {
				c.doStop(sctx, ErrConnectionKilled, sctx.Err)
			}
		}); err != nil {
			c.doStop(ctx, ErrConnectionInvalidState, err)
		}
	}
}

// ReceiveHandshake completes the Connecting/Accepting exchange: the server
// answers a Connecting packet by echoing its base port back, the client
// verifies the echo matches what it sent. Only then does either side
// settle into its configured start state.
func (c *Connection) ReceiveHandshake(accepting bool, basePort uint32) {
	ctx := &aio.ReactorContext{Reactor: c.reactor}
	if c.state != StateConnecting {
		c.doStop(ctx, ErrConnectionInvalidState, nil)
		return
	}
	if c.isServer {
		if accepting {
			c.doStop(ctx, ErrConnectionInvalidState, nil)
			return
		}
		if err := c.sendHandshake(wire.PacketAccepting, basePort, func(sctx *aio.ReactorContext) {
			if sctx.Err != nil {
				c.doStop(sctx, ErrConnectionKilled, sctx.Err)
			}
		}); err != nil {
			c.doStop(ctx, ErrConnectionInvalidState, err)
			return
		}
		c.enterStartState(ctx)
		return
	}
	if !accepting || basePort != c.basePort {
		c.doStop(ctx, ErrConnectionInvalidState, nil)
		return
	}
	c.enterStartState(ctx)
}

// enterStartState transitions out of the handshake into the configured
// per-direction start state and flushes whatever traffic queued while the
// handshake was in flight.
func (c *Connection) enterStartState(ctx *aio.ReactorContext) {
	c.state = StateRaw
	if !c.isServer {
		c.armKeepalive()
	}
	start := c.cfg.ClientStartState
	if c.isServer {
		start = c.cfg.ServerStartState
	}
	switch start {
	case StartPassive:
		c.state = StatePassive
	case StartActive:
		c.enterActive(ctx)
	}
	c.flushWrite(ctx)
}

func (c *Connection) doHandleEventResolve(ctx *aio.ReactorContext, ev aio.Event) {
	addrs, _ := ev.Payload.([]string)
	if len(addrs) == 0 {
		c.doStop(ctx, ErrResolveExhausted, nil)
		return
	}
	// Connection establishment over a real Stream is driven by the Service
	// (Service.ensureConnection resolves through the pool's Resolver and
	// Service.dialOne retries the remaining addresses on failure); this
	// handler only runs doHandleEventStart when addresses were delivered.
	c.doHandleEventStart(ctx)
}

func (c *Connection) doHandleEventNewPoolMessage(ctx *aio.ReactorContext) {
	if c.state != StateActive {
		return
	}
	c.flags |= flagPollPool
	c.pullFromPool()
	c.flushWrite(ctx)
}

func (c *Connection) doHandleEventNewConnMessage(ctx *aio.ReactorContext, ev aio.Event) {
	msg, _ := ev.Payload.(enqueueRequest)
	if msg.message == nil {
		return
	}
	id, err := c.writer.Enqueue(*msg.message, msg.cb)
	if err != nil {
		msg.cb(nil, err)
		return
	}
	if msg.idOut != nil {
		*msg.idOut = id
	}
	c.flushWrite(ctx)
}

func (c *Connection) doHandleEventCancelConnMessage(ctx *aio.ReactorContext, ev aio.Event) {
	id, _ := ev.Payload.(MessageID)
	c.writer.Cancel(id)
	c.flushWrite(ctx)
}

func (c *Connection) doHandleEventEnterActive(ctx *aio.ReactorContext, ev aio.Event) {
	cb, _ := ev.Payload.(func(*Connection))
	c.enterActive(ctx)
	if cb != nil {
		cb(c)
	}
	c.flushWrite(ctx)
}

// doHandleEventRelayNew enqueues a relay-forwarded leg (request or
// response) for transmission on this connection. If
// the writer has no room, the chunks' buffer references are released
// immediately rather than held for a retry, dropping the relay hop
// outright, the same disclosed simplification the no-Active-connection
// case already makes.
func (c *Connection) doHandleEventRelayNew(ctx *aio.ReactorContext, ev aio.Event) {
	p, ok := ev.Payload.(relayNewPayload)
	if !ok {
		return
	}
	_, err := c.writer.EnqueueRaw(p.header, p.chunks, p.relayID, p.onFlushed)
	if err != nil {
		if p.onFlushed != nil {
			p.onFlushed()
		}
		return
	}
	c.flushWrite(ctx)
}

// doHandleEventRelayDone reclaims recv buffers a relay hop was holding
// once they are fully released, and bumps the peer ack-count credit those
// buffers free up.
func (c *Connection) doHandleEventRelayDone(ctx *aio.ReactorContext, ev aio.Event) {
	bufs, ok := ev.Payload.([]*aio.Buffer)
	if !ok {
		return
	}
	for _, b := range bufs {
		c.recvBufs.put(b)
		c.writer.NoteRecvBufferConsumed()
	}
	c.flushWrite(ctx)
}

// pullFromPool drains the pool's FIFO pending-message queue into this
// connection's writer while both have capacity; the Active connection of
// a pool is the one that actually transmits pool-queued messages.
func (c *Connection) pullFromPool() {
	if c.pool == nil {
		return
	}
	for {
		msg, cb, poolID, ok := c.pool.popPending()
		if !ok {
			return
		}
		wrapped := func(resp Body, err error) {
			c.pool.completeDispatched(poolID)
			if cb != nil {
				cb(resp, err)
			}
		}
		connMsgID, err := c.writer.Enqueue(*msg, wrapped)
		if err != nil {
			c.pool.requeueFront(poolID, msg, cb)
			return
		}
		c.pool.recordDispatch(poolID, c.self, connMsgID)
	}
}

// enterActive promotes this connection and immediately drains whatever the
// pool queued before any member was Active.
func (c *Connection) enterActive(ctx *aio.ReactorContext) {
	c.state = StateActive
	c.flags |= flagPollPool
	if c.pool != nil {
		c.pool.promote(c.self, c)
	}
	c.pullFromPool()
	c.flushWrite(ctx)
}

func (c *Connection) doHandleEventStartSecure(ctx *aio.ReactorContext) {
	// The TLS handshake (SecureConnect/SecureAccept) is driven by
	// Service.dialSecure / Service.handleAccept before this Connection is
	// created; Service.spawnConnection then starts it with a single evStart
	// over the already-upgraded stream. This handler only sets StateRaw.
	c.state = StateRaw
}

// armRecv arms the next receive into a fresh buffer from the free-list,
// failing the connection with TooManyRecvBuffers if the list is
// exhausted.
func (c *Connection) armRecv(ctx *aio.ReactorContext) {
	if c.curRecv != nil {
		return
	}
	b := c.recvBufs.get()
	if b == nil {
		c.doStop(ctx, ErrConnectionTooManyRecvBuffers, nil)
		return
	}
	c.curRecv = b
	err := c.stream.PostRecvSome(b.Data(), func(rctx *aio.ReactorContext, n int) {
		c.onRecv(rctx, n)
	})
	if err != nil {
		c.doStop(ctx, ErrConnectionInvalidState, err)
	}
}

func (c *Connection) onRecv(ctx *aio.ReactorContext, n int) {
	if ctx.Err != nil {
		c.doStop(ctx, ErrConnectionKilled, ctx.Err)
		return
	}
	if n == 0 {
		c.doStop(ctx, ErrConnectionKilled, nil)
		return
	}
	c.flags |= flagHasActivity
	data := c.curRecv.Data()[:n]
	consumed, err := c.reader.Feed(c.curRecv, data, c)
	_ = consumed
	if err != nil {
		c.doStop(ctx, ErrConnectionInvalidState, err)
		return
	}
	if c.reader.Pending() {
		// Back-pressure: a relay receiver refused; the buffer stays
		// referenced until the outer Connection pair drains it, so we
		// simply don't re-arm recv yet.
		return
	}
	// This connection's own hold on curRecv ends here; if a relay hop
	// Retain()'d it during Feed, it stays alive until that hop's own
	// Release() (via RelayEngine's release path and evRelayDone) drops it
	// back to zero.
	if c.curRecv.Release() {
		c.recvBufs.put(c.curRecv)
	}
	c.curRecv = nil
	c.armRecv(ctx)
	c.flushWrite(ctx)
}

// flushWrite drains MessageWriter into the Stream's single pending send,
// re-entering once the previous send completes.
func (c *Connection) flushWrite(ctx *aio.ReactorContext) {
	switch c.state {
	case StateRaw, StatePassive, StateActive:
	default:
		// Handshake (or teardown) in flight: only sendHandshake's own
		// direct writes may touch the stream.
		return
	}
	if c.stream.HasPendingSend() {
		return
	}
	if c.sendBuf == nil {
		c.sendBuf = aio.MakeBuffer(c.cfg.ConnectionSendBufferCapacityKB * 1024)
	}
	n := c.writer.Write(c.sendBuf.Data())
	if n == 0 {
		return
	}
	c.flags &^= flagHasActivity
	err := c.stream.PostSendAll(c.sendBuf.Data()[:n], func(sctx *aio.ReactorContext) {
		c.onSend(sctx)
	})
	if err != nil {
		c.doStop(ctx, ErrConnectionInvalidState, err)
	}
}

func (c *Connection) onSend(ctx *aio.ReactorContext) {
	if ctx.Err != nil {
		c.doStop(ctx, ErrConnectionKilled, ctx.Err)
		return
	}
	c.flags |= flagHasActivity
	c.flushWrite(ctx)
}

func (c *Connection) armKeepalive() {
	if c.cfg.KeepaliveTimeoutSeconds <= 0 {
		return
	}
	c.keepaliveTimer.WaitFor(time.Duration(c.cfg.KeepaliveTimeoutSeconds)*time.Second, func(ctx *aio.ReactorContext) {
		c.onKeepaliveTimer(ctx)
	})
}

func (c *Connection) onKeepaliveTimer(ctx *aio.ReactorContext) {
	if ctx.Err != nil {
		return
	}
	c.writer.RequestKeepalive()
	c.flushWrite(ctx)
	c.armKeepalive()
}

func (c *Connection) armInactivity() {
	if c.cfg.InactivityTimeoutSeconds <= 0 {
		return
	}
	c.flags &^= flagHasActivity
	c.inactivityTimer.WaitFor(time.Duration(c.cfg.InactivityTimeoutSeconds)*time.Second, func(ctx *aio.ReactorContext) {
		c.onInactivityTimer(ctx)
	})
}

// onInactivityTimer rearms if the interval saw any traffic; an interval
// with none stops the connection.
func (c *Connection) onInactivityTimer(ctx *aio.ReactorContext) {
	if ctx.Err != nil {
		return
	}
	if c.flags&flagHasActivity != 0 {
		c.armInactivity()
		return
	}
	c.doStop(ctx, ErrConnectionInactivityTimeout, nil)
}

// doStop sets the connection's error once (first wins), transitions to
// Stopping/Stopped, fails every outstanding writer slot
// with MessageConnection, and schedules removal via PostStop.
func (c *Connection) doStop(ctx *aio.ReactorContext, domainErr, sysErr error) {
	if c.state == StateStopping || c.state == StateStopped {
		return
	}
	c.state = StateStopping
	c.flags |= flagStopping
	if c.err == nil {
		c.err = domainErr
		c.sysErr = sysErr
	}
	c.writer.FailAll(ErrMessageConnection)
	c.keepaliveTimer.Cancel()
	c.inactivityTimer.Cancel()
	if c.pool != nil {
		c.pool.connectionStopped(c.self)
	}
	c.state = StateStopped
	log.Debug().Err(c.err).Msg("rpc: connection stopped")
	if c.self.Valid() {
		c.reactor.PostStopSelf(c.self)
	}
}

// enqueueRequest is the payload of evNewConnMessage: a message targeted
// directly at this connection.
type enqueueRequest struct {
	message *Message
	cb      CompletionFunc
	idOut   *MessageID
}

// --- Receiver implementation (driven by MessageReader) ---

func (c *Connection) ReceiveMessage(hdr MessageHeader, body Body, typeID uint32) {
	c.keepaliveRecvCount = 0
	if hdr.Flags.Has(FlagResponse) {
		c.writer.CompleteResponse(hdr.RecipientRequestID, body, nil)
		return
	}
	c.deliverLocal(hdr, body, typeID)
}

// ReceiveKeepAlive counts consecutive inbound keepalives for flood
// protection: a server kills a peer that sends more than the configured
// number of keepalives with nothing else between them.
func (c *Connection) ReceiveKeepAlive() {
	c.flags |= flagHasActivity
	c.keepaliveRecvCount++
	if c.isServer && c.cfg.InactivityKeepaliveCount > 0 && c.keepaliveRecvCount > c.cfg.InactivityKeepaliveCount {
		c.doStop(&aio.ReactorContext{Reactor: c.reactor}, ErrConnectionTooManyKeepalive, nil)
	}
}

func (c *Connection) ReceiveAckCount(n uint8) {
	c.writer.NoteAckCount(n)
}

func (c *Connection) ReceiveCancelRequest(recipientRequestID uint32) {
	c.writer.CompleteRemoteCancel(recipientRequestID)
}

func (c *Connection) ReceiveRelayStart(hdr MessageHeader, buf *aio.Buffer, data []byte, isLast bool) (MessageID, bool, error) {
	if c.relay == nil {
		return MessageID{}, false, nil
	}
	return c.relay.Start(c, hdr, buf, data, isLast)
}

func (c *Connection) ReceiveRelayBody(relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	if c.relay == nil {
		return false, nil
	}
	return c.relay.Body(relayID, buf, data, isLast)
}

func (c *Connection) ReceiveRelayResponse(hdr MessageHeader, relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	if c.relay == nil {
		return false, nil
	}
	return c.relay.Response(c, relayID, buf, data, isLast)
}

func (c *Connection) CheckResponseState(hdr MessageHeader, erase bool) (ResponseState, MessageID) {
	return c.writer.CheckResponseState(hdr.RecipientRequestID, erase)
}

func (c *Connection) PushCancelRequest(recipientRequestID uint32) {
	if idx, ok := c.writer.findBySenderRequestID(recipientRequestID); ok {
		c.writer.cancelQueue = append(c.writer.cancelQueue, idx)
	}
}

// deliverLocal completes the writer slot waiting on this response, or (for
// server-side inbound requests) hands the decoded message to the pool's
// request dispatcher.
func (c *Connection) deliverLocal(hdr MessageHeader, body Body, typeID uint32) {
	_ = typeID
	if c.pool != nil {
		c.pool.dispatchInbound(c, hdr, body)
	}
}

// --- Packet framing helper used by handshake ---

func (c *Connection) sendHandshake(t wire.PacketType, basePort uint32, fn func(ctx *aio.ReactorContext)) error {
	buf := make([]byte, wire.HeaderSize+wire.HandshakeSize)
	h := wire.Header{Version: wire.ProtocolVersion, Type: t, Length: wire.HandshakeSize}
	h.Encode(buf)
	wire.EncodeHandshake(basePort, buf[wire.HeaderSize:])
	return c.stream.PostSendAll(buf, fn)
}
