package rpc

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/solidgo/aio/aio"
)

// RequestHandler answers an inbound message that is not a response to one
// of ours: the user-supplied callback a Service dispatches peer-initiated
// requests to. peer is the pool's name.
type RequestHandler func(peer string, body Body) (Body, error)

type poolEntry struct {
	id  MessageID
	msg *Message
	cb  CompletionFunc
}

type dispatchInfo struct {
	connID    aio.ActorId
	connMsgID MessageID
}

// ConnectionPool is the named set of up to ConnectionsPerPool connections
// to one peer, with its own FIFO pending-message queue and a single Active
// connection that actually transmits pool-queued traffic.
type ConnectionPool struct {
	name      string
	cfg       Configuration
	manager   *aio.Manager
	scheduler *aio.Scheduler
	resolver  Resolver
	onRequest RequestHandler
	relay     *RelayEngine
	serviceID uint32

	mu          sync.Mutex
	conns       map[aio.ActorId]*Connection
	activeID    aio.ActorId
	pending     []poolEntry
	dispatched  map[MessageID]dispatchInfo
	nextPoolIdx uint32
	poolUnique  uint32
	stopping    bool
}

func newConnectionPool(name string, cfg Configuration, manager *aio.Manager, scheduler *aio.Scheduler, serviceID uint32, relay *RelayEngine, resolver Resolver, onRequest RequestHandler) *ConnectionPool {
	return &ConnectionPool{
		name:       name,
		cfg:        cfg,
		manager:    manager,
		scheduler:  scheduler,
		resolver:   resolver,
		onRequest:  onRequest,
		relay:      relay,
		serviceID:  serviceID,
		conns:      make(map[aio.ActorId]*Connection),
		dispatched: make(map[MessageID]dispatchInfo),
	}
}

func (p *ConnectionPool) allocPoolID() MessageID {
	p.poolUnique++
	idx := p.nextPoolIdx
	p.nextPoolIdx++
	return MessageID{Index: idx, Unique: p.poolUnique}
}

// Send enqueues msg on this pool's FIFO and, if a connection is already
// Active, notifies it immediately to pull the new entry. If no
// connection is yet active (first message to a peer with no open
// connection), dialing is left to the owning Service: Service.Send calls
// Service.ensureConnection right after this returns.
func (p *ConnectionPool) Send(msg Message, cb CompletionFunc) (MessageID, error) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return MessageID{}, ErrPoolStopping
	}
	id := p.allocPoolID()
	p.pending = append(p.pending, poolEntry{id: id, msg: &msg, cb: cb})
	active := p.activeID
	p.mu.Unlock()

	if active.Valid() {
		p.manager.Notify(active, connEvent(evNewPoolMessage, nil))
	}
	return id, nil
}

// Cancel removes id from the pending FIFO if still queued, or forwards a
// CancelConnMessage to whichever connection it was handed to.
func (p *ConnectionPool) Cancel(id MessageID) bool {
	p.mu.Lock()
	for i, e := range p.pending {
		if e.id == id {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.mu.Unlock()
			if e.cb != nil {
				e.cb(nil, ErrMessageCanceled)
			}
			return true
		}
	}
	info, ok := p.dispatched[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.manager.Notify(info.connID, connEvent(evCancelConnMessage, info.connMsgID))
}

func (p *ConnectionPool) popPending() (*Message, CompletionFunc, MessageID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil, nil, MessageID{}, false
	}
	e := p.pending[0]
	p.pending = p.pending[1:]
	return e.msg, e.cb, e.id, true
}

// requeueFront puts an entry a Connection failed to accept (writer at
// capacity) back at the front of the FIFO, preserving order.
func (p *ConnectionPool) requeueFront(id MessageID, msg *Message, cb CompletionFunc) {
	p.mu.Lock()
	p.pending = append([]poolEntry{{id: id, msg: msg, cb: cb}}, p.pending...)
	p.mu.Unlock()
}

func (p *ConnectionPool) recordDispatch(poolID MessageID, connID aio.ActorId, connMsgID MessageID) {
	p.mu.Lock()
	p.dispatched[poolID] = dispatchInfo{connID: connID, connMsgID: connMsgID}
	p.mu.Unlock()
}

func (p *ConnectionPool) completeDispatched(poolID MessageID) {
	p.mu.Lock()
	delete(p.dispatched, poolID)
	p.mu.Unlock()
}

// promote records c as a live member of the pool, resolving a concurrent
// EnterActive race by keeping the lowest ActorId as the pool's single
// Active connection.
func (p *ConnectionPool) promote(id aio.ActorId, c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[id] = c
	if !p.activeID.Valid() || id.Less(p.activeID) {
		p.activeID = id
	}
}

// activeConnID reports the pool's current Active connection, for
// RelayEngine's forward path: it needs only the id to Notify, never the
// *Connection itself. A relay hop never touches another connection's state
// directly, only through its own reactor goroutine.
func (p *ConnectionPool) activeConnID() (aio.ActorId, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID, p.activeID.Valid()
}

// connectionStopped drops id from the pool's membership, re-electing a new
// Active connection (again by lowest ActorId) if id was it.
func (p *ConnectionPool) connectionStopped(id aio.ActorId) {
	p.mu.Lock()
	delete(p.conns, id)
	if p.activeID == id {
		p.activeID = aio.ActorId{}
		for other := range p.conns {
			if !p.activeID.Valid() || other.Less(p.activeID) {
				p.activeID = other
			}
		}
	}
	empty := len(p.conns) == 0
	p.mu.Unlock()
	if empty && p.stopping {
		p.failPending(ErrMessageConnection)
	}
}

// dispatchInbound hands a peer-initiated (non-response) message to the
// pool's RequestHandler, enqueuing the reply back on c if the sender asked
// for one.
func (p *ConnectionPool) dispatchInbound(c *Connection, hdr MessageHeader, body Body) {
	if p.onRequest == nil {
		return
	}
	resp, err := p.onRequest(p.name, body)
	if !hdr.Flags.Has(FlagWaitResponse) {
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("peer", p.name).Msg("rpc: request handler error, no reply sent")
		return
	}
	replyHdr := MessageHeader{
		Flags:              FlagResponse,
		SenderRequestID:    hdr.RecipientRequestID,
		RecipientRequestID: hdr.SenderRequestID,
	}
	c.writer.Enqueue(Message{Header: replyHdr, Body: resp}, nil)
}

// Stop marks the pool stopping and kills every member connection; once the
// last one finishes its own stop sequence, every still-pending message is
// failed with MessageConnection.
func (p *ConnectionPool) Stop() {
	p.mu.Lock()
	p.stopping = true
	ids := make([]aio.ActorId, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	empty := len(ids) == 0
	p.mu.Unlock()

	for _, id := range ids {
		p.manager.Notify(id, connEvent(evStoppingKill, nil))
	}
	if empty {
		p.failPending(ErrMessageConnection)
	}
}

func (p *ConnectionPool) failPending(err error) {
	p.mu.Lock()
	entries := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, e := range entries {
		if e.cb != nil {
			e.cb(nil, err)
		}
	}
}

// connectionCount reports how many connections currently belong to the
// pool, used by Service to decide whether to spawn a fresh one up to
// ConnectionsPerPool.
func (p *ConnectionPool) connectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
