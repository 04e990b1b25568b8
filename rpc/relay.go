package rpc

import (
	"sync"

	"github.com/solidgo/aio/aio"
)

// relayChunk is one accepted body chunk of an in-flight relay: data is a
// view directly into buf's backing array, and buf has been Retain()'d so
// the connection that produced it cannot reclaim it into its free-list
// until this chunk's hop has actually transmitted it and released it
// back.
type relayChunk struct {
	buf  *aio.Buffer
	data []byte
}

// relaySession tracks one relayed message end to end: origin is the
// Connection the forward leg arrived on, dest is the pool it is bound for,
// chunks accumulate the forward leg, and (if the message expects one)
// respChunks accumulate the response leg once responder receives it.
type relaySession struct {
	origin         *Connection
	dest           *ConnectionPool
	header         MessageHeader
	awaitsResponse bool

	chunks []relayChunk

	responder  *Connection
	respChunks []relayChunk
}

func (s *relaySession) addChunk(buf *aio.Buffer, data []byte) {
	buf.Retain()
	s.chunks = append(s.chunks, relayChunk{buf: buf, data: data})
}

func (s *relaySession) addRespChunk(buf *aio.Buffer, data []byte) {
	buf.Retain()
	s.respChunks = append(s.respChunks, relayChunk{buf: buf, data: data})
}

// RelayEngine forwards a message's body bytes from an origin Connection to
// the ConnectionPool named by the message's Destination field without
// decoding it through the user Protocol: relaying is a pure
// byte-forwarding concern. Both legs (forward and response) are delivered
// to their target connection as a real aio.Event via Manager.Notify, since
// only a connection's own reactor goroutine may mutate its writer or its
// recv-buffer free-list, and a forwarded chunk's retained aio.Buffer is
// only released once that delivery's write has actually drained.
type RelayEngine struct {
	lookupPool func(name string) (*ConnectionPool, bool)
	manager    *aio.Manager

	mu       sync.Mutex
	sessions map[MessageID]*relaySession
	nextIdx  uint32
	unique   uint32
}

// NewRelayEngine builds a RelayEngine whose destination lookups are served
// by lookupPool (normally Service.pool) and whose cross-reactor delivery
// goes through manager.
func NewRelayEngine(manager *aio.Manager, lookupPool func(name string) (*ConnectionPool, bool)) *RelayEngine {
	return &RelayEngine{manager: manager, lookupPool: lookupPool, sessions: make(map[MessageID]*relaySession)}
}

// allocID must be called with r.mu held.
func (r *RelayEngine) allocID() MessageID {
	r.unique++
	idx := r.nextIdx
	r.nextIdx++
	return MessageID{Index: idx, Unique: r.unique}
}

// Start begins relaying a new (non-response) message. It resolves
// hdr.Destination to a ConnectionPool; an unknown destination refuses the
// relay (accepted == false), which the caller (MessageReader) surfaces as
// back-pressure. The session is kept under id for the lifetime of the
// forward leg and, if hdr carries FlagWaitResponse, through the response
// leg too.
func (r *RelayEngine) Start(origin *Connection, hdr MessageHeader, buf *aio.Buffer, data []byte, isLast bool) (MessageID, bool, error) {
	pool, ok := r.lookupPool(hdr.Destination)
	if !ok {
		return MessageID{}, false, nil
	}
	sess := &relaySession{origin: origin, dest: pool, header: hdr, awaitsResponse: hdr.Flags.Has(FlagWaitResponse)}
	sess.addChunk(buf, data)
	r.mu.Lock()
	id := r.allocID()
	r.sessions[id] = sess
	r.mu.Unlock()
	if isLast {
		r.forwardRequest(id, sess)
	}
	return id, true, nil
}

// Body appends a continuation chunk to an in-flight relay session's
// forward leg.
func (r *RelayEngine) Body(relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[relayID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	sess.addChunk(buf, data)
	if isLast {
		r.forwardRequest(relayID, sess)
	}
	return true, nil
}

// Response accumulates a reply travelling back through this hop toward the
// original sender. responder is the Connection the response bytes were
// actually read on (not necessarily origin: the forward leg's destination
// connection is typically a different Connection than the one that
// received the original request).
func (r *RelayEngine) Response(responder *Connection, relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[relayID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if sess.responder == nil {
		sess.responder = responder
	}
	sess.addRespChunk(buf, data)
	if isLast {
		r.mu.Lock()
		delete(r.sessions, relayID)
		r.mu.Unlock()
		r.forwardResponse(sess)
	}
	return true, nil
}

// forwardRequest hands the accumulated forward-leg chunks to dest's Active
// connection as a raw, already-framed write. If dest has no Active
// connection, the payload is dropped and its buffers released immediately;
// relayed traffic is not queued pending an EnterActive promotion the way
// pool-originated messages are.
func (r *RelayEngine) forwardRequest(id MessageID, sess *relaySession) {
	connID, ok := sess.dest.activeConnID()
	if !ok {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.releaseChunks(sess.origin, sess.chunks)
		return
	}
	chunks := sess.chunks
	origin := sess.origin
	r.manager.Notify(connID, connEvent(evRelayNew, relayNewPayload{
		header:  sess.header,
		chunks:  chunkData(chunks),
		relayID: id,
		onFlushed: func() {
			r.releaseChunks(origin, chunks)
		},
	}))
	if !sess.awaitsResponse {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	}
}

// forwardResponse hands the accumulated response-leg chunks back to the
// origin connection as a raw write carrying FlagResponse. Sender/recipient
// request ids are swapped the same way pool.go's dispatchInbound swaps them
// for a locally-answered request: the forward leg's SenderRequestID is the
// original sender's outstanding request id, so it becomes this packet's
// RecipientRequestID for the origin connection's CheckResponseState to
// match against.
func (r *RelayEngine) forwardResponse(sess *relaySession) {
	hdr := sess.header
	hdr.Flags |= FlagResponse
	hdr.SenderRequestID, hdr.RecipientRequestID = hdr.RecipientRequestID, hdr.SenderRequestID
	chunks := sess.respChunks
	responder := sess.responder
	r.manager.Notify(sess.origin.Self(), connEvent(evRelayNew, relayNewPayload{
		header: hdr,
		chunks: chunkData(chunks),
		onFlushed: func() {
			r.releaseChunks(responder, chunks)
		},
	}))
}

// releaseChunks drops this relay hop's hold on each chunk's buffer; any
// that reach use_count 0 are handed back to conn (their owning
// connection's free-list) via evRelayDone, since only that connection's
// own reactor goroutine may touch its free-list.
func (r *RelayEngine) releaseChunks(conn *Connection, chunks []relayChunk) {
	var freed []*aio.Buffer
	for _, ch := range chunks {
		if ch.buf.Release() {
			freed = append(freed, ch.buf)
		}
	}
	if len(freed) == 0 || conn == nil {
		return
	}
	r.manager.Notify(conn.Self(), connEvent(evRelayDone, freed))
}

func chunkData(chunks []relayChunk) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c.data
	}
	return out
}
