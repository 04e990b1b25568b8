package rpc

import (
	"github.com/solidgo/aio/rpc/wire"
)

// writeState is the per-slot state machine; a tracked message leaves the
// slab only through its completion callback. Head and body writing are
// folded into wsWriting since the 4-byte type id goes out inline with the
// first body chunk rather than as a separate head phase (see reader.go's
// note on type ids).
type writeState int

const (
	wsPending writeState = iota
	wsWriting
	wsWaitResponse
	wsCanceled
	wsDone
)

type writeSlot struct {
	id           MessageID
	header       MessageHeader
	typeID       uint32
	ser          Serializer
	state        writeState
	sentAnyChunk bool // true once the type-id-prefixed first chunk has been sent
	raw          bool // true for relay passthrough slots: ser already yields fully-framed bytes, no type-id prefix is added
	cb           CompletionFunc
	cancelErr    error // set when a local cancel arrives before completion

	// relayID/writeDoneHook are set only on relay passthrough slots
	// (EnqueueRaw). relayID is the RelayEngine session this slot's eventual
	// response belongs to; writeDoneHook fires exactly once, the moment the
	// slot's bytes have been fully produced into the outbound stream, so
	// the relay's held aio.Buffer references are released no earlier than
	// the data has actually left this connection.
	relayID       MessageID
	writeDoneHook func()
}

// rawSerializer implements Serializer over a sequence of already-encoded
// byte slices, used by EnqueueRaw for relay passthrough: a relay hop
// forwards bytes without re-deserializing/re-serializing them through the
// user Protocol. Holding the original
// chunk slices (rather than concatenating them into one copy) is what lets
// a relayed buffer's lifetime genuinely track transmission instead of an
// internal copy.
type rawSerializer struct {
	chunks [][]byte
	ci     int
	off    int
}

func (r *rawSerializer) Produce(dst []byte) (int, bool, error) {
	total := 0
	for total < len(dst) && r.ci < len(r.chunks) {
		chunk := r.chunks[r.ci]
		n := copy(dst[total:], chunk[r.off:])
		r.off += n
		total += n
		if r.off == len(chunk) {
			r.ci++
			r.off = 0
		}
	}
	return total, r.ci == len(r.chunks), nil
}

// MessageWriter owns the slab of per-message write-slots, the pending
// FIFO, round-robin active-writer scheduling, ack-credit flow control, and
// the piggybacked cancel-request queue.
type MessageWriter struct {
	cfg Configuration

	slots       map[uint32]*writeSlot
	nextIndex   uint32
	freeIndices []uint32
	uniqueSeq   uint32

	pendingQueue []uint32 // FIFO: accepted, not yet writing
	activeOrder  []uint32 // round-robin order of slots currently writing/waiting
	rrCursor     int

	credit       int // ack credits: how many send-buffers we may still fill
	peerAckCount uint8
	cancelQueue  []uint32

	keepaliveDue bool

	synchronousBusy bool // a Synchronous message is mid-transmission
}

const defaultInitialCredit = 4

func NewMessageWriter(cfg Configuration) *MessageWriter {
	credit := cfg.MaxActiveMessages
	if credit <= 0 {
		credit = defaultInitialCredit
	}
	return &MessageWriter{
		cfg:    cfg,
		slots:  make(map[uint32]*writeSlot),
		credit: credit,
	}
}

func (w *MessageWriter) Empty() bool {
	return len(w.slots) == 0
}

func (w *MessageWriter) activeCount() int { return len(w.slots) }

// Enqueue accepts msg for transmission, returning its MessageID, or
// ErrWriterFull if the slab is at capacity or there is no send credit.
func (w *MessageWriter) Enqueue(msg Message, cb CompletionFunc) (MessageID, error) {
	max := w.cfg.MaxActiveMessages
	if max <= 0 {
		max = defaultInitialCredit
	}
	if w.activeCount() >= max || w.credit <= 0 {
		return MessageID{}, ErrWriterFull
	}
	ser, err := w.cfg.Protocol.NewSerializer(msg.Body)
	if err != nil {
		return MessageID{}, err
	}
	typeID, err := w.cfg.Protocol.TypeID(msg.Body)
	if err != nil {
		return MessageID{}, err
	}

	idx, unique := w.allocSlot()
	slot := &writeSlot{
		id:     MessageID{Index: idx, Unique: unique},
		header: msg.Header,
		typeID: typeID,
		ser:    ser,
		state:  wsPending,
		cb:     cb,
	}
	w.slots[idx] = slot
	w.pendingQueue = append(w.pendingQueue, idx)
	return slot.id, nil
}

// EnqueueRaw accepts an already-framed relay payload (chunks, produced by
// RelayEngine from forwarded body chunks, each still backed by its original
// retained aio.Buffer) for transmission, bypassing the type-id-prefix and
// Protocol.NewSerializer steps Enqueue uses for locally-originated
// messages. relayID, if valid, marks this slot as a relay-forward slot so
// CheckResponseState can later match an incoming response back to it.
// onFlushed, if non-nil, fires exactly once the chunks have been fully
// written into the outbound stream.
func (w *MessageWriter) EnqueueRaw(header MessageHeader, chunks [][]byte, relayID MessageID, onFlushed func()) (MessageID, error) {
	max := w.cfg.MaxActiveMessages
	if max <= 0 {
		max = defaultInitialCredit
	}
	if w.activeCount() >= max || w.credit <= 0 {
		return MessageID{}, ErrWriterFull
	}
	idx, unique := w.allocSlot()
	slot := &writeSlot{
		id:            MessageID{Index: idx, Unique: unique},
		header:        header,
		ser:           &rawSerializer{chunks: chunks},
		raw:           true,
		state:         wsPending,
		relayID:       relayID,
		writeDoneHook: onFlushed,
	}
	w.slots[idx] = slot
	w.pendingQueue = append(w.pendingQueue, idx)
	return slot.id, nil
}

// allocSlot hands out a slot index plus a writer-local unique counter; the
// writer is only ever touched by its connection's reactor goroutine, so no
// synchronization is needed.
func (w *MessageWriter) allocSlot() (uint32, uint32) {
	w.uniqueSeq++
	if n := len(w.freeIndices); n > 0 {
		idx := w.freeIndices[n-1]
		w.freeIndices = w.freeIndices[:n-1]
		return idx, w.uniqueSeq
	}
	idx := w.nextIndex
	w.nextIndex++
	return idx, w.uniqueSeq
}

// Cancel handles a local cancel: drop the message immediately if it has
// not started sending; mark it for a Canceled end-marker if partially
// sent; piggyback a cancel-request if fully sent and awaiting response.
func (w *MessageWriter) Cancel(id MessageID) bool {
	slot, ok := w.slots[id.Index]
	if !ok || slot.id.Unique != id.Unique {
		return false
	}
	switch slot.state {
	case wsPending:
		w.removeSlot(id.Index)
		slot.complete(nil, ErrMessageCanceled)
		return true
	case wsWriting:
		slot.cancelErr = ErrMessageCanceled
		slot.state = wsCanceled
		return true
	case wsWaitResponse:
		w.cancelQueue = append(w.cancelQueue, id.Index)
		slot.cancelErr = ErrMessageCanceled
		return true
	default:
		return false
	}
}

// CompleteRemoteCancel handles a peer-initiated cancel: mark the
// in-progress receive of a response, complete with PeerCanceled.
func (w *MessageWriter) CompleteRemoteCancel(senderRequestID uint32) bool {
	idx, ok := w.findBySenderRequestID(senderRequestID)
	if !ok {
		return false
	}
	slot := w.slots[idx]
	w.removeSlot(idx)
	slot.complete(nil, ErrMessageCanceledPeer)
	return true
}

// CheckResponseState resolves an incoming response packet's recipient
// request id against this writer's own outstanding slots. An unmatched id
// is Invalid (response for an unknown/already-completed request); a match
// whose slot was already locally canceled is Cancel, and its completion
// fires here since this is the only place that later learns the peer's
// response actually arrived, keeping a simultaneous cancel and
// peer-response down to exactly one completion. A match that is itself a
// relay-forward slot reports
// its relayID so the caller routes the response through the relay engine
// instead of deserializing it locally; erase (true only on a response's
// final, non-Continued packet) is when that relay-forward slot is finally
// removed from the table.
func (w *MessageWriter) CheckResponseState(recipientRequestID uint32, erase bool) (ResponseState, MessageID) {
	idx, ok := w.findBySenderRequestID(recipientRequestID)
	if !ok {
		return ResponseInvalid, MessageID{}
	}
	slot := w.slots[idx]
	if slot.cancelErr != nil {
		if erase {
			w.removeSlot(idx)
			slot.complete(nil, slot.cancelErr)
		}
		return ResponseCancel, MessageID{}
	}
	if !slot.relayID.Valid() {
		return ResponseNone, MessageID{}
	}
	if erase {
		w.removeSlot(idx)
	}
	return ResponseNone, slot.relayID
}

func (w *MessageWriter) findBySenderRequestID(id uint32) (uint32, bool) {
	for idx, s := range w.slots {
		if s.header.SenderRequestID == id {
			return idx, true
		}
	}
	return 0, false
}

func (s *writeSlot) complete(resp Body, err error) {
	if s.cb != nil {
		s.cb(resp, err)
	}
}

func (w *MessageWriter) removeSlot(idx uint32) {
	delete(w.slots, idx)
	w.freeIndices = append(w.freeIndices, idx)
	w.activeOrder = removeUint32(w.activeOrder, idx)
	w.pendingQueue = removeUint32(w.pendingQueue, idx)
}

func removeUint32(s []uint32, v uint32) []uint32 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// NoteAckCount replenishes send credit by n send-buffers. Credits are
// counted in send-buffers, not bytes.
func (w *MessageWriter) NoteAckCount(n uint8) {
	w.credit += int(n)
}

// NoteRecvBufferConsumed records that one recv buffer has been fully
// processed, to be piggybacked as an outgoing ack_count on the next write.
func (w *MessageWriter) NoteRecvBufferConsumed() {
	if w.peerAckCount < 255 {
		w.peerAckCount++
	}
}

// RequestKeepalive marks that a keepalive packet is due (Connection's
// keepalive timer calls this on outbound idle).
func (w *MessageWriter) RequestKeepalive() { w.keepaliveDue = true }

// Write fills dst with as many packets as fit, returning the number of
// bytes written: keepalive if due and idle, then control packets, then
// body chunks round-robin across active writers. A pending ack_count rides
// in the header of the first control or data packet written; only when
// nothing else was written does it go out alone in a header-only packet.
func (w *MessageWriter) Write(dst []byte) int {
	used := 0

	if w.keepaliveDue && w.isIdle() {
		n := w.writeKeepalive(dst)
		w.keepaliveDue = false
		return n
	}

	used += w.writeControlPackets(dst[used:])

	w.promotePending()

	attempts := 0
	for used < len(dst) && w.credit > 0 && len(w.activeOrder) > 0 && attempts < len(w.activeOrder) {
		idx := w.nextActive()
		slot := w.slots[idx]
		if slot == nil {
			attempts++
			continue
		}
		n := w.writeSlotChunk(dst[used:], slot)
		if n == 0 {
			break
		}
		used += n
		attempts = 0
	}
	if w.peerAckCount > 0 && used == 0 && len(dst) >= wire.HeaderSize {
		h := wire.Header{Version: wire.ProtocolVersion, Type: wire.PacketKeepAlive, AckCount: w.takeAckCount()}
		h.Encode(dst)
		used += wire.HeaderSize
	}
	return used
}

func (w *MessageWriter) isIdle() bool {
	return len(w.pendingQueue) == 0 && len(w.activeOrder) == 0
}

func (w *MessageWriter) writeKeepalive(dst []byte) int {
	if len(dst) < wire.HeaderSize {
		return 0
	}
	h := wire.Header{Version: wire.ProtocolVersion, Type: wire.PacketKeepAlive}
	h.Encode(dst)
	return wire.HeaderSize
}

// writeControlPackets emits one packet per queued cancel-request
// notification, each a zero-body packet carrying the Canceled flag and
// the peer ack_count piggybacked in its header.
func (w *MessageWriter) writeControlPackets(dst []byte) int {
	used := 0
	for len(w.cancelQueue) > 0 {
		need := wire.HeaderSize + wire.SubHeaderSize
		if len(dst[used:]) < need {
			break
		}
		reqIdx := w.cancelQueue[0]
		w.cancelQueue = w.cancelQueue[1:]
		slot := w.slots[reqIdx]
		var recipientReq uint32
		if slot != nil {
			recipientReq = slot.header.RecipientRequestID
		}
		h := wire.Header{
			Version:      wire.ProtocolVersion,
			Type:         wire.PacketData,
			Flags:        wire.FlagCanceled,
			Length:       wire.SubHeaderSize,
			MessageIndex: uint16(reqIdx),
			AckCount:     w.takeAckCount(),
		}
		h.Encode(dst[used:])
		used += wire.HeaderSize
		sub := wire.SubHeader{RecipientRequestID: recipientReq}
		sub.Encode(dst[used:])
		used += wire.SubHeaderSize
	}
	return used
}

func (w *MessageWriter) takeAckCount() uint8 {
	n := w.peerAckCount
	w.peerAckCount = 0
	return n
}

// promotePending moves FIFO-pending slots into the round-robin active set.
// Synchronous messages are held back while another Synchronous message is
// mid-transmission on this connection, so they never interleave with each
// other; ordinary messages promote freely regardless.
func (w *MessageWriter) promotePending() {
	kept := w.pendingQueue[:0]
	for _, idx := range w.pendingQueue {
		slot, ok := w.slots[idx]
		if !ok {
			continue
		}
		if slot.header.Flags.Has(FlagSynchronous) && w.synchronousBusy {
			kept = append(kept, idx)
			continue
		}
		slot.state = wsWriting
		w.activeOrder = append(w.activeOrder, idx)
		if slot.header.Flags.Has(FlagSynchronous) {
			w.synchronousBusy = true
		}
	}
	w.pendingQueue = kept
}

func (w *MessageWriter) nextActive() uint32 {
	if len(w.activeOrder) == 0 {
		return 0
	}
	if w.rrCursor >= len(w.activeOrder) {
		w.rrCursor = 0
	}
	idx := w.activeOrder[w.rrCursor]
	w.rrCursor++
	return idx
}

// writeSlotChunk emits one sub-header + body-chunk record for slot, moving
// it to WaitResponse/Done or, if canceled, emitting the Canceled
// end-marker in place of further body bytes before firing the
// completion.
func (w *MessageWriter) writeSlotChunk(dst []byte, slot *writeSlot) int {
	need := wire.HeaderSize + wire.SubHeaderSize
	if len(dst) < need+1 {
		return 0
	}

	if slot.state == wsCanceled {
		h := wire.Header{
			Version:      wire.ProtocolVersion,
			Type:         wire.PacketData,
			Flags:        wire.FlagCanceled,
			Length:       wire.SubHeaderSize,
			MessageIndex: uint16(slot.id.Index),
			AckCount:     w.takeAckCount(),
		}
		h.Encode(dst)
		sub := wire.SubHeader{SenderRequestID: slot.header.SenderRequestID, RecipientRequestID: slot.header.RecipientRequestID}
		sub.Encode(dst[wire.HeaderSize:])
		w.removeSlot(slot.id.Index)
		if slot.header.Flags.Has(FlagSynchronous) {
			w.synchronousBusy = false
		}
		if slot.writeDoneHook != nil {
			hook := slot.writeDoneHook
			slot.writeDoneHook = nil
			hook()
		}
		slot.complete(nil, slot.cancelErr)
		return need
	}

	isFirstChunk := !slot.sentAnyChunk

	bodyCap := len(dst) - need
	bodyDst := dst[need:]
	var prefix int
	// A response's first chunk carries no type-id prefix: reader.go's
	// beginBody builds a response's Deserializer eagerly, from the
	// request/response contract alone, before any body bytes arrive (see
	// its NewDeserializer(0) call), so there is nothing on the read side
	// to strip one against.
	if isFirstChunk && !slot.raw && !slot.header.Flags.Has(FlagResponse) {
		if bodyCap < 5 {
			return 0
		}
		bodyDst[0] = byte(slot.typeID >> 24)
		bodyDst[1] = byte(slot.typeID >> 16)
		bodyDst[2] = byte(slot.typeID >> 8)
		bodyDst[3] = byte(slot.typeID)
		prefix = 4
		bodyDst = bodyDst[4:]
		bodyCap -= 4
	}

	n, done, err := slot.ser.Produce(bodyDst)
	total := prefix + n
	_ = err // a failed Produce stalls the slot; it is retried on the next
	// Write() call, and an unrecoverable serializer error is reported by
	// the caller's Protocol implementation via its own channel.

	flags := wire.Flags(0)
	if isFirstChunk {
		flags |= wire.FlagNewMessage
	}
	if slot.header.Flags.Has(FlagResponse) {
		flags |= wire.FlagResponse
	}
	if slot.header.Flags.Has(FlagWaitResponse) {
		flags |= wire.FlagRequestReceipt
	}
	if !done {
		flags |= wire.FlagContinued
	}
	slot.markChunkSent()

	h := wire.Header{
		Version:      wire.ProtocolVersion,
		Type:         wire.PacketData,
		Flags:        flags,
		Length:       wire.SubHeaderSize + uint32(total),
		MessageIndex: uint16(slot.id.Index),
		AckCount:     w.takeAckCount(),
	}
	h.Encode(dst)
	sub := wire.SubHeader{
		SenderRequestID:    slot.header.SenderRequestID,
		RecipientRequestID: slot.header.RecipientRequestID,
		BodyLength:         uint32(total),
	}
	sub.Encode(dst[wire.HeaderSize:])

	written := need + total

	if done {
		w.credit--
		if slot.header.Flags.Has(FlagSynchronous) {
			w.synchronousBusy = false
		}
		if slot.writeDoneHook != nil {
			hook := slot.writeDoneHook
			slot.writeDoneHook = nil
			hook()
		}
		if slot.header.Flags.Has(FlagWaitResponse) && !slot.header.Flags.Has(FlagResponse) {
			slot.state = wsWaitResponse
			w.activeOrder = removeUint32(w.activeOrder, slot.id.Index)
		} else {
			w.removeSlot(slot.id.Index)
			slot.complete(nil, nil)
		}
	}
	return written
}

func (s *writeSlot) markChunkSent() { s.sentAnyChunk = true }

// CompleteResponse delivers a fully-decoded response body to the slot
// waiting on recipientRequestID, firing its completion exactly once.
func (w *MessageWriter) CompleteResponse(recipientRequestID uint32, body Body, err error) bool {
	idx, ok := w.findBySenderRequestID(recipientRequestID)
	if !ok {
		return false
	}
	slot := w.slots[idx]
	w.removeSlot(idx)
	slot.complete(body, err)
	return true
}

// FailAll completes every outstanding slot with err; graceful pool
// shutdown uses it to fail every pending message with MessageConnection.
func (w *MessageWriter) FailAll(err error) {
	for idx, slot := range w.slots {
		delete(w.slots, idx)
		if slot.writeDoneHook != nil {
			hook := slot.writeDoneHook
			slot.writeDoneHook = nil
			hook()
		}
		slot.complete(nil, err)
	}
	w.slots = make(map[uint32]*writeSlot)
	w.pendingQueue = nil
	w.activeOrder = nil
}
