package rpc

import (
	"github.com/pkg/errors"

	"github.com/solidgo/aio/aio"
	"github.com/solidgo/aio/rpc/wire"
)

// ResponseState is the outcome of Receiver.CheckResponseState.
type ResponseState int

const (
	ResponseNone ResponseState = iota
	ResponseCancel
	ResponseInvalid
)

// Receiver is the callback interface MessageReader drives, implemented by
// Connection. The packet sub-header carries sender/recipient request ids
// but no message type id; a NewMessage record's first 4 bytes of body are
// a protocol type id written by the matching MessageWriter.
type Receiver interface {
	ReceiveMessage(hdr MessageHeader, body Body, typeID uint32)
	ReceiveHandshake(accepting bool, basePort uint32)
	ReceiveKeepAlive()
	ReceiveAckCount(n uint8)
	ReceiveCancelRequest(recipientRequestID uint32)
	ReceiveRelayStart(hdr MessageHeader, buf *aio.Buffer, data []byte, isLast bool) (relayID MessageID, accepted bool, err error)
	ReceiveRelayBody(relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (accepted bool, err error)
	ReceiveRelayResponse(hdr MessageHeader, relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (accepted bool, err error)
	CheckResponseState(hdr MessageHeader, erase bool) (ResponseState, MessageID)
	PushCancelRequest(recipientRequestID uint32)
}

type readerPhase int

const (
	phaseHeader readerPhase = iota
	phaseHandshake
	phaseSubHeader
	phaseBody
)

// inFlightRead accumulates a message body across Continued packets sharing
// one message_index.
type inFlightRead struct {
	header  MessageHeader
	typeID  uint32
	body    Body
	deser   Deserializer
	isRelay bool
	relayID MessageID

	typeBuf  [4]byte // type id bytes gathered so far, before deser exists
	typeFill int
}

// MessageReader is the stateful byte-stream -> decoded-message parser:
// packet header, then sub-header, then body bytes routed to a relay sink,
// a deserializer, or a discard.
type MessageReader struct {
	cfg Configuration

	phase readerPhase

	hdrBuf  [wire.HeaderSize]byte
	hdrFill int
	hdr     wire.Header

	subBuf  [wire.SubHeaderSize]byte
	subFill int
	sub     wire.SubHeader

	hsBuf  [wire.HandshakeSize]byte
	hsFill int

	bodyLeft uint32
	discard  bool

	inFlight map[uint16]*inFlightRead

	// pending holds back-pressure state: the reader stopped mid-packet
	// because Receiver refused a relay start, and the outer Connection
	// should stop pulling more kernel bytes until retried.
	pending bool
}

func NewMessageReader(cfg Configuration) *MessageReader {
	return &MessageReader{cfg: cfg, inFlight: make(map[uint16]*inFlightRead)}
}

// Pending reports whether the last Feed call stopped due to a refused
// relay start.
func (r *MessageReader) Pending() bool { return r.pending }

// Retry clears the back-pressure flag so the next Feed call resumes
// exactly where it left off.
func (r *MessageReader) Retry() { r.pending = false }

// Feed consumes bytes from data, invoking recv's callbacks for whatever
// becomes available, and returns how many bytes were consumed. Every
// consumed byte either completes a message (callback invoked exactly
// once), is held for more data, or is discarded; Feed never consumes a
// byte without accounting for it in one of those three ways.
func (r *MessageReader) Feed(buf *aio.Buffer, data []byte, recv Receiver) (int, error) {
	total := 0
	for len(data) > 0 {
		if r.pending {
			return total, nil
		}
		switch r.phase {
		case phaseHeader:
			n := take(r.hdrBuf[:], &r.hdrFill, data)
			data = data[n:]
			total += n
			if r.hdrFill < wire.HeaderSize {
				return total, nil
			}
			hdr, err := wire.Decode(r.hdrBuf[:], r.cfg.StrictDecode)
			if err != nil {
				return total, err
			}
			if hdr.Length > r.cfg.MaxPacketSize {
				return total, ErrPacketTooLarge
			}
			r.hdr = hdr
			r.hdrFill = 0
			if hdr.AckCount > 0 {
				recv.ReceiveAckCount(hdr.AckCount)
			}
			if hdr.Type == wire.PacketKeepAlive {
				recv.ReceiveKeepAlive()
				continue
			}
			if hdr.Type == wire.PacketConnecting || hdr.Type == wire.PacketAccepting {
				if hdr.Length != wire.HandshakeSize {
					return total, errors.New("rpc: malformed handshake packet")
				}
				r.phase = phaseHandshake
				continue
			}
			if hdr.Length == 0 {
				continue // nothing more for this packet
			}
			r.phase = phaseSubHeader

		case phaseHandshake:
			n := take(r.hsBuf[:], &r.hsFill, data)
			data = data[n:]
			total += n
			if r.hsFill < wire.HandshakeSize {
				return total, nil
			}
			basePort, err := wire.DecodeHandshake(r.hsBuf[:])
			if err != nil {
				return total, err
			}
			r.hsFill = 0
			recv.ReceiveHandshake(r.hdr.Type == wire.PacketAccepting, basePort)
			r.phase = phaseHeader

		case phaseSubHeader:
			n := take(r.subBuf[:], &r.subFill, data)
			data = data[n:]
			total += n
			if r.subFill < wire.SubHeaderSize {
				return total, nil
			}
			sub, err := wire.DecodeSubHeader(r.subBuf[:])
			if err != nil {
				return total, err
			}
			r.sub = sub
			r.subFill = 0
			if r.hdr.Length < wire.SubHeaderSize {
				return total, errors.New("rpc: packet length shorter than sub-header")
			}
			r.bodyLeft = r.hdr.Length - wire.SubHeaderSize
			r.discard = false
			if r.bodyLeft == 0 && r.hdr.Flags&wire.FlagCanceled != 0 {
				recv.ReceiveCancelRequest(sub.RecipientRequestID)
				r.phase = phaseHeader
				continue
			}
			if err := r.beginBody(recv); err != nil {
				return total, err
			}
			r.phase = phaseBody

		case phaseBody:
			n := uint32(len(data))
			if n > r.bodyLeft {
				n = r.bodyLeft
			}
			chunk := data[:n]
			isLast := r.hdr.Flags&wire.FlagContinued == 0
			consumed, err := r.consumeBody(buf, chunk, isLast, recv)
			data = data[consumed:]
			total += consumed
			r.bodyLeft -= uint32(consumed)
			if err != nil {
				return total, err
			}
			if consumed < len(chunk) {
				// Receiver refused a relay start/body: back off without
				// consuming the rest.
				r.pending = true
				return total, nil
			}
			if r.bodyLeft > 0 {
				continue
			}
			if isLast {
				r.completeBody(recv)
			}
			r.phase = phaseHeader
		}
	}
	return total, nil
}

// beginBody sets up how this packet's body bytes will be consumed: a fresh
// message (new or continuing), a relay start/body/response, or a discard
// (response for an already-canceled/unknown request).
func (r *MessageReader) beginBody(recv Receiver) error {
	idx := r.hdr.MessageIndex
	hdr := MessageHeader{
		Flags:              r.messageFlags(),
		SenderRequestID:    r.sub.SenderRequestID,
		RecipientRequestID: r.sub.RecipientRequestID,
	}

	if r.hdr.Flags&wire.FlagResponse != 0 {
		state, relayID := recv.CheckResponseState(hdr, r.hdr.Flags&wire.FlagContinued == 0)
		switch state {
		case ResponseInvalid:
			return errors.New("rpc: response for unknown request")
		case ResponseCancel:
			r.discard = true
			return nil
		}
		if _, ok := r.inFlight[idx]; ok && r.hdr.Flags&wire.FlagNewMessage == 0 {
			return nil // continuing an already-started response
		}
		if r.cfg.RelayEnabled && relayID.Valid() {
			r.inFlight[idx] = &inFlightRead{header: hdr, isRelay: true, relayID: relayID}
			return nil
		}
		body, deser, err := r.cfg.Protocol.NewDeserializer(0)
		if err != nil {
			return err
		}
		r.inFlight[idx] = &inFlightRead{header: hdr, body: body, deser: deser}
		return nil
	}

	if _, ok := r.inFlight[idx]; ok && r.hdr.Flags&wire.FlagNewMessage == 0 {
		return nil // continuing an already-started message; nothing to set up
	}

	r.inFlight[idx] = &inFlightRead{header: hdr}
	return nil
}

func (r *MessageReader) messageFlags() MessageFlags {
	var f MessageFlags
	if r.hdr.Flags&wire.FlagCanceled != 0 {
		f |= FlagCanceled
	}
	if r.hdr.Flags&wire.FlagResponse != 0 {
		f |= FlagResponse
	}
	if r.hdr.Flags&wire.FlagRequestReceipt != 0 {
		f |= FlagWaitResponse
	}
	return f
}

// consumeBody feeds chunk to whatever sink beginBody selected, returning
// how many bytes were actually consumed (less than len(chunk) only when a
// relay receiver applies back-pressure).
func (r *MessageReader) consumeBody(buf *aio.Buffer, chunk []byte, isLast bool, recv Receiver) (int, error) {
	if r.discard {
		return len(chunk), nil
	}
	idx := r.hdr.MessageIndex
	inf := r.inFlight[idx]
	if inf == nil {
		return len(chunk), nil
	}

	if inf.isRelay {
		// inf.isRelay is sticky across every packet of this message_index,
		// both forward-direction continuations and the eventual response;
		// only the *current* packet's Response bit tells the two apart
		// (FlagResponse is set on every packet of a response, including its
		// Continued chunks).
		if r.hdr.Flags&wire.FlagResponse != 0 {
			accepted, err := recv.ReceiveRelayResponse(inf.header, inf.relayID, buf, chunk, isLast)
			if err != nil {
				return 0, err
			}
			if !accepted {
				return 0, nil
			}
			return len(chunk), nil
		}
		accepted, err := recv.ReceiveRelayBody(inf.relayID, buf, chunk, isLast)
		if err != nil {
			return 0, err
		}
		if !accepted {
			return 0, nil
		}
		return len(chunk), nil
	}

	if r.cfg.RelayEnabled && inf.deser == nil && inf.body == nil && r.hdr.Flags&wire.FlagResponse == 0 {
		relayID, accepted, err := recv.ReceiveRelayStart(inf.header, buf, chunk, isLast)
		if err != nil {
			return 0, err
		}
		if !accepted {
			return 0, nil
		}
		inf.isRelay = true
		inf.relayID = relayID
		return len(chunk), nil
	}

	if inf.deser == nil {
		// The 4-byte type id may arrive split across Feed calls; its bytes
		// are gathered in inf.typeBuf until all four are present.
		taken := take(inf.typeBuf[:], &inf.typeFill, chunk)
		if inf.typeFill < len(inf.typeBuf) {
			return taken, nil
		}
		tb := inf.typeBuf
		typeID := uint32(tb[0])<<24 | uint32(tb[1])<<16 | uint32(tb[2])<<8 | uint32(tb[3])
		body, deser, err := r.cfg.Protocol.NewDeserializer(typeID)
		if err != nil {
			return 0, err
		}
		inf.typeID = typeID
		inf.body = body
		inf.deser = deser
		n, _, err := deser.Consume(chunk[taken:])
		if err != nil {
			return 0, err
		}
		return n + taken, nil
	}

	n, _, err := inf.deser.Consume(chunk)
	return n, err
}

func (r *MessageReader) completeBody(recv Receiver) {
	idx := r.hdr.MessageIndex
	inf := r.inFlight[idx]
	delete(r.inFlight, idx)
	if inf == nil || inf.isRelay || r.discard {
		return
	}
	recv.ReceiveMessage(inf.header, inf.body, inf.typeID)
}

func take(buf []byte, fill *int, data []byte) int {
	need := len(buf) - *fill
	n := len(data)
	if n > need {
		n = need
	}
	copy(buf[*fill:*fill+n], data[:n])
	*fill += n
	return n
}
