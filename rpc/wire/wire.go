// Package wire implements the on-wire packet framing: a fixed 16-byte,
// big-endian packet header followed by a payload of zero or more
// {sub-header, bytes} records.
package wire

import "encoding/binary"

// HeaderSize is the fixed packet header length.
const HeaderSize = 16

// PacketType is the `type` field of the packet header.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketKeepAlive
	PacketConnecting
	PacketAccepting
)

// Flags is the packet header's 16-bit flag bitset.
type Flags uint16

const (
	FlagNewMessage Flags = 1 << iota
	FlagContinued
	FlagResponse
	FlagCanceled
	FlagSwitchToNewProto
	FlagRequestReceipt
	FlagAccepted
	FlagConnecting
)

// ProtocolVersion is the `version` field of every packet header.
const ProtocolVersion uint8 = 0x01

// Header is the fixed 16-byte packet header, decoded from and encoded to
// big-endian wire bytes.
type Header struct {
	Version       uint8
	Type          PacketType
	Flags         Flags
	Length        uint32
	MessageIndex  uint16
	AckCount      uint8
	Reserved      uint8
	UpdatesCount  uint16
	RetransmitID  uint16
}

// Encode writes the header to dst, which must be at least HeaderSize
// bytes.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = h.Version
	dst[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint32(dst[4:8], h.Length)
	binary.BigEndian.PutUint16(dst[8:10], h.MessageIndex)
	dst[10] = h.AckCount
	dst[11] = h.Reserved
	binary.BigEndian.PutUint16(dst[12:14], h.UpdatesCount)
	binary.BigEndian.PutUint16(dst[14:16], h.RetransmitID)
}

// Decode parses a Header from src (which must be at least HeaderSize
// bytes). strictReserved rejects non-zero UpdatesCount/RetransmitID: these
// fields originate in an older UDP codec, so by default they decode as
// opaque reserved data and are only validated to be zero when
// strictReserved is requested.
func Decode(src []byte, strictReserved bool) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Version:      src[0],
		Type:         PacketType(src[1]),
		Flags:        Flags(binary.BigEndian.Uint16(src[2:4])),
		Length:       binary.BigEndian.Uint32(src[4:8]),
		MessageIndex: binary.BigEndian.Uint16(src[8:10]),
		AckCount:     src[10],
		Reserved:     src[11],
		UpdatesCount: binary.BigEndian.Uint16(src[12:14]),
		RetransmitID: binary.BigEndian.Uint16(src[14:16]),
	}
	if strictReserved && (h.UpdatesCount != 0 || h.RetransmitID != 0) {
		return Header{}, ErrNonZeroReserved
	}
	return h, nil
}

// SubHeaderSize is the fixed size of a payload record's sub-header: sender
// request id (4), recipient request id (4), relay hops (1), body length
// (4) = 13 bytes.
const SubHeaderSize = 13

// SubHeader is one payload record header within a Data packet's payload.
type SubHeader struct {
	SenderRequestID    uint32
	RecipientRequestID uint32
	RelayHops          uint8
	BodyLength         uint32
}

func (s SubHeader) Encode(dst []byte) {
	_ = dst[SubHeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:4], s.SenderRequestID)
	binary.BigEndian.PutUint32(dst[4:8], s.RecipientRequestID)
	dst[8] = s.RelayHops
	binary.BigEndian.PutUint32(dst[9:13], s.BodyLength)
}

func DecodeSubHeader(src []byte) (SubHeader, error) {
	if len(src) < SubHeaderSize {
		return SubHeader{}, ErrShortHeader
	}
	return SubHeader{
		SenderRequestID:    binary.BigEndian.Uint32(src[0:4]),
		RecipientRequestID: binary.BigEndian.Uint32(src[4:8]),
		RelayHops:          src[8],
		BodyLength:         binary.BigEndian.Uint32(src[9:13]),
	}, nil
}

// HandshakeSize is the 4-byte big-endian "base port" payload of the
// Connecting/Accepting handshake packets.
const HandshakeSize = 4

func EncodeHandshake(basePort uint32, dst []byte) {
	_ = dst[HandshakeSize-1]
	binary.BigEndian.PutUint32(dst, basePort)
}

func DecodeHandshake(src []byte) (uint32, error) {
	if len(src) < HandshakeSize {
		return 0, ErrShortHeader
	}
	return binary.BigEndian.Uint32(src), nil
}
