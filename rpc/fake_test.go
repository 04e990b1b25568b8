package rpc

import (
	"bytes"

	"github.com/solidgo/aio/aio"
)

// fakeSerializer/fakeDeserializer/fakeProtocol give the reader/writer tests
// a minimal Protocol that just copies bytes through, so the tests exercise
// the wire framing (headers, sub-headers, type-id prefix, continuation)
// rather than any particular serialization format.

type fakeSerializer struct {
	data []byte
	off  int
}

func (f *fakeSerializer) Produce(dst []byte) (int, bool, error) {
	n := copy(dst, f.data[f.off:])
	f.off += n
	return n, f.off == len(f.data), nil
}

type fakeDeserializer struct {
	buf *bytes.Buffer
}

func (f *fakeDeserializer) Consume(src []byte) (int, bool, error) {
	f.buf.Write(src)
	return len(src), true, nil
}

const fakeTypeID = 42

type fakeProtocol struct{}

func (fakeProtocol) TypeID(msg Body) (uint32, error) { return fakeTypeID, nil }

func (fakeProtocol) NewSerializer(msg Body) (Serializer, error) {
	return &fakeSerializer{data: []byte(msg.(string))}, nil
}

func (fakeProtocol) NewDeserializer(typeID uint32) (Body, Deserializer, error) {
	buf := &bytes.Buffer{}
	return buf, &fakeDeserializer{buf: buf}, nil
}

// fakeReceiver records every Receiver callback MessageReader invokes, for
// assertions in reader/writer round-trip tests.
type fakeReceiver struct {
	messages   []fakeReceivedMessage
	keepAlive  int
	ackCounts  []uint8
	canceled   []uint32
	handshakes []uint32
}

type fakeReceivedMessage struct {
	hdr    MessageHeader
	body   string
	typeID uint32
}

func (f *fakeReceiver) ReceiveMessage(hdr MessageHeader, body Body, typeID uint32) {
	s := ""
	if buf, ok := body.(*bytes.Buffer); ok {
		s = buf.String()
	}
	f.messages = append(f.messages, fakeReceivedMessage{hdr: hdr, body: s, typeID: typeID})
}

func (f *fakeReceiver) ReceiveHandshake(accepting bool, basePort uint32) {
	f.handshakes = append(f.handshakes, basePort)
}

func (f *fakeReceiver) ReceiveKeepAlive()          { f.keepAlive++ }
func (f *fakeReceiver) ReceiveAckCount(n uint8)     { f.ackCounts = append(f.ackCounts, n) }
func (f *fakeReceiver) ReceiveCancelRequest(id uint32) {
	f.canceled = append(f.canceled, id)
}

func (f *fakeReceiver) ReceiveRelayStart(hdr MessageHeader, buf *aio.Buffer, data []byte, isLast bool) (MessageID, bool, error) {
	return MessageID{}, false, nil
}

func (f *fakeReceiver) ReceiveRelayBody(relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	return false, nil
}

func (f *fakeReceiver) ReceiveRelayResponse(hdr MessageHeader, relayID MessageID, buf *aio.Buffer, data []byte, isLast bool) (bool, error) {
	return false, nil
}

func (f *fakeReceiver) CheckResponseState(hdr MessageHeader, erase bool) (ResponseState, MessageID) {
	return ResponseNone, MessageID{}
}

func (f *fakeReceiver) PushCancelRequest(recipientRequestID uint32) {}

func testConfig() Configuration {
	return Configuration{
		Protocol:          fakeProtocol{},
		MaxPacketSize:     1 << 16,
		MaxActiveMessages: 8,
	}
}
