package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// feedAll drives buf through reader in one shot, failing the test if any
// byte is left unconsumed or unaccounted for.
func feedAll(t *testing.T, r *MessageReader, buf []byte, recv Receiver) {
	t.Helper()
	n, err := r.Feed(nil, buf, recv)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
}

func TestWriterReaderRoundTripSingleMessage(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)
	r := NewMessageReader(cfg)
	recv := &fakeReceiver{}

	id, err := w.Enqueue(Message{
		Header: MessageHeader{SenderRequestID: 11, RecipientRequestID: 22},
		Body:   "hello world",
	}, nil)
	require.NoError(t, err)
	require.True(t, id.Valid())

	buf := make([]byte, 4096)
	n := w.Write(buf)
	require.Greater(t, n, 0)

	feedAll(t, r, buf[:n], recv)

	require.Len(t, recv.messages, 1)
	got := recv.messages[0]
	require.Equal(t, "hello world", got.body)
	require.Equal(t, uint32(fakeTypeID), got.typeID)
	require.Equal(t, uint32(11), got.hdr.SenderRequestID)
	require.Equal(t, uint32(22), got.hdr.RecipientRequestID)
}

func TestWriterSplitsAcrossSmallBuffers(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)
	r := NewMessageReader(cfg)
	recv := &fakeReceiver{}

	longBody := make([]byte, 500)
	for i := range longBody {
		longBody[i] = byte('a' + i%26)
	}
	_, err := w.Enqueue(Message{Body: string(longBody)}, nil)
	require.NoError(t, err)

	small := make([]byte, 64)
	for {
		n := w.Write(small)
		if n == 0 {
			break
		}
		feedAll(t, r, small[:n], recv)
	}

	require.Len(t, recv.messages, 1)
	require.Equal(t, string(longBody), recv.messages[0].body)
}

func TestWriterFullRejectsOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActiveMessages = 1
	w := NewMessageWriter(cfg)

	_, err := w.Enqueue(Message{Body: "a"}, nil)
	require.NoError(t, err)

	_, err = w.Enqueue(Message{Body: "b"}, nil)
	require.ErrorIs(t, err, ErrWriterFull)
}

func TestWriterCancelBeforeTransmission(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)

	var gotErr error
	id, err := w.Enqueue(Message{Body: "never sent"}, func(resp Body, err error) { gotErr = err })
	require.NoError(t, err)

	require.True(t, w.Cancel(id))

	buf := make([]byte, 4096)
	w.Write(buf)
	require.ErrorIs(t, gotErr, ErrMessageCanceled)
}

func TestWriterWaitResponseThenCompleteResponse(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)

	var gotBody Body
	_, err := w.Enqueue(Message{
		Header: MessageHeader{Flags: FlagWaitResponse, SenderRequestID: 5},
		Body:   "the request",
	}, func(resp Body, err error) { gotBody = resp })
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n := w.Write(buf)
	require.Greater(t, n, 0)

	require.True(t, w.CompleteResponse(5, "the response", nil))
	require.Equal(t, "the response", gotBody)
}

// TestWriterSynchronousMessagesStayFIFO: two Synchronous messages never
// interleave on the wire: the second one's first byte goes out only after
// the first has fully finished, while an ordinary message is free to
// complete in between.
func TestWriterSynchronousMessagesStayFIFO(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)
	r := NewMessageReader(cfg)
	recv := &fakeReceiver{}

	longBody := make([]byte, 300)
	for i := range longBody {
		longBody[i] = 'a'
	}
	_, err := w.Enqueue(Message{
		Header: MessageHeader{Flags: FlagSynchronous},
		Body:   string(longBody),
	}, nil)
	require.NoError(t, err)
	_, err = w.Enqueue(Message{
		Header: MessageHeader{Flags: FlagSynchronous},
		Body:   "second-sync",
	}, nil)
	require.NoError(t, err)
	_, err = w.Enqueue(Message{Body: "async"}, nil)
	require.NoError(t, err)

	// A buffer small enough that the first sync body spans several packets,
	// giving the second one every opportunity to jump the queue if it could.
	small := make([]byte, 96)
	for {
		n := w.Write(small)
		if n == 0 {
			break
		}
		feedAll(t, r, small[:n], recv)
	}

	require.Len(t, recv.messages, 3)
	firstSync, secondSync := -1, -1
	for i, m := range recv.messages {
		switch m.body {
		case string(longBody):
			firstSync = i
		case "second-sync":
			secondSync = i
		}
	}
	require.NotEqual(t, -1, firstSync)
	require.NotEqual(t, -1, secondSync)
	require.Less(t, firstSync, secondSync)
}

// TestWriterCancelWhileAwaitingResponse: canceling a fully-sent message
// queues a piggyback cancel-request for the peer, and when the peer's
// response does arrive anyway, the race resolves to exactly one completion
// carrying Canceled, with no response body delivered.
func TestWriterCancelWhileAwaitingResponse(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)

	completions := 0
	var gotBody Body
	var gotErr error
	id, err := w.Enqueue(Message{
		Header: MessageHeader{Flags: FlagWaitResponse, SenderRequestID: 5},
		Body:   "the request",
	}, func(resp Body, err error) {
		completions++
		gotBody = resp
		gotErr = err
	})
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n := w.Write(buf)
	require.Greater(t, n, 0)

	require.True(t, w.Cancel(id))
	require.Zero(t, completions, "completion must wait for the response race to resolve")

	// The next write carries the cancel-request control packet.
	n = w.Write(buf)
	require.Greater(t, n, 0)

	state, _ := w.CheckResponseState(5, true)
	require.Equal(t, ResponseCancel, state)
	require.Equal(t, 1, completions)
	require.Nil(t, gotBody)
	require.ErrorIs(t, gotErr, ErrMessageCanceled)
}

func TestEnqueueRawBypassesTypeIDPrefix(t *testing.T) {
	cfg := testConfig()
	w := NewMessageWriter(cfg)
	r := NewMessageReader(cfg)
	recv := &fakeReceiver{}

	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	_, err := w.EnqueueRaw(MessageHeader{}, [][]byte{raw}, MessageID{}, nil)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n := w.Write(buf)
	require.Greater(t, n, 0)

	// Without relay routing enabled, a plain Receiver has no way to tell a
	// raw passthrough slot's bytes from an ordinary new message, so the
	// reader decodes raw's first 4 bytes as a type id the way it would for
	// any other new message. This round trip only proves every byte is
	// still consumed and accounted for.
	n2, err := r.Feed(nil, buf[:n], recv)
	require.NoError(t, err)
	require.Equal(t, n, n2)
	require.Len(t, recv.messages, 1)
}
