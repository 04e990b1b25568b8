package rpc

// MessageFlags is the per-message bitset carried in every MessageHeader.
type MessageFlags uint32

const (
	FlagWaitResponse MessageFlags = 1 << iota
	FlagSynchronous
	FlagOneShot
	FlagResponse
	FlagBackOnSender
	FlagCanceled
)

func (f MessageFlags) Has(bit MessageFlags) bool { return f&bit != 0 }

// MessageHeader is attached to every user Message.
// SenderRequestID/RecipientRequestID are the wire-level uint32 ids from
// the packet sub-header: they identify a message's write-slot on
// whichever side sent it. The local anti-stale "Unique" half of a
// MessageID lives only in each side's own write-slot table, never on the
// wire; a received request id is always resolved against the local
// table, which already guards against reuse the way Manager's ActorId
// does for actors.
type MessageHeader struct {
	Category           uint8
	Flags              MessageFlags
	SenderRequestID    uint32
	RecipientRequestID uint32
	Destination        string // url-like destination, e.g. "peername/path"
}

// Message pairs a user Body with its header, the unit accepted by
// Service.Send and delivered to Connection's writer/reader.
type Message struct {
	Header MessageHeader
	Body   Body
}

// MessageID is a (index, unique) handle into one Connection's per-message
// write-slot table. It is what Service.Send returns and what Cancel
// takes.
type MessageID struct {
	Index  uint32
	Unique uint32
}

func (id MessageID) Valid() bool { return id.Unique != 0 }

// CompletionFunc is invoked exactly once per accepted message: either
// (response != nil, err == nil), or (nil, one of
// ErrMessageCanceled/ErrMessageCanceledPeer/ErrMessageConnection).
type CompletionFunc func(response Body, err error)
