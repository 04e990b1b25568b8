package rpc

// Body is the user-defined serializable payload of a Message. The actual
// serialization format belongs to the user's Protocol implementation; Body
// is deliberately an empty interface so any user type can be carried.
type Body = any

// Serializer incrementally encodes one Body across possibly many calls, so
// MessageWriter can fill each packet's remaining capacity without holding
// the whole encoded message in memory at once.
type Serializer interface {
	// Produce writes up to len(dst) encoded bytes into dst, returning how
	// many were written and whether the message is now fully encoded.
	Produce(dst []byte) (n int, done bool, err error)
}

// Deserializer incrementally decodes one Body across possibly many
// packets, since a long message is split across consecutive packets of the
// same message index.
type Deserializer interface {
	// Consume reads up to len(src) bytes, returning how many were
	// consumed and whether the message is now fully decoded.
	Consume(src []byte) (n int, done bool, err error)
}

// Protocol is the serialization collaborator: user code supplies one
// implementation binding application message types to wire type ids and
// (de)serializers.
type Protocol interface {
	// TypeID returns the wire type id registered for msg's concrete type.
	TypeID(msg Body) (uint32, error)
	// NewSerializer returns a Serializer that encodes msg.
	NewSerializer(msg Body) (Serializer, error)
	// NewDeserializer returns an empty Body value plus a Deserializer that
	// will decode into it, for the given wire type id.
	NewDeserializer(typeID uint32) (Body, Deserializer, error)
}
