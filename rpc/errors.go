package rpc

import "errors"

// Domain error taxonomy, the RPC-layer half of the enumeration user code
// branches on.
var (
	ErrConnectionKilled               = errors.New("rpc: connection killed")
	ErrConnectionInactivityTimeout    = errors.New("rpc: connection inactivity timeout")
	ErrConnectionTooManyKeepalive     = errors.New("rpc: too many consecutive keepalives")
	ErrConnectionAckCount             = errors.New("rpc: invalid ack count")
	ErrConnectionInvalidState         = errors.New("rpc: invalid connection state for operation")
	ErrConnectionInvalidResponseState = errors.New("rpc: invalid response state")
	ErrConnectionTooManyRecvBuffers   = errors.New("rpc: too many outstanding receive buffers")
	ErrMessageCanceled                = errors.New("rpc: message canceled")
	ErrMessageCanceledPeer            = errors.New("rpc: message canceled by peer")
	ErrMessageConnection              = errors.New("rpc: connection closed before completion")
	ErrInvalidConfiguration           = errors.New("rpc: invalid configuration")
	ErrPacketTooLarge                 = errors.New("rpc: packet exceeds configured maximum size")
	ErrUnknownMessageType              = errors.New("rpc: unknown decoded message type")
	ErrWriterFull                     = errors.New("rpc: message writer at capacity")
	ErrUnknownMessageID               = errors.New("rpc: unknown message id")
	ErrResolveExhausted               = errors.New("rpc: no remaining endpoints to try")
	ErrPoolStopping                   = errors.New("rpc: pool is stopping")
	ErrPoolFull                       = errors.New("rpc: pool at connection capacity")
	ErrUnknownPeer                    = errors.New("rpc: unknown peer name")
)
