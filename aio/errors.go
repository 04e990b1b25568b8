package aio

import "errors"

// Domain error taxonomy: the enumeration user code branches on, kept
// separate from the raw system error carried alongside it on every
// completion.
var (
	ErrResolve           = errors.New("aio: resolve failed")
	ErrAlready           = errors.New("aio: operation already pending")
	ErrDatagramShutdown  = errors.New("aio: datagram shutdown")
	ErrDatagramSystem    = errors.New("aio: datagram system error")
	ErrStreamSystem      = errors.New("aio: stream system error")
	ErrStreamSocket      = errors.New("aio: stream socket error")
	ErrStreamShutdown    = errors.New("aio: stream shutdown")
	ErrTimerCancel       = errors.New("aio: timer canceled")
	ErrListenerSystem    = errors.New("aio: listener system error")
	ErrSecureContext     = errors.New("aio: secure context error")
	ErrSecureSocket      = errors.New("aio: secure socket error")
	ErrSecureAccept      = errors.New("aio: secure accept error")
	ErrSecureConnect     = errors.New("aio: secure connect error")
	ErrSecureShutdown    = errors.New("aio: secure shutdown error")
	ErrActorKilled       = errors.New("aio: actor killed")
	ErrWatcherClosed     = errors.New("aio: reactor closed")
	ErrEmptyBuffer       = errors.New("aio: empty buffer")
	ErrUnsupportedConn   = errors.New("aio: connection does not expose a raw fd")
)
