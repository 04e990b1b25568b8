package rpc

import "github.com/solidgo/aio/aio"

// ioStream is the subset of aio.Stream's API a Connection drives; it lets
// Connection treat a raw aio.Stream and a TLS-upgraded aio.SecureStream
// identically once the handshake (if any) has completed.
type ioStream interface {
	PostRecvSome(buf []byte, fn func(ctx *aio.ReactorContext, n int)) error
	PostSendAll(buf []byte, fn func(ctx *aio.ReactorContext)) error
	HasPendingSend() bool
	Close() error
}

// secureAdapter satisfies ioStream over an aio.SecureStream, whose
// goroutine-offloaded API (see aio/secure.go) never returns an error
// synchronously and has no notion of "a send is in flight"; the adapter
// tracks that locally since Connection's write-scheduling depends on it.
type secureAdapter struct {
	stream  *aio.SecureStream
	sending bool
}

func newSecureAdapter(s *aio.SecureStream) *secureAdapter {
	return &secureAdapter{stream: s}
}

func (a *secureAdapter) PostRecvSome(buf []byte, fn func(ctx *aio.ReactorContext, n int)) error {
	a.stream.PostRecvSome(buf, fn)
	return nil
}

func (a *secureAdapter) PostSendAll(buf []byte, fn func(ctx *aio.ReactorContext)) error {
	a.sending = true
	a.stream.PostSendAll(buf, func(ctx *aio.ReactorContext) {
		a.sending = false
		fn(ctx)
	})
	return nil
}

func (a *secureAdapter) HasPendingSend() bool { return a.sending }
func (a *secureAdapter) Close() error         { return a.stream.Close() }
