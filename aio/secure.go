package aio

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"

	"github.com/pkg/errors"
)

// SecureStream is the TLS variant of Stream. crypto/tls has no
// non-blocking/completion-style API, so the handshake and shutdown steps
// run on an offloaded goroutine and report back onto the owning Reactor
// via PostExternal, the same suspend-by-continuation shape as every other
// suspension point, with the blocking call itself kept off the reactor
// goroutine. Once the
// handshake completes, SecureStream drives ordinary Read/Write in the same
// offloaded-call shape: tls.Conn gives no way to know "would block" ahead
// of time, so every op still crosses a goroutine boundary, unlike the raw
// fd Stream which never blocks the reactor goroutine itself.
type SecureStream struct {
	reactor *Reactor
	conn    *tls.Conn
}

// NewSecureClientStream wraps conn (already TCP-connected) for a TLS
// client-side handshake.
func NewSecureClientStream(r *Reactor, conn net.Conn, cfg *tls.Config) *SecureStream {
	return &SecureStream{reactor: r, conn: tls.Client(conn, cfg)}
}

// NewSecureServerStream wraps conn for a TLS server-side handshake.
func NewSecureServerStream(r *Reactor, conn net.Conn, cfg *tls.Config) *SecureStream {
	return &SecureStream{reactor: r, conn: tls.Server(conn, cfg)}
}

// SecureConnect drives the client handshake to completion.
func (s *SecureStream) SecureConnect(fn func(ctx *ReactorContext)) {
	s.handshake(ErrSecureConnect, fn)
}

// SecureAccept drives the server handshake to completion.
func (s *SecureStream) SecureAccept(fn func(ctx *ReactorContext)) {
	s.handshake(ErrSecureAccept, fn)
}

func (s *SecureStream) handshake(domainErr error, fn func(ctx *ReactorContext)) {
	go func() {
		err := s.conn.Handshake()
		s.reactor.PostExternal(func() {
			ctx := &ReactorContext{Reactor: s.reactor}
			ctx.ClearError()
			if err != nil {
				ctx.setError(domainErr, errors.Wrap(err, "aio: tls handshake"))
			}
			fn(ctx)
		})
	}()
}

// PostRecvSome reads up to len(buf) bytes from the established TLS stream.
func (s *SecureStream) PostRecvSome(buf []byte, fn func(ctx *ReactorContext, n int)) {
	go func() {
		n, err := s.conn.Read(buf)
		s.reactor.PostExternal(func() {
			ctx := &ReactorContext{Reactor: s.reactor}
			ctx.ClearError()
			if err != nil {
				ctx.setError(ErrSecureSocket, errors.Wrap(err, "aio: tls read"))
			}
			fn(ctx, n)
		})
	}()
}

// PostSendAll writes all of buf to the established TLS stream.
func (s *SecureStream) PostSendAll(buf []byte, fn func(ctx *ReactorContext)) {
	go func() {
		_, err := s.writeAll(buf)
		s.reactor.PostExternal(func() {
			ctx := &ReactorContext{Reactor: s.reactor}
			ctx.ClearError()
			if err != nil {
				ctx.setError(ErrSecureSocket, errors.Wrap(err, "aio: tls write"))
			}
			fn(ctx)
		})
	}()
}

func (s *SecureStream) writeAll(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SecureShutdown sends the TLS close_notify alert.
func (s *SecureStream) SecureShutdown(fn func(ctx *ReactorContext)) {
	go func() {
		err := s.conn.Close()
		s.reactor.PostExternal(func() {
			ctx := &ReactorContext{Reactor: s.reactor}
			ctx.ClearError()
			if err != nil {
				ctx.setError(ErrSecureShutdown, errors.Wrap(err, "aio: tls close"))
			}
			fn(ctx)
		})
	}()
}

// Close closes the underlying TLS connection and its wrapped net.Conn
// immediately (unlike SecureShutdown, this does not send close_notify from
// an offloaded goroutine; it is meant for teardown paths that are already
// abandoning the connection, e.g. Connection.doStop).
func (s *SecureStream) Close() error { return s.conn.Close() }

// ConnectionState exposes the negotiated TLS state for hostname pinning /
// certificate verification callbacks layered by rpc.Connection.
func (s *SecureStream) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// NewPinnedConfig builds a *tls.Config whose VerifyPeerCertificate rejects
// the peer unless at least one certificate it presented (leaf or any other
// certificate in the chain it sent) has a SHA-256 fingerprint in
// pinnedSHA256 (hex-encoded), without disabling normal chain verification. An empty pin set performs
// ordinary verification only.
func NewPinnedConfig(base *tls.Config, pinnedSHA256 map[string]struct{}) (*tls.Config, error) {
	if base == nil {
		return nil, errors.Wrap(ErrSecureContext, "aio: nil tls config")
	}
	cfg := base.Clone()
	if len(pinnedSHA256) == 0 {
		return cfg, nil
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			sum := sha256.Sum256(raw)
			if _, ok := pinnedSHA256[hex.EncodeToString(sum[:])]; ok {
				return nil
			}
		}
		return errors.Wrap(ErrSecureContext, "aio: no pinned certificate matched")
	}
	return cfg, nil
}
