//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package aio

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solidgo/aio/internal/poller"
)

// Stream is a completion-style TCP handle: one CompletionHandler, one
// pending recv and one pending send at a time. The handle is permanently
// bound to one actor, with exactly one outstanding recv/send continuation
// instead of a list of queued ones.
type Stream struct {
	completionHandler

	recvBuf      []byte
	recvBufSz    int
	recvReadFull bool
	recvFn       func(ctx *ReactorContext, n int)

	sendBuf   []byte
	sendBufSz int
	sendFn    func(ctx *ReactorContext)

	connectFn func(ctx *ReactorContext)
	connected bool
}

// NewStream adopts an established net.Conn (e.g. returned by Listener's
// accept or by a completed Dial), duplicating its fd so the original
// net.Conn can be closed independently.
func NewStream(r *Reactor, conn net.Conn) (*Stream, error) {
	fd, err := dupFD(conn)
	if err != nil {
		return nil, err
	}
	conn.Close()
	s := &Stream{}
	s.completionHandler = completionHandler{reactor: r, fd: fd}
	s.setCallback(s.onReady)
	s.connected = true
	return s, nil
}

func (s *Stream) HasPendingRecv() bool { return s.recvFn != nil }
func (s *Stream) HasPendingSend() bool { return s.sendFn != nil }

func (s *Stream) currentInterest() poller.Interest {
	var i poller.Interest
	if s.recvFn != nil {
		i |= poller.Readable
	}
	if s.sendFn != nil || !s.connected {
		i |= poller.Writable
	}
	return i
}

func (s *Stream) updateInterest() {
	if !s.isActive() {
		return
	}
	_ = s.modify(s.currentInterest())
}

// PostRecvSome asynchronously fills up to len(buf) bytes and calls
// fn(ctx, n); n==0 with ctx.Err set to ErrStreamShutdown indicates orderly
// peer shutdown.
func (s *Stream) PostRecvSome(buf []byte, fn func(ctx *ReactorContext, n int)) error {
	if s.recvFn != nil {
		return ErrAlready
	}
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	s.recvFn = fn
	s.recvBuf = buf
	s.recvBufSz = 0
	s.recvReadFull = false
	return s.armRecv()
}

// PostRecvFull fills buf completely before completing.
func (s *Stream) PostRecvFull(buf []byte, fn func(ctx *ReactorContext, n int)) error {
	if s.recvFn != nil {
		return ErrAlready
	}
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	s.recvFn = fn
	s.recvBuf = buf
	s.recvBufSz = 0
	s.recvReadFull = true
	return s.armRecv()
}

func (s *Stream) armRecv() error {
	if err := s.activate(s.currentInterest()); err != nil {
		return err
	}
	s.updateInterest()
	ctx := &ReactorContext{Reactor: s.reactor}
	s.doRecv(ctx)
	return nil
}

// PostSendAll asynchronously writes len(buf) bytes, completing only once
// every byte is in the kernel's send buffer or the connection has failed.
// Partial writes are invisible to the caller.
func (s *Stream) PostSendAll(buf []byte, fn func(ctx *ReactorContext)) error {
	if s.sendFn != nil {
		return ErrAlready
	}
	if len(buf) == 0 {
		s.reactor.Post(func() {
			ctx := &ReactorContext{Reactor: s.reactor}
			ctx.ClearError()
			fn(ctx)
		})
		return nil
	}
	s.sendFn = fn
	s.sendBuf = buf
	s.sendBufSz = 0
	return s.armSend()
}

func (s *Stream) armSend() error {
	if err := s.activate(s.currentInterest()); err != nil {
		return err
	}
	s.updateInterest()
	ctx := &ReactorContext{Reactor: s.reactor}
	s.doSend(ctx)
	return nil
}

func (s *Stream) onReady(ctx *ReactorContext, events poller.Events) {
	if events&(poller.EventError|poller.EventHangup) != 0 {
		s.doError(ctx)
		return
	}
	if events&poller.EventSend != 0 && !s.connected {
		s.doCheckConnect(ctx)
	}
	if events&poller.EventRecv != 0 {
		s.doRecv(ctx)
	}
	if events&poller.EventSend != 0 {
		s.doSend(ctx)
	}
}

func (s *Stream) doRecv(ctx *ReactorContext) {
	if s.recvFn == nil {
		return
	}
	ctx.ClearError()
	for {
		n, err := unix.Read(s.fd, s.recvBuf[s.recvBufSz:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			ctx.setError(ErrStreamSystem, err)
			s.completeRecv(ctx, s.recvBufSz)
			return
		}
		if n == 0 {
			ctx.setError(ErrStreamShutdown, nil)
			s.completeRecv(ctx, 0)
			return
		}
		s.recvBufSz += n
		if !s.recvReadFull || s.recvBufSz == len(s.recvBuf) {
			s.completeRecv(ctx, s.recvBufSz)
			return
		}
	}
}

func (s *Stream) completeRecv(ctx *ReactorContext, n int) {
	fn := s.recvFn
	s.recvFn = nil
	s.recvBuf = nil
	s.updateInterest()
	fn(ctx, n)
}

func (s *Stream) doSend(ctx *ReactorContext) {
	if s.sendFn == nil {
		return
	}
	ctx.ClearError()
	for {
		n, err := unix.Write(s.fd, s.sendBuf[s.sendBufSz:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			ctx.setError(ErrStreamSystem, err)
			s.completeSend(ctx)
			return
		}
		s.sendBufSz += n
		if s.sendBufSz == len(s.sendBuf) {
			s.completeSend(ctx)
			return
		}
	}
}

func (s *Stream) completeSend(ctx *ReactorContext) {
	fn := s.sendFn
	s.sendFn = nil
	s.sendBuf = nil
	s.updateInterest()
	fn(ctx)
}

func (s *Stream) doCheckConnect(ctx *ReactorContext) {
	s.connected = true
	errno, gerr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		ctx.setError(ErrStreamSystem, gerr)
	} else if errno != 0 {
		ctx.setError(ErrStreamSystem, unix.Errno(errno))
	}
	s.updateInterest()
	if s.connectFn != nil {
		fn := s.connectFn
		s.connectFn = nil
		fn(ctx)
	}
}

func (s *Stream) doError(ctx *ReactorContext) {
	errno, _ := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if errno != 0 {
		ctx.setError(ErrStreamSocket, unix.Errno(errno))
	} else {
		ctx.setError(ErrStreamShutdown, nil)
	}
	if s.sendFn != nil {
		s.completeSend(ctx)
	}
	if s.recvFn != nil {
		s.completeRecv(ctx, s.recvBufSz)
	}
	if s.connectFn != nil {
		fn := s.connectFn
		s.connectFn = nil
		fn(ctx)
	}
}

// Shutdown performs an orderly close on the underlying socket.
func (s *Stream) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

// Close deactivates the handle and closes its fd.
func (s *Stream) Close() error {
	s.deactivate()
	return unix.Close(s.fd)
}

// NewStreamConnecting opens a non-blocking TCP socket and starts dialing
// remote (IPv4 or IPv6); Connect then arms the completion that fires once
// the connection is established or has failed.
func NewStreamConnecting(r *Reactor, network, address string) (*Stream, error) {
	raddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "aio: resolve")
	}
	domain := unix.AF_INET
	if raddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "aio: socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: set nonblocking")
	}

	s := &Stream{}
	s.completionHandler = completionHandler{reactor: r, fd: fd}
	s.setCallback(s.onReady)

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var a [4]byte
		copy(a[:], raddr.IP.To4())
		sa = &unix.SockaddrInet4{Port: raddr.Port, Addr: a}
	} else {
		var a [16]byte
		copy(a[:], raddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: raddr.Port, Addr: a}
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: connect")
	}
	return s, nil
}

// Connect arms the completion for a Stream created via NewStreamConnecting.
func (s *Stream) Connect(fn func(ctx *ReactorContext)) error {
	if s.connected {
		return ErrAlready
	}
	s.connectFn = fn
	if err := s.activate(poller.Writable); err != nil {
		return err
	}
	return nil
}
