//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package aio

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solidgo/aio/internal/poller"
)

// backoffDuration is how long the Listener waits after transient accept
// errors before re-arming.
const backoffDuration = 10 * time.Second

// Listener is a completion-style TCP accept handle: one CompletionHandler,
// one pending accept continuation at a time. On transient per-descriptor
// errors (EMFILE/ENFILE) it backs off via a Timer instead of spinning.
type Listener struct {
	completionHandler

	acceptFn func(ctx *ReactorContext, fd int, addr net.Addr)
	backoff  *Timer
	addr     net.Addr
}

// NewListener binds and listens on address (TCP), registering the listening
// socket's fd directly with the reactor's Poller without going through
// net.Listen's blocking Accept loop; a raw socket avoids an extra dup.
func NewListener(r *Reactor, network, address string) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "aio: resolve listen addr")
	}
	domain := unix.AF_INET
	if laddr.IP != nil && laddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "aio: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: reuseaddr")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: set nonblocking")
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var a [4]byte
		copy(a[:], laddr.IP.To4())
		sa = &unix.SockaddrInet4{Port: laddr.Port, Addr: a}
	} else {
		var a [16]byte
		copy(a[:], laddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: laddr.Port, Addr: a}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: bind")
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: listen")
	}
	boundSA, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: getsockname")
	}

	l := &Listener{backoff: NewTimer(r), addr: sockaddrToAddr(boundSA)}
	l.completionHandler = completionHandler{reactor: r, fd: fd}
	l.setCallback(l.onReady)
	return l, nil
}

// Addr reports the socket's bound local address, resolving an ephemeral
// ":0" port to the one the kernel actually assigned.
func (l *Listener) Addr() net.Addr { return l.addr }

// PostAccept arms the listener to call fn(ctx, fd, addr) for the next
// inbound connection.
func (l *Listener) PostAccept(fn func(ctx *ReactorContext, fd int, addr net.Addr)) error {
	if l.acceptFn != nil {
		return ErrAlready
	}
	l.acceptFn = fn
	if err := l.activate(poller.Readable); err != nil {
		return err
	}
	l.doAccept(&ReactorContext{Reactor: l.reactor})
	return nil
}

func (l *Listener) onReady(ctx *ReactorContext, events poller.Events) {
	if events&(poller.EventError|poller.EventHangup) != 0 {
		ctx.setError(ErrListenerSystem, nil)
		l.completeAccept(ctx, -1, nil)
		return
	}
	l.doAccept(ctx)
}

func (l *Listener) doAccept(ctx *ReactorContext) {
	if l.acceptFn == nil {
		return
	}
	ctx.ClearError()
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EMFILE || err == unix.ENFILE {
			// transient per-descriptor exhaustion: back off instead of
			// spinning.
			l.deactivate()
			l.backoff.WaitFor(backoffDuration, func(bctx *ReactorContext) {
				l.activate(poller.Readable)
				l.doAccept(bctx)
			})
			return
		}
		if err != nil {
			ctx.setError(ErrListenerSystem, err)
			l.completeAccept(ctx, -1, nil)
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			ctx.setError(ErrListenerSystem, err)
			l.completeAccept(ctx, -1, nil)
			return
		}
		l.completeAccept(ctx, nfd, sockaddrToAddr(sa))
		return
	}
}

func (l *Listener) completeAccept(ctx *ReactorContext, fd int, addr net.Addr) {
	fn := l.acceptFn
	l.acceptFn = nil
	fn(ctx, fd, addr)
}

// Close deactivates the handle and closes the listening socket.
func (l *Listener) Close() error {
	l.backoff.Cancel()
	l.deactivate()
	return unix.Close(l.fd)
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}
