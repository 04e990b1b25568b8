//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package aio

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solidgo/aio/internal/poller"
)

// Datagram is a completion-style UDP handle: per-message
// send/recv with an explicit peer address, no partial delivery. A
// zero-length read signals datagram shutdown the same way a Stream's
// zero-length read signals peer close.
type Datagram struct {
	completionHandler

	recvBuf []byte
	recvFn  func(ctx *ReactorContext, n int, from net.Addr)

	sendBuf  []byte
	sendAddr unix.Sockaddr
	sendFn   func(ctx *ReactorContext)
}

// NewDatagram opens a UDP socket bound to address ("" for an ephemeral
// client socket).
func NewDatagram(r *Reactor, network, address string) (*Datagram, error) {
	domain := unix.AF_INET
	var sa unix.Sockaddr = &unix.SockaddrInet4{}
	if address != "" {
		laddr, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, errors.Wrap(err, "aio: resolve udp addr")
		}
		if laddr.IP != nil && laddr.IP.To4() == nil {
			domain = unix.AF_INET6
			var a [16]byte
			copy(a[:], laddr.IP.To16())
			sa = &unix.SockaddrInet6{Port: laddr.Port, Addr: a}
		} else {
			var a [4]byte
			if laddr.IP != nil {
				copy(a[:], laddr.IP.To4())
			}
			sa = &unix.SockaddrInet4{Port: laddr.Port, Addr: a}
		}
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, errors.Wrap(err, "aio: socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "aio: set nonblocking")
	}
	if address != "" {
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "aio: bind")
		}
	}
	d := &Datagram{}
	d.completionHandler = completionHandler{reactor: r, fd: fd}
	d.setCallback(d.onReady)
	return d, nil
}

func (d *Datagram) currentInterest() poller.Interest {
	var i poller.Interest
	if d.recvFn != nil {
		i |= poller.Readable
	}
	if d.sendFn != nil {
		i |= poller.Writable
	}
	return i
}

// PostRecvFrom arms the datagram to deliver the next inbound packet.
func (d *Datagram) PostRecvFrom(buf []byte, fn func(ctx *ReactorContext, n int, from net.Addr)) error {
	if d.recvFn != nil {
		return ErrAlready
	}
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	d.recvFn = fn
	d.recvBuf = buf
	if err := d.activate(d.currentInterest()); err != nil {
		return err
	}
	_ = d.modify(d.currentInterest())
	d.doRecv(&ReactorContext{Reactor: d.reactor})
	return nil
}

// PostSendTo sends one datagram to addr, completing fn once the kernel has
// accepted it.
func (d *Datagram) PostSendTo(buf []byte, addr net.Addr, fn func(ctx *ReactorContext)) error {
	if d.sendFn != nil {
		return ErrAlready
	}
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return err
	}
	d.sendFn = fn
	d.sendBuf = buf
	d.sendAddr = sa
	if err := d.activate(d.currentInterest()); err != nil {
		return err
	}
	_ = d.modify(d.currentInterest())
	d.doSend(&ReactorContext{Reactor: d.reactor})
	return nil
}

func (d *Datagram) onReady(ctx *ReactorContext, events poller.Events) {
	if events&(poller.EventError|poller.EventHangup) != 0 {
		ctx.setError(ErrDatagramSystem, nil)
		if d.recvFn != nil {
			d.completeRecv(ctx, 0, nil)
		}
		if d.sendFn != nil {
			d.completeSend(ctx)
		}
		return
	}
	if events&poller.EventRecv != 0 {
		d.doRecv(ctx)
	}
	if events&poller.EventSend != 0 {
		d.doSend(ctx)
	}
}

func (d *Datagram) doRecv(ctx *ReactorContext) {
	if d.recvFn == nil {
		return
	}
	ctx.ClearError()
	n, from, err := unix.Recvfrom(d.fd, d.recvBuf, 0)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		ctx.setError(ErrDatagramSystem, err)
		d.completeRecv(ctx, 0, nil)
		return
	}
	if n == 0 {
		ctx.setError(ErrDatagramShutdown, nil)
	}
	d.completeRecv(ctx, n, sockaddrToAddr(from))
}

func (d *Datagram) completeRecv(ctx *ReactorContext, n int, from net.Addr) {
	fn := d.recvFn
	d.recvFn = nil
	d.recvBuf = nil
	_ = d.modify(d.currentInterest())
	fn(ctx, n, from)
}

func (d *Datagram) doSend(ctx *ReactorContext) {
	if d.sendFn == nil {
		return
	}
	ctx.ClearError()
	err := unix.Sendto(d.fd, d.sendBuf, 0, d.sendAddr)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		ctx.setError(ErrDatagramSystem, err)
	}
	d.completeSend(ctx)
}

func (d *Datagram) completeSend(ctx *ReactorContext) {
	fn := d.sendFn
	d.sendFn = nil
	d.sendBuf = nil
	_ = d.modify(d.currentInterest())
	fn(ctx)
}

// LocalAddr reports the socket's bound address, resolving an ephemeral
// ":0" port to the one the kernel assigned.
func (d *Datagram) LocalAddr() (net.Addr, error) {
	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return nil, errors.Wrap(err, "aio: getsockname")
	}
	if t, ok := sockaddrToAddr(sa).(*net.TCPAddr); ok {
		return &net.UDPAddr{IP: t.IP, Port: t.Port}, nil
	}
	return nil, ErrDatagramSystem
}

// Close deactivates the handle and closes the underlying socket.
func (d *Datagram) Close() error {
	d.deactivate()
	return unix.Close(d.fd)
}

func addrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return nil, errors.Wrap(err, "aio: resolve udp peer")
		}
		ua = resolved
	}
	if ua.IP.To4() == nil {
		var a [16]byte
		copy(a[:], ua.IP.To16())
		return &unix.SockaddrInet6{Port: ua.Port, Addr: a}, nil
	}
	var a [4]byte
	copy(a[:], ua.IP.To4())
	return &unix.SockaddrInet4{Port: ua.Port, Addr: a}, nil
}
