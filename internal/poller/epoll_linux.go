//go:build linux

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend, built on golang.org/x/sys/unix the same
// way the pack's trpc-group/tnet kqueue backend is: raw unix.* syscalls
// plus a small wrapper struct, rather than gaio's bare `syscall` package
// calls (aio_generic.go used `syscall.EpollCreate1` directly; x/sys/unix is
// the ecosystem-standard successor used throughout the retrieved pack).
type epollPoller struct {
	fd       int
	wakeFD   int // eventfd used for Wake()
	wakeSlot int32

	mu    sync.Mutex
	slots map[int32]int // slot -> fd
	fds   map[int]int32 // fd -> slot
	next  int32
}

func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	p := &epollPoller{
		fd:     fd,
		wakeFD: wfd,
		slots:  make(map[int32]int),
		fds:    make(map[int]int32),
	}
	p.wakeSlot, err = p.Register(wfd, Readable)
	if err != nil {
		unix.Close(fd)
		unix.Close(wfd)
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) Register(fd int, initial Interest) (int32, error) {
	p.mu.Lock()
	if slot, ok := p.fds[fd]; ok {
		p.mu.Unlock()
		return slot, p.Modify(slot, initial)
	}
	slot := p.next
	p.next++
	p.slots[slot] = fd
	p.fds[fd] = slot
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(initial), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, err
	}
	return slot, nil
}

func (p *epollPoller) Modify(slot int32, interest Interest) error {
	p.mu.Lock()
	fd, ok := p.slots[slot]
	p.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Deregister(slot int32) error {
	p.mu.Lock()
	fd, ok := p.slots[slot]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.slots, slot)
	delete(p.fds, fd)
	p.mu.Unlock()
	// EPOLL_CTL_DEL; the fd may already be closed by the caller, in which
	// case the kernel has already dropped the registration (epoll(7)).
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *epollPoller) Wait(timeoutNanos int64, dst []Readiness) ([]Readiness, error) {
	timeoutMS := -1
	if timeoutNanos >= 0 {
		timeoutMS = int(timeoutNanos / 1e6)
		if timeoutMS == 0 && timeoutNanos > 0 {
			timeoutMS = 1
		}
	}
	var raw [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.fd, raw[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		p.mu.Lock()
		slot, ok := p.fds[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if slot == p.wakeSlot {
			var buf [8]byte
			for {
				_, rerr := unix.Read(p.wakeFD, buf[:])
				if rerr != unix.EAGAIN {
					break
				}
				break
			}
			continue
		}
		dst = append(dst, Readiness{Slot: slot, Events: epollToEvents(raw[i].Events)})
	}
	return dst, nil
}

func (p *epollPoller) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFD, one[:])
	if err == unix.EAGAIN {
		// an unconsumed wakeup is already pending; coalesce.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.fd)
}

const maxEvents = 1024

func interestToEpoll(i Interest) uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var out Events
	if e&unix.EPOLLIN != 0 {
		out |= EventRecv
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventSend
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= EventHangup
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	return out
}
