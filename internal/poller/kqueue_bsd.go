//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin backend, grounded on the same
// golang.org/x/sys/unix idiom as
// other_examples/.../trpc-group-tnet__internal-poller-poller_kqueue.go.go
// (EVFILT_READ/EVFILT_WRITE plus an EVFILT_USER "wake" event registered at
// Ident 0), generalized here to the slot-indexed contract shared with the
// Linux epoll backend instead of tnet's descriptor-pointer Udata trick.
type kqueuePoller struct {
	fd int

	mu    sync.Mutex
	slots map[int32]int
	fds   map[int]int32
	next  int32
}

func New() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}
	// register a user-triggerable event at Ident 0 for Wake(), as tnet's
	// kqueue backend does.
	_, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kqueuePoller{
		fd:    fd,
		slots: make(map[int32]int),
		fds:   make(map[int]int32),
	}, nil
}

func (p *kqueuePoller) Register(fd int, initial Interest) (int32, error) {
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

	return slot, p.Modify(slot, initial)
}

func (p *kqueuePoller) Modify(slot int32, interest Interest) error {
	p.mu.Lock()
	fd, ok := p.slots[slot]
	p.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	changes := make([]unix.Kevent_t, 0, 2)
	readFlags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if interest&Readable == 0 {
		readFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: readFlags})

	writeFlags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if interest&Writable == 0 {
		writeFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: writeFlags})

	_, err := unix.Kevent(p.fd, changes, nil, nil)
	// EV_DELETE on a filter that was never added returns ENOENT; harmless.
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Deregister(slot int32) error {
	p.mu.Lock()
	fd, ok := p.slots[slot]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.slots, slot)
	delete(p.fds, fd)
	p.mu.Unlock()

	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.fd, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Wait(timeoutNanos int64, dst []Readiness) ([]Readiness, error) {
	var ts *unix.Timespec
	if timeoutNanos >= 0 {
		t := unix.NsecToTimespec(timeoutNanos)
		ts = &t
	}
	var raw [maxEvents]unix.Kevent_t
	n, err := unix.Kevent(p.fd, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := raw[i]
		if ev.Filter == unix.EVFILT_USER && ev.Ident == 0 {
			continue // wake event, not a real fd
		}
		fd := int(ev.Ident)
		p.mu.Lock()
		slot, ok := p.fds[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		var e Events
		switch ev.Filter {
		case unix.EVFILT_READ:
			e |= EventRecv
		case unix.EVFILT_WRITE:
			e |= EventSend
		}
		if ev.Flags&unix.EV_EOF != 0 {
			e |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e |= EventError
		}
		dst = append(dst, Readiness{Slot: slot, Events: e})
	}
	return dst, nil
}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return err
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}

const maxEvents = 1024
