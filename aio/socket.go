//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package aio

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// dupFD duplicates the file descriptor behind a net.Conn so the aio layer
// can drive it directly with non-blocking reads/writes registered against
// the Poller. Duplicating lets the caller's original net.Conn be closed (or
// garbage collected) without tearing down the fd this package still owns.
func dupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, ErrUnsupportedConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "aio: SyscallConn")
	}

	var newFD int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		newFD, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, errors.Wrap(ctrlErr, "aio: RawConn.Control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "aio: dup")
	}
	if err := unix.SetNonblock(newFD, true); err != nil {
		unix.Close(newFD)
		return -1, errors.Wrap(err, "aio: set nonblocking")
	}
	return newFD, nil
}

