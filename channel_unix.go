//go:build unix

package shuffle

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

const rawIOSupported = true

// rawRead performs one read(2) on the descriptor without parking in the
// runtime poller. Go sockets are already in O_NONBLOCK mode.
func rawRead(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n     int
		opErr error
	)
	err := rc.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, nil
		}
		return 0, opErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func rawWrite(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n     int
		opErr error
	)
	err := rc.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if wouldBlock(opErr) {
			return 0, nil
		}
		return 0, opErr
	}
	return n, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
