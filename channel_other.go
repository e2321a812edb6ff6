//go:build !unix

package shuffle

import (
	"errors"
	"syscall"
)

const rawIOSupported = false

func rawRead(syscall.RawConn, []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

func rawWrite(syscall.RawConn, []byte) (int, error) {
	return 0, errors.ErrUnsupported
}
