package transport

import (
	"errors"
	"io"
	"io/fs"
	"net"
)

// IsExpectedCloseError reports whether err is a normal end of stream: EOF, a
// closed file or connection, or the peer resetting the link during teardown.
// These errors are not worth logging and do not count as runtime failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, fs.ErrClosed) {
		return true
	}
	return isResetErrno(err)
}
