//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isResetErrno(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET || errno == unix.EIO
	}
	return false
}
