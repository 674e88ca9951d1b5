//go:build !unix

package transport

func isResetErrno(error) bool { return false }
