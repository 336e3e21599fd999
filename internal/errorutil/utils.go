package errorutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsTemporaryErr reports whether the error says it is temporary.
// Accept loops back off on such errors instead of giving up.
func IsTemporaryErr(err error) bool {
	var e interface{ Temporary() bool }
	return errors.As(err, &e) && e.Temporary()
}

// IsTimeoutErr reports whether the error is a deadline or I/O timeout.
func IsTimeoutErr(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

// IsNetError reports whether the error came from the network layer.
func IsNetError(err error) bool {
	var e *net.OpError
	return errors.As(err, &e) || errors.Is(err, syscall.EINVAL)
}

// IsClosedErr reports whether the error is caused by use of a closed network connection.
func IsClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// IsBrokenConnErr reports whether the connection the error came from can no longer be written to,
// i.e. the peer has gone away or the socket was closed under the writer.
// Timeouts are not broken connections, the peer may be just slow.
func IsBrokenConnErr(err error) bool {
	if err == nil || IsTimeoutErr(err) {
		return false
	}
	switch {
	case IsClosedErr(err),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	return IsNetError(err)
}
