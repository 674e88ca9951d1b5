package session

import "errors"

var (
	// ErrAlreadyConnected rejects a connect request outside Idle.
	ErrAlreadyConnected = errors.New("session: already connected")
	// ErrNotConnected rejects writes while no transport is open.
	ErrNotConnected = errors.New("session: not connected")
	// ErrClosed is returned by Deliver after the session has ended.
	ErrClosed = errors.New("session: closed")
	// ErrInternalFault reports a recovered panic. The session that hit it is
	// forced to Closed.
	ErrInternalFault = errors.New("session: internal fault")
)

// ProtocolError reports an inbound envelope that could not be acted on. It
// is answered with an error envelope and never changes state.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "session: protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }
