package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind names a transport variant.
type Kind string

const (
	KindNone   Kind = ""
	KindShell  Kind = "shell"
	KindSerial Kind = "serial"
)

// ErrNotOpen is returned by Write once the transport has closed.
var ErrNotOpen = errors.New("transport: not open")

// ErrUnknownKind is returned by ParseKind for unsupported connection types.
var ErrUnknownKind = errors.New("transport: unknown connection type")

// ParseKind maps a client connectionType to a Kind. "ssh" is accepted as an
// alias for the shell transport.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shell", "ssh":
		return KindShell, nil
	case "serial":
		return KindSerial, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Params are the client-supplied connect parameters. The serial transport
// ignores them.
type Params struct {
	Host       string
	Port       int
	Username   string
	Credential string //nolint:gosec // runtime credential, not a hardcoded secret
}

// Info describes an opened transport. It is reported to the client as the
// metadata of the connected status.
type Info struct {
	Kind      Kind   `json:"connectionType"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	Device    string `json:"device,omitempty"`
	VendorID  string `json:"vendorId,omitempty"`
	ProductID string `json:"productId,omitempty"`
	BaudRate  int    `json:"baudRate,omitempty"`
}

// EventKind distinguishes the streams a transport delivers.
type EventKind int

const (
	// EventData carries bytes from the primary output stream.
	EventData EventKind = iota + 1
	// EventDiagnostic carries bytes from a secondary error stream (shell stderr).
	EventDiagnostic
)

// Event is one raw chunk read from a transport. Chunks arrive in read order
// with no size or line boundary guarantee.
type Event struct {
	Kind EventKind
	Data []byte
}

// Transport is an opened byte-stream link.
//
// Events is closed when the link ends, whether the peer closed it, an I/O
// error occurred, or Close was called. After that Err reports the cause; it
// is nil for a clean close.
type Transport interface {
	Info() Info
	Events() <-chan Event
	Err() error
	// Write queues p for delivery. It returns ErrNotOpen once the link has
	// ended and blocks only while the write queue is full.
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Opener establishes a transport. Open may take seconds and must return
// promptly once ctx is cancelled.
type Opener interface {
	Open(ctx context.Context, p Params) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, p Params) (Transport, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, p Params) (Transport, error) { return f(ctx, p) }

// OpenError reports a failed open attempt.
type OpenError struct {
	Kind Kind
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s transport: %v", e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }
