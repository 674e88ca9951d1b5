package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies the kind of an envelope.
type Type string

// Inbound types.
const (
	TypeStatus     Type = "status"
	TypeConnect    Type = "connect"
	TypeDisconnect Type = "disconnect"
	TypeCommand    Type = "command"
	TypePTYData    Type = "pty_data"
)

// Outbound-only types. TypeStatus is shared by both directions.
const (
	TypeOutput Type = "output"
	TypeError  Type = "error"
)

// Status values carried by outbound status envelopes.
type Status string

const (
	StatusReady            Status = "ready"
	StatusConnected        Status = "connected"
	StatusDisconnected     Status = "disconnected"
	StatusAlreadyConnected Status = "already_connected"
)

var (
	// ErrMalformed is returned when a frame cannot be decoded into an envelope.
	ErrMalformed = errors.New("envelope: malformed message")
	// ErrUnknownType is returned for envelopes whose type is not in the
	// inbound vocabulary.
	ErrUnknownType = errors.New("envelope: unknown message type")
)

// ID is the client-supplied identifier of an inbound envelope. Clients send
// either a number or a string; both forms normalize to the same key so that
// 7 and "7" deduplicate against each other. The zero value means "no id".
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("envelope: id must be a string or number: %w", err)
	}
	*id = numberID(n)
	return nil
}

// UnmarshalCBOR accepts a CBOR text string, integer, float or null.
func (id *ID) UnmarshalCBOR(b []byte) error {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(x)
	case uint64:
		*id = ID(strconv.FormatUint(x, 10))
	case int64:
		*id = ID(strconv.FormatInt(x, 10))
	case float64:
		*id = floatID(x)
	case float32:
		*id = floatID(float64(x))
	default:
		return fmt.Errorf("envelope: id must be a string or number, got %T", v)
	}
	return nil
}

// Port is a TCP port number. Browser forms tend to submit it as a string, so
// a numeric string is accepted as well as a number.
type Port int

// UnmarshalJSON accepts a JSON number, numeric string or null.
func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return p.parse(s)
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("envelope: port must be a number: %w", err)
	}
	*p = Port(n)
	return nil
}

// UnmarshalCBOR accepts a CBOR integer, numeric text string or null.
func (p *Port) UnmarshalCBOR(b []byte) error {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*p = 0
	case string:
		return p.parse(x)
	case uint64:
		*p = Port(x)
	case int64:
		*p = Port(x)
	default:
		return fmt.Errorf("envelope: port must be a number, got %T", v)
	}
	return nil
}

func (p *Port) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("envelope: port %q is not a number", s)
	}
	*p = Port(n)
	return nil
}

func numberID(n json.Number) ID {
	if i, err := n.Int64(); err == nil {
		return ID(strconv.FormatInt(i, 10))
	}
	if f, err := n.Float64(); err == nil {
		return floatID(f)
	}
	return ID(n.String())
}

func floatID(f float64) ID {
	if f == float64(int64(f)) {
		return ID(strconv.FormatInt(int64(f), 10))
	}
	return ID(strconv.FormatFloat(f, 'g', -1, 64))
}

// Inbound is an envelope sent by the client. Only the fields relevant to
// Type are populated. CBOR encoding uses the json tags.
type Inbound struct {
	Type Type `json:"type"`
	ID   ID   `json:"id,omitempty"`

	// status
	Status string `json:"status,omitempty"`

	// connect
	ConnectionType string `json:"connectionType,omitempty"`
	Host           string `json:"host,omitempty"`
	Port           Port   `json:"port,omitempty"`
	Username       string `json:"username,omitempty"`
	Credential     string `json:"credential,omitempty"` //nolint:gosec // wire field, not a hardcoded secret
	Password       string `json:"password,omitempty"`   //nolint:gosec // wire field, not a hardcoded secret

	// command
	Command string `json:"command,omitempty"`

	// pty_data
	Data string `json:"data,omitempty"`
}

// Secret returns the shell credential, preferring credential over the
// legacy password field.
func (in Inbound) Secret() string {
	if in.Credential != "" {
		return in.Credential
	}
	return in.Password
}

// Known reports whether the envelope type is part of the inbound vocabulary.
func (in Inbound) Known() bool {
	switch in.Type {
	case TypeStatus, TypeConnect, TypeDisconnect, TypeCommand, TypePTYData:
		return true
	}
	return false
}

// Outbound is an envelope sent to the client. ID is assigned by the sending
// session from its outbound counter.
type Outbound struct {
	Type     Type   `json:"type"`
	ID       uint64 `json:"id"`
	Status   Status `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	Data     string `json:"data,omitempty"`
	Debug    string `json:"debug,omitempty"`
	Details  any    `json:"details,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
}

// NewStatus builds a status envelope. meta may be nil.
func NewStatus(status Status, message string, meta any) Outbound {
	return Outbound{Type: TypeStatus, Status: status, Message: message, Metadata: meta}
}

// NewOutput builds an output envelope carrying normalized terminal text.
func NewOutput(data string) Outbound {
	return Outbound{Type: TypeOutput, Data: data}
}

// NewError builds an error envelope. debug is optional diagnostic detail.
func NewError(message, debug string) Outbound {
	return Outbound{Type: TypeError, Message: message, Debug: debug}
}
