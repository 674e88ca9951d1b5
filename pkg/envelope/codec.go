package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Websocket subprotocols understood by the gateway.
const (
	SubprotocolJSON = "pwn0gotchi.json"
	SubprotocolCBOR = "pwn0gotchi.cbor"
)

// Codec encodes outbound envelopes and decodes inbound ones for one wire
// format.
type Codec interface {
	// Subprotocol is the websocket subprotocol that selects this codec.
	Subprotocol() string
	// Binary reports whether frames are sent as binary rather than text.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the default text codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a binary codec with deterministic core encoding.
func CBOR() (Codec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("envelope: cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("envelope: cbor decoder: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Subprotocol() string                  { return SubprotocolCBOR }
func (cborCodec) Binary() bool                         { return true }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Registry maps websocket subprotocols to codecs. The first registered codec
// is the fallback for clients that negotiate no subprotocol.
type Registry struct {
	order  []string
	byName map[string]Codec
}

// NewRegistry returns a registry holding the JSON and CBOR codecs.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds a codec. Registering the same subprotocol twice replaces it.
func (r *Registry) Register(c Codec) {
	if _, ok := r.byName[c.Subprotocol()]; !ok {
		r.order = append(r.order, c.Subprotocol())
	}
	r.byName[c.Subprotocol()] = c
}

// Subprotocols lists the registered subprotocols in registration order.
func (r *Registry) Subprotocols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the codec for the negotiated subprotocol, falling back to the
// first registered codec when the name is empty or unknown.
func (r *Registry) Lookup(subprotocol string) Codec {
	if c, ok := r.byName[subprotocol]; ok {
		return c
	}
	return r.byName[r.order[0]]
}

// Decode parses one inbound frame. Decoding failures wrap ErrMalformed and
// return whatever id could be recovered from the frame; an envelope that
// decodes but names no known type wraps ErrUnknownType and is still returned
// so the caller can honor its id.
func Decode(c Codec, data []byte) (Inbound, error) {
	var in Inbound
	if err := c.Unmarshal(data, &in); err != nil {
		// The id usually survives a bad body; keep it so retries dedup.
		var head struct {
			ID ID `json:"id"`
		}
		_ = c.Unmarshal(data, &head)
		return Inbound{ID: head.ID}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if in.Type == "" {
		return in, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !in.Known() {
		return in, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	return in, nil
}
