package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sarwaaaar/pwn0gotchi/pkg/discovery"
	"github.com/sarwaaaar/pwn0gotchi/pkg/envelope"
	"github.com/sarwaaaar/pwn0gotchi/pkg/normalizer"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
)

const (
	// DefaultOutboundBuffer is the outbound channel capacity.
	DefaultOutboundBuffer = 256

	writeTimeout = 5 * time.Second
)

// Hooks are called from the session goroutine when the transport comes up or
// goes down. Either may be nil and neither may block.
type Hooks struct {
	Connected    func(id string, info transport.Info)
	Disconnected func(id string, info transport.Info, err error)
}

// Options configure a Session.
type Options struct {
	ID string
	// Openers maps each supported connection type to its opener.
	Openers map[transport.Kind]transport.Opener

	SeenCapacity   int
	OutboundBuffer int

	// BannerMarker gates shell output until the login banner is seen. Empty
	// disables gating.
	BannerMarker string
	// Prompt matches prompt lines. Nil uses normalizer.DefaultPromptPattern.
	Prompt *regexp.Regexp

	Hooks  Hooks
	Logger *slog.Logger
}

type inbound struct {
	env envelope.Inbound
	err error
}

type openResult struct {
	attempt uint64
	kind    transport.Kind
	tr      transport.Transport
	err     error
}

// Session binds one client connection to at most one transport. All state
// changes happen on the goroutine running Run; other goroutines talk to it
// through Deliver and Outbound.
type Session struct {
	id      string
	openers map[transport.Kind]transport.Opener
	marker  string
	prompt  *regexp.Regexp
	hooks   Hooks
	log     *slog.Logger

	in     chan inbound
	out    chan envelope.Outbound
	opened chan openResult
	done   chan struct{}
	state  atomic.Int32

	// Owned by Run.
	ctx        context.Context
	counter    uint64
	seen       *SeenSet
	tr         transport.Transport
	norm       *normalizer.Normalizer
	attempt    uint64
	cancelOpen context.CancelFunc
}

// New creates a session in Idle. Call Run to start it.
func New(opts Options) *Session {
	buf := opts.OutboundBuffer
	if buf <= 0 {
		buf = DefaultOutboundBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:      opts.ID,
		openers: opts.Openers,
		marker:  opts.BannerMarker,
		prompt:  opts.Prompt,
		hooks:   opts.Hooks,
		log:     log.With("session", opts.ID),
		in:      make(chan inbound),
		out:     make(chan envelope.Outbound, buf),
		opened:  make(chan openResult),
		done:    make(chan struct{}),
		seen:    NewSeenSet(opts.SeenCapacity),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Outbound returns the envelopes to send to the client, in counter order. It
// is closed when Run returns.
func (s *Session) Outbound() <-chan envelope.Outbound { return s.out }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver hands an inbound envelope to the session. decodeErr is the error
// from envelope.Decode, if any; the session answers it with an error
// envelope.
func (s *Session) Deliver(ctx context.Context, env envelope.Inbound, decodeErr error) error {
	select {
	case s.in <- inbound{env: env, err: decodeErr}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until ctx is cancelled, which is how the owner
// signals that the client connection closed. Any transport is closed and any
// open attempt abandoned before Run returns. A panic inside the session is
// recovered and returned as ErrInternalFault.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrInternalFault, r)
		}
		cancel()
		s.teardown()
		close(s.done)
		close(s.out)
	}()

	s.setState(Idle)
	s.send(envelope.NewStatus(envelope.StatusReady, "Ready", nil))

	for {
		var events <-chan transport.Event
		if s.tr != nil {
			events = s.tr.Events()
		}

		select {
		case <-ctx.Done():
			return nil
		case m := <-s.in:
			s.handle(m)
		case r := <-s.opened:
			s.finishOpen(r)
		case ev, ok := <-events:
			if !ok {
				s.transportEnded()
				continue
			}
			s.transportEvent(ev)
		}
	}
}

func (s *Session) handle(m inbound) {
	if id := m.env.ID; id != "" && !s.seen.Add(id) {
		s.log.Debug("dropping duplicate message", "id", id, "type", m.env.Type)
		return
	}
	if m.err != nil {
		s.protocolError(m.err)
		return
	}

	switch m.env.Type {
	case envelope.TypeStatus:
		s.status(m.env)
	case envelope.TypeConnect:
		s.connect(m.env)
	case envelope.TypeDisconnect:
		s.disconnect()
	case envelope.TypeCommand:
		s.write([]byte(m.env.Command + "\n"))
	case envelope.TypePTYData:
		s.write([]byte(m.env.Data))
	default:
		s.protocolError(fmt.Errorf("%w: %q", envelope.ErrUnknownType, m.env.Type))
	}
}

func (s *Session) protocolError(err error) {
	perr := &ProtocolError{Err: err}
	s.log.Warn("rejected message", "error", perr)

	msg := "Invalid message"
	switch {
	case errors.Is(err, envelope.ErrUnknownType):
		msg = "Unknown message type"
	case errors.Is(err, envelope.ErrMalformed):
		msg = "Malformed message"
	case errors.Is(err, transport.ErrUnknownKind):
		msg = "Unsupported connection type"
	}
	s.send(envelope.NewError(msg, err.Error()))
}

func (s *Session) status(env envelope.Inbound) {
	if !strings.EqualFold(env.Status, string(envelope.StatusConnected)) {
		s.log.Debug("ignoring client status", "status", env.Status)
		return
	}
	if s.tr != nil {
		s.send(envelope.NewStatus(envelope.StatusConnected, "Connection established", s.tr.Info()))
		return
	}
	s.send(envelope.NewStatus(envelope.StatusReady, "Ready", nil))
}

func (s *Session) connect(env envelope.Inbound) {
	if st := s.State(); st != Idle {
		s.log.Info("connect rejected", "state", st, "error", ErrAlreadyConnected)
		var meta any
		if s.tr != nil {
			meta = s.tr.Info()
		}
		s.send(envelope.NewStatus(envelope.StatusAlreadyConnected, "Already connected", meta))
		return
	}

	kind, err := transport.ParseKind(env.ConnectionType)
	if err != nil {
		s.protocolError(err)
		return
	}
	opener, ok := s.openers[kind]
	if !ok {
		s.send(envelope.NewError(fmt.Sprintf("Connection type %s is not available", kind), ""))
		return
	}

	params := transport.Params{
		Host:       env.Host,
		Port:       int(env.Port),
		Username:   env.Username,
		Credential: env.Secret(),
	}

	s.attempt++
	attempt := s.attempt
	openCtx, cancel := context.WithCancel(s.ctx)
	s.cancelOpen = cancel
	s.setState(Connecting)
	s.log.Info("opening transport", "kind", kind, "host", params.Host, "port", params.Port)

	go func() {
		r := openResult{attempt: attempt, kind: kind}
		r.tr, r.err = safeOpen(openCtx, opener, params)
		select {
		case s.opened <- r:
		case <-s.done:
			if r.tr != nil {
				_ = r.tr.Close()
			}
		}
	}()
}

func safeOpen(ctx context.Context, o transport.Opener, p transport.Params) (tr transport.Transport, err error) {
	defer func() {
		if r := recover(); r != nil {
			tr, err = nil, fmt.Errorf("%w: open: %v", ErrInternalFault, r)
		}
	}()
	return o.Open(ctx, p)
}

func (s *Session) finishOpen(r openResult) {
	if r.attempt != s.attempt || s.State() != Connecting {
		if r.tr != nil {
			s.log.Debug("closing transport from abandoned attempt", "kind", r.kind)
			_ = r.tr.Close()
		}
		return
	}
	s.abortOpen()

	if r.err != nil {
		s.setState(Idle)
		oerr := &transport.OpenError{Kind: r.kind, Err: r.err}
		s.log.Warn("transport open failed", "error", oerr)
		s.send(envelope.NewError(openFailureMessage(oerr), oerr.Error()))
		return
	}

	info := r.tr.Info()
	s.tr = r.tr
	if r.kind == transport.KindSerial {
		s.norm = normalizer.NewSerial(s.prompt)
	} else {
		s.norm = normalizer.NewShell(s.marker, s.prompt)
	}
	s.norm.OnOverflow = func(length int) {
		s.log.Warn("output line too long, cutting", "kind", r.kind, "length", length)
	}
	s.setState(Connected)
	s.log.Info("transport connected", "kind", info.Kind)
	if s.hooks.Connected != nil {
		s.hooks.Connected(s.id, info)
	}
	s.send(envelope.NewStatus(envelope.StatusConnected, "Connection established", info))
}

func openFailureMessage(err *transport.OpenError) string {
	switch {
	case errors.Is(err, discovery.ErrNoDevice):
		return "No compatible device found"
	case errors.Is(err, discovery.ErrExhausted):
		return "Could not open any compatible device"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Timed out opening %s connection", err.Kind)
	}
	return fmt.Sprintf("Failed to open %s connection: %v", err.Kind, err.Err)
}

func (s *Session) disconnect() {
	switch s.State() {
	case Connecting:
		s.setState(Disconnecting)
		s.abortOpen()
		s.attempt++
	case Connected:
		s.setState(Disconnecting)
		s.closeTransport()
	}
	s.seen.Reset()
	s.setState(Idle)
	s.send(envelope.NewStatus(envelope.StatusDisconnected, "Connection closed", nil))
}

func (s *Session) write(p []byte) {
	if s.tr == nil {
		s.send(envelope.NewError("Not connected", ErrNotConnected.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	err := s.tr.Write(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotOpen):
		s.send(envelope.NewError("Connection is not open", err.Error()))
	default:
		s.log.Warn("transport write failed", "error", err)
		s.send(envelope.NewError("Write failed", err.Error()))
	}
}

func (s *Session) transportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventData:
		if lines := s.norm.Feed(ev.Data); len(lines) > 0 {
			s.send(envelope.NewOutput(strings.Join(lines, "")))
		}
	case transport.EventDiagnostic:
		if msg := strings.TrimSpace(string(ev.Data)); msg != "" {
			out := envelope.NewError(msg, "")
			out.Details = map[string]string{"stream": "stderr"}
			s.send(out)
		}
	}
}

func (s *Session) transportEnded() {
	tr := s.tr
	info := tr.Info()
	err := tr.Err()
	s.tr = nil
	s.norm = nil
	_ = tr.Close()
	s.setState(Idle)
	if s.hooks.Disconnected != nil {
		s.hooks.Disconnected(s.id, info, err)
	}

	if err != nil {
		s.log.Warn("transport failed", "kind", info.Kind, "error", err)
		s.send(envelope.NewError("Connection lost", err.Error()))
	} else {
		s.log.Info("transport closed by remote", "kind", info.Kind)
	}
	s.send(envelope.NewStatus(envelope.StatusDisconnected, "Connection closed", nil))
}

func (s *Session) closeTransport() {
	tr := s.tr
	info := tr.Info()
	s.tr = nil
	s.norm = nil
	if err := tr.Close(); err != nil && !transport.IsExpectedCloseError(err) {
		s.log.Warn("transport close failed", "kind", info.Kind, "error", err)
	}
	if s.hooks.Disconnected != nil {
		s.hooks.Disconnected(s.id, info, nil)
	}
}

func (s *Session) abortOpen() {
	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
}

func (s *Session) teardown() {
	s.abortOpen()
	if s.tr != nil {
		s.closeTransport()
	}
	s.setState(Closed)
}

// send stamps o with the next outbound id and queues it. Envelopes produced
// after the owner cancelled the session are dropped.
func (s *Session) send(o envelope.Outbound) {
	o.ID = s.counter
	s.counter++
	select {
	case s.out <- o:
	case <-s.ctx.Done():
	}
}

func (s *Session) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.log.Debug("state change", "from", prev, "to", st)
	}
}
