package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarwaaaar/pwn0gotchi/pkg/discovery"
	"github.com/sarwaaaar/pwn0gotchi/pkg/envelope"
	"github.com/sarwaaaar/pwn0gotchi/pkg/normalizer"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport/transporttest"
)

func newFake(kind transport.Kind) *transporttest.Fake {
	return transporttest.New(transport.Info{Kind: kind, Host: "10.0.0.5", Port: 22, Username: "u"})
}

type harness struct {
	t      *testing.T
	s      *Session
	cancel context.CancelFunc
	errc   chan error
	got    []envelope.Outbound
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "test"
	}
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, s: s, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})

	ready := h.next()
	require.Equal(t, envelope.TypeStatus, ready.Type)
	require.Equal(t, envelope.StatusReady, ready.Status)
	return h
}

func (h *harness) send(env envelope.Inbound) {
	h.t.Helper()
	require.NoError(h.t, h.s.Deliver(context.Background(), env, nil))
}

func (h *harness) next() envelope.Outbound {
	h.t.Helper()
	select {
	case o, ok := <-h.s.Outbound():
		require.True(h.t, ok, "outbound closed")
		h.got = append(h.got, o)
		return o
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for outbound envelope")
	}
	return envelope.Outbound{}
}

func (h *harness) none() {
	h.t.Helper()
	select {
	case o := <-h.s.Outbound():
		h.t.Fatalf("unexpected envelope %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool { return h.s.State() == want }, time.Second, 5*time.Millisecond,
		"want state %s, have %s", want, h.s.State())
}

func (h *harness) connect(kind string, id envelope.ID) envelope.Outbound {
	h.t.Helper()
	h.send(envelope.Inbound{
		Type: envelope.TypeConnect, ID: id, ConnectionType: kind,
		Host: "10.0.0.5", Username: "u", Credential: "p",
	})
	return h.next()
}

func TestReadyOnStart(t *testing.T) {
	h := start(t, Options{})
	assert.Equal(t, uint64(0), h.got[0].ID)
	assert.Equal(t, Idle, h.s.State())
}

func TestDuplicateIDIsDropped(t *testing.T) {
	h := start(t, Options{})

	h.send(envelope.Inbound{Type: envelope.TypeStatus, ID: "7", Status: "connected"})
	assert.Equal(t, envelope.StatusReady, h.next().Status)

	h.send(envelope.Inbound{Type: envelope.TypeStatus, ID: "7", Status: "connected"})
	h.none()
}

func TestMessagesWithoutIDAreNotDeduplicated(t *testing.T) {
	h := start(t, Options{})

	h.send(envelope.Inbound{Type: envelope.TypeStatus, Status: "connected"})
	h.send(envelope.Inbound{Type: envelope.TypeStatus, Status: "connected"})
	h.next()
	h.next()
}

func TestConnectShell(t *testing.T) {
	tr := newFake(transport.KindShell)
	var params transport.Params
	opener := transport.OpenerFunc(func(_ context.Context, p transport.Params) (transport.Transport, error) {
		params = p
		return tr, nil
	})
	var connected []transport.Info
	h := start(t, Options{
		Openers: map[transport.Kind]transport.Opener{transport.KindShell: opener},
		Hooks: Hooks{Connected: func(_ string, info transport.Info) {
			connected = append(connected, info)
		}},
	})

	got := h.connect("ssh", "1")
	assert.Equal(t, envelope.TypeStatus, got.Type)
	assert.Equal(t, envelope.StatusConnected, got.Status)
	assert.Equal(t, tr.Info(), got.Metadata)
	assert.Equal(t, Connected, h.s.State())
	assert.Equal(t, transport.Params{Host: "10.0.0.5", Username: "u", Credential: "p"}, params)
	assert.Equal(t, []transport.Info{tr.Info()}, connected)
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	attempts := 0
	tr := newFake(transport.KindShell)
	opener := transport.OpenerFunc(func(context.Context, transport.Params) (transport.Transport, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("shell: dial 10.0.0.5:22: connection refused")
		}
		return tr, nil
	})
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: opener}})

	got := h.connect("shell", "1")
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Contains(t, got.Message, "connection refused")
	assert.NotEmpty(t, got.Debug)
	assert.Equal(t, Idle, h.s.State())

	got = h.connect("shell", "2")
	assert.Equal(t, envelope.StatusConnected, got.Status, "still connectable")
}

func TestConnectSerialWithoutDevices(t *testing.T) {
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{
		transport.KindSerial: transporttest.Failing(discovery.ErrNoDevice),
	}})

	got := h.connect("serial", "1")
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Contains(t, strings.ToLower(got.Message), "no compatible device")
	assert.Equal(t, Idle, h.s.State())
}

func TestConnectUnknownType(t *testing.T) {
	h := start(t, Options{})

	got := h.connect("telnet", "1")
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, "Unsupported connection type", got.Message)
	assert.Equal(t, Idle, h.s.State())
}

func TestConnectKindWithoutOpener(t *testing.T) {
	h := start(t, Options{})

	got := h.connect("serial", "1")
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Contains(t, got.Message, "not available")
}

func TestAlreadyConnected(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{
		transport.KindShell: tr.Opener(),
	}})
	h.connect("shell", "1")

	got := h.connect("shell", "2")
	assert.Equal(t, envelope.StatusAlreadyConnected, got.Status)
	assert.Equal(t, Connected, h.s.State())
	assert.Zero(t, tr.Closes())
}

func TestDisconnectWhileConnected(t *testing.T) {
	tr := newFake(transport.KindShell)
	var disconnected int
	h := start(t, Options{
		Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()},
		Hooks:   Hooks{Disconnected: func(string, transport.Info, error) { disconnected++ }},
	})
	h.connect("shell", "1")

	h.send(envelope.Inbound{Type: envelope.TypeDisconnect, ID: "2"})
	got := h.next()
	assert.Equal(t, envelope.StatusDisconnected, got.Status)
	h.none()

	assert.Equal(t, 1, tr.Closes())
	assert.Equal(t, Idle, h.s.State())
	assert.Equal(t, 1, disconnected)

	// The seen set was cleared, so id 1 is processed again.
	h.send(envelope.Inbound{Type: envelope.TypeStatus, ID: "1", Status: "connected"})
	assert.Equal(t, envelope.StatusReady, h.next().Status)
}

func TestDisconnectWhileConnectingAbandonsOpen(t *testing.T) {
	tr := newFake(transport.KindShell)
	release := make(chan struct{})
	cancelled := make(chan struct{})
	opener := transport.OpenerFunc(func(ctx context.Context, _ transport.Params) (transport.Transport, error) {
		<-ctx.Done()
		close(cancelled)
		<-release
		return tr, nil
	})
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: opener}})

	h.send(envelope.Inbound{Type: envelope.TypeConnect, ID: "1", ConnectionType: "shell", Host: "h", Username: "u"})
	h.waitState(Connecting)

	h.send(envelope.Inbound{Type: envelope.TypeDisconnect, ID: "2"})
	assert.Equal(t, envelope.StatusDisconnected, h.next().Status)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("open was not cancelled")
	}

	// A late success from the abandoned attempt is closed, not adopted.
	close(release)
	assert.Eventually(t, func() bool { return tr.Closes() == 1 }, time.Second, 5*time.Millisecond)
	h.none()
	assert.Equal(t, Idle, h.s.State())
}

func TestCommandAppendsNewline(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	h.send(envelope.Inbound{Type: envelope.TypeCommand, ID: "2", Command: "ls -la"})
	h.send(envelope.Inbound{Type: envelope.TypePTYData, ID: "3", Data: "\x1b[A"})

	assert.Eventually(t, func() bool { return len(tr.Writes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ls -la\n", "\x1b[A"}, tr.Writes())
	h.none()
}

func TestCommandWhileIdle(t *testing.T) {
	h := start(t, Options{})

	h.send(envelope.Inbound{Type: envelope.TypeCommand, ID: "1", Command: "ls"})
	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, "Not connected", got.Message)
}

func TestWriteNotOpenKeepsState(t *testing.T) {
	tr := newFake(transport.KindShell)
	tr.WriteErr = transport.ErrNotOpen
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	h.send(envelope.Inbound{Type: envelope.TypeCommand, ID: "2", Command: "ls"})
	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, Connected, h.s.State())
}

func TestOutputIsNormalized(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	tr.Emit(transport.EventData, "abc")
	tr.Emit(transport.EventData, "def\r\n┌──(root㉿kali)-[~]\r\n")
	tr.Emit(transport.EventData, "┌──(root㉿kali)-[~]\r\n")

	got := h.next()
	assert.Equal(t, envelope.TypeOutput, got.Type)
	assert.Equal(t, "abcdef\n┌──(root㉿kali)-[~]\n", got.Data)
	h.none()
}

func TestSerialOutputIsTrimmed(t *testing.T) {
	tr := newFake(transport.KindSerial)
	h := start(t, Options{
		Openers:      map[transport.Kind]transport.Opener{transport.KindSerial: tr.Opener()},
		BannerMarker: "Last login",
	})
	h.connect("serial", "1")

	tr.Emit(transport.EventData, "  boot ok  \r\n\r\n")
	assert.Equal(t, "boot ok\n", h.next().Data, "serial output is not banner gated")
}

func TestNewlineFreeSerialOutputIsCut(t *testing.T) {
	tr := newFake(transport.KindSerial)
	h := start(t, Options{
		Openers: map[transport.Kind]transport.Opener{transport.KindSerial: tr.Opener()},
	})
	h.connect("serial", "1")

	tr.Emit(transport.EventData, strings.Repeat("#", normalizer.MaxLineLength+1))
	got := h.next()
	assert.Equal(t, envelope.TypeOutput, got.Type)
	assert.Len(t, got.Data, normalizer.MaxLineLength+1)
}

func TestDiagnosticBecomesError(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	tr.Emit(transport.EventDiagnostic, "bash: foo: command not found\n")
	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, "bash: foo: command not found", got.Message)
	assert.Equal(t, Connected, h.s.State())
}

func TestTransportFailureReturnsToIdle(t *testing.T) {
	tr := newFake(transport.KindSerial)
	var cause error
	h := start(t, Options{
		Openers: map[transport.Kind]transport.Opener{transport.KindSerial: tr.Opener()},
		Hooks:   Hooks{Disconnected: func(_ string, _ transport.Info, err error) { cause = err }},
	})
	h.connect("serial", "1")

	boom := errors.New("transport: read: device unplugged")
	tr.End(boom)

	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Contains(t, got.Debug, "unplugged")
	assert.Equal(t, envelope.StatusDisconnected, h.next().Status)
	assert.Equal(t, Idle, h.s.State())
	assert.ErrorIs(t, cause, boom)

	h.send(envelope.Inbound{Type: envelope.TypeCommand, ID: "2", Command: "ls"})
	assert.Equal(t, "Not connected", h.next().Message)
}

func TestRemoteCloseIsNotAnError(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	tr.End(nil)
	assert.Equal(t, envelope.StatusDisconnected, h.next().Status)
	h.none()
}

func TestProtocolErrors(t *testing.T) {
	h := start(t, Options{})

	require.NoError(t, h.s.Deliver(context.Background(),
		envelope.Inbound{Type: "reboot", ID: "1"}, envelope.ErrUnknownType))
	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, "Unknown message type", got.Message)

	require.NoError(t, h.s.Deliver(context.Background(), envelope.Inbound{}, envelope.ErrMalformed))
	assert.Equal(t, "Malformed message", h.next().Message)
	assert.Equal(t, Idle, h.s.State())
}

func TestRetriedMalformedMessageIsDropped(t *testing.T) {
	h := start(t, Options{})

	raw := []byte(`{"type":"connect","id":42,"connectionType":"shell","host":{"bad":true}}`)
	for range 2 {
		in, err := envelope.Decode(envelope.JSON(), raw)
		require.ErrorIs(t, err, envelope.ErrMalformed)
		require.NoError(t, h.s.Deliver(context.Background(), in, err))
	}

	got := h.next()
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, "Malformed message", got.Message)
	h.none()
}

func TestConnectPortFromString(t *testing.T) {
	var params transport.Params
	opener := transport.OpenerFunc(func(_ context.Context, p transport.Params) (transport.Transport, error) {
		params = p
		return newFake(transport.KindShell), nil
	})
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: opener}})

	in, err := envelope.Decode(envelope.JSON(),
		[]byte(`{"type":"connect","id":1,"connectionType":"shell","host":"10.0.0.5","port":"2222","username":"u","credential":"p"}`))
	require.NoError(t, err)
	h.send(in)

	assert.Equal(t, envelope.StatusConnected, h.next().Status)
	assert.Equal(t, 2222, params.Port)
}

func TestOutboundCounterIsGapless(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})

	h.connect("shell", "1")
	tr.Emit(transport.EventData, "one\n")
	h.next()
	h.send(envelope.Inbound{Type: envelope.TypeDisconnect, ID: "2"})
	h.next()
	h.send(envelope.Inbound{Type: envelope.TypeCommand, ID: "3"})
	h.next()

	for i, o := range h.got {
		assert.Equal(t, uint64(i), o.ID)
	}
}

func TestCancelClosesTransport(t *testing.T) {
	tr := newFake(transport.KindShell)
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})
	h.connect("shell", "1")

	h.cancel()
	require.NoError(t, <-h.errc)
	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, 1, tr.Closes())
	assert.ErrorIs(t, h.s.Deliver(context.Background(), envelope.Inbound{}, nil), ErrClosed)
}

func TestCancelAbortsOpen(t *testing.T) {
	cancelled := make(chan struct{})
	opener := transport.OpenerFunc(func(ctx context.Context, _ transport.Params) (transport.Transport, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindSerial: opener}})
	h.send(envelope.Inbound{Type: envelope.TypeConnect, ConnectionType: "serial"})
	h.waitState(Connecting)

	h.cancel()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("open was not cancelled")
	}
	require.NoError(t, <-h.errc)
	assert.Equal(t, Closed, h.s.State())
}

func TestPanicForcesClosed(t *testing.T) {
	tr := newFake(transport.KindShell)
	tr.PanicOnInfo = true
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: tr.Opener()}})

	h.send(envelope.Inbound{Type: envelope.TypeConnect, ConnectionType: "shell"})

	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, ErrInternalFault)
	case <-time.After(2 * time.Second):
		t.Fatal("session survived a panic")
	}
	assert.Equal(t, Closed, h.s.State())
}

func TestPanickingOpenerIsContained(t *testing.T) {
	opener := transport.OpenerFunc(func(context.Context, transport.Params) (transport.Transport, error) {
		panic("driver bug")
	})
	h := start(t, Options{Openers: map[transport.Kind]transport.Opener{transport.KindShell: opener}})

	got := h.connect("shell", "1")
	assert.Equal(t, envelope.TypeError, got.Type)
	assert.Equal(t, Idle, h.s.State())
}
