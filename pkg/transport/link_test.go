package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the write pump and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func drain(t *testing.T, l *Link) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-l.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events to close")
		}
	}
}

func TestLinkDeliversOutputInOrder(t *testing.T) {
	out, outW := io.Pipe()
	l := NewLink(LinkConfig{
		Info:   Info{Kind: KindShell},
		Output: out,
		Input:  io.Discard,
		Close:  func() error { return out.Close() },
	})

	go func() {
		_, _ = outW.Write([]byte("abc"))
		_, _ = outW.Write([]byte("def\n"))
		_ = outW.Close()
	}()

	events := drain(t, l)
	var data []byte
	for _, ev := range events {
		assert.Equal(t, EventData, ev.Kind)
		data = append(data, ev.Data...)
	}
	assert.Equal(t, "abcdef\n", string(data))
	assert.NoError(t, l.Err(), "EOF is a clean close")
}

func TestLinkDiagnosticsStream(t *testing.T) {
	out, outW := io.Pipe()
	diag, diagW := io.Pipe()
	l := NewLink(LinkConfig{
		Output:      out,
		Diagnostics: diag,
		Input:       io.Discard,
		Close: func() error {
			_ = diag.Close()
			return out.Close()
		},
	})

	_, err := diagW.Write([]byte("warning: x\n"))
	require.NoError(t, err)

	select {
	case ev := <-l.Events():
		assert.Equal(t, EventDiagnostic, ev.Kind)
		assert.Equal(t, "warning: x\n", string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no diagnostic event")
	}

	require.NoError(t, outW.Close())
	drain(t, l)
}

func TestLinkWriteQueue(t *testing.T) {
	out, _ := io.Pipe()
	in := &syncBuffer{}
	l := NewLink(LinkConfig{
		Output: out,
		Input:  in,
		Close:  func() error { return out.Close() },
	})

	ctx := context.Background()
	require.NoError(t, l.Write(ctx, []byte("ls")))
	require.NoError(t, l.Write(ctx, []byte("\n")))

	assert.Eventually(t, func() bool { return in.String() == "ls\n" }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Write(ctx, []byte("x")), ErrNotOpen)
}

func TestLinkCloseRunsCloserOnce(t *testing.T) {
	out, _ := io.Pipe()
	var closes atomic.Int32
	l := NewLink(LinkConfig{
		Output: out,
		Input:  io.Discard,
		Close: func() error {
			closes.Add(1)
			return out.Close()
		},
	})

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	l.Wait()

	assert.Equal(t, int32(1), closes.Load())
	assert.NoError(t, l.Err())
}

func TestLinkWriteFailureEndsLink(t *testing.T) {
	out, _ := io.Pipe()
	boom := errors.New("device gone")
	l := NewLink(LinkConfig{
		Output: out,
		Input:  failingWriter{err: boom},
		Close:  func() error { return out.Close() },
	})

	require.NoError(t, l.Write(context.Background(), []byte("x")))
	drain(t, l)

	assert.ErrorIs(t, l.Err(), boom)
}

func TestLinkReadFailureIsRuntimeError(t *testing.T) {
	out, outW := io.Pipe()
	boom := errors.New("usb unplugged")
	l := NewLink(LinkConfig{
		Output: out,
		Input:  io.Discard,
		Close:  func() error { return out.Close() },
	})

	require.NoError(t, outW.CloseWithError(boom))
	drain(t, l)

	assert.ErrorIs(t, l.Err(), boom)
}

func TestLinkWaitEndsLink(t *testing.T) {
	out, _ := io.Pipe()
	exited := make(chan error, 1)
	l := NewLink(LinkConfig{
		Output: out,
		Input:  io.Discard,
		Wait:   func() error { return <-exited },
		Close:  func() error { return out.Close() },
	})

	exited <- errors.New("signal: killed")
	drain(t, l)

	require.Error(t, l.Err())
	assert.Contains(t, l.Err().Error(), "remote ended")
}

func TestLinkWaitDecidesAfterOutputEOF(t *testing.T) {
	tests := []struct {
		name    string
		exitErr error
		wantErr bool
	}{
		{"clean exit", nil, false},
		{"connection lost", errors.New("remote command exited without exit status"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, outW := io.Pipe()
			exited := make(chan error, 1)
			l := NewLink(LinkConfig{
				Output: out,
				Input:  io.Discard,
				Wait:   func() error { return <-exited },
				Close:  func() error { return out.Close() },
			})
			defer func() { _ = l.Close() }()

			_, _ = outW.Write([]byte("bye\n"))
			require.NoError(t, outW.Close())

			select {
			case <-l.Done():
				t.Fatal("output EOF ended the link before the remote exit was known")
			case <-time.After(50 * time.Millisecond):
			}

			exited <- tt.exitErr
			events := drain(t, l)
			require.Len(t, events, 1)
			assert.Equal(t, "bye\n", string(events[0].Data))
			if tt.wantErr {
				require.Error(t, l.Err())
				assert.Contains(t, l.Err().Error(), "remote ended")
			} else {
				assert.NoError(t, l.Err())
			}
		})
	}
}

func TestLinkWriteRespectsContext(t *testing.T) {
	out, _ := io.Pipe()
	w := &blockingWriter{release: make(chan struct{})}
	l := NewLink(LinkConfig{
		Output:    out,
		Input:     w,
		QueueSize: 1,
		Close:     func() error { return out.Close() },
	})
	defer func() {
		close(w.release)
		_ = l.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The pump takes the first write and blocks; the second fills the queue;
	// the third has to wait for ctx.
	var err error
	for range 3 {
		if err = l.Write(ctx, []byte("x")); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingWriter struct{ release chan struct{} }

func (w *blockingWriter) Write(b []byte) (int, error) {
	<-w.release
	return len(b), nil
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.False(t, IsExpectedCloseError(nil))
	assert.True(t, IsExpectedCloseError(io.EOF))
	assert.True(t, IsExpectedCloseError(io.ErrClosedPipe))
	assert.False(t, IsExpectedCloseError(errors.New("other")))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		err  bool
	}{
		{"shell", KindShell, false},
		{"ssh", KindShell, false},
		{"SSH", KindShell, false},
		{"serial", KindSerial, false},
		{"telnet", KindNone, true},
		{"", KindNone, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.err {
			assert.ErrorIs(t, err, ErrUnknownKind, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
