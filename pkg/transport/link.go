package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	defaultQueueSize = 64
	readBufferSize   = 4096
)

// LinkConfig describes the underlying streams of a Link.
type LinkConfig struct {
	Info Info

	// Output is the primary stream. EOF on Output ends the link unless Wait
	// is set, in which case Wait's result decides how the link ends.
	Output io.Reader
	// Diagnostics is an optional secondary stream delivered as EventDiagnostic.
	Diagnostics io.Reader
	// Input receives queued writes.
	Input io.Writer
	// Wait optionally blocks until the remote side ends. Its return value
	// ends the link; a nil return is a clean close. Streams close before the
	// remote reports why it ended, so EOF alone says nothing about the cause.
	Wait func() error
	// Close releases the underlying resources. It is called exactly once.
	Close func() error

	QueueSize int
	Logger    *slog.Logger
}

// Link turns a set of blocking streams into a Transport. Reads are pumped
// onto the Events channel and writes are drained from a queue by a dedicated
// goroutine, so no caller ever blocks on the device itself.
type Link struct {
	info   Info
	input  io.Writer
	closer func() error
	waited bool
	log    *slog.Logger

	events chan Event
	writes chan []byte
	stop   chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error

	pumps sync.WaitGroup
}

var _ Transport = (*Link)(nil)

// NewLink starts the pumps for cfg and returns the running link.
func NewLink(cfg LinkConfig) *Link {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	l := &Link{
		info:   cfg.Info,
		input:  cfg.Input,
		closer: cfg.Close,
		waited: cfg.Wait != nil,
		log:    log.With("transport", string(cfg.Info.Kind)),
		events: make(chan Event, size),
		writes: make(chan []byte, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	l.pumps.Add(2)
	go l.readPump(cfg.Output, EventData, true)
	go l.writePump()
	if cfg.Diagnostics != nil {
		l.pumps.Add(1)
		go l.readPump(cfg.Diagnostics, EventDiagnostic, false)
	}
	if cfg.Wait != nil {
		go func() {
			if err := cfg.Wait(); err != nil {
				l.Fail(fmt.Errorf("transport: remote ended: %w", err))
				return
			}
			l.Fail(nil)
		}()
	}
	go l.supervise()

	return l
}

// Info returns the transport description.
func (l *Link) Info() Info { return l.info }

// Events returns the chunk stream. It is closed when the link ends.
func (l *Link) Events() <-chan Event { return l.events }

// Done is closed as soon as the link starts shutting down.
func (l *Link) Done() <-chan struct{} { return l.stop }

// Err returns the reason the link ended, or nil for a clean close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Fail ends the link with err. Only the first call records its error.
func (l *Link) Fail(err error) {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.stop)
	})
}

// Write copies p onto the write queue.
func (l *Link) Write(ctx context.Context, p []byte) error {
	select {
	case <-l.stop:
		return ErrNotOpen
	default:
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case l.writes <- buf:
		return nil
	case <-l.stop:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the link and releases the underlying resources. It is safe to
// call more than once; the underlying close runs exactly once.
func (l *Link) Close() error {
	l.Fail(nil)
	return l.release()
}

// Wait blocks until every pump has exited and Events is closed.
func (l *Link) Wait() { <-l.done }

func (l *Link) release() error {
	l.closeOnce.Do(func() {
		if l.closer != nil {
			l.closeErr = l.closer()
		}
	})
	return l.closeErr
}

func (l *Link) supervise() {
	<-l.stop
	if err := l.release(); err != nil && !IsExpectedCloseError(err) {
		l.log.Warn("transport close failed", "error", err)
	}
	l.pumps.Wait()
	close(l.events)
	close(l.done)
}

func (l *Link) readPump(r io.Reader, kind EventKind, primary bool) {
	defer l.pumps.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ev := Event{Kind: kind, Data: chunk}
			// Data read before the link stopped is still delivered when
			// there is room for it.
			select {
			case l.events <- ev:
			default:
				select {
				case l.events <- ev:
				case <-l.stop:
					return
				}
			}
		}
		if err != nil {
			if !primary {
				return
			}
			switch {
			case IsExpectedCloseError(err) && l.waited:
				l.log.Debug("output stream ended, waiting for remote exit")
			case IsExpectedCloseError(err):
				l.Fail(nil)
			default:
				l.Fail(fmt.Errorf("transport: read: %w", err))
			}
			return
		}
	}
}

func (l *Link) writePump() {
	defer l.pumps.Done()

	for {
		select {
		case <-l.stop:
			return
		case p := <-l.writes:
			if _, err := l.input.Write(p); err != nil {
				l.Fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		}
	}
}
