// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
)

// Fake is an in-memory transport. Tests push chunks with Emit and end it
// with End; Close ends it cleanly.
type Fake struct {
	// WriteErr, when set, is returned by every Write.
	WriteErr error
	// PanicOnInfo makes Info panic, for exercising fault recovery.
	PanicOnInfo bool

	info   transport.Info
	events chan transport.Event

	mu      sync.Mutex
	writes  []string
	closes  int
	err     error
	endOnce sync.Once
}

var _ transport.Transport = (*Fake)(nil)

// New returns an open fake describing itself with info.
func New(info transport.Info) *Fake {
	return &Fake{info: info, events: make(chan transport.Event, 16)}
}

// Opener returns an opener that hands out f.
func (f *Fake) Opener() transport.Opener {
	return transport.OpenerFunc(func(context.Context, transport.Params) (transport.Transport, error) {
		return f, nil
	})
}

// Failing returns an opener that always fails with err.
func Failing(err error) transport.Opener {
	return transport.OpenerFunc(func(context.Context, transport.Params) (transport.Transport, error) {
		return nil, err
	})
}

func (f *Fake) Info() transport.Info {
	if f.PanicOnInfo {
		panic("transporttest: Info called on a corrupt transport")
	}
	return f.info
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

func (f *Fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fake) Write(_ context.Context, p []byte) error {
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.End(nil)
	return nil
}

// Emit delivers one chunk.
func (f *Fake) Emit(kind transport.EventKind, data string) {
	f.events <- transport.Event{Kind: kind, Data: []byte(data)}
}

// End closes the event stream with err as the cause. Later calls do nothing.
func (f *Fake) End(err error) {
	f.endOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.events)
	})
}

// Writes returns every payload written so far.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
