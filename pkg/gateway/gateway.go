package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sarwaaaar/pwn0gotchi/pkg/envelope"
	"github.com/sarwaaaar/pwn0gotchi/pkg/session"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
)

const maxFrameSize = 1 << 20

// Gateway accepts websocket connections and runs one session per
// connection.
type Gateway struct {
	cfg     Config
	codecs  *envelope.Registry
	openers map[transport.Kind]transport.Opener
	prompt  *regexp.Regexp
	events  *EventBus
	log     *slog.Logger
	reg     *registry

	interval     time.Duration
	probeTimeout time.Duration

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
	served  atomic.Uint64
}

// New creates a gateway. cfg is validated; openers supplies one opener per
// supported connection type.
func New(cfg Config, openers map[transport.Kind]transport.Opener, log *slog.Logger) (*Gateway, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prompt, err := cfg.Normalizer.Compile()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	codecs, err := envelope.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	interval, probe := cfg.healthTimings()
	return &Gateway{
		cfg:          cfg,
		codecs:       codecs,
		openers:      openers,
		prompt:       prompt,
		events:       NewEventBus(),
		log:          log,
		reg:          newRegistry(),
		interval:     interval,
		probeTimeout: probe,
	}, nil
}

// Events returns the lifecycle event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Len returns the number of registered connections.
func (g *Gateway) Len() int { return g.reg.len() }

// Handler returns the HTTP routes: the websocket endpoint at the configured
// path and a JSON health report at /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.cfg.Path, g)
	mux.HandleFunc("GET /healthz", g.healthz)
	return mux
}

func (g *Gateway) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Served   uint64 `json:"served"`
	}{"ok", g.reg.len(), g.served.Load()})
}

// ServeHTTP upgrades the request to a websocket and serves one session on it
// until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	g.active.Add(1)
	g.mu.Unlock()
	defer g.active.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       g.codecs.Subprotocols(),
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipOriginCheck,
	})
	if err != nil {
		g.log.WarnContext(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	g.serve(r.Context(), conn, r.RemoteAddr)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, remote string) {
	id := uuid.NewString()
	codec := g.codecs.Lookup(conn.Subprotocol())
	log := g.log.With("session", id)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := session.New(session.Options{
		ID:             id,
		Openers:        g.openers,
		SeenCapacity:   g.cfg.Session.SeenCapacity,
		OutboundBuffer: g.cfg.Session.OutboundBuffer,
		BannerMarker:   g.cfg.Normalizer.BannerMarker,
		Prompt:         g.prompt,
		Hooks:          g.hooks(),
		Logger:         g.log,
	})

	c := &client{id: id, remote: remote, conn: conn, cancel: cancel}
	g.reg.add(c)
	g.served.Add(1)
	log.InfoContext(ctx, "session opened", "remote", remote, "codec", codec.Subprotocol())
	g.events.Publish(Event{Kind: EventSessionOpened, SessionID: id, Data: remote})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, cancel, conn, codec, sess, log)
	}()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		g.readLoop(ctx, conn, codec, sess, log)
	}()

	runErr := sess.Run(ctx)
	<-writerDone

	code, reason := websocket.StatusNormalClosure, ""
	if runErr != nil {
		log.ErrorContext(ctx, "session failed", "error", runErr)
		code, reason = websocket.StatusInternalError, "internal error"
	}
	if err := conn.Close(code, reason); err != nil && !isExpectedClose(err) {
		log.Debug("websocket close", "error", err)
	}
	cancel()
	<-readerDone

	g.reg.remove(id)
	log.Info("session closed", "remote", remote)
	g.events.Publish(Event{Kind: EventSessionClosed, SessionID: id, Err: runErr})
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, codec envelope.Codec, sess *session.Session, log *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if isExpectedClose(err) || ctx.Err() != nil {
				log.Debug("websocket read ended", "error", err)
			} else {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		in, derr := envelope.Decode(codec, data)
		if err := sess.Deliver(ctx, in, derr); err != nil {
			return
		}
	}
}

// writeLoop drains the session's outbound channel. A failed write cancels
// the session, which then closes the channel.
func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, codec envelope.Codec, sess *session.Session, log *slog.Logger) {
	typ := websocket.MessageText
	if codec.Binary() {
		typ = websocket.MessageBinary
	}

	failed := false
	for out := range sess.Outbound() {
		if failed {
			continue
		}
		data, err := codec.Marshal(out)
		if err != nil {
			log.Error("encoding outbound envelope", "type", out.Type, "error", err)
			continue
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			if !isExpectedClose(err) && ctx.Err() == nil {
				log.Warn("websocket write failed", "error", err)
			}
			failed = true
			cancel()
		}
	}
}

func (g *Gateway) hooks() session.Hooks {
	return session.Hooks{
		Connected: func(id string, info transport.Info) {
			g.events.Publish(Event{Kind: EventTransportConnected, SessionID: id, Data: info})
		},
		Disconnected: func(id string, info transport.Info, err error) {
			g.events.Publish(Event{Kind: EventTransportDisconnected, SessionID: id, Data: info, Err: err})
		},
	}
}

// RunHealth runs the liveness sweep every health.interval until ctx is
// done.
func (g *Gateway) RunHealth(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness round. A connection that left health.max_missed
// probes unanswered is terminated; every other connection is probed, and the
// round waits for the probes to finish or time out.
func (g *Gateway) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range g.reg.snapshot() {
		if missed := int(c.missed.Load()); missed >= g.cfg.Health.MaxMissed {
			g.log.Warn("terminating unresponsive connection", "session", c.id, "remote", c.remote, "missed", missed)
			g.events.Publish(Event{Kind: EventProbeFailed, SessionID: c.id, Data: missed})
			g.terminate(c)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
			defer cancel()
			if err := c.conn.Ping(pctx); err != nil {
				c.missed.Add(1)
				g.log.Debug("liveness probe unanswered", "session", c.id, "error", err)
				return
			}
			c.missed.Store(0)
		}()
	}
	wg.Wait()
}

// terminate drops a connection without a close handshake. Its session sees
// the read fail and tears down.
func (g *Gateway) terminate(c *client) {
	_ = c.conn.CloseNow()
	if c.cancel != nil {
		c.cancel()
	}
	g.reg.remove(c.id)
}

// Shutdown stops accepting connections, asks every client to go away and
// waits for their sessions to end. When ctx expires first, the remaining
// connections are dropped and ctx's error is returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	for _, c := range g.reg.snapshot() {
		go func() {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range g.reg.snapshot() {
			g.terminate(c)
		}
		<-done
		return ctx.Err()
	}
}

func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, context.Canceled) || transport.IsExpectedCloseError(err)
}
