// Package feed owns the single upstream connection and fans events out to subscribers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/observability"
)

// ErrNotConnected is returned by writes while no upstream connection is open.
var ErrNotConnected = errors.New("upstream not connected")

// maxKeysPerRequest bounds the mint list of one trade subscription message.
const maxKeysPerRequest = 100

// Handler receives every decoded event in upstream arrival order.
// Handlers run on the ingestion goroutine and must return quickly.
type Handler func(domain.TokenEvent)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

// Config configures upstream connection behavior.
type Config struct {
	// Endpoint is the upstream websocket URL.
	Endpoint string `yaml:"endpoint" default:"wss://pumpportal.fun/api/data" validate:"required,url"`
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"2s"`
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" default:"10s"`
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration `yaml:"ping_interval" default:"30s"`
	// ReadTimeout forces a reconnect on a silent connection.
	ReadTimeout time.Duration `yaml:"read_timeout" default:"60s"`
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// DefaultConfig returns default feed configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "wss://pumpportal.fun/api/data",
		ReconnectDelay:   2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Options contains configuration for creating a Feed.
type Options struct {
	Config  Config
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

type subscriber struct {
	id      SubscriptionID
	handler Handler
}

// Feed is the shared upstream connection.
// Exactly one Run loop may be active per Feed.
type Feed struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// subs is replaced on every change so dispatch can iterate without holding the lock.
	subs   []subscriber
	subsMu sync.RWMutex
	nextID atomic.Uint64

	conn   *websocket.Conn
	connMu sync.Mutex // guards conn and serializes writes

	// watched holds per-mint trade subscription reference counts.
	watched   map[string]int
	watchedMu sync.Mutex
}

// New creates a Feed. The connection is opened by Run.
func New(opts Options) *Feed {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "feed").Logger()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Feed{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
		watched: make(map[string]int),
	}
}

// Subscribe registers a handler. Handlers are invoked in registration order.
func (f *Feed) Subscribe(h Handler) SubscriptionID {
	id := SubscriptionID(f.nextID.Add(1))

	f.subsMu.Lock()
	next := make([]subscriber, len(f.subs), len(f.subs)+1)
	copy(next, f.subs)
	f.subs = append(next, subscriber{id: id, handler: h})
	f.subsMu.Unlock()

	return id
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (f *Feed) Unsubscribe(id SubscriptionID) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	next := make([]subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	f.subs = next
}

// Watch adds a reference to the trade subscription for mint.
// The first reference subscribes upstream; reconnects replay all watched mints.
func (f *Feed) Watch(mint string) {
	f.watchedMu.Lock()
	f.watched[mint]++
	first := f.watched[mint] == 1
	n := len(f.watched)
	f.watchedMu.Unlock()

	f.metrics.SetWatchedMints(n)
	if !first {
		return
	}

	err := f.writeJSON(subscribeRequest{Method: methodSubscribeTokenTrade, Keys: []string{mint}})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		f.logger.Warn().Err(err).Str("mint", mint).Msg("trade subscribe failed, will replay on reconnect")
	}
}

// Unwatch drops a reference taken by Watch.
// The last reference unsubscribes upstream.
func (f *Feed) Unwatch(mint string) {
	f.watchedMu.Lock()
	count, ok := f.watched[mint]
	if !ok {
		f.watchedMu.Unlock()
		return
	}
	last := count <= 1
	if last {
		delete(f.watched, mint)
	} else {
		f.watched[mint] = count - 1
	}
	n := len(f.watched)
	f.watchedMu.Unlock()

	f.metrics.SetWatchedMints(n)
	if !last {
		return
	}

	err := f.writeJSON(subscribeRequest{Method: methodUnsubscribeTokenTrade, Keys: []string{mint}})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		f.logger.Warn().Err(err).Str("mint", mint).Msg("trade unsubscribe failed")
	}
}

// Watched returns the currently watched mints, sorted.
func (f *Feed) Watched() []string {
	f.watchedMu.Lock()
	defer f.watchedMu.Unlock()

	mints := make([]string, 0, len(f.watched))
	for m := range f.watched {
		mints = append(mints, m)
	}
	sort.Strings(mints)
	return mints
}

// Connected reports whether an upstream connection is currently open.
func (f *Feed) Connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// Run owns the upstream connection until ctx is cancelled.
// Disconnects are retried after a fixed delay; events missed during an outage are not replayed.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.metrics.RecordReconnect()
		f.logger.Warn().Err(err).Dur("retry_in", f.cfg.ReconnectDelay).Msg("upstream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

// runConnection dials, subscribes and reads until the connection fails.
func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, f.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.setConn(conn)
	defer f.clearConn(conn)

	if err := f.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info().Str("endpoint", f.cfg.Endpoint).Msg("upstream connected")

	done := make(chan struct{})
	defer close(done)

	// Closing the connection unblocks ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go f.pingLoop(conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		f.handleMessage(message)
	}
}

// subscribeAll sends the listing subscription and replays watched mints.
func (f *Feed) subscribeAll() error {
	if err := f.writeJSON(subscribeRequest{Method: methodSubscribeNewToken}); err != nil {
		return err
	}

	mints := f.Watched()
	for start := 0; start < len(mints); start += maxKeysPerRequest {
		end := start + maxKeysPerRequest
		if end > len(mints) {
			end = len(mints)
		}
		req := subscribeRequest{Method: methodSubscribeTokenTrade, Keys: mints[start:end]}
		if err := f.writeJSON(req); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage decodes one upstream message and dispatches it.
func (f *Feed) handleMessage(message []byte) {
	ev, ok, err := DecodeMessage(message, f.now())
	if err != nil {
		f.metrics.RecordDecodeError()
		f.logger.Debug().Err(err).Msg("drop upstream message")
		return
	}
	if !ok {
		return
	}
	f.dispatch(ev)
}

// dispatch hands ev to every subscriber without waiting on any of them.
func (f *Feed) dispatch(ev domain.TokenEvent) {
	f.metrics.RecordFeedEvent(string(ev.Kind))

	f.subsMu.RLock()
	subs := f.subs
	f.subsMu.RUnlock()

	for _, s := range subs {
		f.deliver(s, ev)
	}
}

// deliver isolates a single handler call.
func (f *Feed) deliver(s subscriber, ev domain.TokenEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.RecordHandlerPanic()
			f.logger.Error().
				Interface("panic", r).
				Uint64("subscription", uint64(s.id)).
				Str("mint", ev.Mint).
				Str("kind", string(ev.Kind)).
				Msg("subscriber panicked")
		}
	}()
	s.handler(ev)
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.metrics.SetConnected(true)
}

func (f *Feed) clearConn(conn *websocket.Conn) {
	f.connMu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.connMu.Unlock()
	conn.Close()
	f.metrics.SetConnected(false)
}

// writeJSON writes v on the current connection.
func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.conn == nil {
		return ErrNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := f.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// pingLoop sends periodic ping frames to keep connection alive.
func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn == conn {
				// A failed ping surfaces as a read error on the next ReadMessage.
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.WriteTimeout))
			}
			f.connMu.Unlock()
		}
	}
}
