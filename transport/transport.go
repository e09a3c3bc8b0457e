// Package transport implements the Transport Connection (spec.md §4.1):
// establishment with a fallback ladder across QUIC-native, QUIC-over-
// WebSocket, and WebRTC-compatible modes, keep-alive, path validation,
// and migration. Grounded on the teacher's quic-go server/dial usage
// (internal/distribution/server.go's quic.Config wiring) and extended
// to the full fallback ladder using gorilla/websocket and pion/webrtc
// for the two non-native modes, the libraries the rest of the retrieval
// pack reaches for when QUIC itself is unavailable.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/quicrtc/rtcerr"
)

// Mode identifies one of the three transport establishment strategies.
type Mode int

const (
	ModeQuicNative Mode = iota
	ModeQuicOverWebSocket
	ModeWebRtcCompat
)

func (m Mode) String() string {
	switch m {
	case ModeQuicNative:
		return "quic_native"
	case ModeQuicOverWebSocket:
		return "quic_over_websocket"
	case ModeWebRtcCompat:
		return "webrtc_compat"
	default:
		return "unknown"
	}
}

// DefaultModeOrder is the fixed default fallback order (spec.md §4.1).
var DefaultModeOrder = []Mode{ModeQuicNative, ModeQuicOverWebSocket, ModeWebRtcCompat}

// Config configures a Connection (spec.md §6 defaults).
type Config struct {
	Timeout             time.Duration
	KeepAlive           bool
	KeepAliveInterval   time.Duration
	MaxIdleTimeout      time.Duration
	EnableMigration     bool
	PreferredTransports []Mode // nil => DefaultModeOrder
	MaxAttempts         int
	TLSConfig           *tls.Config
}

// DefaultConfig returns the configuration spec.md §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 30 * time.Second,
		MaxIdleTimeout:    60 * time.Second,
		EnableMigration:   true,
		MaxAttempts:       5,
	}
}

func (c Config) modeOrder() []Mode {
	if len(c.PreferredTransports) > 0 {
		return c.PreferredTransports
	}
	return DefaultModeOrder
}

// NetworkPath identifies how a connection's bytes travel.
type NetworkPath struct {
	LocalAddr     string
	RemoteAddr    string
	InterfaceName string
	MTU           int
}

// pathIdentity is the subset of NetworkPath that participates in
// equality (spec.md §3: "mtu is informational").
func (p NetworkPath) pathIdentity() (string, string, string) {
	return p.LocalAddr, p.RemoteAddr, p.InterfaceName
}

// Equal reports whether two paths are the same for migration purposes.
func (p NetworkPath) Equal(o NetworkPath) bool {
	a1, a2, a3 := p.pathIdentity()
	b1, b2, b3 := o.pathIdentity()
	return a1 == b1 && a2 == b2 && a3 == b3
}

// Metrics mirrors the shape asserted by the seed transport tests: per-
// mode failure counts plus aggregate attempt/success/migration tallies.
type Metrics struct {
	ConnectionAttempts    int64
	SuccessfulConnections int64
	FailedConnections     map[Mode]int64
	MigrationEvents       int64
	LastAttempt           *time.Time
}

// FailureClass classifies a transport error for retry purposes
// (spec.md §4.1 "Failure semantics").
type FailureClass int

const (
	Retryable FailureClass = iota
	FatalConnection
	PathInvalid
)

// Dialer opens one mode's underlying connection. Each mode registers a
// Dialer so the fallback ladder can try them uniformly; this keeps
// Connection itself free of per-mode branching.
type Dialer interface {
	Mode() Mode
	Dial(ctx context.Context, endpoint string, cfg Config) (Session, error)
}

// Session is the minimal surface a dialed transport exposes to
// Connection: stream opening, keep-alive probing, and close.
type Session interface {
	OpenStream(ctx context.Context, bidi bool) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Ping(ctx context.Context) error
	LocalPath() NetworkPath
	Close() error
}

// Stream is a single QUIC-style stream: a bidirectional or
// unidirectional byte pipe.
type Stream interface {
	StreamID() int64
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CancelRead(code uint64)
}

// Connection owns one logical transport to a peer: current mode,
// current path, metrics, and the session beneath it. Exactly one
// Connection exists per (local, peer) tuple (spec.md §3).
type Connection struct {
	cfg     Config
	log     *slog.Logger
	dialers map[Mode]Dialer

	mu          sync.RWMutex
	session     Session
	currentMode Mode
	currentPath NetworkPath
	state       connState

	// writeGate freezes outbound stream writes during MigrateTo
	// (spec.md §4.1 "Migration"): MigrateTo holds the write lock for the
	// duration of the swap, every in-flight and new Write blocks on the
	// read lock until it's released.
	writeGate sync.RWMutex

	streamsMu    sync.Mutex
	streams      map[int64]*replayStream
	nextStreamID int64

	metricsMu sync.Mutex
	metrics   Metrics

	eg       *errgroup.Group
	egCtx    context.Context
	egCancel context.CancelFunc
}

func newConnectionShell(cfg Config, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	egCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(egCtx)
	return &Connection{
		cfg:      cfg,
		log:      log.With("component", "transport-connection"),
		dialers:  make(map[Mode]Dialer),
		streams:  make(map[int64]*replayStream),
		metrics:  Metrics{FailedConnections: make(map[Mode]int64)},
		eg:       eg,
		egCtx:    egCtx,
		egCancel: cancel,
	}
}

type connState int

const (
	stateIdle connState = iota
	stateEstablished
	stateMigrating
	stateClosed
)

// New creates a Connection with the given dialers registered by mode.
// Callers normally register all three modes; tests may register a
// subset to exercise fallback.
func New(cfg Config, log *slog.Logger, dialers ...Dialer) *Connection {
	c := newConnectionShell(cfg, log)
	for _, d := range dialers {
		c.dialers[d.Mode()] = d
	}
	return c
}

// NewFromSession wraps an already-established Session — typically one
// accepted by a Listener — into a Connection, for the listening side of
// an exchange where EstablishWithFallback (the dialing side's
// responsibility) does not apply. Keep-alive starts immediately if
// cfg.KeepAlive is set, matching the dialing-side behavior in
// EstablishWithFallback.
func NewFromSession(cfg Config, log *slog.Logger, mode Mode, sess Session) *Connection {
	c := newConnectionShell(cfg, log)
	c.session = sess
	c.currentMode = mode
	c.currentPath = sess.LocalPath()
	c.state = stateEstablished
	c.metrics.ConnectionAttempts = 1
	c.metrics.SuccessfulConnections = 1
	if cfg.KeepAlive {
		c.startKeepAlive()
	}
	return c
}

// EstablishWithFallback implements spec.md §4.1's establishment
// algorithm: try each mode in order once per cycle with cfg.Timeout,
// for up to cfg.MaxAttempts cycles (no wait between cycles; a
// MaxAttempts <= 0 keeps cycling until ctx ends); on success, store
// state and start keep-alive; on exhaustion, return a ConnectionError
// carrying the computed backoff (1s, doubled per failed cycle, capped
// at 30s).
func (c *Connection) EstablishWithFallback(ctx context.Context, endpoint string) error {
	order := c.cfg.modeOrder()
	backoff := time.Second

	for attempt := 0; ; attempt++ {
		for _, mode := range order {
			dialer, ok := c.dialers[mode]
			if !ok {
				continue
			}

			now := time.Now()
			c.metricsMu.Lock()
			c.metrics.ConnectionAttempts++
			c.metrics.LastAttempt = &now
			c.metricsMu.Unlock()

			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			sess, err := dialer.Dial(dialCtx, endpoint, c.cfg)
			cancel()

			if err == nil {
				c.metricsMu.Lock()
				c.metrics.SuccessfulConnections++
				c.metricsMu.Unlock()

				c.mu.Lock()
				c.session = sess
				c.currentMode = mode
				c.currentPath = sess.LocalPath()
				c.state = stateEstablished
				c.mu.Unlock()

				c.log.Info("transport established", "mode", mode.String(), "endpoint", endpoint)
				if c.cfg.KeepAlive {
					c.startKeepAlive()
				}
				return nil
			}

			c.metricsMu.Lock()
			c.metrics.FailedConnections[mode]++
			c.metricsMu.Unlock()
			c.log.Warn("transport mode failed", "mode", mode.String(), "err", err)

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if c.cfg.MaxAttempts > 0 && attempt+1 >= c.cfg.MaxAttempts {
			retry := backoff
			return &rtcerr.ConnectionError{
				Reason:          "all modes exhausted",
				RetryIn:         &retry,
				SuggestedAction: "retry after the suggested backoff or check network reachability",
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(0): // fall through immediately; backoff governs RetryIn, not the loop itself
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// startKeepAlive launches the PING/PONG loop described in spec.md
// §4.1: a PING every KeepAliveInterval, expecting a reply within the
// same interval; two consecutive misses mark the connection
// idle-suspect, and MaxIdleTimeout without any traffic closes it. The
// loop runs under c.eg so a panic or unexpected exit surfaces through
// Close's eg.Wait rather than disappearing silently, the same
// goroutine-supervision style room.Facade uses for its send/receive
// loops.
func (c *Connection) startKeepAlive() {
	c.eg.Go(func() error { return c.keepAliveLoop(c.egCtx) })
}

func (c *Connection) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	misses := 0
	lastTraffic := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.RLock()
			sess := c.session
			c.mu.RUnlock()
			if sess == nil {
				return nil
			}

			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.KeepAliveInterval)
			err := sess.Ping(pingCtx)
			cancel()

			if err != nil {
				misses++
				c.log.Warn("keep-alive miss", "misses", misses)
				if misses >= 2 {
					c.log.Warn("connection idle-suspect")
				}
			} else {
				misses = 0
				lastTraffic = time.Now()
			}

			if time.Since(lastTraffic) > c.cfg.MaxIdleTimeout {
				c.log.Warn("max idle timeout exceeded, closing connection")
				c.mu.Lock()
				c.state = stateClosed
				sess := c.session
				c.mu.Unlock()
				if sess != nil {
					_ = sess.Close()
				}
				return rtcerr.ErrTimeout
			}
		}
	}
}

// ValidatePath pings the current session within half the configured
// timeout and reports whether that session's remote address equals
// path.RemoteAddr. It does not open a probe on path itself.
func (c *Connection) ValidatePath(ctx context.Context, path NetworkPath) (bool, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return false, &rtcerr.TransportError{Reason: "no active session"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout/2)
	defer cancel()

	if err := sess.Ping(probeCtx); err != nil {
		return false, nil
	}
	return sess.LocalPath().RemoteAddr == path.RemoteAddr, nil
}

// MigrateTo performs the transactional migration spec.md §4.1
// describes: it requires a validated path, freezes outbound stream
// writes for the duration of the swap, dials the new path, replays
// every stream's unacknowledged writes onto it, and only then commits
// the new session and path. Any failure — dial or replay — restores
// the previous session/path exactly, so the connection's current path
// is never left inconsistent (spec.md §9 "Cancellation of
// migrations").
func (c *Connection) MigrateTo(ctx context.Context, path NetworkPath, dialer Dialer, endpoint string) error {
	ok, err := c.ValidatePath(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return rtcerr.ErrPathInvalid
	}

	c.writeGate.Lock() // freeze outbound stream writes
	defer c.writeGate.Unlock()

	c.mu.Lock()
	previousPath := c.currentPath
	previousSession := c.session
	c.state = stateMigrating
	c.mu.Unlock()

	restore := func() {
		c.mu.Lock()
		c.currentPath = previousPath
		c.session = previousSession
		c.state = stateEstablished
		c.mu.Unlock()
	}

	newSess, err := dialer.Dial(ctx, endpoint, c.cfg)
	if err != nil {
		restore()
		return fmt.Errorf("migrate: dial new path: %w", err)
	}

	if err := c.replayStreamsOnto(ctx, newSess); err != nil {
		restore()
		_ = newSess.Close()
		return fmt.Errorf("migrate: replay unacknowledged frames: %w", err)
	}

	c.mu.Lock()
	c.session = newSess
	c.currentPath = path
	c.state = stateEstablished
	c.mu.Unlock()

	c.metricsMu.Lock()
	c.metrics.MigrationEvents++
	c.metricsMu.Unlock()

	c.log.Info("migration complete", "path", path.RemoteAddr)
	_ = previousSession.Close()
	return nil
}

// replayStreamsOnto reopens every stream this Connection has handed
// out via OpenStream on newSess and rewrites each one's still-
// unacknowledged writes onto it, in order, preserving the
// (group_id, object_id) identity carried inside those bytes (spec.md
// scenario 6). It is called with writeGate held, so no new writes can
// race the swap.
func (c *Connection) replayStreamsOnto(ctx context.Context, newSess Session) error {
	c.streamsMu.Lock()
	targets := make([]*replayStream, 0, len(c.streams))
	for _, rs := range c.streams {
		targets = append(targets, rs)
	}
	c.streamsMu.Unlock()

	for _, rs := range targets {
		if err := rs.migrate(ctx, newSess); err != nil {
			return err
		}
	}
	return nil
}

// OpenStream opens a new stream of the requested kind. When migration
// is enabled the returned Stream is wrapped so MigrateTo can freeze,
// replay and transparently swap it onto a new path without the
// caller's held Stream value becoming stale (spec.md §4.1).
func (c *Connection) OpenStream(ctx context.Context, bidi bool) (Stream, error) {
	c.writeGate.RLock()
	defer c.writeGate.RUnlock()

	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return nil, &rtcerr.TransportError{Reason: "no active session"}
	}
	s, err := sess.OpenStream(ctx, bidi)
	if err != nil {
		return nil, err
	}
	if !c.cfg.EnableMigration {
		return s, nil
	}
	return c.wrapStream(s, bidi), nil
}

// wrapStream registers s under a new stream id so a later MigrateTo
// can find and replay it.
func (c *Connection) wrapStream(s Stream, bidi bool) *replayStream {
	c.streamsMu.Lock()
	c.nextStreamID++
	id := c.nextStreamID
	rs := &replayStream{conn: c, id: id, bidi: bidi, cur: s}
	c.streams[id] = rs
	c.streamsMu.Unlock()
	return rs
}

func (c *Connection) unregisterStream(id int64) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

// AcceptStream waits for the peer to open a stream.
func (c *Connection) AcceptStream(ctx context.Context) (Stream, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return nil, &rtcerr.TransportError{Reason: "no active session"}
	}
	return sess.AcceptStream(ctx)
}

// Metrics returns a point-in-time snapshot of connection metrics.
func (c *Connection) Metrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	failed := make(map[Mode]int64, len(c.metrics.FailedConnections))
	for k, v := range c.metrics.FailedConnections {
		failed[k] = v
	}
	return Metrics{
		ConnectionAttempts:    c.metrics.ConnectionAttempts,
		SuccessfulConnections: c.metrics.SuccessfulConnections,
		FailedConnections:     failed,
		MigrationEvents:       c.metrics.MigrationEvents,
		LastAttempt:           c.metrics.LastAttempt,
	}
}

// CurrentPath returns the connection's current network path.
func (c *Connection) CurrentPath() NetworkPath {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentPath
}

// CurrentMode returns the transport mode currently in use.
func (c *Connection) CurrentMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMode
}

// Close tears down the connection, stops keep-alive, and joins its
// background goroutines via c.eg.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	sess := c.session
	c.mu.Unlock()

	c.egCancel()
	waitErr := c.eg.Wait()

	var sessErr error
	if sess != nil {
		sessErr = sess.Close()
	}
	if sessErr != nil {
		return sessErr
	}
	return waitErr
}

// quicConfig builds the quic-go configuration used by the QuicNative
// dialer, following the teacher's server-side tuning
// (internal/distribution/server.go) for idle timeout and 0-RTT.
func quicConfig(cfg Config) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		Allow0RTT:       true,
		KeepAlivePeriod: cfg.KeepAliveInterval,
	}
}

// ReplayAcker lets a caller that knows a buffered write has been fully
// handed to the peer drop it from migration-replay tracking, so
// MigrateTo doesn't needlessly resend it. Streams returned by
// Connection.OpenStream implement it when cfg.EnableMigration is set.
type ReplayAcker interface {
	AckWrite()
}

// replayStream wraps a Stream opened via Connection.OpenStream so its
// writes can be buffered and replayed if MigrateTo swaps the
// underlying session before the peer has acknowledged them (spec.md
// §4.1 "Migration"). The first buffered write is kept resident for the
// stream's lifetime — room.Facade uses it for framing headers
// (wire.WriteStreamHeader), which must be resent whenever a stream is
// reopened on a new physical path regardless of ack state. AckWrite
// drops the oldest write after that.
type replayStream struct {
	conn *Connection
	id   int64
	bidi bool

	mu      sync.Mutex
	cur     Stream
	pending [][]byte
}

func (rs *replayStream) StreamID() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cur.StreamID()
}

func (rs *replayStream) Read(p []byte) (int, error) {
	rs.mu.Lock()
	cur := rs.cur
	rs.mu.Unlock()
	return cur.Read(p)
}

func (rs *replayStream) Write(p []byte) (int, error) {
	rs.conn.writeGate.RLock()
	defer rs.conn.writeGate.RUnlock()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	n, err := rs.cur.Write(p)
	if err != nil {
		return n, err
	}
	rs.pending = append(rs.pending, append([]byte(nil), p...))
	return n, nil
}

func (rs *replayStream) CancelRead(code uint64) {
	rs.mu.Lock()
	cur := rs.cur
	rs.mu.Unlock()
	cur.CancelRead(code)
}

func (rs *replayStream) Close() error {
	rs.conn.unregisterStream(rs.id)
	rs.mu.Lock()
	cur := rs.cur
	rs.mu.Unlock()
	return cur.Close()
}

// AckWrite drops the oldest un-acked write after the stream's header,
// once the caller has confirmed it was delivered.
func (rs *replayStream) AckWrite() {
	rs.mu.Lock()
	if len(rs.pending) > 1 {
		rs.pending = append(rs.pending[:1], rs.pending[2:]...)
	}
	rs.mu.Unlock()
}

// migrate reopens rs on newSess and rewrites every still-pending
// write onto it before swapping rs.cur, so a failed replay leaves rs
// bound to its original (about-to-be-discarded) stream.
func (rs *replayStream) migrate(ctx context.Context, newSess Session) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	newStream, err := newSess.OpenStream(ctx, rs.bidi)
	if err != nil {
		return fmt.Errorf("reopen stream %d on new path: %w", rs.id, err)
	}

	for _, w := range rs.pending {
		if _, err := newStream.Write(w); err != nil {
			return fmt.Errorf("replay write on stream %d: %w", rs.id, err)
		}
	}

	_ = rs.cur.Close()
	rs.cur = newStream
	return nil
}
