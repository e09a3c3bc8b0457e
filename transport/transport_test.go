package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/quicrtc/rtcerr"
)

// fakeSession is a minimal in-memory Session for exercising Connection
// without a real network.
type fakeSession struct {
	path     NetworkPath
	pingErr  error
	closed   bool
	closedCh chan struct{}

	mu     sync.Mutex
	opened []*fakeStream
}

func newFakeSession(path NetworkPath) *fakeSession {
	return &fakeSession{path: path, closedCh: make(chan struct{})}
}

func (s *fakeSession) OpenStream(ctx context.Context, bidi bool) (Stream, error) {
	st := &fakeStream{}
	s.mu.Lock()
	s.opened = append(s.opened, st)
	s.mu.Unlock()
	return st, nil
}
func (s *fakeSession) AcceptStream(ctx context.Context) (Stream, error) { return nil, nil }
func (s *fakeSession) Ping(ctx context.Context) error                   { return s.pingErr }
func (s *fakeSession) LocalPath() NetworkPath                           { return s.path }
func (s *fakeSession) Close() error {
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

// fakeStream is a minimal in-memory Stream that records every Write
// call's payload, so tests can assert on what a replayStream sent
// after a migration.
type fakeStream struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (s *fakeStream) StreamID() int64            { return 1 }
func (s *fakeStream) Read(p []byte) (int, error) { return 0, io.EOF }
func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("fakeStream: write on closed stream")
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}
func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
func (s *fakeStream) CancelRead(code uint64) {}

// fakeDialer always fails or always succeeds, for a given Mode.
type fakeDialer struct {
	mode    Mode
	fail    bool
	session *fakeSession
}

func (d *fakeDialer) Mode() Mode { return d.mode }

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, cfg Config) (Session, error) {
	if d.fail {
		return nil, fmt.Errorf("fakeDialer: simulated failure for %s", d.mode)
	}
	if d.session == nil {
		d.session = newFakeSession(NetworkPath{LocalAddr: "local", RemoteAddr: endpoint})
	}
	return d.session, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEstablishWithFallbackSucceedsOnSecondMode(t *testing.T) {
	t.Parallel()

	native := &fakeDialer{mode: ModeQuicNative, fail: true}
	ws := &fakeDialer{mode: ModeQuicOverWebSocket, fail: false}

	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	conn := New(cfg, silentLogger(), native, ws)
	conn.cfg.KeepAlive = false

	if err := conn.EstablishWithFallback(context.Background(), "peer:4433"); err != nil {
		t.Fatalf("EstablishWithFallback: %v", err)
	}
	if conn.CurrentMode() != ModeQuicOverWebSocket {
		t.Errorf("CurrentMode() = %v, want ModeQuicOverWebSocket", conn.CurrentMode())
	}

	m := conn.Metrics()
	if m.SuccessfulConnections != 1 {
		t.Errorf("SuccessfulConnections = %d, want 1", m.SuccessfulConnections)
	}
	if m.FailedConnections[ModeQuicNative] != 1 {
		t.Errorf("FailedConnections[native] = %d, want 1", m.FailedConnections[ModeQuicNative])
	}
}

func TestEstablishWithFallbackExhaustionScenario(t *testing.T) {
	t.Parallel()

	native := &fakeDialer{mode: ModeQuicNative, fail: true}
	ws := &fakeDialer{mode: ModeQuicOverWebSocket, fail: true}
	webrtc := &fakeDialer{mode: ModeWebRtcCompat, fail: true}

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxAttempts = 1
	conn := New(cfg, silentLogger(), native, ws, webrtc)

	err := conn.EstablishWithFallback(context.Background(), "unreachable:4433")
	if err == nil {
		t.Fatal("expected error after exhausting all modes")
	}

	var connErr *rtcerr.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *rtcerr.ConnectionError, got %T: %v", err, err)
	}
	if connErr.Reason != "all modes exhausted" {
		t.Errorf("Reason = %q, want %q", connErr.Reason, "all modes exhausted")
	}
	if connErr.RetryIn == nil || *connErr.RetryIn != time.Second {
		t.Errorf("RetryIn = %v, want 1s", connErr.RetryIn)
	}

	m := conn.Metrics()
	if m.ConnectionAttempts != 3 {
		t.Errorf("ConnectionAttempts = %d, want 3 (one per mode)", m.ConnectionAttempts)
	}
}

func TestNetworkPathEquality(t *testing.T) {
	t.Parallel()

	a := NetworkPath{LocalAddr: "10.0.0.1:1", RemoteAddr: "10.0.0.2:2", InterfaceName: "wlan0", MTU: 1500}
	b := NetworkPath{LocalAddr: "10.0.0.1:1", RemoteAddr: "10.0.0.2:2", InterfaceName: "wlan0", MTU: 1400}
	if !a.Equal(b) {
		t.Error("expected paths with differing MTU only to be equal")
	}

	c := NetworkPath{LocalAddr: "10.0.0.1:1", RemoteAddr: "10.0.0.2:2", InterfaceName: "rmnet0", MTU: 1500}
	if a.Equal(c) {
		t.Error("expected paths with differing interface to be unequal")
	}
}

func TestMigrateToRestoresOnFailure(t *testing.T) {
	t.Parallel()

	original := newFakeSession(NetworkPath{LocalAddr: "l1", RemoteAddr: "wifi-peer"})
	native := &fakeDialer{mode: ModeQuicNative, session: original}

	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	conn := New(cfg, silentLogger(), native)
	if err := conn.EstablishWithFallback(context.Background(), "wifi-peer"); err != nil {
		t.Fatalf("EstablishWithFallback: %v", err)
	}

	failing := &fakeDialer{mode: ModeQuicNative, fail: true}
	err := conn.MigrateTo(context.Background(), NetworkPath{RemoteAddr: "wifi-peer"}, failing, "cellular-peer")
	if err == nil {
		t.Fatal("expected migration dial failure to propagate")
	}
	if conn.CurrentPath().RemoteAddr != "wifi-peer" {
		t.Errorf("CurrentPath after failed migration = %+v, want unchanged", conn.CurrentPath())
	}
	if conn.Metrics().MigrationEvents != 0 {
		t.Errorf("MigrationEvents = %d, want 0 after failed migration", conn.Metrics().MigrationEvents)
	}
}

func TestMigrateToSucceeds(t *testing.T) {
	t.Parallel()

	original := newFakeSession(NetworkPath{LocalAddr: "l1", RemoteAddr: "wifi-peer"})
	native := &fakeDialer{mode: ModeQuicNative, session: original}

	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	conn := New(cfg, silentLogger(), native)
	if err := conn.EstablishWithFallback(context.Background(), "wifi-peer"); err != nil {
		t.Fatalf("EstablishWithFallback: %v", err)
	}

	newSess := newFakeSession(NetworkPath{LocalAddr: "l2", RemoteAddr: "wifi-peer"})
	migrateDialer := &fakeDialer{mode: ModeQuicNative, session: newSess}

	if err := conn.MigrateTo(context.Background(), NetworkPath{RemoteAddr: "wifi-peer"}, migrateDialer, "wifi-peer"); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	if conn.Metrics().MigrationEvents != 1 {
		t.Errorf("MigrationEvents = %d, want 1", conn.Metrics().MigrationEvents)
	}
	if conn.CurrentPath().LocalAddr != "l2" {
		t.Errorf("CurrentPath.LocalAddr = %q, want %q", conn.CurrentPath().LocalAddr, "l2")
	}
	select {
	case <-original.closedCh:
	default:
		t.Error("expected previous session to be closed after successful migration")
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()

	tests := map[Mode]string{
		ModeQuicNative:        "quic_native",
		ModeQuicOverWebSocket: "quic_over_websocket",
		ModeWebRtcCompat:      "webrtc_compat",
		Mode(99):              "unknown",
	}
	for mode, want := range tests {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

func TestNewFromSessionSkipsFallbackLadder(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(NetworkPath{LocalAddr: "local", RemoteAddr: "remote"})
	cfg := DefaultConfig()
	cfg.KeepAlive = false

	conn := NewFromSession(cfg, silentLogger(), ModeQuicNative, sess)
	defer conn.Close()

	if conn.CurrentMode() != ModeQuicNative {
		t.Errorf("CurrentMode() = %v, want ModeQuicNative", conn.CurrentMode())
	}
	if conn.CurrentPath() != sess.path {
		t.Errorf("CurrentPath() = %+v, want %+v", conn.CurrentPath(), sess.path)
	}
	m := conn.Metrics()
	if m.SuccessfulConnections != 1 {
		t.Errorf("SuccessfulConnections = %d, want 1", m.SuccessfulConnections)
	}
}

func TestMigrateToReplaysUnacknowledgedWrites(t *testing.T) {
	t.Parallel()

	oldSess := newFakeSession(NetworkPath{LocalAddr: "l1", RemoteAddr: "peer"})
	native := &fakeDialer{mode: ModeQuicNative, session: oldSess}

	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	conn := New(cfg, silentLogger(), native)
	if err := conn.EstablishWithFallback(context.Background(), "peer"); err != nil {
		t.Fatalf("EstablishWithFallback: %v", err)
	}

	st, err := conn.OpenStream(context.Background(), false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	objects := [][]byte{[]byte("object-1"), []byte("object-2"), []byte("object-3")}
	for _, o := range objects {
		if _, err := st.Write(o); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// None of the three writes have been acknowledged: no AckWrite call.

	newSess := newFakeSession(NetworkPath{LocalAddr: "l2", RemoteAddr: "peer"})
	migrateDialer := &fakeDialer{mode: ModeQuicNative, session: newSess}

	if err := conn.MigrateTo(context.Background(), NetworkPath{RemoteAddr: "peer"}, migrateDialer, "peer"); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	if conn.Metrics().MigrationEvents != 1 {
		t.Fatalf("MigrationEvents = %d, want 1", conn.Metrics().MigrationEvents)
	}

	newSess.mu.Lock()
	defer newSess.mu.Unlock()
	if len(newSess.opened) != 1 {
		t.Fatalf("expected one stream reopened on the new session, got %d", len(newSess.opened))
	}
	replayed := newSess.opened[0].writes
	if len(replayed) != len(objects) {
		t.Fatalf("replayed %d writes, want %d", len(replayed), len(objects))
	}
	for i, want := range objects {
		if string(replayed[i]) != string(want) {
			t.Errorf("replayed[%d] = %q, want %q", i, replayed[i], want)
		}
	}
}

func TestMigrateToDropsAcknowledgedWrites(t *testing.T) {
	t.Parallel()

	oldSess := newFakeSession(NetworkPath{LocalAddr: "l1", RemoteAddr: "peer"})
	native := &fakeDialer{mode: ModeQuicNative, session: oldSess}

	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	conn := New(cfg, silentLogger(), native)
	if err := conn.EstablishWithFallback(context.Background(), "peer"); err != nil {
		t.Fatalf("EstablishWithFallback: %v", err)
	}

	st, err := conn.OpenStream(context.Background(), false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	ra, ok := st.(ReplayAcker)
	if !ok {
		t.Fatal("OpenStream result does not implement ReplayAcker")
	}

	if _, err := st.Write([]byte("header")); err != nil {
		t.Fatalf("Write header: %v", err)
	}
	if _, err := st.Write([]byte("object-1")); err != nil {
		t.Fatalf("Write object-1: %v", err)
	}
	ra.AckWrite() // object-1 delivered; the header must stay pending.
	if _, err := st.Write([]byte("object-2")); err != nil {
		t.Fatalf("Write object-2: %v", err)
	}

	newSess := newFakeSession(NetworkPath{LocalAddr: "l2", RemoteAddr: "peer"})
	migrateDialer := &fakeDialer{mode: ModeQuicNative, session: newSess}
	if err := conn.MigrateTo(context.Background(), NetworkPath{RemoteAddr: "peer"}, migrateDialer, "peer"); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}

	newSess.mu.Lock()
	defer newSess.mu.Unlock()
	replayed := newSess.opened[0].writes
	want := []string{"header", "object-2"}
	if len(replayed) != len(want) {
		t.Fatalf("replayed %d writes, want %d (%v)", len(replayed), len(want), want)
	}
	for i, w := range want {
		if string(replayed[i]) != w {
			t.Errorf("replayed[%d] = %q, want %q", i, replayed[i], w)
		}
	}
}

func TestNewFromSessionClose(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(NetworkPath{LocalAddr: "local", RemoteAddr: "remote"})
	cfg := DefaultConfig()
	cfg.KeepAlive = false

	conn := NewFromSession(cfg, silentLogger(), ModeQuicNative, sess)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sess.closedCh:
	default:
		t.Error("expected underlying session to be closed")
	}
}
