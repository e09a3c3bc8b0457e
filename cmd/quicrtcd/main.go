// Command quicrtcd is an example MoQ room server: it accepts inbound
// QUIC connections, binds each to a MoQ-over-QUIC Facade (the listening
// side of the SETUP handshake), publishes one demo track per peer, and
// logs the resulting session/track events. It is wiring, not policy —
// grounded on the teacher's cmd/prism/main.go shape (self-signed cert
// generation, envOr config overrides, errgroup-supervised goroutines,
// signal-driven shutdown), adapted from prism's SRT-ingest/
// WebTransport-distribution pipeline to this module's
// transport+session+room core.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/quicrtc/certs"
	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/room"
	"github.com/zsiec/quicrtc/transport"
)

var version = "dev"

// demoTrack is the namespace quicrtcd announces to every peer that
// connects, so a minimal client has something to subscribe to.
var demoTrack = object.TrackNamespace{Namespace: "demo-room", TrackName: "camera"}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	addr := envOr("QUICRTC_ADDR", ":4433")
	roomID := envOr("QUICRTC_ROOM", "demo")

	connCfg := transport.DefaultConfig()
	facadeCfg := room.DefaultConfig()

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{"moq-00"},
	}

	ln, err := transport.ListenQUIC(addr, tlsConf, connCfg)
	if err != nil {
		slog.Error("failed to start listener", "error", err)
		os.Exit(1)
	}

	slog.Info("quicrtcd listening",
		"version", version,
		"addr", ln.Addr(),
		"room", roomID,
		"cert_hash", cert.FingerprintBase64(),
	)

	srv := &server{
		listener:  ln,
		connCfg:   connCfg,
		facadeCfg: facadeCfg,
		log:       slog.Default().With("component", "quicrtcd"),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		return srv.acceptLoop(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// server accepts inbound peer connections and binds each to its own
// Facade, one per accepted QUIC connection, mirroring the
// "at-most-one session per peer pair" invariant the room package
// enforces for the dialing side.
type server struct {
	listener  *transport.Listener
	connCfg   transport.Config
	facadeCfg room.Config
	log       *slog.Logger
}

func (s *server) acceptLoop(ctx context.Context) error {
	for {
		sess, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		go s.handlePeer(ctx, sess)
	}
}

func (s *server) handlePeer(ctx context.Context, sess transport.Session) {
	conn := transport.NewFromSession(s.connCfg, s.log, transport.ModeQuicNative, sess)

	f, err := room.NewFacadeServer(ctx, conn, s.facadeCfg, s.log)
	if err != nil {
		s.log.Warn("bind facade failed", "err", err)
		_ = conn.Close()
		return
	}
	s.log.Info("peer session established", "remote", conn.CurrentPath().RemoteAddr)

	if _, err := f.PublishTrack(demoTrack, object.TrackVideo); err != nil {
		s.log.Warn("publish demo track failed", "err", err)
	}

	for e := range f.Events() {
		s.logEvent(conn.CurrentPath().RemoteAddr, e)
	}
}

func (s *server) logEvent(remote string, e room.Event) {
	switch e.Kind {
	case room.EventSessionEstablished:
		s.log.Info("session established", "remote", remote)
	case room.EventSubscriptionStarted:
		s.log.Info("subscription started", "remote", remote, "namespace", e.Namespace.Namespace, "track", e.Namespace.TrackName)
	case room.EventObjectReceived:
		s.log.Debug("object received", "remote", remote, "namespace", e.Namespace.Namespace, "group", e.Object.GroupID, "object", e.Object.ObjectID)
	case room.EventSessionClosed:
		s.log.Info("session closed", "remote", remote, "reason", e.Reason)
	case room.EventTrackReceived:
		s.log.Info("track announced", "remote", remote, "namespace", e.Namespace.Namespace)
	case room.EventPathMigrated:
		s.log.Info("path migrated", "remote", remote, "new_path", e.Reason)
	default:
		s.log.Debug("event", "remote", remote, "kind", fmt.Sprintf("%d", e.Kind))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
