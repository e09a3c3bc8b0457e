package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
)

// QuicDialer dials the QuicNative mode: plain UDP QUIC v1. Grounded on
// the teacher's quic.Config wiring in internal/distribution/server.go,
// adapted from server-side Listen to client-side Dial.
type QuicDialer struct {
	TLSConfig *tls.Config
}

func (QuicDialer) Mode() Mode { return ModeQuicNative }

func (d QuicDialer) Dial(ctx context.Context, endpoint string, cfg Config) (Session, error) {
	tlsConf := d.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{NextProtos: []string{"moq-00"}, InsecureSkipVerify: true}
	}

	conn, err := quic.DialAddr(ctx, endpoint, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", endpoint, err)
	}
	return &quicSession{conn: conn}, nil
}

// Listener accepts inbound QuicNative connections for the listening
// side of an exchange (a room server accepting peers). Grounded on the
// teacher's quic.ListenAddr/Accept usage in
// internal/distribution/server.go, adapted from HTTP/3-over-WebTransport
// to a raw QUIC accept loop handing each connection to Connection via
// NewFromSession.
type Listener struct {
	ln *quic.Listener
}

// ListenQUIC opens a QuicNative listener on addr.
func ListenQUIC(addr string, tlsConf *tls.Config, cfg Config) (*Listener, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{NextProtos: []string{"moq-00"}}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection and wraps it as a
// Session, ready to be bound into a Connection via NewFromSession.
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept: %w", err)
	}
	return &quicSession{conn: conn}, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ln.Close() }

type quicSession struct {
	conn *quic.Conn
}

func (s *quicSession) OpenStream(ctx context.Context, bidi bool) (Stream, error) {
	if bidi {
		st, err := s.conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, err
		}
		return &quicStream{stream: st}, nil
	}
	st, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicUniSendStream{stream: st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: st}, nil
}

// Ping reports whether the underlying connection is still alive.
// quic-go's own keep-alive (KeepAlivePeriod) maintains the path; this
// surfaces that liveness to Connection's application-level monitor.
func (s *quicSession) Ping(ctx context.Context) error {
	select {
	case <-s.conn.Context().Done():
		return s.conn.Context().Err()
	default:
		return nil
	}
}

func (s *quicSession) LocalPath() NetworkPath {
	return NetworkPath{
		LocalAddr:  s.conn.LocalAddr().String(),
		RemoteAddr: s.conn.RemoteAddr().String(),
	}
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(0, "connection closed")
}

type quicStream struct {
	stream *quic.Stream
}

func (s *quicStream) StreamID() int64             { return int64(s.stream.StreamID()) }
func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) Close() error                { return s.stream.Close() }
func (s *quicStream) CancelRead(code uint64)      { s.stream.CancelRead(quic.StreamErrorCode(code)) }

// quicUniSendStream wraps a send-only stream; reads are not supported.
type quicUniSendStream struct {
	stream *quic.SendStream
}

func (s *quicUniSendStream) StreamID() int64 { return int64(s.stream.StreamID()) }
func (s *quicUniSendStream) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("transport: read on unidirectional send stream")
}
func (s *quicUniSendStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicUniSendStream) Close() error                { return s.stream.Close() }
func (s *quicUniSendStream) CancelRead(code uint64)      {}
