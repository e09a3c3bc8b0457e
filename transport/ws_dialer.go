package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the QuicOverWebSocket fallback mode: a wss://
// connection carrying stream-id-prefixed, stream-multiplexed frames in
// place of native QUIC streams. Grounded on the gorilla/websocket
// dial/read/write patterns used elsewhere in the retrieval pack (a
// tunnel server's client/server websocket framing).
type WebSocketDialer struct {
	TLSConfig *tls.Config
}

func (WebSocketDialer) Mode() Mode { return ModeQuicOverWebSocket }

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, cfg Config) (Session, error) {
	u := url.URL{Scheme: "wss", Host: endpoint, Path: "/moq"}

	dialer := websocket.Dialer{
		TLSClientConfig:  d.TLSConfig,
		HandshakeTimeout: cfg.Timeout,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}

	sess := &wsSession{
		conn:     conn,
		inbound:  make(map[uint64]chan []byte),
		accepted: make(chan *wsStream, 16),
	}
	go sess.readLoop()
	return sess, nil
}

// wsSession multiplexes logical streams over a single websocket
// connection. Every message on the wire is
// [stream_id (uint64 BE)] [payload], so a single read loop can demux
// to the right logical stream's inbound channel.
type wsSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu       sync.Mutex
	inbound  map[uint64]chan []byte
	accepted chan *wsStream

	closed atomic.Bool
}

func (s *wsSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closed.Store(true)
			s.mu.Lock()
			for _, ch := range s.inbound {
				close(ch)
			}
			s.mu.Unlock()
			close(s.accepted)
			return
		}
		if len(data) < 8 {
			continue
		}
		id := binary.BigEndian.Uint64(data[:8])
		payload := data[8:]

		s.mu.Lock()
		ch, ok := s.inbound[id]
		if !ok {
			ch = make(chan []byte, 64)
			s.inbound[id] = ch
			st := &wsStream{id: id, session: s, in: ch}
			s.mu.Unlock()
			select {
			case s.accepted <- st:
			default:
			}
		} else {
			s.mu.Unlock()
		}
		select {
		case ch <- payload:
		default:
		}
	}
}

func (s *wsSession) writeFrame(id uint64, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], id)
	copy(buf[8:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *wsSession) OpenStream(ctx context.Context, bidi bool) (Stream, error) {
	id := s.nextID.Add(1)
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.inbound[id] = ch
	s.mu.Unlock()
	return &wsStream{id: id, session: s, in: ch}, nil
}

func (s *wsSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st, ok := <-s.accepted:
		if !ok {
			return nil, io.EOF
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *wsSession) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (s *wsSession) LocalPath() NetworkPath {
	return NetworkPath{
		LocalAddr:  s.conn.LocalAddr().String(),
		RemoteAddr: s.conn.RemoteAddr().String(),
	}
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}

// wsStream is one logical multiplexed stream over a wsSession.
type wsStream struct {
	id      uint64
	session *wsSession
	in      chan []byte
	pending []byte
}

func (s *wsStream) StreamID() int64 { return int64(s.id) }

func (s *wsStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		data, ok := <-s.in
		if !ok {
			return 0, io.EOF
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.session.writeFrame(s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.session.mu.Lock()
	delete(s.session.inbound, s.id)
	s.session.mu.Unlock()
	return nil
}

func (s *wsStream) CancelRead(code uint64) {
	s.session.mu.Lock()
	delete(s.session.inbound, s.id)
	s.session.mu.Unlock()
}
