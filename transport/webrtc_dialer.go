package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Signaler exchanges a local SDP offer for a remote SDP answer. The
// core never discovers peers or forwards SDP itself (spec.md §1); a
// signaling collaborator (outside this module) implements Signaler on
// top of whatever offer/answer transport it owns.
type Signaler interface {
	Exchange(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// WebRtcDialer dials the WebRtcCompat fallback mode: SCTP-over-DTLS
// data channels carrying the same MoQ objects as the native modes.
// Grounded on the PeerConnection/DataChannel usage seen in the
// retrieval pack's WebRTC-based media servers (mediamtx, the voice-ai
// streamer), restructured around data channels as multiplexed streams
// rather than RTP media tracks.
type WebRtcDialer struct {
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
}

func (WebRtcDialer) Mode() Mode { return ModeWebRtcCompat }

func (d WebRtcDialer) Dial(ctx context.Context, endpoint string, cfg Config) (Session, error) {
	if d.Signaler == nil {
		return nil, fmt.Errorf("webrtc dial: no signaler configured")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: d.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("webrtc new peer connection: %w", err)
	}

	sess := &webrtcSession{
		pc:       pc,
		channels: make(map[string]*webrtcStream),
		accepted: make(chan *webrtcStream, 16),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		sess.wrapIncoming(dc)
	})

	ordered := true
	controlDC, err := pc.CreateDataChannel("moq-control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc create control channel: %w", err)
	}
	sess.wrapOutgoing(controlDC)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc set local description: %w", err)
	}

	answer, err := d.Signaler.Exchange(ctx, offer)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc signaling exchange: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc set remote description: %w", err)
	}

	return sess, nil
}

// webrtcSession treats each DataChannel as one logical stream rather
// than multiplexing many logical streams over one channel, since
// data channels are already cheap and independently ordered.
type webrtcSession struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[string]*webrtcStream
	accepted chan *webrtcStream

	nextID atomic.Uint64
}

func (s *webrtcSession) wrapOutgoing(dc *webrtc.DataChannel) *webrtcStream {
	st := &webrtcStream{dc: dc, in: make(chan []byte, 64)}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case st.in <- msg.Data:
		default:
		}
	})
	s.mu.Lock()
	s.channels[dc.Label()] = st
	s.mu.Unlock()
	return st
}

func (s *webrtcSession) wrapIncoming(dc *webrtc.DataChannel) {
	st := s.wrapOutgoing(dc)
	select {
	case s.accepted <- st:
	default:
	}
}

func (s *webrtcSession) OpenStream(ctx context.Context, bidi bool) (Stream, error) {
	ordered := true
	label := fmt.Sprintf("moq-stream-%d", s.nextID.Add(1))
	dc, err := s.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("webrtc open stream: %w", err)
	}
	return s.wrapOutgoing(dc), nil
}

func (s *webrtcSession) AcceptStream(ctx context.Context) (Stream, error) {
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

func (s *webrtcSession) Ping(ctx context.Context) error {
	state := s.pc.ConnectionState()
	if state != webrtc.PeerConnectionStateConnected {
		return fmt.Errorf("webrtc: peer connection state %s", state)
	}
	return nil
}

func (s *webrtcSession) LocalPath() NetworkPath {
	var local, remote string
	if pair, err := s.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair(); err == nil && pair != nil {
		local = pair.Local.String()
		remote = pair.Remote.String()
	}
	return NetworkPath{LocalAddr: local, RemoteAddr: remote}
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}

// webrtcStream adapts a single DataChannel to the Stream interface.
type webrtcStream struct {
	dc      *webrtc.DataChannel
	in      chan []byte
	pending []byte
}

func (s *webrtcStream) StreamID() int64 {
	if id := s.dc.ID(); id != nil {
		return int64(*id)
	}
	return -1
}

func (s *webrtcStream) Read(p []byte) (int, error) {
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

func (s *webrtcStream) Write(p []byte) (int, error) {
	if err := s.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *webrtcStream) Close() error {
	return s.dc.Close()
}

func (s *webrtcStream) CancelRead(code uint64) {
	close(s.in)
}
