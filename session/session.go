// Package session implements the MoQ Session (spec.md §4.3): the
// protocol state machine above the Stream Manager — handshake,
// capability negotiation, SUBSCRIBE/ANNOUNCE semantics, object
// framing, and teardown. Grounded on the teacher's MoQSession
// (internal/distribution/moq_session.go): a control-stream read loop
// dispatching on message type, a mutex-guarded subscription map, and a
// GOAWAY-on-shutdown Run loop — generalized from prism's one hardcoded
// stream-key namespace to the spec's namespace/alias/filter model, and
// wired to this module's wire/cache/queue/stream packages instead of
// prism's media/webtransport types.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/quicrtc/cache"
	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/queue"
	"github.com/zsiec/quicrtc/rtcerr"
	"github.com/zsiec/quicrtc/stream"
	"github.com/zsiec/quicrtc/wire"
)

// State is the session's position in its handshake/lifecycle state
// machine (spec.md §4.3).
type State int

const (
	StateInit State = iota
	StateSetup
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSetup:
		return "setup"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SupportedVersions lists the MoQ draft versions this session can
// negotiate, highest first.
var SupportedVersions = []uint64{0x1}

// ControlStream is the minimal surface the session needs from a
// transport-provided control stream.
type ControlStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// trackSub is a subscriber-side binding plus the goroutine state
// driving its object delivery.
type trackSub struct {
	sub    object.Subscription
	cancel context.CancelFunc
}

// trackPub is a publisher-side registration for a track this session
// advertised via ANNOUNCE.
type trackPub struct {
	track object.MoqTrack
}

// subscribeResult is delivered to a pending Subscribe call by ReadLoop
// once the matching SUBSCRIBE_OK or SUBSCRIBE_ERROR arrives.
type subscribeResult struct {
	alias object.TrackAlias
	err   error
}

// Config configures a Session's dependencies.
type Config struct {
	Role            wire.Role
	MaxSubscribeID  uint64
	ObjectCacheHint bool
	IngressWindow   uint64 // gap window for out-of-order ingress buffering
}

// Session is the MoQ protocol state machine bound to one control
// stream, backed by an Object Cache, Delivery Queue, and Stream
// Manager.
type Session struct {
	id  string
	log *slog.Logger
	cfg Config

	control       ControlStream
	controlReader *bufio.Reader
	controlMu     sync.Mutex

	streams *stream.Manager
	cache   *cache.Cache
	egress  *queue.Queue

	mu              sync.RWMutex
	state           State
	negotiatedVer   uint64
	subscriptions   map[uint64]*trackSub // keyed by alias
	publishedTracks map[object.TrackNamespace]*trackPub
	nextAlias       atomic.Uint64
	nextRequestID   atomic.Uint64
	pendingSubs     map[uint64]chan subscribeResult // keyed by request ID

	// OnSubscribe, OnUnsubscribe, OnAnnounce and OnGoAway are invoked by
	// ReadLoop for control messages it cannot resolve on its own — an
	// incoming SUBSCRIBE needs the caller's publish bookkeeping to know
	// whether content exists, so the session only demultiplexes the
	// wire and leaves policy to whoever sets these. Unset hooks get a
	// safe default (SUBSCRIBE is rejected, the rest are ignored).
	OnSubscribe   func(wire.Subscribe)
	OnUnsubscribe func(wire.Unsubscribe)
	OnAnnounce    func(wire.Announce)
	OnGoAway      func(wire.GoAway)

	closed atomic.Bool
}

// New creates a Session bound to a control stream and the three core
// components it drives.
func New(id string, control ControlStream, streams *stream.Manager, objCache *cache.Cache, egress *queue.Queue, cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:              id,
		log:             log.With("component", "moq-session", "session", id),
		cfg:             cfg,
		control:         control,
		controlReader:   bufio.NewReader(control),
		streams:         streams,
		cache:           objCache,
		egress:          egress,
		state:           StateInit,
		subscriptions:   make(map[uint64]*trackSub),
		publishedTracks: make(map[object.TrackNamespace]*trackPub),
		pendingSubs:     make(map[uint64]chan subscribeResult),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SetupAsClient sends SETUP and awaits the server's SETUP_OK, moving
// Init -> Setup -> Established on success.
func (s *Session) SetupAsClient(ctx context.Context) error {
	s.setState(StateSetup)

	setup := wire.Setup{
		Versions:        SupportedVersions,
		Role:            s.cfg.Role,
		MaxSubscribeID:  s.cfg.MaxSubscribeID,
		ObjectCacheHint: s.cfg.ObjectCacheHint,
	}
	if err := s.writeControl(wire.MsgSetup, wire.SerializeSetup(setup)); err != nil {
		return fmt.Errorf("session: write SETUP: %w", err)
	}

	msgType, payload, err := wire.ReadControlMsg(s.controlReader)
	if err != nil {
		return fmt.Errorf("session: read SETUP_OK: %w", err)
	}
	if msgType != wire.MsgSetupOK {
		s.setState(StateClosed)
		return &rtcerr.ProtocolError{Reason: fmt.Sprintf("expected SETUP_OK, got %#x", msgType)}
	}
	so, err := wire.ParseSetupOK(payload)
	if err != nil {
		return fmt.Errorf("session: parse SETUP_OK: %w", err)
	}

	s.mu.Lock()
	s.negotiatedVer = so.SelectedVersion
	s.state = StateEstablished
	s.mu.Unlock()
	return nil
}

// SetupAsServer awaits CLIENT_SETUP and replies with SETUP_OK, picking
// the highest common version.
func (s *Session) SetupAsServer(ctx context.Context) error {
	s.setState(StateSetup)

	msgType, payload, err := wire.ReadControlMsg(s.controlReader)
	if err != nil {
		return fmt.Errorf("session: read SETUP: %w", err)
	}
	if msgType != wire.MsgSetup {
		s.setState(StateClosed)
		return &rtcerr.ProtocolError{Reason: fmt.Sprintf("expected SETUP, got %#x", msgType)}
	}
	cs, err := wire.ParseSetup(payload)
	if err != nil {
		return fmt.Errorf("session: parse SETUP: %w", err)
	}

	common := highestCommonVersion(cs.Versions, SupportedVersions)
	if common == 0 {
		s.setState(StateClosed)
		return rtcerr.ErrVersionMismatch
	}

	so := wire.SetupOK{SelectedVersion: common, Role: s.cfg.Role, MaxSubscribeID: s.cfg.MaxSubscribeID}
	if err := s.writeControl(wire.MsgSetupOK, wire.SerializeSetupOK(so)); err != nil {
		return fmt.Errorf("session: write SETUP_OK: %w", err)
	}

	s.mu.Lock()
	s.negotiatedVer = common
	s.state = StateEstablished
	s.mu.Unlock()
	return nil
}

func highestCommonVersion(offered, supported []uint64) uint64 {
	supportedSet := make(map[uint64]bool, len(supported))
	for _, v := range supported {
		supportedSet[v] = true
	}
	var best uint64
	for _, v := range offered {
		if supportedSet[v] && v > best {
			best = v
		}
	}
	return best
}

func (s *Session) writeControl(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return wire.WriteControlMsg(s.control, msgType, payload)
}

// Subscribe sends a SUBSCRIBE for ns and awaits SUBSCRIBE_OK or
// SUBSCRIBE_ERROR. Duplicate aliases are rejected by the remote peer's
// own bookkeeping, per spec.md §4.3.
//
// The response is delivered by ReadLoop rather than read inline here:
// a PubSub-role session's single control stream also carries incoming
// SUBSCRIBE requests addressed to this side, and only one goroutine
// may read a control stream at a time. Callers must be running
// ReadLoop concurrently, or this blocks until ctx is done.
func (s *Session) Subscribe(ctx context.Context, ns object.TrackNamespace, filter object.Filter, priority uint8) (object.TrackAlias, error) {
	if s.State() != StateEstablished {
		return 0, &rtcerr.ProtocolError{Reason: "subscribe before session established"}
	}

	reqID := s.nextRequestID.Add(1)
	resultCh := make(chan subscribeResult, 1)
	s.mu.Lock()
	s.pendingSubs[reqID] = resultCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingSubs, reqID)
		s.mu.Unlock()
	}()

	msg := wire.Subscribe{
		RequestID:  reqID,
		Namespace:  ns.Namespace,
		TrackName:  ns.TrackName,
		Priority:   priority,
		FilterType: filterTypeToWire(filter.Type),
		StartGroup: filter.StartGroup,
		StartObj:   filter.StartObj,
		EndGroup:   filter.EndGroup,
	}
	if err := s.writeControl(wire.MsgSubscribe, wire.SerializeSubscribe(msg)); err != nil {
		return 0, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return 0, res.err
		}
		s.mu.Lock()
		s.subscriptions[uint64(res.alias)] = &trackSub{sub: object.Subscription{
			TrackNamespace: ns,
			Alias:          res.alias,
			State:          object.SubscriptionActive,
			Filter:         filter,
		}}
		s.mu.Unlock()
		return res.alias, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadLoop is the session's single control-stream reader: it
// demultiplexes every incoming message, resolving outstanding
// Subscribe calls by request ID and routing unsolicited messages (an
// inbound SUBSCRIBE, ANNOUNCE, UNSUBSCRIBE, GOAWAY) to the matching
// On* hook. It returns when the control stream errors, a GOAWAY is
// received, or ctx is cancelled. Exactly one goroutine should run
// ReadLoop for a given Session; SetupAsClient/SetupAsServer must
// complete before it starts, since they read the handshake inline.
func (s *Session) ReadLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, payload, err := wire.ReadControlMsg(s.controlReader)
		if err != nil {
			return err
		}

		switch msgType {
		case wire.MsgSubscribeOK:
			ok, err := wire.ParseSubscribeOK(payload)
			if err != nil {
				s.log.Warn("parse SUBSCRIBE_OK failed", "err", err)
				continue
			}
			s.resolveSubscribe(ok.RequestID, subscribeResult{alias: object.TrackAlias(ok.TrackAlias)})

		case wire.MsgSubscribeError:
			se, err := wire.ParseSubscribeError(payload)
			if err != nil {
				s.log.Warn("parse SUBSCRIBE_ERROR failed", "err", err)
				continue
			}
			s.resolveSubscribe(se.RequestID, subscribeResult{err: fmt.Errorf("session: subscribe error %d: %s", se.ErrorCode, se.ReasonPhrase)})

		case wire.MsgSubscribe:
			msg, err := wire.ParseSubscribe(payload)
			if err != nil {
				s.log.Warn("parse SUBSCRIBE failed", "err", err)
				continue
			}
			if s.OnSubscribe != nil {
				s.OnSubscribe(msg)
			} else {
				_ = s.RejectSubscribe(msg, 500, "no publisher registered")
			}

		case wire.MsgUnsubscribe:
			u, err := wire.ParseUnsubscribe(payload)
			if err != nil {
				s.log.Warn("parse UNSUBSCRIBE failed", "err", err)
				continue
			}
			if s.OnUnsubscribe != nil {
				s.OnUnsubscribe(u)
			}

		case wire.MsgAnnounce:
			a, err := wire.ParseAnnounce(payload)
			if err != nil {
				s.log.Warn("parse ANNOUNCE failed", "err", err)
				continue
			}
			if s.OnAnnounce != nil {
				s.OnAnnounce(a)
			}

		case wire.MsgAnnounceOK:
			// Acknowledgement of our own ANNOUNCE; nothing to do.

		case wire.MsgPing:
			_ = s.writeControl(wire.MsgPong, nil)

		case wire.MsgPong:
			// Protocol-level liveness reply; the Transport Connection
			// handles connection-level keep-alive separately.

		case wire.MsgGoAway:
			ga, err := wire.ParseGoAway(payload)
			if err != nil {
				ga = wire.GoAway{}
			}
			if s.OnGoAway != nil {
				s.OnGoAway(ga)
			}
			return nil

		default:
			s.log.Warn("unexpected control message", "type", msgType)
		}
	}
}

func (s *Session) resolveSubscribe(reqID uint64, res subscribeResult) {
	s.mu.Lock()
	ch, ok := s.pendingSubs[reqID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func filterTypeToWire(t object.FilterType) uint64 {
	switch t {
	case object.FilterAbsoluteRange:
		return wire.FilterAbsoluteRange
	case object.FilterLatestObject:
		return wire.FilterLatestObject
	default:
		return wire.FilterLatestGroup
	}
}

// Unsubscribe ends a subscription identified by alias.
func (s *Session) Unsubscribe(alias object.TrackAlias) error {
	s.mu.Lock()
	ts, ok := s.subscriptions[uint64(alias)]
	if ok {
		ts.sub.State = object.SubscriptionEnded
		delete(s.subscriptions, uint64(alias))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown subscription alias %d", alias)
	}
	return s.writeControl(wire.MsgUnsubscribe, wire.SerializeUnsubscribe(wire.Unsubscribe{RequestID: uint64(alias)}))
}

// AcceptSubscribe handles an incoming SUBSCRIBE on the publisher side:
// it allocates an alias, responds with SUBSCRIBE_OK, and registers the
// subscription. Callers (the room/facade layer) supply whether content
// already exists for the requested track.
func (s *Session) AcceptSubscribe(msg wire.Subscribe, contentExists bool, largestGroup, largestObj uint64) (object.TrackAlias, error) {
	alias := object.TrackAlias(s.nextAlias.Add(1))

	ok := wire.SubscribeOK{
		RequestID:     msg.RequestID,
		TrackAlias:    uint64(alias),
		ContentExists: contentExists,
		LargestGroup:  largestGroup,
		LargestObj:    largestObj,
	}
	if err := s.writeControl(wire.MsgSubscribeOK, wire.SerializeSubscribeOK(ok)); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.subscriptions[uint64(alias)] = &trackSub{sub: object.Subscription{
		TrackNamespace: object.TrackNamespace{Namespace: msg.Namespace, TrackName: msg.TrackName},
		Alias:          alias,
		State:          object.SubscriptionActive,
	}}
	s.mu.Unlock()

	return alias, nil
}

// RejectSubscribe responds to an incoming SUBSCRIBE with
// SUBSCRIBE_ERROR.
func (s *Session) RejectSubscribe(msg wire.Subscribe, code uint64, reason string) error {
	se := wire.SubscribeError{RequestID: msg.RequestID, ErrorCode: code, ReasonPhrase: reason}
	return s.writeControl(wire.MsgSubscribeError, wire.SerializeSubscribeError(se))
}

// Announce advertises a namespace this session can publish.
func (s *Session) Announce(ns object.TrackNamespace, typ object.TrackType) error {
	s.mu.Lock()
	s.publishedTracks[ns] = &trackPub{track: object.MoqTrack{Namespace: ns, Type: typ}}
	s.mu.Unlock()
	return s.writeControl(wire.MsgAnnounce, wire.SerializeAnnounce(wire.Announce{Namespace: ns.Namespace}))
}

// IngestObjectFrame handles one received object frame for the stream's
// bound track alias: caches it and places it on the session's ingress
// queue, which orders by effective priority and then creation time, not
// by (group_id, object_id). No out-of-order window is applied and
// IngressWindow is not consulted; the returned bool is false only when
// the cache rejects the object.
func (s *Session) IngestObjectFrame(ns object.TrackNamespace, f wire.ObjectFrame) (delivered bool) {
	status := object.StatusNormal
	switch f.Status {
	case wire.ObjectStatusEndOfGroup:
		status = object.StatusEndOfGroup
	case wire.ObjectStatusEndOfTrack:
		status = object.StatusEndOfTrack
	}

	o := object.New(ns, f.GroupID, f.ObjectID, f.PublisherPriority, f.Payload, status)
	if err := s.cache.Insert(o); err != nil {
		s.log.Warn("cache insert failed", "err", err)
		return false
	}
	s.egress.Enqueue(o)
	return true
}

// Close transitions the session to Draining then Closed: it sends
// GOAWAY, ends and removes every active subscription immediately (it
// does not wait for EndOfTrack), and closes the control stream.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.setState(StateDraining)

	_ = s.writeControl(wire.MsgGoAway, wire.SerializeGoAway(wire.GoAway{}))

	s.mu.Lock()
	for _, ts := range s.subscriptions {
		ts.sub.State = object.SubscriptionEnded
		if ts.cancel != nil {
			ts.cancel()
		}
	}
	s.subscriptions = make(map[uint64]*trackSub)
	s.state = StateClosed
	s.mu.Unlock()

	return s.control.Close()
}

// DisconnectedClose transitions directly to Closed without a GOAWAY
// handshake, for abrupt connection loss (spec.md §4.3 "Termination").
func (s *Session) DisconnectedClose() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	for _, ts := range s.subscriptions {
		ts.sub.State = object.SubscriptionEnded
		if ts.cancel != nil {
			ts.cancel()
		}
	}
	s.subscriptions = make(map[uint64]*trackSub)
	s.state = StateClosed
	s.mu.Unlock()
}

// SubscriptionState reports the current state of the subscription
// bound to alias, if any.
func (s *Session) SubscriptionState(alias object.TrackAlias) (object.SubscriptionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.subscriptions[uint64(alias)]
	if !ok {
		return 0, false
	}
	return ts.sub.State, true
}

// NegotiatedVersion returns the version agreed during SETUP.
func (s *Session) NegotiatedVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiatedVer
}
