// Package room implements the MoQ-over-QUIC Facade (spec.md §4.6) and
// the narrow, room-scoped API described in spec.md §1/§2 ("join room,
// publish tracks, subscribe to tracks, receive events"). Facade binds
// one MoQ Session to one Transport Connection; Room composes a Facade
// per peer to satisfy the "at-most-one session per peer pair" rule.
// Grounded on the teacher's distribution.Server / Relay pairing
// (internal/distribution/server.go, relay.go): a thin struct that owns
// no independent state beyond routing between the protocol layer and
// the transport layer, with the same slog-child-logger and errgroup
// supervision style.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/quicrtc/cache"
	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/queue"
	"github.com/zsiec/quicrtc/rtcerr"
	"github.com/zsiec/quicrtc/session"
	"github.com/zsiec/quicrtc/stream"
	"github.com/zsiec/quicrtc/transport"
	"github.com/zsiec/quicrtc/wire"

	"golang.org/x/sync/errgroup"
)

// TrackHandle identifies a track this facade has published, returned
// by PublishTrack and required by SendObject. The wire track alias
// isn't known until a peer subscribes (spec.md §4.3), so it lives in
// the facade's nsToAlias table rather than on the handle itself.
type TrackHandle struct {
	Namespace object.TrackNamespace
}

// EventKind tags an Event's payload (spec.md §4.6 / SPEC_FULL §4).
type EventKind int

const (
	EventSessionEstablished EventKind = iota
	EventSubscriptionStarted
	EventObjectReceived
	EventSessionClosed
	EventParticipantJoined
	EventParticipantLeft
	EventTrackReceived
	EventTrackRemoved
	EventPathMigrated
)

// Event is the narrow set of facade/room notifications delivered over
// Facade.Events() / Room.Events().
type Event struct {
	Kind          EventKind
	Namespace     object.TrackNamespace
	Object        object.MoqObject
	ParticipantID string
	Reason        string
}

// Config configures a Facade's three core components.
type Config struct {
	Session session.Config
	Stream  stream.Config
	Cache   cache.Config
}

// DefaultConfig returns spec.md §6's defaults for every dependency.
func DefaultConfig() Config {
	return Config{
		Session: session.Config{Role: wire.RolePubSub, MaxSubscribeID: 1 << 16},
		Stream:  stream.DefaultConfig(),
		Cache:   cache.DefaultConfig(),
	}
}

// Facade binds a MoQ Session to a Transport Connection: it surfaces
// incoming objects as an event stream and accepts outbound objects.
// Internally it is thin glue — no state beyond routing (spec.md §4.6).
type Facade struct {
	log  *slog.Logger
	conn *transport.Connection
	sess *session.Session

	streams *stream.Manager
	objects *cache.Cache
	egress  *queue.Queue

	mu          sync.Mutex
	aliasToNS   map[object.TrackAlias]object.TrackNamespace
	subscribers map[object.TrackNamespace]chan object.MoqObject
	published   map[object.TrackNamespace]object.TrackType
	nsToAlias   map[object.TrackNamespace]object.TrackAlias
	dataStreams map[int64]transport.Stream // stream.Stream.ID -> transport stream

	events chan Event

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewFacade binds a Facade to conn, which the caller has already
// established (Room.Join does so with the fallback ladder), performs
// the MoQ SETUP handshake as the dialing side (CLIENT_SETUP) over a
// fresh control stream, and starts the background send/receive loops.
// Used by Room.Join, which always dials out to a resolved peer.
func NewFacade(ctx context.Context, conn *transport.Connection, cfg Config, log *slog.Logger) (*Facade, error) {
	return newFacade(ctx, conn, cfg, log,
		func(ctx context.Context) (transport.Stream, error) { return conn.OpenStream(ctx, true) },
		func(ctx context.Context, s *session.Session) error { return s.SetupAsClient(ctx) },
	)
}

// NewFacadeServer binds a Facade to an already-accepted Connection,
// accepting the peer's control stream and performing the MoQ SETUP
// handshake as the listening side (SERVER_SETUP). Used by a server
// accepting inbound peer connections (see cmd/quicrtcd).
func NewFacadeServer(ctx context.Context, conn *transport.Connection, cfg Config, log *slog.Logger) (*Facade, error) {
	return newFacade(ctx, conn, cfg, log,
		func(ctx context.Context) (transport.Stream, error) { return conn.AcceptStream(ctx) },
		func(ctx context.Context, s *session.Session) error { return s.SetupAsServer(ctx) },
	)
}

func newFacade(ctx context.Context, conn *transport.Connection, cfg Config, log *slog.Logger, openControl func(context.Context) (transport.Stream, error), setup func(context.Context, *session.Session) error) (*Facade, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "moq-facade")

	control, err := openControl(ctx)
	if err != nil {
		return nil, fmt.Errorf("room: obtain control stream: %w", err)
	}

	streams := stream.New(cfg.Stream, log)
	objCache := cache.New(cfg.Cache)

	// ingress is the session's receive-side queue (spec.md
	// §4.3); egress is this facade's own outbound delivery queue
	// (spec.md §4.5). They are deliberately separate Queue instances —
	// conflating them would let locally-published objects and
	// remotely-received objects fight over the same dequeue loop.
	ingress := queue.New()
	egress := queue.New()

	sess := session.New(fmt.Sprintf("%p", conn), control, streams, objCache, ingress, cfg.Session, log)

	groupCtx, cancel := context.WithCancel(ctx)
	eg, groupCtx := errgroup.WithContext(groupCtx)

	f := &Facade{
		log:         log,
		conn:        conn,
		sess:        sess,
		streams:     streams,
		objects:     objCache,
		egress:      egress,
		aliasToNS:   make(map[object.TrackAlias]object.TrackNamespace),
		subscribers: make(map[object.TrackNamespace]chan object.MoqObject),
		published:   make(map[object.TrackNamespace]object.TrackType),
		nsToAlias:   make(map[object.TrackNamespace]object.TrackAlias),
		dataStreams: make(map[int64]transport.Stream),
		events:      make(chan Event, 64),
		eg:          eg,
		cancel:      cancel,
	}
	sess.OnSubscribe = f.handleInboundSubscribe
	sess.OnAnnounce = func(a wire.Announce) {
		f.publish(Event{Kind: EventTrackReceived, Namespace: object.TrackNamespace{Namespace: a.Namespace}})
	}
	sess.OnGoAway = func(wire.GoAway) {
		f.publish(Event{Kind: EventSessionClosed, Reason: "peer sent GOAWAY"})
	}

	if err := setup(groupCtx, sess); err != nil {
		cancel()
		return nil, fmt.Errorf("room: MoQ SETUP: %w", err)
	}
	f.publish(Event{Kind: EventSessionEstablished})

	eg.Go(func() error { return sess.ReadLoop(groupCtx) })
	eg.Go(func() error { return f.acceptLoop(groupCtx) })
	eg.Go(func() error { return f.sendLoop(groupCtx) })

	return f, nil
}

// PublishTrack announces a namespace this facade will send objects for
// and returns a handle SendObject requires. The wire alias a peer will
// use is only assigned once that peer subscribes; SendObject before
// any subscriber exists retries as backpressure until one does.
func (f *Facade) PublishTrack(ns object.TrackNamespace, typ object.TrackType) (TrackHandle, error) {
	if err := f.sess.Announce(ns, typ); err != nil {
		return TrackHandle{}, fmt.Errorf("room: announce %s/%s: %w", ns.Namespace, ns.TrackName, err)
	}
	f.mu.Lock()
	f.published[ns] = typ
	f.mu.Unlock()
	return TrackHandle{Namespace: ns}, nil
}

// handleInboundSubscribe is the session's OnSubscribe hook: it accepts
// a SUBSCRIBE for a namespace this facade has published, or rejects it
// otherwise, and records the alias the wire framing must use for
// subsequent objects on that namespace.
func (f *Facade) handleInboundSubscribe(msg wire.Subscribe) {
	ns := object.TrackNamespace{Namespace: msg.Namespace, TrackName: msg.TrackName}

	f.mu.Lock()
	_, published := f.published[ns]
	f.mu.Unlock()
	if !published {
		if err := f.sess.RejectSubscribe(msg, 404, "track not published"); err != nil {
			f.log.Warn("reject subscribe failed", "err", err)
		}
		return
	}

	alias, err := f.sess.AcceptSubscribe(msg, false, 0, 0)
	if err != nil {
		f.log.Warn("accept subscribe failed", "namespace", ns.Namespace, "track", ns.TrackName, "err", err)
		return
	}

	f.mu.Lock()
	f.nsToAlias[ns] = alias
	f.mu.Unlock()
	f.publish(Event{Kind: EventSubscriptionStarted, Namespace: ns})
}

// SubscribeTrack requests delivery of ns and returns a channel of
// objects as they arrive. The channel is closed when the subscription
// ends (UNSUBSCRIBE, session close, or disconnect).
func (f *Facade) SubscribeTrack(ctx context.Context, ns object.TrackNamespace, filter object.Filter, priority uint8) (<-chan object.MoqObject, error) {
	alias, err := f.sess.Subscribe(ctx, ns, filter, priority)
	if err != nil {
		return nil, err
	}

	ch := make(chan object.MoqObject, 64)
	f.mu.Lock()
	f.subscribers[ns] = ch
	f.aliasToNS[alias] = ns
	f.mu.Unlock()

	f.publish(Event{Kind: EventSubscriptionStarted, Namespace: ns})
	return ch, nil
}

// SendObject enqueues obj for delivery on the track identified by
// handle. Delivery happens asynchronously through the Object Delivery
// Queue and Stream Manager.
func (f *Facade) SendObject(handle TrackHandle, o object.MoqObject) error {
	if o.TrackNamespace != handle.Namespace.Namespace || o.TrackName != handle.Namespace.TrackName {
		return &rtcerr.ProtocolError{Reason: "object track does not match handle"}
	}
	f.egress.Enqueue(o)
	return nil
}

// sendLoop drains the outbound delivery queue on a fixed tick,
// delivering each object onto the stream the Stream Manager maps its
// (track, group) to. An object that hits stream backpressure is
// re-enqueued for the next tick rather than blocking the loop.
func (f *Facade) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.drainEgress(ctx)
		}
	}
}

func (f *Facade) drainEgress(ctx context.Context) {
	for {
		o, ok := f.egress.Dequeue()
		if !ok {
			return
		}
		if err := f.deliver(ctx, o); err != nil {
			if errors.Is(err, rtcerr.ErrWouldBlock) {
				f.egress.Enqueue(o)
				return
			}
			f.log.Warn("deliver object failed", "namespace", o.TrackNamespace, "track", o.TrackName, "err", err)
		}
	}
}

// deliver writes a single object onto its (track, group) stream,
// opening a fresh data stream and stream header the first time that
// binding is used (spec.md §4.2/§4.3).
func (f *Facade) deliver(ctx context.Context, o object.MoqObject) error {
	ns := o.Namespace()

	f.mu.Lock()
	alias, ok := f.nsToAlias[ns]
	f.mu.Unlock()
	if !ok {
		// No subscriber has accepted this track yet; retry once one
		// arrives rather than dropping the object.
		return rtcerr.ErrWouldBlock
	}

	st, err := f.streams.StreamForObject(ns, o.GroupID)
	if err != nil {
		return err
	}

	if err := f.streams.EnqueueOnStream(st, true, o); err != nil {
		return err
	}

	qs, fresh, err := f.transportStreamFor(ctx, st.ID)
	if err != nil {
		return err
	}
	if fresh {
		if err := wire.WriteStreamHeader(qs, wire.StreamHeader{TrackAlias: uint64(alias)}); err != nil {
			return fmt.Errorf("room: write stream header: %w", err)
		}
	}

	frame := wire.ObjectFrame{
		GroupID:           o.GroupID,
		ObjectID:          o.ObjectID,
		PublisherPriority: o.PublisherPriority,
		Status:            objectStatusToWire(o.Status),
		Payload:           o.Payload,
	}
	if err := wire.WriteObjectFrame(qs, frame); err != nil {
		return fmt.Errorf("room: write object frame: %w", err)
	}
	f.streams.AckSent(st)
	if ra, ok := qs.(transport.ReplayAcker); ok {
		ra.AckWrite()
	}

	if o.Status == object.StatusEndOfGroup {
		f.mu.Lock()
		delete(f.dataStreams, st.ID)
		f.mu.Unlock()
		_ = f.streams.Close(st.ID)
	}
	return nil
}

// MigratePath transactionally migrates the facade's underlying
// transport connection to path (spec.md §4.1 "Migration"). Every
// stream this facade has opened for sending — the control stream and
// each track's current data stream — keeps working across a
// successful migration without rebinding: Connection.MigrateTo
// freezes, replays, and swaps them in place, so the transport.Stream
// handles cached in f.dataStreams stay valid.
func (f *Facade) MigratePath(ctx context.Context, path transport.NetworkPath, dialer transport.Dialer, endpoint string) error {
	if err := f.conn.MigrateTo(ctx, path, dialer, endpoint); err != nil {
		return fmt.Errorf("room: migrate path: %w", err)
	}
	f.publish(Event{Kind: EventPathMigrated, Reason: path.RemoteAddr})
	return nil
}

// transportStreamFor returns the real transport stream backing a
// stream.Manager stream id, opening one the first time it's needed.
func (f *Facade) transportStreamFor(ctx context.Context, id int64) (transport.Stream, bool, error) {
	f.mu.Lock()
	if qs, ok := f.dataStreams[id]; ok {
		f.mu.Unlock()
		return qs, false, nil
	}
	f.mu.Unlock()

	qs, err := f.conn.OpenStream(ctx, false)
	if err != nil {
		return nil, false, fmt.Errorf("room: open data stream: %w", err)
	}

	f.mu.Lock()
	f.dataStreams[id] = qs
	f.mu.Unlock()
	return qs, true, nil
}

func objectStatusToWire(s object.Status) uint64 {
	switch s {
	case object.StatusEndOfGroup:
		return wire.ObjectStatusEndOfGroup
	case object.StatusEndOfTrack:
		return wire.ObjectStatusEndOfTrack
	default:
		return wire.ObjectStatusNormal
	}
}

// Events returns the facade's event stream (session lifecycle,
// subscription lifecycle, and per-object receive notifications).
func (f *Facade) Events() <-chan Event {
	return f.events
}

func (f *Facade) publish(e Event) {
	select {
	case f.events <- e:
	default:
		// Drop rather than block the caller; slow consumers miss
		// events, matching the broadcaster policy elsewhere (spec.md §9).
	}
}

// acceptLoop accepts incoming data streams opened by the peer, reads
// each stream's header once, then demuxes subsequent object frames to
// the matching subscriber channel and cache.
func (f *Facade) acceptLoop(ctx context.Context) error {
	for {
		st, err := f.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("accept stream failed", "err", err)
			continue
		}
		go f.readDataStream(st)
	}
}

func (f *Facade) readDataStream(st transport.Stream) {
	hdr, err := wire.ReadStreamHeader(bufByteReader{st})
	if err != nil {
		f.log.Warn("read stream header failed", "err", err)
		return
	}

	f.mu.Lock()
	ns, known := f.aliasToNS[object.TrackAlias(hdr.TrackAlias)]
	f.mu.Unlock()
	if !known {
		f.log.Warn("data stream for unknown track alias", "alias", hdr.TrackAlias)
		return
	}

	for {
		frame, err := wire.ReadObjectFrame(st)
		if err != nil {
			return
		}
		if !f.sess.IngestObjectFrame(ns, frame) {
			continue
		}

		status := object.StatusNormal
		switch frame.Status {
		case wire.ObjectStatusEndOfGroup:
			status = object.StatusEndOfGroup
		case wire.ObjectStatusEndOfTrack:
			status = object.StatusEndOfTrack
		}
		o := object.New(ns, frame.GroupID, frame.ObjectID, frame.PublisherPriority, frame.Payload, status)

		f.mu.Lock()
		ch := f.subscribers[ns]
		f.mu.Unlock()
		if ch != nil {
			select {
			case ch <- o:
			default:
			}
		}
		f.publish(Event{Kind: EventObjectReceived, Namespace: ns, Object: o})

		if status == object.StatusEndOfTrack {
			f.mu.Lock()
			delete(f.subscribers, ns)
			f.mu.Unlock()
			if ch != nil {
				close(ch)
			}
			return
		}
	}
}

// bufByteReader adapts an io.Reader that may not implement ReadByte
// (transport.Stream doesn't) for wire.ReadStreamHeader.
type bufByteReader struct {
	r interface{ Read([]byte) (int, error) }
}

func (b bufByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := b.r.Read(buf[:])
	return buf[0], err
}

// CacheStats reports the underlying object cache's counters.
func (f *Facade) CacheStats() cache.Stats {
	return f.objects.Stats()
}

// QueueMetrics reports the outbound delivery queue's counters.
func (f *Facade) QueueMetrics() queue.Metrics {
	return f.egress.Metrics()
}

// ConnectionMetrics reports the underlying transport connection's
// establishment/migration counters.
func (f *Facade) ConnectionMetrics() transport.Metrics {
	return f.conn.Metrics()
}

// Close drains and closes the session, then the underlying connection.
func (f *Facade) Close(ctx context.Context) error {
	f.cancel()
	sessErr := f.sess.Close(ctx)
	_ = f.eg.Wait()
	connErr := f.conn.Close()
	f.publish(Event{Kind: EventSessionClosed, Reason: "closed"})
	close(f.events)
	if sessErr != nil {
		return sessErr
	}
	return connErr
}
