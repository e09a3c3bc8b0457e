// Room implements the narrow, room-scoped API spec.md §1/§2 describe:
// join a named room, publish tracks, subscribe to tracks, receive
// events — composed from one Facade per peer so that "at-most-one
// session per peer pair" (spec.md §1) holds by construction. Peer
// discovery is delegated entirely to a signaling.PeerResolver; Room
// never dials a peer it hasn't been handed an EndpointDescriptor for.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/signaling"
	"github.com/zsiec/quicrtc/transport"

	"golang.org/x/sync/errgroup"
)

// Room joins together the peer-pair Facades that make up one named
// MoQ room.
type Room struct {
	id     string
	selfID string

	resolver  signaling.PeerResolver
	dialers   []transport.Dialer
	connCfg   transport.Config
	facadeCfg Config
	log       *slog.Logger

	mu    sync.Mutex
	peers map[string]*Facade

	events chan Event

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewRoom creates a Room. dialers are the transport.Dialer set used to
// establish every peer connection (normally one per transport.Mode);
// connCfg and facadeCfg are shared across all peers joined.
func NewRoom(id, selfID string, resolver signaling.PeerResolver, dialers []transport.Dialer, connCfg transport.Config, facadeCfg Config, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, _ := errgroup.WithContext(ctx)

	return &Room{
		id:        id,
		selfID:    selfID,
		resolver:  resolver,
		dialers:   dialers,
		connCfg:   connCfg,
		facadeCfg: facadeCfg,
		log:       log.With("component", "room", "room", id),
		peers:     make(map[string]*Facade),
		events:    make(chan Event, 128),
		eg:        eg,
		cancel:    cancel,
	}
}

// Join resolves participantID's endpoint via signaling, establishes a
// Transport Connection with the fallback ladder, and completes the MoQ
// SETUP handshake. Joining a participant already joined is an error —
// the room holds at most one session per peer pair.
func (r *Room) Join(ctx context.Context, participantID string) (*Facade, error) {
	r.mu.Lock()
	if _, exists := r.peers[participantID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("room: already joined with participant %q", participantID)
	}
	r.mu.Unlock()

	desc, err := r.resolver.ResolvePeer(ctx, r.id, participantID)
	if err != nil {
		return nil, fmt.Errorf("room: resolve participant %q: %w", participantID, err)
	}

	conn := transport.New(r.connCfg, r.log, r.dialers...)
	if err := conn.EstablishWithFallback(ctx, desc.QUICEndpoint); err != nil {
		return nil, fmt.Errorf("room: establish connection to %q: %w", participantID, err)
	}

	f, err := NewFacade(ctx, conn, r.facadeCfg, r.log)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("room: bind facade for %q: %w", participantID, err)
	}

	r.mu.Lock()
	r.peers[participantID] = f
	r.mu.Unlock()

	r.publish(Event{Kind: EventParticipantJoined, ParticipantID: participantID})
	r.eg.Go(func() error { return r.forwardEvents(participantID, f) })

	return f, nil
}

func (r *Room) forwardEvents(participantID string, f *Facade) error {
	for e := range f.Events() {
		e.ParticipantID = participantID
		r.publish(e)
	}
	return nil
}

// Leave tears down the session and connection for participantID.
func (r *Room) Leave(ctx context.Context, participantID string) error {
	r.mu.Lock()
	f, ok := r.peers[participantID]
	delete(r.peers, participantID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("room: not joined with participant %q", participantID)
	}

	err := f.Close(ctx)
	r.publish(Event{Kind: EventParticipantLeft, ParticipantID: participantID})
	return err
}

// PublishTrack announces ns to every currently-joined peer and returns
// each peer's TrackHandle, keyed by participant ID.
func (r *Room) PublishTrack(ns object.TrackNamespace, typ object.TrackType) (map[string]TrackHandle, error) {
	r.mu.Lock()
	peers := make(map[string]*Facade, len(r.peers))
	for id, f := range r.peers {
		peers[id] = f
	}
	r.mu.Unlock()

	handles := make(map[string]TrackHandle, len(peers))
	for id, f := range peers {
		h, err := f.PublishTrack(ns, typ)
		if err != nil {
			return nil, fmt.Errorf("room: publish track to %q: %w", id, err)
		}
		handles[id] = h
		r.publish(Event{Kind: EventTrackReceived, Namespace: ns, ParticipantID: id})
	}
	return handles, nil
}

// SendObject fans o out to every peer named in handles.
func (r *Room) SendObject(handles map[string]TrackHandle, o object.MoqObject) error {
	r.mu.Lock()
	peers := make(map[string]*Facade, len(handles))
	for id := range handles {
		if f, ok := r.peers[id]; ok {
			peers[id] = f
		}
	}
	r.mu.Unlock()

	for id, h := range handles {
		f, ok := peers[id]
		if !ok {
			continue
		}
		if err := f.SendObject(h, o); err != nil {
			return fmt.Errorf("room: send object to %q: %w", id, err)
		}
	}
	return nil
}

// SubscribeTrack requests delivery of ns from the named peer.
func (r *Room) SubscribeTrack(ctx context.Context, participantID string, ns object.TrackNamespace, filter object.Filter, priority uint8) (<-chan object.MoqObject, error) {
	r.mu.Lock()
	f, ok := r.peers[participantID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("room: not joined with participant %q", participantID)
	}
	return f.SubscribeTrack(ctx, ns, filter, priority)
}

// MigratePath migrates the named participant's connection to a new
// network path, preserving its session and in-flight streams (spec.md
// §4.1). Callers normally trigger this after their own path-change
// detection (e.g. a ValidatePath failure on the current path) resolves
// a new candidate endpoint via signaling.
func (r *Room) MigratePath(ctx context.Context, participantID string, path transport.NetworkPath, dialer transport.Dialer, endpoint string) error {
	r.mu.Lock()
	f, ok := r.peers[participantID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("room: not joined with participant %q", participantID)
	}
	return f.MigratePath(ctx, path, dialer, endpoint)
}

// Events returns the room-wide event stream: every joined Facade's
// events, tagged with the participant ID they came from, plus
// room-level join/leave notifications.
func (r *Room) Events() <-chan Event {
	return r.events
}

func (r *Room) publish(e Event) {
	select {
	case r.events <- e:
	default:
	}
}

// Close leaves every joined peer and stops the room's background event
// forwarding.
func (r *Room) Close(ctx context.Context) error {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*Facade)
	r.mu.Unlock()

	var firstErr error
	for id, f := range peers {
		if err := f.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("room: close %q: %w", id, err)
		}
	}

	r.cancel()
	_ = r.eg.Wait()
	close(r.events)
	return firstErr
}
