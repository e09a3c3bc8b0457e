// Package stream implements the Stream Manager (spec.md §4.2): per-
// stream state machine, object-to-stream mapping by (track, group),
// backpressure, a cleanup sweep, and multi-consumer event broadcast.
// Grounded on the teacher's internal/stream.Manager (a simple
// map[string]*Stream behind an RWMutex with a slog child logger),
// expanded with the full lifecycle and event fan-out spec.md requires.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/rtcerr"
)

// Type distinguishes the purpose of a stream.
type Type int

const (
	TypeControl Type = iota
	TypeDataSubgroup
	TypeDatagram
)

// State is a stream's position in its lifecycle state machine.
type State int

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateReset
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateReset:
		return "reset"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Config configures the Stream Manager (spec.md §6 defaults).
type Config struct {
	MaxConcurrentStreams int
	ControlStreamTimeout time.Duration
	DataStreamTimeout    time.Duration
	MaxPendingObjects    int
	CleanupInterval      time.Duration
}

// DefaultConfig returns the configuration spec.md §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 256,
		ControlStreamTimeout: 5 * time.Second,
		DataStreamTimeout:    30 * time.Second,
		MaxPendingObjects:    20,
		CleanupInterval:      5 * time.Second,
	}
}

// TrackBinding names the (track, group) a data stream currently
// carries objects for.
type TrackBinding struct {
	Namespace object.TrackNamespace
	GroupID   uint64
}

// Stats is a snapshot of a single stream's counters.
type Stats struct {
	ObjectsSent     int64
	ObjectsReceived int64
}

// Stream tracks one QUIC-style stream's lifecycle and object binding.
type Stream struct {
	ID           int64
	Type         Type
	mu           sync.Mutex
	state        State
	binding      *TrackBinding
	pending      int
	lastActivity time.Time
	stats        Stats
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) PendingObjects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Event types emitted by the Stream Manager (spec.md §4.2).
type Event struct {
	Kind      EventKind
	StreamID  int64
	FromState State
	ToState   State
	ObjectID  uint64
	Reason    string
}

type EventKind int

const (
	EventControlStreamEstablished EventKind = iota
	EventDataStreamCreated
	EventStreamStateChanged
	EventObjectSent
	EventObjectReceived
	EventStreamError
	EventStreamClosed
)

// Manager creates and reclaims streams, enforces the concurrent-stream
// cap, maps objects to streams by (track, group), and runs a periodic
// cleanup sweep. Grounded on the teacher's Manager, generalized from a
// bare id->Stream map to the full state machine.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	streams   map[int64]*Stream
	byBinding map[TrackBinding]int64 // active data stream per (track, group)
	nextID    int64

	broadcast *broadcaster

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Stream Manager. Call CloseManager to stop its cleanup
// sweep.
func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	m := &Manager{
		cfg:       cfg,
		log:       log.With("component", "stream-manager"),
		streams:   make(map[int64]*Stream),
		byBinding: make(map[TrackBinding]int64),
		broadcast: newBroadcaster(256),
		eg:        eg,
		cancel:    cancel,
	}
	m.eg.Go(func() error { return m.cleanupLoop(ctx) })
	return m
}

// Events returns a channel of stream lifecycle events. Slow consumers
// drop old events rather than blocking the producer (spec.md §9).
func (m *Manager) Events() <-chan Event {
	return m.broadcast.subscribe()
}

// OpenStream allocates a new Stream in state Opening, enforcing
// max_concurrent_streams.
func (m *Manager) OpenStream(typ Type) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.streams) >= m.cfg.MaxConcurrentStreams {
		return nil, fmt.Errorf("stream: %w", rtcerr.ErrWouldBlock)
	}

	m.nextID++
	st := &Stream{
		ID:           m.nextID,
		Type:         typ,
		state:        StateOpening,
		lastActivity: time.Now(),
	}
	m.streams[st.ID] = st

	if typ == TypeControl {
		m.broadcast.publish(Event{Kind: EventControlStreamEstablished, StreamID: st.ID})
	} else {
		m.broadcast.publish(Event{Kind: EventDataStreamCreated, StreamID: st.ID})
	}
	m.log.Debug("stream opened", "id", st.ID, "type", typ)
	return st, nil
}

// MarkActive transitions a stream Opening -> Active, following a
// successful handshake.
func (m *Manager) MarkActive(id int64) error {
	return m.transition(id, StateOpening, StateActive)
}

// StreamForObject returns the data stream currently assigned to
// (namespace, group_id), opening a new one if none exists. Objects of
// the same (track, group) are serialized on the same stream until
// EndOfGroup; different tracks always use different streams.
func (m *Manager) StreamForObject(ns object.TrackNamespace, groupID uint64) (*Stream, error) {
	binding := TrackBinding{Namespace: ns, GroupID: groupID}

	m.mu.RLock()
	if id, ok := m.byBinding[binding]; ok {
		if st, ok := m.streams[id]; ok {
			m.mu.RUnlock()
			return st, nil
		}
	}
	m.mu.RUnlock()

	st, err := m.OpenStream(TypeDataSubgroup)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.binding = &binding
	st.mu.Unlock()

	m.mu.Lock()
	m.byBinding[binding] = st.ID
	m.mu.Unlock()

	if err := m.MarkActive(st.ID); err != nil {
		return nil, err
	}
	return st, nil
}

// EnqueueOnStream records an object send or receive on st, subject to
// max_pending_objects backpressure. On a send that would exceed the
// cap, it returns rtcerr.ErrWouldBlock and the upstream delivery loop
// should retry on the next scheduling tick.
func (m *Manager) EnqueueOnStream(st *Stream, sending bool, o object.MoqObject) error {
	st.mu.Lock()
	if st.state != StateActive {
		state := st.state
		st.mu.Unlock()
		return fmt.Errorf("stream: enqueue on non-active stream (state=%s): %w", state, &rtcerr.ProtocolError{Reason: "stream not active"})
	}
	if sending {
		if st.pending >= m.cfg.MaxPendingObjects {
			st.mu.Unlock()
			return rtcerr.ErrWouldBlock
		}
		st.pending++
		st.stats.ObjectsSent++
	} else {
		st.stats.ObjectsReceived++
	}
	st.lastActivity = time.Now()
	st.mu.Unlock()

	kind := EventObjectReceived
	if sending {
		kind = EventObjectSent
	}
	m.broadcast.publish(Event{Kind: kind, StreamID: st.ID, ObjectID: o.ObjectID})

	if o.Status == object.StatusEndOfGroup {
		m.releaseBinding(st)
	}
	return nil
}

// AckSent decrements a stream's pending count after a send completes
// (ack'd by the peer or handed off to the transport).
func (m *Manager) AckSent(st *Stream) {
	st.mu.Lock()
	if st.pending > 0 {
		st.pending--
	}
	st.mu.Unlock()
}

func (m *Manager) releaseBinding(st *Stream) {
	st.mu.Lock()
	binding := st.binding
	st.binding = nil
	st.mu.Unlock()

	if binding == nil {
		return
	}
	m.mu.Lock()
	if m.byBinding[*binding] == st.ID {
		delete(m.byBinding, *binding)
	}
	m.mu.Unlock()
}

// Close transitions a stream through Closing to Completed, as if its
// FIN was sent and acknowledged.
func (m *Manager) Close(id int64) error {
	if err := m.transition(id, StateActive, StateClosing); err != nil {
		// Opening streams can also be closed directly.
		if err2 := m.transition(id, StateOpening, StateClosing); err2 != nil {
			return err
		}
	}
	if err := m.transition(id, StateClosing, StateCompleted); err != nil {
		return err
	}
	m.broadcast.publish(Event{Kind: EventStreamClosed, StreamID: id})
	return nil
}

// Reset forces a stream directly to Reset, refusing to do so while
// pending_objects > 0 (spec.md P4), unless force is true to model an
// outer connection Reset/Closed where pending state is moot.
func (m *Manager) Reset(id int64, reason string, force bool) error {
	m.mu.RLock()
	st, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream: unknown stream %d", id)
	}

	st.mu.Lock()
	pending := st.pending
	from := st.state
	if pending > 0 && !force {
		st.mu.Unlock()
		return fmt.Errorf("stream: cannot reset stream %d with %d pending objects", id, pending)
	}
	st.state = StateReset
	st.mu.Unlock()

	m.broadcast.publish(Event{Kind: EventStreamStateChanged, StreamID: id, FromState: from, ToState: StateReset})
	m.broadcast.publish(Event{Kind: EventStreamError, StreamID: id, Reason: reason})
	m.releaseBinding(st)
	return nil
}

func (m *Manager) transition(id int64, from, to State) error {
	m.mu.RLock()
	st, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream: unknown stream %d", id)
	}

	st.mu.Lock()
	if st.state != from {
		current := st.state
		st.mu.Unlock()
		return fmt.Errorf("stream: invalid transition for %d: in %s, wanted from %s", id, current, from)
	}
	st.state = to
	st.lastActivity = time.Now()
	st.mu.Unlock()

	m.broadcast.publish(Event{Kind: EventStreamStateChanged, StreamID: id, FromState: from, ToState: to})
	return nil
}

// cleanupLoop sweeps timed-out streams on cfg.CleanupInterval. It runs
// under m.eg so a panic or unexpected exit surfaces through
// CloseManager's eg.Wait rather than leaving streams leaking past
// their timeouts with no sign anything stopped.
func (m *Manager) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*Stream, 0, len(m.streams))
	for _, st := range m.streams {
		candidates = append(candidates, st)
	}
	m.mu.RUnlock()

	for _, st := range candidates {
		st.mu.Lock()
		state := st.state
		idle := now.Sub(st.lastActivity)
		pending := st.pending
		typ := st.Type
		st.mu.Unlock()

		timeout := m.cfg.DataStreamTimeout
		if typ == TypeControl {
			timeout = m.cfg.ControlStreamTimeout
		}

		switch state {
		case StateOpening:
			if idle > timeout {
				m.Reset(st.ID, "opening timeout", true)
			}
		case StateActive:
			if idle > m.cfg.DataStreamTimeout && pending == 0 {
				m.Reset(st.ID, "idle timeout", false)
			}
		case StateCompleted, StateReset:
			m.mu.Lock()
			delete(m.streams, st.ID)
			m.mu.Unlock()
		}
	}
}

// Get returns the stream with the given id, if it exists.
func (m *Manager) Get(id int64) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.streams[id]
	return st, ok
}

// Count reports the number of streams currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// CloseManager stops the cleanup sweep and waits for it to exit. It
// does not close individual streams.
func (m *Manager) CloseManager() {
	m.cancel()
	_ = m.eg.Wait()
}
