package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/quicrtc/object"
	"github.com/zsiec/quicrtc/rtcerr"
)

func testConfig() Config {
	return Config{
		MaxConcurrentStreams: 10,
		ControlStreamTimeout: 5 * time.Second,
		DataStreamTimeout:    30 * time.Second,
		MaxPendingObjects:    2,
		CleanupInterval:      time.Hour, // disabled for unit tests
	}
}

func TestOpenStreamEnforcesConcurrencyCap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConcurrentStreams = 2
	m := New(cfg, nil)
	defer m.CloseManager()

	if _, err := m.OpenStream(TypeDataSubgroup); err != nil {
		t.Fatalf("OpenStream 1: %v", err)
	}
	if _, err := m.OpenStream(TypeDataSubgroup); err != nil {
		t.Fatalf("OpenStream 2: %v", err)
	}
	if _, err := m.OpenStream(TypeDataSubgroup); err == nil {
		t.Error("expected third OpenStream to fail at cap")
	}
}

func TestStreamLifecycleOpeningToCompleted(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), nil)
	defer m.CloseManager()

	st, err := m.OpenStream(TypeControl)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if st.State() != StateOpening {
		t.Fatalf("initial state = %v, want Opening", st.State())
	}
	if err := m.MarkActive(st.ID); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if st.State() != StateActive {
		t.Fatalf("state after MarkActive = %v, want Active", st.State())
	}
	if err := m.Close(st.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st.State() != StateCompleted {
		t.Fatalf("state after Close = %v, want Completed", st.State())
	}
}

func TestSameTrackGroupSharesStream(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), nil)
	defer m.CloseManager()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	s1, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject: %v", err)
	}
	s2, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("expected same stream for same (track, group), got %d and %d", s1.ID, s2.ID)
	}

	s3, err := m.StreamForObject(ns, 2)
	if err != nil {
		t.Fatalf("StreamForObject group 2: %v", err)
	}
	if s3.ID == s1.ID {
		t.Error("expected a different stream for a different group")
	}

	otherNS := object.TrackNamespace{Namespace: "room", TrackName: "audio"}
	s4, err := m.StreamForObject(otherNS, 1)
	if err != nil {
		t.Fatalf("StreamForObject other track: %v", err)
	}
	if s4.ID == s1.ID {
		t.Error("expected a different stream for a different track")
	}
}

func TestEndOfGroupReleasesBinding(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), nil)
	defer m.CloseManager()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	st, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject: %v", err)
	}
	eog := object.EndOfGroup(ns, 1, 5)
	if err := m.EnqueueOnStream(st, true, eog); err != nil {
		t.Fatalf("EnqueueOnStream EndOfGroup: %v", err)
	}

	next, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject after EndOfGroup: %v", err)
	}
	if next.ID == st.ID {
		t.Error("expected a new stream to be opened for the same group after EndOfGroup")
	}
}

func TestBackpressureWouldBlock(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPendingObjects = 1
	m := New(cfg, nil)
	defer m.CloseManager()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	st, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject: %v", err)
	}

	o1 := object.New(ns, 1, 1, 1, []byte("x"), object.StatusNormal)
	if err := m.EnqueueOnStream(st, true, o1); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	o2 := object.New(ns, 1, 2, 1, []byte("x"), object.StatusNormal)
	err = m.EnqueueOnStream(st, true, o2)
	if !errors.Is(err, rtcerr.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock at cap, got %v", err)
	}

	m.AckSent(st)
	if err := m.EnqueueOnStream(st, true, o2); err != nil {
		t.Fatalf("enqueue after ack should succeed: %v", err)
	}
}

func TestResetRefusedWithPendingObjects(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), nil)
	defer m.CloseManager()

	ns := object.TrackNamespace{Namespace: "room", TrackName: "video"}
	st, err := m.StreamForObject(ns, 1)
	if err != nil {
		t.Fatalf("StreamForObject: %v", err)
	}
	o := object.New(ns, 1, 1, 1, []byte("x"), object.StatusNormal)
	if err := m.EnqueueOnStream(st, true, o); err != nil {
		t.Fatalf("EnqueueOnStream: %v", err)
	}

	if err := m.Reset(st.ID, "test", false); err == nil {
		t.Error("expected Reset to refuse while pending_objects > 0")
	}
	if st.State() == StateReset {
		t.Error("stream should not have transitioned to Reset")
	}

	if err := m.Reset(st.ID, "connection closed", true); err != nil {
		t.Fatalf("forced Reset should succeed: %v", err)
	}
	if st.State() != StateReset {
		t.Error("expected stream to be Reset after forced reset")
	}
}

func TestEventsEmittedOnLifecycle(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), nil)
	defer m.CloseManager()

	events := m.Events()
	st, err := m.OpenStream(TypeControl)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != EventControlStreamEstablished || e.StreamID != st.ID {
			t.Errorf("unexpected first event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ControlStreamEstablished event")
	}
}

func TestStreamStateString(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateOpening:   "opening",
		StateActive:    "active",
		StateClosing:   "closing",
		StateReset:     "reset",
		StateCompleted: "completed",
		State(99):      "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
