package object

import "testing"

var testNS = TrackNamespace{Namespace: "room", TrackName: "mic"}

func TestNewOpusObjectGroupMapping(t *testing.T) {
	t.Parallel()

	o := NewOpusObject(testNS, OpusFrameParams{
		OpusData:       []byte{1, 2, 3},
		TimestampUs:    20_000,
		SequenceNumber: 100,
		SampleRate:     48_000,
		Channels:       2,
	})

	if o.GroupID != 1 {
		t.Errorf("GroupID = %d, want 1", o.GroupID)
	}
	if o.ObjectID != 100 {
		t.Errorf("ObjectID = %d, want 100", o.ObjectID)
	}
	if o.PublisherPriority != 1 {
		t.Errorf("PublisherPriority = %d, want 1", o.PublisherPriority)
	}
}

func TestNewH264ObjectKeyframePriority(t *testing.T) {
	t.Parallel()

	kf := NewH264Object(testNS, H264FrameParams{
		NALUnits:       []byte{0, 0, 0, 1},
		IsKeyframe:     true,
		TimestampUs:    1_000_000,
		SequenceNumber: 1,
	})
	if kf.GroupID != 1000 {
		t.Errorf("keyframe GroupID = %d, want 1000", kf.GroupID)
	}
	if kf.PublisherPriority != 1 {
		t.Errorf("keyframe PublisherPriority = %d, want 1", kf.PublisherPriority)
	}

	nonKf := NewH264Object(testNS, H264FrameParams{
		NALUnits:       []byte{0, 0, 0, 1},
		IsKeyframe:     false,
		TimestampUs:    1_000_000,
		SequenceNumber: 2,
	})
	if nonKf.PublisherPriority != 2 {
		t.Errorf("non-keyframe PublisherPriority = %d, want 2", nonKf.PublisherPriority)
	}
}

func TestEndOfGroupAndEndOfTrackAreEmptyPayload(t *testing.T) {
	t.Parallel()

	eog := EndOfGroup(testNS, 3, 9)
	if eog.Status != StatusEndOfGroup {
		t.Errorf("EndOfGroup Status = %v, want StatusEndOfGroup", eog.Status)
	}
	if len(eog.Payload) != 0 {
		t.Errorf("EndOfGroup Payload = %v, want empty", eog.Payload)
	}

	eot := EndOfTrack(testNS, 3, 10)
	if eot.Status != StatusEndOfTrack {
		t.Errorf("EndOfTrack Status = %v, want StatusEndOfTrack", eot.Status)
	}
	if eot.EffectivePriority() != 0 {
		t.Errorf("EndOfTrack EffectivePriority = %d, want 0", eot.EffectivePriority())
	}
}
