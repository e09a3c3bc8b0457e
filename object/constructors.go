package object

// OpusFrameParams are the fields a codec collaborator supplies to build a
// MoqObject from an encoded Opus frame. The core never decodes opus_data;
// it only frames it.
type OpusFrameParams struct {
	OpusData       []byte
	TimestampUs    uint64
	SequenceNumber uint64
	SampleRate     uint32
	Channels       uint8
}

// NewOpusObject builds a MoqObject from an Opus frame. Audio groups are
// 20ms ticks: group_id = timestamp_us / 20_000. Opus frames always carry
// publisher_priority 1.
func NewOpusObject(ns TrackNamespace, p OpusFrameParams) MoqObject {
	const opusPriority = 1
	const groupTickUs = 20_000
	return New(ns, p.TimestampUs/groupTickUs, p.SequenceNumber, opusPriority, p.OpusData, StatusNormal)
}

// H264FrameParams are the fields a codec collaborator supplies to build a
// MoqObject from an encoded H.264 NAL access unit.
type H264FrameParams struct {
	NALUnits       []byte
	IsKeyframe     bool
	TimestampUs    uint64
	SequenceNumber uint64
}

// NewH264Object builds a MoqObject from an H.264 access unit. Video
// groups are per-millisecond ticks: group_id = timestamp_us / 1_000.
// Keyframes carry publisher_priority 1, non-keyframes priority 2.
//
// This formula intentionally differs from Opus's 20ms tick — the two
// codecs use unrelated group granularities and reassembly on the
// subscriber side must tolerate that asymmetry rather than assume a
// unified clock.
func NewH264Object(ns TrackNamespace, p H264FrameParams) MoqObject {
	const groupTickUs = 1_000
	priority := uint8(2)
	if p.IsKeyframe {
		priority = 1
	}
	return New(ns, p.TimestampUs/groupTickUs, p.SequenceNumber, priority, p.NALUnits, StatusNormal)
}

// EndOfGroup builds a status-only marker for the end of a group. Its
// payload is always empty.
func EndOfGroup(ns TrackNamespace, groupID, objectID uint64) MoqObject {
	return New(ns, groupID, objectID, 0, nil, StatusEndOfGroup)
}

// EndOfTrack builds a status-only marker for the end of a track. Its
// payload is always empty; its effective priority is always 0.
func EndOfTrack(ns TrackNamespace, groupID, objectID uint64) MoqObject {
	return New(ns, groupID, objectID, 0, nil, StatusEndOfTrack)
}
