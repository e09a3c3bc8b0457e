// Package object defines the MoQ data model: track identity, the atomic
// delivery unit (MoqObject), and the subscriber/publisher registration
// types built on top of it. It contains no transport, caching, or
// scheduling logic — those live in [github.com/zsiec/quicrtc/cache],
// [github.com/zsiec/quicrtc/queue], and [github.com/zsiec/quicrtc/session].
package object

import "time"

// TrackNamespace identifies a track by its hierarchical namespace and
// track name. Equality is structural, so TrackNamespace is safe to use
// as a map key.
type TrackNamespace struct {
	Namespace string
	TrackName string
}

// TrackAlias short-names a TrackNamespace within a session after
// announce/subscribe. Draft-15 allows up to 62 bits of alias space;
// Go's uint64 covers that with room to spare.
type TrackAlias uint64

// Status describes why an object was produced beyond carrying payload.
type Status int

const (
	// StatusNormal marks an ordinary media object.
	StatusNormal Status = iota
	// StatusEndOfGroup marks the end of a group; payload is empty.
	StatusEndOfGroup
	// StatusEndOfTrack marks the end of a track; payload is empty.
	StatusEndOfTrack
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusEndOfGroup:
		return "end_of_group"
	case StatusEndOfTrack:
		return "end_of_track"
	default:
		return "unknown"
	}
}

// MoqObject is the atomic unit of MoQ delivery: one encoded media frame
// or a control marker (EndOfGroup / EndOfTrack). Objects are immutable
// after construction — every constructor in this package returns a
// fully-populated value and nothing in this module mutates one in place.
type MoqObject struct {
	TrackNamespace    string
	TrackName         string
	GroupID           uint64
	ObjectID          uint64
	PublisherPriority uint8
	Payload           []byte
	Status            Status
	CreatedAt         time.Time
	Size              int
}

// New constructs a MoqObject, stamping CreatedAt to now and Size to the
// payload length. Status markers (EndOfGroup/EndOfTrack) should be
// constructed with a nil or empty payload.
func New(ns TrackNamespace, groupID, objectID uint64, priority uint8, payload []byte, status Status) MoqObject {
	return MoqObject{
		TrackNamespace:    ns.Namespace,
		TrackName:         ns.TrackName,
		GroupID:           groupID,
		ObjectID:          objectID,
		PublisherPriority: priority,
		Payload:           payload,
		Status:            status,
		CreatedAt:         time.Now(),
		Size:              len(payload),
	}
}

// NewAt is New with an explicit creation instant, for deterministic tests.
func NewAt(ns TrackNamespace, groupID, objectID uint64, priority uint8, payload []byte, status Status, createdAt time.Time) MoqObject {
	o := New(ns, groupID, objectID, priority, payload, status)
	o.CreatedAt = createdAt
	return o
}

// Key returns the (group, object) pair that uniquely identifies this
// object within its track.
func (o MoqObject) Key() (groupID, objectID uint64) {
	return o.GroupID, o.ObjectID
}

// Namespace reconstructs the TrackNamespace for this object.
func (o MoqObject) Namespace() TrackNamespace {
	return TrackNamespace{Namespace: o.TrackNamespace, TrackName: o.TrackName}
}

// EffectivePriority is the canonical priority rule the Object Delivery
// Queue orders and sheds by: EndOfTrack objects always sort
// as priority 0 (highest) because they are a control signal, regardless
// of their nominal PublisherPriority.
func (o MoqObject) EffectivePriority() uint8 {
	if o.Status == StatusEndOfTrack {
		return 0
	}
	return o.PublisherPriority
}

// TrackType distinguishes the media carried by a MoqTrack.
type TrackType int

const (
	TrackAudio TrackType = iota
	TrackVideo
	TrackData
)

// TrackCapabilities advertises what a publisher supports for a track,
// negotiated alongside SETUP parameters.
type TrackCapabilities struct {
	MaxObjectSize int
}

// MoqTrack is the publisher-side registration of a track: its identity,
// the session-scoped alias bound to it, its media type, and its
// capabilities. Distinct from Subscription, which is the subscriber-side
// binding to a namespace.
type MoqTrack struct {
	Namespace    TrackNamespace
	Alias        TrackAlias
	Type         TrackType
	Capabilities TrackCapabilities
}
