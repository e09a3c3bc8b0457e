package object

// SubscriptionState tracks the lifecycle of a subscriber-side binding.
type SubscriptionState int

const (
	SubscriptionRequested SubscriptionState = iota
	SubscriptionActive
	SubscriptionPaused
	SubscriptionEnded
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionRequested:
		return "requested"
	case SubscriptionActive:
		return "active"
	case SubscriptionPaused:
		return "paused"
	case SubscriptionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// FilterType selects which objects of a track a subscription wants.
type FilterType int

const (
	FilterLatestGroup FilterType = iota
	FilterAbsoluteRange
	FilterLatestObject
)

// Filter narrows delivery to a slice of a track's object space.
type Filter struct {
	Type       FilterType
	StartGroup uint64
	StartObj   uint64
	EndGroup   uint64 // only meaningful for FilterAbsoluteRange
}

// Subscription is the subscriber-side binding requesting objects from a
// namespace, distinct from the publisher-side MoqTrack registration.
type Subscription struct {
	TrackNamespace     TrackNamespace
	Alias              TrackAlias
	State              SubscriptionState
	Filter             Filter
	BackpressureWindow int
}
