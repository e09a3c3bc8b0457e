// Package signaling defines the interface through which an external
// signaling collaborator hands the core a peer's connection details.
// The core never discovers peers itself (see spec.md §1); it consumes
// whatever a PeerResolver implementation (room creation, offer/answer
// forwarding over some transport the core doesn't own) returns.
package signaling

import "context"

// EndpointDescriptor is everything the core needs to dial a peer,
// handed over by a signaling collaborator after out-of-band negotiation.
// It mirrors the shape of the MoQ session offer/answer exchanged by a
// real signaling protocol without the core needing to speak that
// protocol itself.
type EndpointDescriptor struct {
	ParticipantID       string
	QUICEndpoint        string // host:port
	MoqVersion          uint64
	PublishNamespaces   []string
	SubscribeNamespaces []string
	SessionID           string
}

// PeerResolver is implemented by a signaling collaborator. ResolvePeer
// blocks until the named participant's endpoint descriptor is known (via
// whatever out-of-band room/offer/answer exchange the collaborator
// implements) or ctx is cancelled.
type PeerResolver interface {
	ResolvePeer(ctx context.Context, roomID, participantID string) (EndpointDescriptor, error)
}
