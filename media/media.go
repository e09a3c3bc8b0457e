// Package media defines the narrow interfaces through which the quicrtc
// core talks to codec and capture/render collaborators. Encode/decode,
// device enumeration, and rendering are explicitly out of scope for the
// core (see spec.md §1 Out of scope) — this package exists only so the
// core can accept opaque encoded frames and hand decoded-ready objects
// back without knowing what produced or will consume them.
package media

import "context"

// Kind tags a Backend with the capability set it implements, used in
// place of an inheritance hierarchy: a platform selects one concrete
// Backend per Kind at construction time.
type Kind int

const (
	KindCapture Kind = iota
	KindCodec
)

// Frame is an opaque encoded media unit crossing the core/collaborator
// boundary. The core never inspects Payload; it only measures its length
// and forwards it into an object.MoqObject.
type Frame struct {
	Payload     []byte
	TimestampUs uint64
	Keyframe    bool
}

// Backend is the capability set a capture/codec collaborator implements.
// Platforms select a concrete Backend (camera, microphone, Opus encoder,
// H.264 decoder, ...) by construction, never by type-switching on a
// shared base type.
type Backend interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop() error
}

// CaptureBackend additionally enumerates available devices. OS-level
// camera/mic capture implementations (platform-specific) satisfy this;
// the core only ever holds the interface.
type CaptureBackend interface {
	Backend
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	Frames() <-chan Frame
}

// CodecBackend encodes or decodes frames. Opus/H.264 implementations
// satisfy this; the core only ever holds the interface.
type CodecBackend interface {
	Backend
	Encode(ctx context.Context, raw []byte) (Frame, error)
	Decode(ctx context.Context, f Frame) ([]byte, error)
}

// DeviceInfo describes an enumerable capture device.
type DeviceInfo struct {
	ID   string
	Name string
}
