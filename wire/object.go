package wire

import (
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Object status values (spec.md §4.3), distinct from the higher-level
// object.Status enum: this is the wire encoding of that enum.
const (
	ObjectStatusNormal     uint64 = 0x00
	ObjectStatusEndOfGroup uint64 = 0x01
	ObjectStatusEndOfTrack uint64 = 0x02
)

// StreamHeader opens a data stream and names the track the objects that
// follow belong to. Subsequent objects on the same stream omit the
// track alias; it is carried once per stream, not once per object.
type StreamHeader struct {
	TrackAlias uint64
}

// ObjectFrame is a single wire-encoded object, minus the track alias
// (carried by the enclosing StreamHeader).
type ObjectFrame struct {
	GroupID           uint64
	ObjectID          uint64
	PublisherPriority uint8
	Status            uint64
	Payload           []byte
}

// WriteStreamHeader writes the per-stream header that precedes the
// first object on a data stream.
func WriteStreamHeader(w io.Writer, h StreamHeader) error {
	buf := quicvarint.Append(nil, h.TrackAlias)
	_, err := w.Write(buf)
	return err
}

// ReadStreamHeader reads the per-stream header opening a data stream.
func ReadStreamHeader(r io.ByteReader) (StreamHeader, error) {
	alias, err := quicvarint.Read(r)
	if err != nil {
		return StreamHeader{}, &ParseError{Field: "track_alias", Err: err}
	}
	return StreamHeader{TrackAlias: alias}, nil
}

// WriteObjectFrame encodes a single object:
//
//	group_id (varint) object_id (varint) publisher_priority (u8)
//	status (varint) payload_length (varint) payload (bytes)
//
// It is written in one Write call so a single object never interleaves
// with another writer sharing the same stream.
func WriteObjectFrame(w io.Writer, f ObjectFrame) error {
	var buf []byte
	buf = quicvarint.Append(buf, f.GroupID)
	buf = quicvarint.Append(buf, f.ObjectID)
	buf = append(buf, f.PublisherPriority)
	buf = quicvarint.Append(buf, f.Status)
	buf = quicvarint.Append(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// objectByteReader adapts an io.Reader into the io.ByteReader quicvarint
// needs while still allowing bulk payload reads via io.ReadFull.
type objectByteReader struct {
	io.Reader
}

func (r objectByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r.Reader, b[:])
	return b[0], err
}

// ReadObjectFrame decodes a single object frame from a data stream. The
// track alias is not read here; callers read it once via
// ReadStreamHeader at the start of the stream.
func ReadObjectFrame(r io.Reader) (ObjectFrame, error) {
	br := objectByteReader{r}
	var f ObjectFrame
	var err error

	if f.GroupID, err = quicvarint.Read(br); err != nil {
		return f, &ParseError{Field: "group_id", Err: err}
	}
	if f.ObjectID, err = quicvarint.Read(br); err != nil {
		return f, &ParseError{Field: "object_id", Err: err}
	}
	priority, err := br.ReadByte()
	if err != nil {
		return f, &ParseError{Field: "publisher_priority", Err: err}
	}
	f.PublisherPriority = priority

	if f.Status, err = quicvarint.Read(br); err != nil {
		return f, &ParseError{Field: "status", Err: err}
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return f, &ParseError{Field: "payload_length", Err: err}
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, &ParseError{Field: "payload", Err: err}
		}
	}

	return f, nil
}
