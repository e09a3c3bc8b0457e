package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control frame type IDs (spec.md §6).
const (
	MsgSetup          uint64 = 0x40
	MsgSetupOK        uint64 = 0x41
	MsgSubscribe      uint64 = 0x42
	MsgSubscribeOK    uint64 = 0x43
	MsgSubscribeError uint64 = 0x44
	MsgUnsubscribe    uint64 = 0x45
	MsgAnnounce       uint64 = 0x46
	MsgAnnounceOK     uint64 = 0x47
	MsgGoAway         uint64 = 0x48
	MsgPing           uint64 = 0x49
	MsgPong           uint64 = 0x4A
)

// Role values negotiated during SETUP.
type Role uint64

const (
	RolePublisher Role = iota
	RoleSubscriber
	RolePubSub
)

// Subscription filter types (spec.md §3).
const (
	FilterLatestGroup   uint64 = 0x01
	FilterAbsoluteRange uint64 = 0x02
	FilterLatestObject  uint64 = 0x03
)

// Setup is the SETUP payload the dialing side sends, listing the
// versions it supports; the listening side answers with SetupOK naming
// the highest common version.
type Setup struct {
	Versions        []uint64
	Role            Role
	MaxSubscribeID  uint64
	ObjectCacheHint bool
}

// SetupOK is the response once a common version has been selected.
type SetupOK struct {
	SelectedVersion uint64
	Role            Role
	MaxSubscribeID  uint64
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	Namespace  string
	TrackName  string
	Priority   uint8
	FilterType uint64
	StartGroup uint64
	StartObj   uint64
	EndGroup   uint64
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64
	ContentExists bool
	LargestGroup  uint64
	LargestObj    uint64
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

// Announce advertises a namespace a participant can publish.
type Announce struct {
	Namespace string
}

// AnnounceOK acknowledges an Announce.
type AnnounceOK struct {
	Namespace string
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads a single control message from the control stream.
// Wire format: [message_type (varint)] [message_length (uint16 BE)] [payload].
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br = buffered
		r = buffered
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteControlMsg writes a control message as a single Write call, so
// it is atomic on the wire even without external synchronization.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, msgType)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ParseSetup parses a SETUP payload.
func ParseSetup(data []byte) (Setup, error) {
	r := newBufReader(data)
	var s Setup

	n, err := r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "num_versions", Err: err}
	}
	s.Versions = make([]uint64, n)
	for i := range s.Versions {
		v, err := r.readVarint()
		if err != nil {
			return s, &ParseError{Field: "version", Err: err}
		}
		s.Versions[i] = v
	}

	role, err := r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "role", Err: err}
	}
	s.Role = Role(role)

	s.MaxSubscribeID, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "max_subscribe_id", Err: err}
	}

	hint, err := r.readByte()
	if err != nil {
		return s, &ParseError{Field: "object_cache_hint", Err: err}
	}
	s.ObjectCacheHint = hint != 0

	return s, nil
}

// SerializeSetup serializes a SETUP payload.
func SerializeSetup(s Setup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(s.Versions)))
	for _, v := range s.Versions {
		buf = quicvarint.Append(buf, v)
	}
	buf = quicvarint.Append(buf, uint64(s.Role))
	buf = quicvarint.Append(buf, s.MaxSubscribeID)
	if s.ObjectCacheHint {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ParseSetupOK parses a SETUP_OK payload.
func ParseSetupOK(data []byte) (SetupOK, error) {
	r := newBufReader(data)
	var so SetupOK
	var err error
	so.SelectedVersion, err = r.readVarint()
	if err != nil {
		return so, &ParseError{Field: "selected_version", Err: err}
	}
	role, err := r.readVarint()
	if err != nil {
		return so, &ParseError{Field: "role", Err: err}
	}
	so.Role = Role(role)
	so.MaxSubscribeID, err = r.readVarint()
	if err != nil {
		return so, &ParseError{Field: "max_subscribe_id", Err: err}
	}
	return so, nil
}

// SerializeSetupOK serializes a SETUP_OK payload.
func SerializeSetupOK(so SetupOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, so.SelectedVersion)
	buf = quicvarint.Append(buf, uint64(so.Role))
	buf = quicvarint.Append(buf, so.MaxSubscribeID)
	return buf
}

// ParseSubscribe parses a SUBSCRIBE payload.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := newBufReader(data)
	var s Subscribe
	var err error

	s.RequestID, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "request_id", Err: err}
	}

	nsBytes, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "namespace", Err: err}
	}
	s.Namespace = string(nsBytes)

	trackBytes, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "track_name", Err: err}
	}
	s.TrackName = string(trackBytes)

	priority, err := r.readByte()
	if err != nil {
		return s, &ParseError{Field: "priority", Err: err}
	}
	s.Priority = priority

	s.FilterType, err = r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "filter_type", Err: err}
	}

	switch s.FilterType {
	case FilterAbsoluteRange:
		if s.StartGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_group", Err: err}
		}
		if s.StartObj, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_object", Err: err}
		}
		if s.EndGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "end_group", Err: err}
		}
	}

	return s, nil
}

// SerializeSubscribe serializes a SUBSCRIBE payload.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.RequestID)
	buf = appendVarIntBytes(buf, []byte(s.Namespace))
	buf = appendVarIntBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority)
	buf = quicvarint.Append(buf, s.FilterType)
	if s.FilterType == FilterAbsoluteRange {
		buf = quicvarint.Append(buf, s.StartGroup)
		buf = quicvarint.Append(buf, s.StartObj)
		buf = quicvarint.Append(buf, s.EndGroup)
	}
	return buf
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	r := newBufReader(data)
	reqID, err := r.readVarint()
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "request_id", Err: err}
	}
	return Unsubscribe{RequestID: reqID}, nil
}

// SerializeUnsubscribe serializes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	return quicvarint.Append(nil, u.RequestID)
}

// SerializeSubscribeOK serializes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(sok SubscribeOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, sok.RequestID)
	buf = quicvarint.Append(buf, sok.TrackAlias)
	buf = quicvarint.Append(buf, sok.Expires)
	if sok.ContentExists {
		buf = append(buf, 1)
		buf = quicvarint.Append(buf, sok.LargestGroup)
		buf = quicvarint.Append(buf, sok.LargestObj)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := newBufReader(data)
	var sok SubscribeOK
	var err error

	if sok.RequestID, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "request_id", Err: err}
	}
	if sok.TrackAlias, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "track_alias", Err: err}
	}
	if sok.Expires, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "expires", Err: err}
	}
	exists, err := r.readByte()
	if err != nil {
		return sok, &ParseError{Field: "content_exists", Err: err}
	}
	sok.ContentExists = exists != 0
	if sok.ContentExists {
		if sok.LargestGroup, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_group", Err: err}
		}
		if sok.LargestObj, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_object", Err: err}
		}
	}
	return sok, nil
}

// SerializeSubscribeError serializes a SUBSCRIBE_ERROR payload.
func SerializeSubscribeError(se SubscribeError) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, se.RequestID)
	buf = quicvarint.Append(buf, se.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(se.ReasonPhrase))
	return buf
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := newBufReader(data)
	var se SubscribeError
	var err error
	if se.RequestID, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "request_id", Err: err}
	}
	if se.ErrorCode, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return se, &ParseError{Field: "reason_phrase", Err: err}
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// SerializeAnnounce serializes an ANNOUNCE payload.
func SerializeAnnounce(a Announce) []byte {
	return appendVarIntBytes(nil, []byte(a.Namespace))
}

// ParseAnnounce parses an ANNOUNCE payload.
func ParseAnnounce(data []byte) (Announce, error) {
	r := newBufReader(data)
	ns, err := r.readVarIntBytes()
	if err != nil {
		return Announce{}, &ParseError{Field: "namespace", Err: err}
	}
	return Announce{Namespace: string(ns)}, nil
}

// SerializeAnnounceOK serializes an ANNOUNCE_OK payload.
func SerializeAnnounceOK(a AnnounceOK) []byte {
	return appendVarIntBytes(nil, []byte(a.Namespace))
}

// ParseAnnounceOK parses an ANNOUNCE_OK payload.
func ParseAnnounceOK(data []byte) (AnnounceOK, error) {
	r := newBufReader(data)
	ns, err := r.readVarIntBytes()
	if err != nil {
		return AnnounceOK{}, &ParseError{Field: "namespace", Err: err}
	}
	return AnnounceOK{Namespace: string(ns)}, nil
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	return appendVarIntBytes(nil, []byte(ga.NewSessionURI))
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	r := newBufReader(data)
	uri, err := r.readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}

func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}
