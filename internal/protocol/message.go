// ABOUTME: Wire message types, payload shapes, and the 12-byte header codec.
// ABOUTME: Encode/Decode convert between JSON payloads and framed bytes.

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// HeaderSize is the fixed length of a frame header in bytes.
const HeaderSize = 12

const tagSize = 4

// Errors returned by the codec and parser.
var (
	ErrShortHeader     = errors.New("frame header shorter than 12 bytes")
	ErrMalformedBody   = errors.New("frame body is not valid JSON")
	ErrIncompleteFrame = errors.New("no complete frame buffered")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
)

// MessageType names a kind of frame.
type MessageType string

const (
	TypeAuth        MessageType = "AUTH"
	TypeHeartbeat   MessageType = "HEART"
	TypeSystemInfo  MessageType = "SINFO"
	TypeStaticInfo  MessageType = "STATIC"
	TypeTaskResult  MessageType = "TRSLT"
	TypeTaskRequest MessageType = "TREQ"
	TypeConfig      MessageType = "CONFIG"
)

// wireTypes maps the truncated on-the-wire tag back to its full name.
var wireTypes = map[string]MessageType{}

func init() {
	for _, t := range []MessageType{
		TypeAuth, TypeHeartbeat, TypeSystemInfo, TypeStaticInfo,
		TypeTaskResult, TypeTaskRequest, TypeConfig,
	} {
		wireTypes[t.Tag()] = t
	}
}

// Tag returns the type as it appears in the header, at most four bytes.
func (t MessageType) Tag() string {
	if len(t) > tagSize {
		return string(t[:tagSize])
	}
	return string(t)
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	full, ok := wireTypes[t.Tag()]
	return ok && full == t
}

// Header is the decoded fixed-size frame prefix.
type Header struct {
	Type      MessageType
	Length    uint32
	Timestamp uint32
}

// Message is one decoded frame.
type Message struct {
	Header
	Body json.RawMessage
}

// Time returns the header timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.Unix(int64(m.Timestamp), 0).UTC()
}

// DecodeBody unmarshals the JSON body into v.
func (m *Message) DecodeBody(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", m.Type, err)
	}
	return nil
}

// Encode frames payload as a message of type t stamped with the current time.
func Encode(t MessageType, payload any) ([]byte, error) {
	return EncodeAt(t, payload, time.Now())
}

// EncodeAt frames payload with an explicit timestamp.
func EncodeAt(t MessageType, payload any, ts time.Time) ([]byte, error) {
	body, err := marshalBody(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", t, err)
	}
	if uint64(len(body)) > uint64(^uint32(0)) {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:tagSize], t.Tag())
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(ts.Unix()))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

func marshalBody(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrMalformedBody
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrMalformedBody
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// DecodeHeader parses the 12-byte header prefix of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	tag := string(bytes.TrimRight(b[0:tagSize], "\x00 "))
	t, ok := wireTypes[tag]
	if !ok {
		t = MessageType(tag)
	}
	return Header{
		Type:      t,
		Length:    binary.BigEndian.Uint32(b[4:8]),
		Timestamp: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Decode builds a Message from a header and its body bytes. The body must be
// valid JSON; anything else yields ErrMalformedBody.
func Decode(header, body []byte) (*Message, error) {
	h, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, ErrMalformedBody
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return &Message{Header: h, Body: out}, nil
}
