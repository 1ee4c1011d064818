// Package wire implements the broker's binary protocol: a 4-byte big-endian
// length prefix followed by a type-tagged body. It is a faithful translation
// of original_source/src/server/msgproto.h.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies a decoded message's kind.
type Type byte

// Message types, fixed by the wire format. Value 4 is SUBSCRIBE: the
// original msgproto.h declared type 4 as both SUBSCRIBE and a second
// LEAVEGROUP; that collision is not reproduced here.
const (
	JoinGroup   Type = 1
	LeaveGroup  Type = 2
	Broadcast   Type = 3
	Subscribe   Type = 4
	Healthcheck Type = 5
	ListMembers Type = 6
)

func (t Type) String() string {
	switch t {
	case JoinGroup:
		return "JOIN"
	case LeaveGroup:
		return "LEAVE"
	case Broadcast:
		return "BROADCAST"
	case Subscribe:
		return "SUBSCRIBE"
	case Healthcheck:
		return "HEALTHCHECK"
	case ListMembers:
		return "LISTMEMBERS"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// ReservedMagic is reserved for a future handshake; it is never emitted or
// checked by the current protocol.
const ReservedMagic uint32 = 19910121

// Field-length limits for group names and endpoint strings.
const (
	MaxGroupNameLen = 255 // glen is 1..255
	MaxEndpointLen  = 254 // slen is 1..254 (a join with a 255-byte endpoint is TooLong)
)

// LengthPrefixSize is the size, in bytes, of the frame's outer length prefix.
const LengthPrefixSize = 4

var (
	// ErrShortFrame is returned by Decode and its helpers when a frame body
	// ends before a field it declares is complete. Decode is only ever handed
	// one whole frame body, so this marks a malformed frame: Decoder.Next
	// has already consumed it, and the reactor drops the connection.
	ErrShortFrame = errors.New("wire: short frame")
	// ErrInvalidGroupLen is returned when glen is 0 on decode, or when a
	// group name is not 1..255 bytes on encode.
	ErrInvalidGroupLen = errors.New("wire: invalid group name length")
	// ErrInvalidEndpointLen is returned when slen is 0 on decode, or when an
	// endpoint is not 1..254 bytes on encode.
	ErrInvalidEndpointLen = errors.New("wire: invalid endpoint length")
	// ErrUnknownType is returned for a type byte outside the known set.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Message is a fully decoded protocol frame.
type Message struct {
	Type    Type
	Group   string
	Peer    string // endpoint, for JOIN/LEAVE/HEALTHCHECK (HEALTHCHECK reuses Peer as the JOIN/LEAVE field would, via dispatch)
	Payload []byte // broadcast payload, for BROADCAST only
}

// Decode parses a single message body (the bytes after the length prefix have
// already been isolated by the accumulator in decoder.go). body must be
// exactly one complete frame body.
func Decode(body []byte) (Message, error) {
	if len(body) < 2 {
		return Message{}, ErrShortFrame
	}
	typ := Type(body[0])
	glen := int(body[1])
	if glen == 0 {
		return Message{}, ErrInvalidGroupLen
	}
	if len(body) < 2+glen {
		return Message{}, ErrShortFrame
	}
	group := string(body[2 : 2+glen])
	rest := body[2+glen:]

	switch typ {
	case JoinGroup, LeaveGroup, Healthcheck:
		peer, err := decodeShortString(rest)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Group: group, Peer: peer}, nil
	case Broadcast:
		payload, err := decodeLongString(rest)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Group: group, Payload: payload}, nil
	case Subscribe, ListMembers:
		return Message{Type: typ, Group: group}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, body[0])
	}
}

// decodeShortString reads a 2-byte length + N bytes: JOIN/LEAVE/HEALTHCHECK's
// endpoint field. Only an empty field is rejected here; the 254-byte limit is
// enforced by Registry.Join as ErrTooLong.
func decodeShortString(b []byte) (string, error) {
	if len(b) < 2 {
		return "", ErrShortFrame
	}
	slen := int(binary.BigEndian.Uint16(b[:2]))
	if slen == 0 {
		return "", ErrInvalidEndpointLen
	}
	if len(b) < 2+slen {
		return "", ErrShortFrame
	}
	return string(b[2 : 2+slen]), nil
}

// decodeLongString reads a 2-byte length + N bytes (BROADCAST's opaque
// payload, which may be empty).
func decodeLongString(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrShortFrame
	}
	mlen := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+mlen {
		return nil, ErrShortFrame
	}
	out := make([]byte, mlen)
	copy(out, b[2:2+mlen])
	return out, nil
}

// EncodeFrame prepends the 4-byte big-endian length prefix to body and
// returns the full wire frame.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out
}

// EncodeJoinOrLeave builds a JOIN or LEAVE frame.
func EncodeJoinOrLeave(typ Type, group, peer string) ([]byte, error) {
	if typ != JoinGroup && typ != LeaveGroup {
		return nil, fmt.Errorf("wire: EncodeJoinOrLeave: not a JOIN/LEAVE type: %s", typ)
	}
	return encodeGroupPlusShort(typ, group, peer)
}

// EncodeHealthcheck builds a HEALTHCHECK frame.
func EncodeHealthcheck(group, peer string) ([]byte, error) {
	return encodeGroupPlusShort(Healthcheck, group, peer)
}

func encodeGroupPlusShort(typ Type, group, short string) ([]byte, error) {
	if err := validateGroupName(group); err != nil {
		return nil, err
	}
	if len(short) == 0 || len(short) > MaxEndpointLen {
		return nil, ErrInvalidEndpointLen
	}
	body := make([]byte, 2+len(group)+2+len(short))
	body[0] = byte(typ)
	body[1] = byte(len(group))
	n := copy(body[2:], group)
	binary.BigEndian.PutUint16(body[2+n:], uint16(len(short)))
	copy(body[2+n+2:], short)
	return body, nil
}

// EncodeBroadcast builds a BROADCAST frame.
func EncodeBroadcast(group string, payload []byte) ([]byte, error) {
	if err := validateGroupName(group); err != nil {
		return nil, err
	}
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: payload too large: %d bytes", len(payload))
	}
	body := make([]byte, 2+len(group)+2+len(payload))
	body[0] = byte(Broadcast)
	body[1] = byte(len(group))
	n := copy(body[2:], group)
	binary.BigEndian.PutUint16(body[2+n:], uint16(len(payload)))
	copy(body[2+n+2:], payload)
	return body, nil
}

// EncodeGroupOnly builds a SUBSCRIBE/LISTMEMBERS-shaped frame (type + group
// name only).
func EncodeGroupOnly(typ Type, group string) ([]byte, error) {
	if err := validateGroupName(group); err != nil {
		return nil, err
	}
	body := make([]byte, 2+len(group))
	body[0] = byte(typ)
	body[1] = byte(len(group))
	copy(body[2:], group)
	return body, nil
}

func validateGroupName(name string) error {
	if len(name) == 0 || len(name) > MaxGroupNameLen {
		return ErrInvalidGroupLen
	}
	return nil
}

// EncodeListMembersReply builds the dispatcher's reply to a LISTMEMBERS
// request: a length-prefixed frame whose body is the member-list bytes
// verbatim (the comma-terminated list, no trailing NUL, no type tag). The
// requester reads it with the same length-prefix framing it uses for every
// other frame.
func EncodeListMembersReply(members []byte) []byte {
	return EncodeFrame(members)
}
