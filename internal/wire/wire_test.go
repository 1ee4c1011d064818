package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeJoin(t *testing.T) {
	body, err := EncodeJoinOrLeave(JoinGroup, "g1", "1.2.3.4:80")
	if err != nil {
		t.Fatalf("EncodeJoinOrLeave: %v", err)
	}
	msg, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != JoinGroup || msg.Group != "g1" || msg.Peer != "1.2.3.4:80" {
		t.Fatalf("Decode: got %+v", msg)
	}
}

func TestEncodeDecodeBroadcast(t *testing.T) {
	body, err := EncodeBroadcast("g1", []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeBroadcast: %v", err)
	}
	msg, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != Broadcast || msg.Group != "g1" || !bytes.Equal(msg.Payload, []byte("hello")) {
		t.Fatalf("Decode: got %+v", msg)
	}
}

func TestEncodeDecodeSubscribeAndListMembers(t *testing.T) {
	for _, typ := range []Type{Subscribe, ListMembers} {
		body, err := EncodeGroupOnly(typ, "g1")
		if err != nil {
			t.Fatalf("EncodeGroupOnly(%s): %v", typ, err)
		}
		msg, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode(%s): %v", typ, err)
		}
		if msg.Type != typ || msg.Group != "g1" {
			t.Fatalf("Decode(%s): got %+v", typ, msg)
		}
	}
}

func TestEncodeRejectsOversizeGroupName(t *testing.T) {
	name := string(make([]byte, 256))
	if _, err := EncodeGroupOnly(Subscribe, name); err != ErrInvalidGroupLen {
		t.Fatalf("expected ErrInvalidGroupLen, got %v", err)
	}
}

func TestEncodeRejectsOversizeEndpoint(t *testing.T) {
	peer := string(make([]byte, 255))
	if _, err := EncodeJoinOrLeave(JoinGroup, "g1", peer); err != ErrInvalidEndpointLen {
		t.Fatalf("expected ErrInvalidEndpointLen, got %v", err)
	}
}

func TestDecoderFragmented(t *testing.T) {
	body, _ := EncodeJoinOrLeave(JoinGroup, "g1", "1.2.3.4:80")
	frame := EncodeFrame(body)

	d := NewDecoder()
	// Feed byte-by-byte to exercise the "no blocking reads, buffer partials"
	// framing rule.
	var got Message
	var ok bool
	for i := 0; i < len(frame); i++ {
		d.Feed(frame[i : i+1])
		var err error
		got, ok, err = d.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ok {
			if i != len(frame)-1 {
				t.Fatalf("Next reported complete at byte %d, frame is %d bytes", i, len(frame))
			}
			break
		}
	}
	if !ok {
		t.Fatalf("Next never completed")
	}
	if got.Group != "g1" || got.Peer != "1.2.3.4:80" {
		t.Fatalf("Next: got %+v", got)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending: got %d, want 0", d.Pending())
	}
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	body1, _ := EncodeJoinOrLeave(JoinGroup, "g1", "1.2.3.4:80")
	body2, _ := EncodeJoinOrLeave(LeaveGroup, "g1", "1.2.3.4:80")

	d := NewDecoder()
	d.Feed(EncodeFrame(body1))
	d.Feed(EncodeFrame(body2))

	m1, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("first Next: ok=%v err=%v", ok, err)
	}
	if m1.Type != JoinGroup {
		t.Fatalf("first message: got %s, want JOIN", m1.Type)
	}

	m2, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("second Next: ok=%v err=%v", ok, err)
	}
	if m2.Type != LeaveGroup {
		t.Fatalf("second message: got %s, want LEAVE", m2.Type)
	}

	if _, ok, _ := d.Next(); ok {
		t.Fatalf("third Next: expected no more frames")
	}
}

func TestEncodeBroadcastRoundTripIsByteIdentical(t *testing.T) {
	// Outbound broadcast to a listener is bit-identical to the inbound frame
	// body (length prefix + body verbatim, no rewriting).
	body, _ := EncodeBroadcast("g1", []byte("hello"))
	inboundFrame := EncodeFrame(body)

	// The dispatcher decodes the inbound body and re-encodes the outbound
	// frame from the decoded group and payload.
	msg, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	outBody, err := EncodeBroadcast(msg.Group, msg.Payload)
	if err != nil {
		t.Fatalf("EncodeBroadcast: %v", err)
	}
	outboundFrame := EncodeFrame(outBody)
	if !bytes.Equal(inboundFrame, outboundFrame) {
		t.Fatalf("outbound frame diverged from inbound frame")
	}
}
