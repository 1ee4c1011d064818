package wire

import "encoding/binary"

// Decoder accumulates bytes from a single connection until a complete frame
// has arrived, then yields one decoded Message at a time. It never blocks —
// Feed is driven by the reactor's non-blocking read loop.
//
// Grounded on original_source/src/server/networking.c's handle_message, which
// reads the 4-byte length header then loops recv() until msg_sz bytes have
// arrived; Decoder replaces that blocking loop with a buffer that tolerates
// arbitrarily fragmented reads across multiple Feed calls.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts and decodes the next complete message, if one has fully
// arrived. ok is false if more bytes are needed; ok is true only when a full
// frame was consumed from the buffer and decoded.
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	if len(d.buf) < LengthPrefixSize {
		return Message{}, false, nil
	}
	msgSz := binary.BigEndian.Uint32(d.buf[:LengthPrefixSize])
	total := LengthPrefixSize + int(msgSz)
	if len(d.buf) < total {
		return Message{}, false, nil
	}

	body := d.buf[LengthPrefixSize:total]
	m, err := Decode(body)
	// Whether decode succeeded or not, the frame's bytes are consumed: a
	// malformed frame must not wedge the connection by being retried forever.
	remaining := len(d.buf) - total
	if remaining > 0 {
		copy(d.buf, d.buf[total:])
	}
	d.buf = d.buf[:remaining]

	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// Pending returns the number of unconsumed bytes currently buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
