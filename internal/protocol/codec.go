package protocol

import (
	"encoding/binary"
	"fmt"
)

const ackFlag = 0x80

// FramingError reports a truncated or malformed header. It is fatal to
// the packet, never to the connection.
type FramingError struct {
	Len    int
	Need   int
	Reason string
}

func (e *FramingError) Error() string {
	if e.Reason != "" {
		return "framing: " + e.Reason
	}
	return fmt.Sprintf("framing: packet too short: %d bytes (need at least %d)", e.Len, e.Need)
}

// PayloadError wraps a payload codec failure.
type PayloadError struct {
	Format string
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload (%s): %v", e.Format, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// EncodeHeader writes h into a new buffer with room for payloadLen bytes.
func EncodeHeader(h Header, payloadLen int) ([]byte, error) {
	if h.Opcode > MaxOpcode {
		return nil, &FramingError{Reason: fmt.Sprintf("opcode %d out of range", h.Opcode)}
	}
	buf := make([]byte, h.Size(), h.Size()+payloadLen)
	buf[0] = byte(h.Opcode) & 0x7F
	if h.HasAck {
		buf[0] |= ackFlag
	}
	binary.BigEndian.PutUint16(buf[1:3], h.Channel)
	binary.BigEndian.PutUint32(buf[3:7], h.Seq)
	if h.HasAck {
		binary.BigEndian.PutUint32(buf[7:11], h.Ack)
	}
	return buf, nil
}

// DecodeHeader parses the fixed header and returns it with its length.
func DecodeHeader(data []byte) (Header, int, error) {
	if len(data) < HeaderSize {
		return Header{}, 0, &FramingError{Len: len(data), Need: HeaderSize}
	}
	h := Header{
		HasAck:  data[0]&ackFlag != 0,
		Opcode:  Opcode(data[0] & 0x7F),
		Channel: binary.BigEndian.Uint16(data[1:3]),
		Seq:     binary.BigEndian.Uint32(data[3:7]),
	}
	if h.HasAck {
		if len(data) < AckHeaderSize {
			return Header{}, 0, &FramingError{Len: len(data), Need: AckHeaderSize}
		}
		h.Ack = binary.BigEndian.Uint32(data[7:11])
	}
	return h, h.Size(), nil
}

// Encode serializes pkt with the given payload codec. A nil payload
// produces an empty payload segment.
func Encode(pkt *Packet, codec PayloadCodec) ([]byte, error) {
	if codec == nil {
		codec = DefaultCodec()
	}
	var payload []byte
	if pkt.Payload != nil {
		var err error
		payload, err = codec.Marshal(pkt.Payload)
		if err != nil {
			return nil, &PayloadError{Format: codec.Name(), Err: err}
		}
	}
	buf, err := EncodeHeader(pkt.Header, len(payload))
	if err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// Decode deserializes data with the given payload codec. An empty payload
// segment decodes to a nil payload.
func Decode(data []byte, codec PayloadCodec) (*Packet, error) {
	if codec == nil {
		codec = DefaultCodec()
	}
	h, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	pkt := &Packet{Header: h, codec: codec}
	if len(data) == n {
		return pkt, nil
	}
	pkt.raw = make([]byte, len(data)-n)
	copy(pkt.raw, data[n:])

	var v any
	if err := codec.Unmarshal(pkt.raw, &v); err != nil {
		return nil, &PayloadError{Format: codec.Name(), Err: err}
	}
	pkt.Payload = v
	return pkt, nil
}
