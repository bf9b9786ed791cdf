// Package protocol defines the packet format, opcodes and payload codecs
// shared by both endpoint roles.
package protocol

import (
	"fmt"
	"strings"
)

// Opcode is the 7-bit operation code carried in the first header byte.
type Opcode uint8

// Control opcodes [0, 31].
const (
	OpEmpty        Opcode = 0
	OpDigChannel   Opcode = 10
	OpOpenChannel  Opcode = 11
	OpCloseChannel Opcode = 12
	OpErrorChannel Opcode = 13
	OpLog          Opcode = 20
)

// Remote-call opcodes [32, 63].
const (
	OpCall   Opcode = 40
	OpReturn Opcode = 41
	OpError  Opcode = 42
)

// Synchronization opcodes [64, 127].
const (
	OpStart             Opcode = 64
	OpStop              Opcode = 65
	OpSynced            Opcode = 66
	OpGet               Opcode = 81
	OpSet               Opcode = 82
	OpDelete            Opcode = 83
	OpPush              Opcode = 84
	OpUnshift           Opcode = 85
	OpExclude           Opcode = 86
	OpStringConcatenate Opcode = 87
	OpErrorSync         Opcode = 99
)

// MaxOpcode is the largest value that fits next to the ack bit.
const MaxOpcode Opcode = 0x7F

// OpcodeClass partitions the opcode space.
type OpcodeClass uint8

const (
	ClassControl OpcodeClass = iota
	ClassCall
	ClassSync
)

func (c OpcodeClass) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassCall:
		return "call"
	default:
		return "sync"
	}
}

// Class reports which partition of the opcode space o belongs to.
func (o Opcode) Class() OpcodeClass {
	switch {
	case o <= 31:
		return ClassControl
	case o <= 63:
		return ClassCall
	default:
		return ClassSync
	}
}

var opcodeNames = map[Opcode]string{
	OpEmpty:             "EMPTY",
	OpDigChannel:        "DIG_CHANNEL",
	OpOpenChannel:       "OPEN_CHANNEL",
	OpCloseChannel:      "CLOSE_CHANNEL",
	OpErrorChannel:      "ERROR_CHANNEL",
	OpLog:               "LOG",
	OpCall:              "CALL",
	OpReturn:            "RETURN",
	OpError:             "ERROR",
	OpStart:             "START",
	OpStop:              "STOP",
	OpSynced:            "SYNCED",
	OpGet:               "GET",
	OpSet:               "SET",
	OpDelete:            "DELETE",
	OpPush:              "PUSH",
	OpUnshift:           "UNSHIFT",
	OpExclude:           "EXCLUDE",
	OpStringConcatenate: "STRING_CONCATENATE",
	OpErrorSync:         "ERROR_SYNC",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// ServiceType describes how a bound channel is used.
type ServiceType uint8

const (
	JSONSync ServiceType = iota
	ServerCall
	ClientCall
	BidirectionalCall
)

func (t ServiceType) String() string {
	switch t {
	case JSONSync:
		return "JSON_SYNC"
	case ServerCall:
		return "SERVER_CALL"
	case ClientCall:
		return "CLIENT_CALL"
	case BidirectionalCall:
		return "BIDIRECTIONAL_CALL"
	default:
		return fmt.Sprintf("SERVICE_TYPE(%d)", uint8(t))
	}
}

// ParseServiceType accepts the String form or its lower-case, dashed
// spelling ("server-call").
func ParseServiceType(s string) (ServiceType, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for t := JSONSync; t <= BidirectionalCall; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown service type %q", s)
}

// Header sizes: Flags/Opcode(1) + Channel(2) + Seq(4), plus Ack(4) when present.
const (
	HeaderSize    = 7
	AckHeaderSize = HeaderSize + 4
)

// ControlChannel is reserved for negotiation and standalone acks.
const ControlChannel uint16 = 0

// Header is the fixed part of every packet.
type Header struct {
	HasAck  bool
	Opcode  Opcode
	Channel uint16
	Seq     uint32
	Ack     uint32 // meaningful only when HasAck is set
}

// Size returns the encoded header length.
func (h Header) Size() int {
	if h.HasAck {
		return AckHeaderSize
	}
	return HeaderSize
}

// Packet is a header plus an opaque payload value.
type Packet struct {
	Header
	Payload any

	raw   []byte
	codec PayloadCodec
}

// NewPacket builds a packet for sending.
func NewPacket(h Header, payload any) *Packet {
	return &Packet{Header: h, Payload: payload}
}

// Raw returns the undecoded payload segment of a decoded packet.
func (p *Packet) Raw() []byte {
	return p.raw
}

// Bind decodes the payload segment into v using the codec the packet was
// decoded with. A packet without payload leaves v untouched.
func (p *Packet) Bind(v any) error {
	if len(p.raw) == 0 {
		return nil
	}
	codec := p.codec
	if codec == nil {
		codec = DefaultCodec()
	}
	if err := codec.Unmarshal(p.raw, v); err != nil {
		return &PayloadError{Format: codec.Name(), Err: err}
	}
	return nil
}

func (p *Packet) String() string {
	if p.HasAck {
		return fmt.Sprintf("%s ch=%d seq=%d ack=%d len=%d", p.Opcode, p.Channel, p.Seq, p.Ack, len(p.raw))
	}
	return fmt.Sprintf("%s ch=%d seq=%d len=%d", p.Opcode, p.Channel, p.Seq, len(p.raw))
}
