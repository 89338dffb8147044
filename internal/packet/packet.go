// Package packet implements the link-layer framing used on the HID channel.
//
// A logical Message (command, length, payload) is serialized little-endian and
// split into at most 16 link packets of up to 64 bytes each:
//
//	[header, sequence, chunk...]
//
// header bit 7 carries the toggle, bit 6 the acknowledgment flag (device only)
// and bits 0-5 the chunk length. sequence holds the packet index in the high
// nibble and the packet count minus one in the low nibble.
package packet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	MaxPacketSize     = 64
	PacketHeaderSize  = 2
	MaxChunkSize      = MaxPacketSize - PacketHeaderSize
	MaxPackets        = 16
	MaxSerializedSize = MaxPackets * MaxChunkSize // 992

	MessageHeaderSize = 4 // command:u16 + length:u16
	MaxPayloadSize    = MaxSerializedSize - MessageHeaderSize

	ToggleMask = 0x80 // Alternates once per completed exchange
	AckMask    = 0x40 // Set by the device on acknowledgment echoes
	LengthMask = 0x3F
)

var (
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrMalformedSequence = errors.New("malformed packet sequence")
	ErrInvalidPacket     = errors.New("invalid link packet")
)

// Toggle is the single-bit sequence flag carried in every packet header.
type Toggle uint8

func (t Toggle) Flip() Toggle {
	return t ^ 1
}

func (t Toggle) Mask() byte {
	if t&1 == 1 {
		return ToggleMask
	}
	return 0
}

func (t Toggle) String() string {
	return fmt.Sprintf("%d", t&1)
}

// Message is the logical unit exchanged with the device.
type Message struct {
	Command uint16
	Payload []byte
}

// Len is the value carried in the message length field.
func (m Message) Len() uint16 {
	return uint16(len(m.Payload))
}

func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(m.Payload), MaxPayloadSize)
	}
	b := make([]byte, MessageHeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint16(b[0:2], m.Command)
	binary.LittleEndian.PutUint16(b[2:4], m.Len())
	copy(b[MessageHeaderSize:], m.Payload)
	return b, nil
}

func (m Message) String() string {
	return fmt.Sprintf("cmd=0x%04X len=%d payload=%s", m.Command, len(m.Payload), HexString(m.Payload))
}

// ParseMessage parses a serialized message. Trailing bytes past the declared
// length are padding and ignored.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < MessageHeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the message header", ErrMalformedSequence, len(b))
	}
	length := int(binary.LittleEndian.Uint16(b[2:4]))
	if length > len(b)-MessageHeaderSize {
		return Message{}, fmt.Errorf("%w: declared length %d, have %d", ErrMalformedSequence, length, len(b)-MessageHeaderSize)
	}
	payload := make([]byte, length)
	copy(payload, b[MessageHeaderSize:MessageHeaderSize+length])
	return Message{
		Command: binary.LittleEndian.Uint16(b[0:2]),
		Payload: payload,
	}, nil
}

// LinkPacket is one HID report worth of a fragmented message.
type LinkPacket struct {
	Header   byte
	Sequence byte
	Chunk    []byte
}

func (p LinkPacket) Toggle() Toggle {
	if p.Header&ToggleMask != 0 {
		return 1
	}
	return 0
}

func (p LinkPacket) Ack() bool   { return p.Header&AckMask != 0 }
func (p LinkPacket) Length() int { return int(p.Header & LengthMask) }
func (p LinkPacket) Index() int  { return int(p.Sequence >> 4) }
func (p LinkPacket) Count() int  { return int(p.Sequence&0x0F) + 1 }

// Bytes returns the wire form of the packet without report ID or padding.
func (p LinkPacket) Bytes() []byte {
	b := make([]byte, 0, PacketHeaderSize+len(p.Chunk))
	b = append(b, p.Header, p.Sequence)
	return append(b, p.Chunk...)
}

// ParseLinkPacket parses a raw input report. Bytes past the declared chunk
// length are report padding.
func ParseLinkPacket(raw []byte) (LinkPacket, error) {
	if len(raw) < PacketHeaderSize {
		return LinkPacket{}, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(raw))
	}
	n := int(raw[0] & LengthMask)
	if n > MaxChunkSize {
		return LinkPacket{}, fmt.Errorf("%w: chunk length %d exceeds %d", ErrInvalidPacket, n, MaxChunkSize)
	}
	if len(raw) < PacketHeaderSize+n {
		return LinkPacket{}, fmt.Errorf("%w: chunk length %d, have %d bytes", ErrInvalidPacket, n, len(raw)-PacketHeaderSize)
	}
	chunk := make([]byte, n)
	copy(chunk, raw[PacketHeaderSize:PacketHeaderSize+n])
	return LinkPacket{Header: raw[0], Sequence: raw[1], Chunk: chunk}, nil
}

// Encode fragments m into link packets stamped with the given toggle.
func Encode(m Message, toggle Toggle) ([]LinkPacket, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}

	total := (len(b) + MaxChunkSize - 1) / MaxChunkSize
	packets := make([]LinkPacket, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxChunkSize
		end := min(start+MaxChunkSize, len(b))
		packets = append(packets, LinkPacket{
			Header:   toggle.Mask() | byte(end-start),
			Sequence: byte(i<<4) | byte(total-1),
			Chunk:    b[start:end],
		})
	}
	return packets, nil
}

// Decode reassembles a complete set of packets into a message. Packets may be
// given in any order as long as they sort to a contiguous 0..N-1 range.
func Decode(packets []LinkPacket) (Message, error) {
	if len(packets) == 0 {
		return Message{}, fmt.Errorf("%w: no packets", ErrMalformedSequence)
	}
	if len(packets) > MaxPackets {
		return Message{}, fmt.Errorf("%w: %d packets", ErrMalformedSequence, len(packets))
	}

	sorted := make([]LinkPacket, len(packets))
	copy(sorted, packets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index() < sorted[j].Index() })

	count := sorted[0].Count()
	if count != len(sorted) {
		return Message{}, fmt.Errorf("%w: packet count nibble says %d, got %d packets", ErrMalformedSequence, count, len(sorted))
	}

	var b []byte
	for i, p := range sorted {
		if p.Count() != count {
			return Message{}, fmt.Errorf("%w: packet %d declares count %d, expected %d", ErrMalformedSequence, p.Index(), p.Count(), count)
		}
		if p.Index() != i {
			return Message{}, fmt.Errorf("%w: expected index %d, got %d", ErrMalformedSequence, i, p.Index())
		}
		b = append(b, p.Chunk...)
	}

	m, err := ParseMessage(b)
	if err != nil {
		return Message{}, err
	}
	if MessageHeaderSize+len(m.Payload) != len(b) {
		return Message{}, fmt.Errorf("%w: declared length %d, collected %d payload bytes", ErrMalformedSequence, len(m.Payload), len(b)-MessageHeaderSize)
	}
	return m, nil
}

// Reassembler collects the packets of one reply as they arrive.
type Reassembler struct {
	packets []LinkPacket
}

// Add appends p and reports whether the message is complete.
func (r *Reassembler) Add(p LinkPacket) (bool, error) {
	if p.Index() == 0 && len(r.packets) > 0 {
		pending := len(r.packets)
		r.Reset()
		return false, fmt.Errorf("%w: new message started with %d packets pending", ErrMalformedSequence, pending)
	}
	if p.Index() != len(r.packets) {
		r.Reset()
		return false, fmt.Errorf("%w: expected index %d, got %d", ErrMalformedSequence, len(r.packets), p.Index())
	}
	if len(r.packets) > 0 && p.Count() != r.packets[0].Count() {
		r.Reset()
		return false, fmt.Errorf("%w: count changed mid-message", ErrMalformedSequence)
	}
	r.packets = append(r.packets, p)
	return len(r.packets) == p.Count(), nil
}

// Message decodes the collected packets.
func (r *Reassembler) Message() (Message, error) {
	return Decode(r.packets)
}

func (r *Reassembler) Reset() {
	r.packets = r.packets[:0]
}

// HexString renders b as dash separated hex pairs.
func HexString(b []byte) string {
	hexDigits := hex.EncodeToString(b)
	var builder strings.Builder
	for i, r := range hexDigits {
		if i > 0 && i%2 == 0 {
			builder.WriteString("-")
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
