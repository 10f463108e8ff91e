// Package wire implements the byte-level framing for the Core protocol: a
// small cursor-based reader/writer ported from the teacher's BitStream, and
// the packet-family/subtype constants from spec.md §4.1.
//
// Subspace's Core header fields are little-endian (32-bit sequence numbers
// in 0x03/0x04, the length field in 0x0A), unlike the big-endian SA-MP
// wire the teacher's BitStream originally targeted, so every multi-byte
// codec here is little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet family.
const (
	TypeCore = 0x00 // any other leading byte is an application packet
)

// Core subtypes (second byte of a 0x00-family packet).
const (
	SubtypeKeyInit          = 0x01
	SubtypeKeyResponse      = 0x02
	SubtypeReliable         = 0x03
	SubtypeAck              = 0x04
	SubtypeSyncRequest      = 0x05
	SubtypeSyncResponse     = 0x06
	SubtypeDrop             = 0x07
	SubtypeBigData          = 0x08
	SubtypeBigDataEnd       = 0x09
	SubtypeSizedData        = 0x0A
	SubtypeCancelSized      = 0x0B
	SubtypeSizedCancelled   = 0x0C
	SubtypeGrouped          = 0x0E
	SubtypeConnInit         = 0x11
	SubtypeContKeyResponse  = 0x13
)

// Size limits from spec.md §4.1.
const (
	MaxPacket                  = 520
	MaxConnInitPacket          = 560
	ChunkSize                  = 480
	MaxGroupedPacketItemLength = 255
	MaxGroupedPacketLength     = 512
	ReliableHeaderSize         = 6 // 0x00 0x03 + 4-byte little-endian seq
	SizedHeaderSize            = 6 // 0x00 0x0A + 4-byte little-endian total length; the sized package follows it with a payload-type byte
	BigHeaderSize              = 2 // 0x00 0x08/0x09
)

// Reliability / priority flags from spec.md §6.
type Flags uint8

const (
	FlagReliable  Flags = 1 << 0
	FlagAck       Flags = 1 << 1
	FlagUrgent    Flags = 1 << 2
	FlagDroppable Flags = 1 << 3
)

// Priority levels, highest first. spec.md §4.4 and GLOSSARY.
type Priority int

const (
	PriorityAck Priority = iota
	PriorityReliable
	PriorityUnreliableHigh
	PriorityUnreliable
	PriorityUnreliableLow
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityAck:
		return "ack"
	case PriorityReliable:
		return "reliable"
	case PriorityUnreliableHigh:
		return "unreliable-high"
	case PriorityUnreliable:
		return "unreliable"
	case PriorityUnreliableLow:
		return "unreliable-low"
	default:
		return "unknown"
	}
}

// NumPriorities is the number of populated outlist buckets.
const NumPriorities = int(priorityCount)

// Reader is a cursor over a byte slice, little-endian, ported from the
// teacher's BitStream read half.
type Reader struct {
	data   []byte
	offset int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Len() int { return len(r.data) - r.offset }

func (r *Reader) ReadByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, fmt.Errorf("wire: buffer underrun reading byte")
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, fmt.Errorf("wire: buffer underrun reading %d bytes", n)
	}
	out := r.data[r.offset : r.offset+n]
	r.offset += n
	return out, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) Rest() []byte {
	return r.data[r.offset:]
}

// Writer accumulates a little-endian byte buffer, ported from the teacher's
// BitStream write half.
type Writer struct {
	data []byte
}

func NewWriter() *Writer {
	return &Writer{data: make([]byte, 0, 64)}
}

func (w *Writer) WriteByte(b byte) { w.data = append(w.data, b) }

func (w *Writer) WriteBytes(b []byte) { w.data = append(w.data, b...) }

func (w *Writer) WriteUint16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	w.data = append(w.data, buf[:]...)
}

func (w *Writer) WriteUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.data = append(w.data, buf[:]...)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) Bytes() []byte { return w.data }

// IsCorePacket reports whether data's leading byte marks it as belonging to
// the 0x00 transport family, per spec.md GLOSSARY.
func IsCorePacket(data []byte) bool {
	return len(data) > 0 && data[0] == TypeCore
}

// Subtype extracts the second byte of a 0x00-family packet. Caller must
// have already checked IsCorePacket and len(data) >= 2.
func Subtype(data []byte) byte {
	return data[1]
}
