// Package group implements the outbound grouping helper (spec.md §4.4
// "Outbound grouping (0x00 0x0E)"): a ≤MaxGroupedPacketLength accumulator
// that packs length-prefixed items and flushes either as a standalone
// packet (single item) or a 0x00 0x0E container (two or more).
//
// Grounded on the teacher's DataPacket encode/decode
// (source/protocol/raknet.go), generalized from RakNet's per-item
// reliability/order headers to the Core protocol's flat length-prefixed
// item list.
package group

import (
	"fmt"

	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

// Grouper accumulates items for one outgoing datagram.
type Grouper struct {
	items [][]byte
	size  int // running total, including each item's 1-byte length prefix
}

func New() *Grouper {
	return &Grouper{}
}

// headerOverhead is the 0x00 0x0E container's own 2-byte lead.
const headerOverhead = 2

// CanAppend reports whether item (≤255 bytes) would still fit within
// MaxGroupedPacketLength if appended.
func (g *Grouper) CanAppend(item []byte) bool {
	if len(item) > wire.MaxGroupedPacketItemLength {
		return false
	}
	return headerOverhead+g.size+1+len(item) <= wire.MaxGroupedPacketLength
}

// Append adds item to the accumulator. Caller must have checked CanAppend.
func (g *Grouper) Append(item []byte) error {
	if !g.CanAppend(item) {
		return fmt.Errorf("group: item of %d bytes does not fit", len(item))
	}
	g.items = append(g.items, item)
	g.size += 1 + len(item)
	return nil
}

func (g *Grouper) Count() int { return len(g.items) }

// Size reports the running total of accumulated item bytes, including each
// item's 1-byte length prefix but not the container's own 2-byte header.
func (g *Grouper) Size() int { return g.size }

// Flush emits the accumulated items: standalone (the single item,
// unwrapped) if exactly one was appended, or a 0x00 0x0E grouped container
// otherwise. It resets the accumulator. Returns nil, false if nothing was
// appended.
func (g *Grouper) Flush() ([]byte, bool) {
	defer g.reset()

	switch len(g.items) {
	case 0:
		return nil, false
	case 1:
		return g.items[0], true
	default:
		w := wire.NewWriter()
		w.WriteByte(wire.TypeCore)
		w.WriteByte(wire.SubtypeGrouped)
		for _, item := range g.items {
			w.WriteByte(byte(len(item)))
			w.WriteBytes(item)
		}
		return w.Bytes(), true
	}
}

func (g *Grouper) reset() {
	g.items = nil
	g.size = 0
}

// Decode splits a 0x00 0x0E container's body (everything after the 2-byte
// lead) back into its length-prefixed items, in order. Used by the
// dispatcher when it receives a grouped packet.
func Decode(body []byte) ([][]byte, error) {
	var items [][]byte
	r := wire.NewReader(body)
	for r.Len() > 0 {
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		item, err := r.ReadBytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("group: truncated item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
