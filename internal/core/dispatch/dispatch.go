// Package dispatch implements the core packet dispatcher (spec.md §4.3):
// the fixed 20-slot table over the Core 0x00 family, driving the
// reliability machine (ACK/duplicate/window-overflow), big- and
// sized-data reassembly, grouped-packet recursion, and time-sync.
//
// Grounded on the teacher's handleGamePacket switch
// (source/server/server.go) and Session.HandleDataPacket/HandleACK/
// HandleNACK (source/protocol/raknet.go), generalized from SA-MP
// application-packet IDs and RakNet's ACK/NACK/recovery-queue model to the
// Core protocol's single-sequence reliable/ACK pair and explicit big-/
// sized-data subtypes.
package dispatch

import (
	"fmt"
	"time"

	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/group"
	"github.com/ventosilenzioso/subspace-core/internal/core/rawio"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

// PacketHandler handles an application packet type (0x01..0x3F) delivered
// on the mainloop (spec.md §6 register_packet_handler).
type PacketHandler func(c *conn.ConnData, payload []byte)

// SizedPacketHandler handles one delivered 0x0A chunk (spec.md §6
// register_sized_packet_handler). Called once with offset=-1,total=-1 on
// cancellation.
type SizedPacketHandler func(c *conn.ConnData, offset, total int32, data []byte)

// NetPacketHandler handles a 0x00-family packet indexed by the second
// byte (spec.md §6 register_net_packet_handler; used for 0x13).
type NetPacketHandler func(c *conn.ConnData, payload []byte)

// Workqueue is the application's serial work queue the transport submits
// deferred handler invocations to (spec.md GLOSSARY "Mainloop"); the
// transport never executes application code inline on its own goroutines.
type Workqueue interface {
	Submit(fn func())
}

// SignalQueue receives connections that now have processable reliable
// data, for the reliable workers to drain (spec.md §4.6).
type SignalQueue interface {
	Enqueue(c *conn.ConnData)
}

// LagStatSink receives one RTT/tick sample per sync request, for
// population/latency reporting (spec.md §4.3 0x05).
type LagStatSink interface {
	Sample(c *conn.ConnData, clientTick, serverTick uint32)
}

// Dispatcher is the core packet dispatcher.
type Dispatcher struct {
	MaxBigPacket int

	Mainloop Workqueue
	Signal   SignalQueue
	LagStats LagStatSink

	packetHandlers      map[byte][]PacketHandler
	sizedPacketHandlers map[byte]SizedPacketHandler
	netPacketHandlers   map[byte]NetPacketHandler

	onDrop        func(c *conn.ConnData)
	onKeyResponse func(c *conn.ConnData)
}

func New(maxBigPacket int, mainloop Workqueue, signal SignalQueue, lagStats LagStatSink) *Dispatcher {
	return &Dispatcher{
		MaxBigPacket:        maxBigPacket,
		Mainloop:            mainloop,
		Signal:              signal,
		LagStats:            lagStats,
		packetHandlers:      make(map[byte][]PacketHandler),
		sizedPacketHandlers: make(map[byte]SizedPacketHandler),
		netPacketHandlers:   make(map[byte]NetPacketHandler),
	}
}

// RegisterPacketHandler adds fn as a handler for application packet type t
// (spec.md §6).
func (d *Dispatcher) RegisterPacketHandler(t byte, fn PacketHandler) {
	d.packetHandlers[t] = append(d.packetHandlers[t], fn)
}

// ClearPacketHandlers removes every handler registered for type t (spec.md
// §6 register_packet_handler/remove_packet_handler). Go function values
// aren't comparable, so removal is all-or-nothing per type rather than by
// individual handler identity.
func (d *Dispatcher) ClearPacketHandlers(t byte) {
	delete(d.packetHandlers, t)
}

func (d *Dispatcher) RegisterSizedPacketHandler(t byte, fn SizedPacketHandler) {
	d.sizedPacketHandlers[t] = fn
}

func (d *Dispatcher) RegisterNetPacketHandler(t byte, fn NetPacketHandler) {
	d.netPacketHandlers[t] = fn
}

// OnDrop registers the callback invoked when a 0x07 drop is processed
// (spec.md §4.3 0x07: "kick the owning player or signal disconnected").
func (d *Dispatcher) OnDrop(fn func(c *conn.ConnData)) { d.onDrop = fn }

// OnKeyResponse registers a callback invoked after a 0x02 key response
// completes a handshake (spec.md §4.7: "signalling Connected to the client
// handler"), used by the outbound-client path to learn when it may start
// sending application traffic.
func (d *Dispatcher) OnKeyResponse(fn func(c *conn.ConnData)) { d.onKeyResponse = fn }

// Dispatch interprets one Core (0x00-family) datagram for an established
// connection c. insideGroup marks a packet as having arrived nested in a
// 0x0E container, forbidding further nesting (spec.md §4.3 0x0E).
func (d *Dispatcher) Dispatch(c *conn.ConnData, data []byte, now time.Time, insideGroup bool) error {
	if len(data) < 2 {
		return fmt.Errorf("dispatch: short core packet (%d bytes)", len(data))
	}
	subtype := wire.Subtype(data)
	body := data[2:]

	switch subtype {
	case wire.SubtypeReliable:
		return d.handleReliable(c, body, now)
	case wire.SubtypeAck:
		return d.handleAck(c, body, now)
	case wire.SubtypeSyncRequest:
		return d.handleSyncRequest(c, body, now)
	case wire.SubtypeDrop:
		return d.handleDrop(c)
	case wire.SubtypeBigData:
		return d.handleBig(c, body, false)
	case wire.SubtypeBigDataEnd:
		return d.handleBig(c, body, true)
	case wire.SubtypeSizedData:
		return d.handleSized(c, body)
	case wire.SubtypeCancelSized:
		return d.handleCancelSized(c)
	case wire.SubtypeSizedCancelled:
		return d.handleSizedCancelled(c)
	case wire.SubtypeGrouped:
		if insideGroup {
			logger.WithFields(logger.Fields{"remote": c.RemoteAddr}).
				Warn("dispatch: rejecting nested grouped packet")
			return fmt.Errorf("dispatch: pathological grouped nesting")
		}
		return d.handleGrouped(c, body, now)
	case wire.SubtypeKeyResponse:
		return d.handleKeyResponse(c, body)
	case wire.SubtypeContKeyResponse:
		return d.handleSpecial(c, body)
	case wire.SubtypeKeyInit, wire.SubtypeConnInit:
		// Connection admission for these subtypes is handled upstream by
		// the receive worker (spec.md §4.2 steps 2-3); reaching here means
		// it was re-delivered to an already-established connection outside
		// that flow.
		logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "subtype": subtype}).
			Debug("dispatch: init subtype reached established connection")
		return nil
	default:
		logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "subtype": subtype}).
			Warn("dispatch: unknown core subtype")
		return fmt.Errorf("dispatch: unknown core subtype 0x%02X", subtype)
	}
}

func (d *Dispatcher) sendAck(c *conn.ConnData, seq int32) {
	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeAck)
	w.WriteInt32(seq)
	rawio.Send(c.Socket, c.RemoteAddr, w.Bytes(), c.Encryption)
}

func (d *Dispatcher) handleReliable(c *conn.ConnData, body []byte, now time.Time) error {
	r := wire.NewReader(body)
	seq, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("dispatch: reliable: %w", err)
	}
	payload := r.Rest()

	result := c.OfferReliable(seq, payload)
	switch result {
	case conn.ReliableWindowOverflow:
		logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "seq": seq}).
			Debug("dispatch: reliable window overflow, dropping")
		return nil
	case conn.ReliableDuplicate:
		c.RelDups++
		metrics.ReliableDuplicates.Inc()
	}

	// ACK is sent for both accepted and duplicate deliveries, never for an
	// overflowed one (spec.md §4.3 0x03, §8 "ACK coverage").
	d.sendAck(c, seq)

	if result == conn.ReliableAccepted && c.HasPendingReliable() && d.Signal != nil {
		d.Signal.Enqueue(c)
	}
	return nil
}

func (d *Dispatcher) handleAck(c *conn.ConnData, body []byte, now time.Time) error {
	r := wire.NewReader(body)
	seq, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("dispatch: ack: %w", err)
	}

	c.LockOutgoing()
	buf := c.RemoveFromReliableOutlist(seq)
	c.UnlockOutgoing()
	if buf == nil {
		return nil
	}

	buf.FireCallbacks(true)

	if buf.Tries == 1 {
		rtt := now.Sub(buf.LastRetry)
		c.RTT.Sample(rtt)
	}
	c.Bandwidth.AdjustForAck()
	return nil
}

func (d *Dispatcher) handleSyncRequest(c *conn.ConnData, body []byte, now time.Time) error {
	r := wire.NewReader(body)
	clientTick, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("dispatch: sync request: %w", err)
	}
	serverTick := uint32(now.UnixMilli() / 10)

	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeSyncResponse)
	w.WriteUint32(clientTick)
	w.WriteUint32(serverTick)
	rawio.Send(c.Socket, c.RemoteAddr, w.Bytes(), c.Encryption)

	if d.LagStats != nil {
		d.LagStats.Sample(c, clientTick, serverTick)
	}
	return nil
}

func (d *Dispatcher) handleDrop(c *conn.ConnData) error {
	if d.onDrop != nil {
		d.onDrop(c)
	}
	return nil
}

func (d *Dispatcher) handleBig(c *conn.ConnData, body []byte, terminal bool) error {
	ok := c.AppendBig(body, d.MaxBigPacket)
	if !ok {
		logger.WithFields(logger.Fields{"remote": c.RemoteAddr}).
			Warn("dispatch: big-data exceeds MaxBigPacket, releasing buffer")
		return fmt.Errorf("dispatch: big-data overflow")
	}
	if terminal {
		full := c.TakeBig()
		if d.Mainloop != nil && len(full) > 0 {
			d.Mainloop.Submit(func() {
				d.deliverApplicationPacket(c, full)
			})
		}
	}
	return nil
}

// DeliverRaw submits a top-level application-layer datagram (spec.md §4.1:
// "any other leading byte is an application-layer packet whose first byte
// is its type") to its registered handlers on the mainloop. Used by the
// receive worker for packets that arrive outside a reliable/grouped frame,
// and for application payloads drained from the reliable window.
func (d *Dispatcher) DeliverRaw(c *conn.ConnData, full []byte) {
	if d.Mainloop == nil || len(full) == 0 {
		return
	}
	captured := append([]byte(nil), full...)
	d.Mainloop.Submit(func() {
		d.deliverApplicationPacket(c, captured)
	})
}

func (d *Dispatcher) deliverApplicationPacket(c *conn.ConnData, full []byte) {
	if len(full) == 0 {
		return
	}
	t := full[0]
	for _, h := range d.packetHandlers[t] {
		h(c, full[1:])
	}
}

func (d *Dispatcher) handleSized(c *conn.ConnData, body []byte) error {
	r := wire.NewReader(body)
	total, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("dispatch: sized: %w", err)
	}
	chunk := r.Rest()
	if len(chunk) == 0 {
		return fmt.Errorf("dispatch: sized: empty chunk")
	}
	payloadType := chunk[0]
	data := chunk[1:]

	state := c.SizedRecv()
	if state == nil {
		handler, ok := d.sizedPacketHandlers[payloadType]
		if !ok {
			logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "type": payloadType}).
				Warn("dispatch: sized data for unknown payload type")
			return fmt.Errorf("dispatch: unknown sized payload type 0x%02X", payloadType)
		}
		state = &conn.SizedRecvState{PayloadType: payloadType, Total: total, Handler: handler}
		c.SetSizedRecv(state)
	}

	if payloadType != state.PayloadType || total != state.Total {
		d.cancelInboundSized(c, state)
		return fmt.Errorf("dispatch: sized: type/total mismatch mid-transfer")
	}

	// spec.md §9 open question resolved: accept only if offset+len <= size.
	offset := state.OffsetSoFar()
	if int64(offset)+int64(len(data)) > int64(total) {
		d.cancelInboundSized(c, state)
		return fmt.Errorf("dispatch: sized: overflow")
	}

	if d.Mainloop != nil {
		off := offset
		tot := int32(total)
		captured := append([]byte(nil), data...)
		d.Mainloop.Submit(func() {
			state.Handler(c, off, tot, captured)
		})
	}
	state.Advance(len(data))

	if state.Done() {
		c.SetSizedRecv(nil)
	}
	return nil
}

func (d *Dispatcher) cancelInboundSized(c *conn.ConnData, state *conn.SizedRecvState) {
	c.SetSizedRecv(nil)
	if d.Mainloop != nil && state != nil && state.Handler != nil {
		d.Mainloop.Submit(func() {
			state.Handler(c, -1, -1, nil)
		})
	}
}

func (d *Dispatcher) handleCancelSized(c *conn.ConnData) error {
	c.LockSizedSend()
	if front := c.FrontSizedSend(); front != nil {
		front.CancelledByPeer = true
	}
	c.UnlockSizedSend()
	return nil
}

func (d *Dispatcher) handleSizedCancelled(c *conn.ConnData) error {
	state := c.SizedRecv()
	if state != nil {
		d.cancelInboundSized(c, state)
	}
	return nil
}

func (d *Dispatcher) handleGrouped(c *conn.ConnData, body []byte, now time.Time) error {
	items, err := group.Decode(body)
	if err != nil {
		return fmt.Errorf("dispatch: grouped: %w", err)
	}
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		if wire.IsCorePacket(item) {
			if err := d.Dispatch(c, item, now, true); err != nil {
				logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "error": err}).
					Debug("dispatch: grouped item error")
			}
			continue
		}
		if d.Mainloop != nil {
			captured := append([]byte(nil), item...)
			d.Mainloop.Submit(func() {
				d.deliverApplicationPacket(c, captured)
			})
		}
	}
	return nil
}

func (d *Dispatcher) handleKeyResponse(c *conn.ConnData, body []byte) error {
	// spec.md §9 open question: the length-exactly-6 check is encryption
	// variant specific; enforced here as a baseline sanity check only.
	if len(body) < 6 {
		return fmt.Errorf("dispatch: key response too short (%d bytes)", len(body))
	}
	c.SetState(conn.StateConnected)
	if d.onKeyResponse != nil {
		d.onKeyResponse(c)
	}
	return nil
}

func (d *Dispatcher) handleSpecial(c *conn.ConnData, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("dispatch: special: empty body")
	}
	idx := body[0]
	h, ok := d.netPacketHandlers[idx]
	if !ok {
		logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "index": idx}).
			Warn("dispatch: no net-handler for special index")
		return fmt.Errorf("dispatch: unknown net-handler index 0x%02X", idx)
	}
	if d.Mainloop != nil {
		captured := append([]byte(nil), body[1:]...)
		d.Mainloop.Submit(func() { h(c, captured) })
	}
	return nil
}
