// Package send implements the send worker (spec.md §4.4): promotion of
// unsent reliable payloads, priority-ordered retransmit scheduling against
// the bandwidth limiter, outbound grouping, and the lagout/teardown path.
//
// Grounded on the teacher's Session.Update/flushOutgoing loop
// (source/protocol/raknet.go), generalized from RakNet's single send-queue
// and NACK-driven retransmit to the Core protocol's five-priority outlist,
// explicit per-buffer retry timer, and bandwidth-limiter consultation.
package send

import (
	"net"
	"time"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/endpoint"
	"github.com/ventosilenzioso/subspace-core/internal/core/group"
	"github.com/ventosilenzioso/subspace-core/internal/core/rawio"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

// TickInterval is the cooperative loop's sleep between iterations (spec.md
// §4.4 "~10 ms").
const TickInterval = 10 * time.Millisecond

// SizedDrain coordinates sized-send teardown: CancelAll marks every
// outbound sized descriptor on c as user-cancelled, and Drained reports
// once the sized-send worker has cleared them all (spec.md §4.4 TimeWait
// handling).
type SizedDrain interface {
	CancelAll(c *conn.ConnData)
	Drained(c *conn.ConnData) bool
}

// Worker drives one connection table's send cycle.
type Worker struct {
	Config *config.Config
	Sized  SizedDrain

	// Kick notifies the application layer that player was logged out for
	// reason (spec.md §4.4 lagout: "send an unreliable chat-style notice
	// ... then request logout"). The transport itself only builds the
	// notice's raw bytes via NoticeBuilder; delivery semantics (which
	// packet type, which chat channel) belong to the application.
	Kick func(c *conn.ConnData, reason string)

	// NoticeBuilder renders the kick reason into application-layer bytes,
	// or nil to skip sending a notice (kick still proceeds).
	NoticeBuilder func(reason string) []byte
}

// remover is the subset of endpoint.Table/RWTable's API teardown needs.
type remover interface {
	Remove(addr *net.UDPAddr)
}

// Tick runs one full cycle over every connection in table (spec.md §4.4:
// "Each iteration it visits all active connections").
func (w *Worker) Tick(table *endpoint.Table, now time.Time) {
	table.Range(func(c *conn.ConnData) bool {
		w.tickConnection(table, c, now)
		return true
	})
}

// TickRW is Tick for the reader-writer-guarded outbound-client table.
func (w *Worker) TickRW(table *endpoint.RWTable, now time.Time) {
	table.Range(func(c *conn.ConnData) bool {
		w.tickConnection(table, c, now)
		return true
	})
}

// TickOne runs one cycle for a single connection with no table to evict
// from on teardown, used in tests.
func (w *Worker) TickOne(c *conn.ConnData, now time.Time) {
	w.tickConnection(nil, c, now)
}

func (w *Worker) tickConnection(table remover, c *conn.ConnData, now time.Time) {
	if c.State() == conn.StateTimeWait {
		w.driveTeardown(table, c, now)
		return
	}

	w.promoteUnsentReliable(c)

	if !c.TryLockOutgoing() {
		return // avoid head-of-line blocking across connections (spec.md §5)
	}
	w.drainOutlist(c, now)
	if c.OutlistSize() > w.Config.MaxOutlistSize {
		c.SetHitMaxOutlist()
	}
	c.UnlockOutgoing()

	w.checkLagout(c, now)
}

// promoteUnsentReliable assigns sequence numbers to queued reliable
// payloads, coalescing adjacent small payloads into one grouped reliable
// frame where they fit (spec.md §4.4 "Promotion").
func (w *Worker) promoteUnsentReliable(c *conn.ConnData) {
	c.LockOutgoing()
	defer c.UnlockOutgoing()

	pending := c.UnsentReliable()
	if len(pending) == 0 {
		return
	}
	if c.InFlightReliableSeqs() >= int32(c.Bandwidth.CanBufferPackets()) {
		return
	}

	budget := wire.MaxGroupedPacketLength - 2 // container header
	if w.Config.LimitReliableGroupingSize {
		budget = wire.MaxGroupedPacketItemLength
	}

	i := 0
	for i < len(pending) {
		j := i + 1
		if fitsGroupItem(pending[i].Data) {
			g := group.New()
			g.Append(pending[i].Data)
			for j < len(pending) && fitsGroupItem(pending[j].Data) &&
				g.CanAppend(pending[j].Data) && g.Size()+1+len(pending[j].Data) <= budget {
				g.Append(pending[j].Data)
				j++
			}
		}

		if j-i >= 2 {
			body, _ := groupBody(pending[i:j])
			buf := w.assignReliableSeq(c, body)
			for k := j - 1; k >= i; k-- {
				buf.ChainCallbacks(pending[k].Callbacks())
			}
			c.EnqueueOutlist(wire.PriorityReliable, buf)
			i = j
			continue
		}

		buf := w.assignReliableSeq(c, pending[i].Data)
		buf.ChainCallbacks(pending[i].Callbacks())
		c.EnqueueOutlist(wire.PriorityReliable, buf)
		i++

		if c.InFlightReliableSeqs() >= int32(c.Bandwidth.CanBufferPackets()) {
			break
		}
	}
	c.SetUnsentReliable(pending[i:])
}

func fitsGroupItem(payload []byte) bool {
	return len(payload) <= wire.MaxGroupedPacketItemLength
}

// groupBody packs bufs' payloads into a 0x00 0x0E container body (without
// the reliable header, which the caller prepends once for the whole
// coalesced frame).
func groupBody(bufs []*conn.OutboundBuffer) ([]byte, bool) {
	g := group.New()
	for _, b := range bufs {
		if err := g.Append(b.Data); err != nil {
			return nil, false
		}
	}
	out, ok := g.Flush()
	if !ok {
		return nil, false
	}
	// Flush emits the full 0x00 0x0E frame, or a bare standalone payload if
	// len(bufs)==1; callers here always pass ≥2 so it is always the
	// container — strip nothing, the reliable frame wraps it whole.
	return out, true
}

func (w *Worker) assignReliableSeq(c *conn.ConnData, body []byte) *conn.OutboundBuffer {
	seq := c.S2CN
	c.S2CN++
	wr := wire.NewWriter()
	wr.WriteByte(wire.TypeCore)
	wr.WriteByte(wire.SubtypeReliable)
	wr.WriteInt32(seq)
	wr.WriteBytes(body)
	return &conn.OutboundBuffer{
		Data:     wr.Bytes(),
		Flags:    wire.FlagReliable,
		Priority: wire.PriorityReliable,
		Seq:      seq,
	}
}

// drainOutlist walks every priority bucket highest-to-lowest, retransmitting
// or freshly sending each eligible buffer and folding sends into the
// grouper (spec.md §4.4). Caller must hold the outgoing lock.
func (w *Worker) drainOutlist(c *conn.ConnData, now time.Time) {
	g := group.New()
	kicked := false

	for p := 0; p < wire.NumPriorities; p++ {
		priority := wire.Priority(p)
		bucket := c.Outlist(priority)
		kept := bucket[:0]

		for _, buf := range bucket {
			if kicked {
				kept = append(kept, buf)
				continue
			}
			if buf.Tries > 0 {
				timeout := c.RTT.RetransmitTimeout()
				if now.Sub(buf.LastRetry) <= time.Duration(buf.Tries)*timeout {
					kept = append(kept, buf)
					continue
				}
			}
			if buf.Tries > w.Config.MaxRetries {
				c.SetHitMaxRetries()
				kicked = true
				kept = append(kept, buf)
				continue
			}

			if !g.CanAppend(buf.Data) {
				flushGrouper(c, g)
			}
			estimate := len(buf.Data)
			if g.Count() == 0 {
				estimate += w.Config.PerPacketOverhead
			}
			if !c.Bandwidth.Check(estimate, p) {
				metrics.BandwidthDenied.Inc()
				if buf.Droppable() {
					metrics.PacketsDropped.Inc()
					c.PktDropped++
					continue
				}
				kept = append(kept, buf)
				continue
			}

			if buf.Tries >= 1 {
				metrics.Retries.Inc()
				c.Retries++
				c.Bandwidth.AdjustForRetry()
			}
			buf.LastRetry = now
			buf.Tries++
			g.Append(buf.Data)

			if buf.Flags&wire.FlagReliable != 0 {
				kept = append(kept, buf)
			}
		}
		c.SetOutlist(priority, kept)
	}

	flushGrouper(c, g)
}

func flushGrouper(c *conn.ConnData, g *group.Grouper) {
	out, ok := g.Flush()
	if !ok {
		return
	}
	rawio.Send(c.Socket, c.RemoteAddr, out, c.Encryption)
	c.PktSent++
	c.BytesSent += uint64(len(out))
	metrics.PacketsSent.Inc()
	metrics.BytesSent.Add(float64(len(out)))
}

// checkLagout evaluates the kick conditions and, for already-terminal
// connections, begins teardown by flipping to TimeWait (spec.md §4.4).
func (w *Worker) checkLagout(c *conn.ConnData, now time.Time) {
	dropTimeout := time.Duration(w.Config.DropTimeout) * 10 * time.Millisecond
	reason := ""
	switch {
	case c.HitMaxRetries():
		reason = "too many reliable retries"
	case c.HitMaxOutlist():
		reason = "too many outgoing packets"
	case now.Sub(c.LastPktAt()) > dropTimeout:
		reason = "no data"
	}
	if reason == "" {
		return
	}

	metrics.KicksTotal.WithLabelValues(reason).Inc()
	if w.Kick != nil {
		w.Kick(c, reason)
	}
	if w.NoticeBuilder != nil {
		if notice := w.NoticeBuilder(reason); len(notice) > 0 {
			rawio.Send(c.Socket, c.RemoteAddr, notice, c.Encryption)
		}
	}
	c.SetState(conn.StateTimeWait)
	if w.Sized != nil {
		w.Sized.CancelAll(c)
	}
}

// driveTeardown advances a TimeWait connection: waits for sized sends to
// drain, then sends the final 0x07 drop, voids encryption, and removes the
// connection from table (spec.md §4.4: "first cancel all pending sized
// sends and wait for the sized-send worker to drain them...only then send
// a 0x07 drop raw, tear down the encryption hook...remove from endpoint
// table").
func (w *Worker) driveTeardown(table remover, c *conn.ConnData, now time.Time) {
	if w.Sized != nil && !w.Sized.Drained(c) {
		return
	}

	wr := wire.NewWriter()
	wr.WriteByte(wire.TypeCore)
	wr.WriteByte(wire.SubtypeDrop)
	rawio.Send(c.Socket, c.RemoteAddr, wr.Bytes(), c.Encryption)

	if c.Encryption != nil {
		c.Encryption.Void()
	}

	c.LockOutgoing()
	for p := 0; p < wire.NumPriorities; p++ {
		bucket := c.Outlist(wire.Priority(p))
		for _, buf := range bucket {
			buf.FireCallbacks(false)
		}
		c.SetOutlist(wire.Priority(p), nil)
	}
	for _, buf := range c.UnsentReliable() {
		buf.FireCallbacks(false)
	}
	c.SetUnsentReliable(nil)
	c.UnlockOutgoing()

	if table != nil {
		table.Remove(c.RemoteAddr)
		metrics.ActiveConnections.Dec()
	}

	logger.WithFields(logger.Fields{"remote": c.RemoteAddr}).Info("send: connection torn down")
}
