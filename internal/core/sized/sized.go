// Package sized implements the sized-send engine (spec.md §4.5): a
// per-connection work queue of outbound sized-data descriptors, a single
// dedicated worker that chunks provider bytes into flow-controlled 0x00
// 0x0A packets, and the back-pressure bookkeeping described in spec.md §8
// ("Sized-data back-pressure").
//
// Grounded on the teacher's Session big-data fragmentation path
// (source/protocol/raknet.go's DataPacket splitting), generalized from a
// one-shot byte-slice split to a pull-based provider callback with
// in-flight-chunk back-pressure and peer/user cancellation.
package sized

import (
	"context"
	"sync"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/rawio"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

// EnqueueReliable hands a fully framed 0x00 0x0A chunk to the connection's
// reliable outlist with a per-chunk callback (the engine never writes
// directly to the socket; the send worker's grouping/retransmit machinery
// owns that).
type EnqueueReliable func(c *conn.ConnData, body []byte, cb conn.ReliableCallback)

// Engine drives the outbound sized-data work queue.
type Engine struct {
	Config  *config.Config
	Enqueue EnqueueReliable
	workCh  chan *conn.ConnData

	// inQueueMu guards inQueue, which Start (called from the sized worker,
	// the send worker's teardown path, and chunk-ACK callbacks firing on
	// reliable/mainloop goroutines) and Run (the sized worker) all touch
	// concurrently.
	inQueueMu sync.Mutex
	inQueue   map[*conn.ConnData]bool
}

func NewEngine(cfg *config.Config, enqueue EnqueueReliable, queueCapacity int) *Engine {
	return &Engine{
		Config:  cfg,
		Enqueue: enqueue,
		workCh:  make(chan *conn.ConnData, queueCapacity),
		inQueue: make(map[*conn.ConnData]bool),
	}
}

// Start submits c for sized-send work if it is not already queued
// (spec.md §4.5: "Items are added on enqueue, on partial-ACK, and on
// cancellation").
func (e *Engine) Start(c *conn.ConnData) {
	e.inQueueMu.Lock()
	if e.inQueue[c] {
		e.inQueueMu.Unlock()
		return
	}
	e.inQueue[c] = true
	depth := len(e.inQueue)
	e.inQueueMu.Unlock()
	metrics.SizedSendQueueDepth.Set(float64(depth))

	select {
	case e.workCh <- c:
	default:
		// Queue is saturated; the connection's pending descriptor remains
		// and will be retried on the next partial-ACK signal.
		e.inQueueMu.Lock()
		delete(e.inQueue, c)
		e.inQueueMu.Unlock()
	}
}

// CancelAll marks every outbound sized descriptor on c as user-cancelled
// and resubmits it for processing (spec.md §4.4 TimeWait handling).
func (e *Engine) CancelAll(c *conn.ConnData) {
	c.LockSizedSend()
	for _, d := range c.SizedSendDescriptors() {
		d.CancelledByUser = true
	}
	c.UnlockSizedSend()
	e.Start(c)
}

// Drained reports whether c has no outbound sized descriptors left,
// satisfying send.SizedDrain for teardown.
func (e *Engine) Drained(c *conn.ConnData) bool {
	c.LockSizedSend()
	defer c.UnlockSizedSend()
	return c.SizedSendCount() == 0
}

// Run processes the work queue until ctx is cancelled (spec.md §5: "Sized-
// send worker waits on an event signalled by enqueue or by chunk-ACK").
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.workCh:
			e.inQueueMu.Lock()
			delete(e.inQueue, c)
			depth := len(e.inQueue)
			e.inQueueMu.Unlock()
			metrics.SizedSendQueueDepth.Set(float64(depth))
			more := e.step(c)
			if more {
				e.Start(c)
			}
		}
	}
}

// step performs one unit of work for c's front sized-send descriptor
// (spec.md §4.5 numbered steps). It returns true if there is more work to
// do on this connection right away.
func (e *Engine) step(c *conn.ConnData) bool {
	c.LockSizedSend()
	d := c.FrontSizedSend()
	if d == nil {
		c.UnlockSizedSend()
		return false
	}

	if d.Cancelled() || c.State() == conn.StateTimeWait {
		peerCancelled := d.CancelledByPeer
		c.PopFrontSizedSend()
		hasMore := c.FrontSizedSend() != nil
		c.UnlockSizedSend()

		if peerCancelled {
			e.ackCancel(c)
		}
		d.Provider(d.Offset, nil) // signal completion/cancellation to the provider
		return hasMore
	}

	saturated := c.SizedSendQueuedCountLocked() >= e.Config.SizedQueueThreshold
	c.UnlockSizedSend()
	if saturated {
		return false // bandwidth saturated; wait for a chunk ACK to re-signal
	}

	needed := int64(e.Config.SizedQueuePackets) * int64(wire.ChunkSize)
	if remaining := d.Remaining(); needed > remaining {
		needed = remaining
	}
	if needed <= 0 {
		return e.finish(c, d)
	}

	scratch := make([]byte, needed)
	n := d.Provider(d.Offset, scratch)
	if n <= 0 {
		return e.finish(c, d)
	}
	produced := scratch[:n]

	c.LockSizedSend()
	if d.Cancelled() || c.State() == conn.StateTimeWait {
		c.UnlockSizedSend()
		return true // re-check on next step; teardown path above will catch it
	}
	c.UnlockSizedSend()

	e.emitChunks(c, d, produced)

	d.Offset += int64(n)
	if d.Remaining() <= 0 {
		return e.finish(c, d)
	}
	return true
}

// emitChunks splits produced into ChunkSize pieces, each framed with the
// 6-byte sized header (0x00 0x0A + 4-byte little-endian total length, see
// wire.SizedHeaderSize) followed by the payload-type byte, and hands each to
// the reliable outlist with a callback that tracks in-flight chunk count
// (spec.md §4.5 step 5).
func (e *Engine) emitChunks(c *conn.ConnData, d *conn.SizedSendDescriptor, produced []byte) {
	payloadType := payloadTypeOf(d)
	for off := 0; off < len(produced); off += wire.ChunkSize {
		end := off + wire.ChunkSize
		if end > len(produced) {
			end = len(produced)
		}
		chunk := produced[off:end]

		w := wire.NewWriter()
		w.WriteByte(wire.TypeCore)
		w.WriteByte(wire.SubtypeSizedData)
		w.WriteUint32(uint32(d.Total))
		w.WriteByte(payloadType)
		w.WriteBytes(chunk)

		c.AddSizedSendQueuedCount(1)
		cb := conn.ReliableCallbackFunc(func(success bool) {
			c.AddSizedSendQueuedCount(-1)
			e.Start(c)
		})
		e.Enqueue(c, w.Bytes(), cb)
	}
}

func payloadTypeOf(d *conn.SizedSendDescriptor) byte {
	if pt, ok := d.State.(byte); ok {
		return pt
	}
	return 0
}

// finish removes d once fully sent (or aborted), notifying the provider
// with an empty buffer (spec.md §4.5 step 6).
func (e *Engine) finish(c *conn.ConnData, d *conn.SizedSendDescriptor) bool {
	d.Provider(d.Offset, nil)

	c.LockSizedSend()
	c.PopFrontSizedSend()
	hasMore := c.FrontSizedSend() != nil
	c.UnlockSizedSend()
	return hasMore
}

func (e *Engine) ackCancel(c *conn.ConnData) {
	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeSizedCancelled)

	if c.State() == conn.StateTimeWait {
		rawio.Send(c.Socket, c.RemoteAddr, w.Bytes(), c.Encryption)
		return
	}
	e.Enqueue(c, w.Bytes(), nil)
}
