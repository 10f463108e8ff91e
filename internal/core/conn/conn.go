// Package conn implements ConnData, the per-connection state machine from
// spec.md §3: sequence counters, RTT estimation, the reliable receive
// window, outbound priority queues, and the big-/sized-data assemblers.
//
// It is ported from the teacher's protocol.Session (source/protocol/raknet.go),
// generalized from SA-MP/RakNet's message-index/order-channel bookkeeping to
// the single reliable sequence number and fixed-size relbuf window the
// Subspace Core protocol uses, and extended with the fine-grained locks
// spec.md §5 requires (outgoing, reliable, big, sized-send,
// reliable-processing) in place of the teacher's single session-wide Mu.
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

// State is the connection lifecycle state (spec.md §3 Lifecycles).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateLeavingZone
	StateTimeWait
)

// EncryptionHook is the opaque byte-transform hook spec.md §1 and §3
// describe; encryption/decryption algorithms themselves are out of scope.
type EncryptionHook interface {
	// Encrypt transforms data in place for sending and returns the
	// (possibly shorter/longer, within cap) slice to send.
	Encrypt(data []byte) []byte
	// Decrypt transforms data in place for receiving. A returned length of
	// 0 signals a decrypt failure (spec.md §4.2 step 6).
	Decrypt(data []byte) []byte
	// Void releases any key material; called during teardown.
	Void()
}

// ReliableCallback is invoked exactly once, with the outcome of a reliable
// send, after ACK or on teardown/cancel (spec.md §6 send_with_callback,
// §9 design notes on callback chains).
type ReliableCallback interface {
	Invoke(success bool)
}

// ReliableCallbackFunc adapts a function to ReliableCallback.
type ReliableCallbackFunc func(success bool)

func (f ReliableCallbackFunc) Invoke(success bool) { f(success) }

// callbackNode is one link in the chain a grouped reliable packet carries,
// so a single ACK fires every coalesced payload's callback (spec.md §4.4,
// §9 "callback chains on reliable").
type callbackNode struct {
	cb   ReliableCallback
	next *callbackNode
}

// fireAll invokes every callback in the chain with success, head first.
func (n *callbackNode) fireAll(success bool) {
	for c := n; c != nil; c = c.next {
		if c.cb != nil {
			c.cb.Invoke(success)
		}
	}
}

// OutboundBuffer is one queued outbound datagram awaiting send or
// retransmission (spec.md §3 "Outbound buffer").
type OutboundBuffer struct {
	Data      []byte
	Flags     wire.Flags
	Priority  wire.Priority
	Tries     int
	LastRetry time.Time
	Seq       int32 // valid only for reliable buffers
	callbacks *callbackNode
}

// ChainCallback links cb in at the head of this buffer's callback chain, so
// it fires before any callback chained earlier.
func (b *OutboundBuffer) ChainCallback(cb ReliableCallback) {
	b.callbacks = &callbackNode{cb: cb, next: b.callbacks}
}

// FireCallbacks invokes every chained callback with success, then clears
// the chain so a buffer can't double-fire.
func (b *OutboundBuffer) FireCallbacks(success bool) {
	b.callbacks.fireAll(success)
	b.callbacks = nil
}

// Callbacks returns this buffer's callback chain flattened into fire order.
func (b *OutboundBuffer) Callbacks() []ReliableCallback {
	var out []ReliableCallback
	for n := b.callbacks; n != nil; n = n.next {
		if n.cb != nil {
			out = append(out, n.cb)
		}
	}
	return out
}

// ChainCallbacks inserts cbs, in order, ahead of whatever is already
// chained — used when coalescing several unsent reliable payloads into one
// grouped reliable buffer, so each original payload's callbacks keep firing
// in enqueue order off the single resulting ACK (spec.md §4.4, §8 scenario
// "Grouped ACK").
func (b *OutboundBuffer) ChainCallbacks(cbs []ReliableCallback) {
	for i := len(cbs) - 1; i >= 0; i-- {
		b.ChainCallback(cbs[i])
	}
}

// Droppable reports whether this buffer may be silently dropped when the
// bandwidth limiter denies it (spec.md §4.4: never true for reliable).
func (b *OutboundBuffer) Droppable() bool {
	return b.Flags&wire.FlagReliable == 0 && b.Flags&wire.FlagDroppable != 0
}

// SizedSendDescriptor is an outbound sized-data stream in progress
// (spec.md §3, §4.5).
type SizedSendDescriptor struct {
	Provider func(offset int64, buf []byte) int
	State    interface{}
	Total    int64
	Offset   int64

	CancelledByUser bool
	CancelledByPeer bool
}

func (d *SizedSendDescriptor) Cancelled() bool {
	return d.CancelledByUser || d.CancelledByPeer
}

func (d *SizedSendDescriptor) Remaining() int64 {
	return d.Total - d.Offset
}

// SizedRecvState assembles an inbound sized-data stream (0x0A chunks).
type SizedRecvState struct {
	PayloadType byte
	Total       uint32
	Handler     func(offset int32, total int32, data []byte)

	received uint32 // bytes delivered to Handler so far
}

// OffsetSoFar returns how many bytes of this stream have been delivered.
func (s *SizedRecvState) OffsetSoFar() int32 { return int32(s.received) }

// Advance records n more delivered bytes.
func (s *SizedRecvState) Advance(n int) { s.received += uint32(n) }

// Done reports whether the full stream has been delivered.
func (s *SizedRecvState) Done() bool { return s.received >= s.Total }

// RTTEstimator tracks the smoothed RTT and deviation per spec.md §4.3
// ("ACK") using the same 3/4 and 7/8 smoothing constants.
type RTTEstimator struct {
	Avg time.Duration
	Dev time.Duration
}

// NewRTTEstimator returns the spec's initial estimate (200ms/100ms).
func NewRTTEstimator() RTTEstimator {
	return RTTEstimator{Avg: 200 * time.Millisecond, Dev: 100 * time.Millisecond}
}

// Sample folds one clean RTT measurement into the estimate.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if rtt < 0 {
		rtt = 100 * time.Millisecond
	}
	diff := e.Avg - rtt
	if diff < 0 {
		diff = -diff
	}
	e.Dev = (3*e.Dev + diff) / 4
	e.Avg = (7*e.Avg + rtt) / 8
}

// RetransmitTimeout computes the clamped per-buffer retry timeout
// (spec.md §4.4): clamp(avg_rtt + 4*rtt_dev, 250ms, 2000ms).
func (e RTTEstimator) RetransmitTimeout() time.Duration {
	t := e.Avg + 4*e.Dev
	const lo = 250 * time.Millisecond
	const hi = 2000 * time.Millisecond
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// relSlot is one entry of the circular reliable-receive window.
type relSlot struct {
	occupied bool
	seq      int32
	payload  []byte
}

// ConnData is the full per-connection state from spec.md §3.
type ConnData struct {
	TraceID xid.ID // (ADDED) correlation id for log lines, not wire-visible

	RemoteAddr *net.UDPAddr
	Socket     *net.UDPConn

	mu sync.RWMutex // guards State, last-seen timestamps, terminal flags

	state      State
	lastPktAt  time.Time
	hitMaxRetries  bool
	hitMaxOutlist  bool

	// Sequence counters (spec.md §3: s2cn, c2sn).
	S2CN int32 // outbound reliable sequence counter
	C2SN int32 // inbound reliable sequence counter (next expected)

	// Counters. The send worker updates PktSent/BytesSent/PktDropped/Retries
	// under outgoingMu; the receive path updates PktRecvd/BytesRecvd/RelDups
	// without a lock. Each is mirrored into internal/metrics at the
	// increment site.
	PktSent     uint64
	PktRecvd    uint64
	BytesSent   uint64
	BytesRecvd  uint64
	PktDropped  uint64
	RelDups     uint64
	Retries     uint64

	RTT RTTEstimator

	Encryption EncryptionHook
	Bandwidth  bandwidth.Limiter

	outgoingMu    sync.Mutex
	outlist       [wire.NumPriorities][]*OutboundBuffer
	unsentRelOut  []*OutboundBuffer

	reliableMu sync.Mutex
	window     []relSlot // len == W, indexed by seq mod W

	reliableProcessingMu sync.Mutex // serializes reliable dispatch for this conn

	bigMu     sync.Mutex
	bigRecv   []byte
	sizedRecv *SizedRecvState

	sizedSendMu           sync.Mutex
	sizedSends            []*SizedSendDescriptor
	sizedSendQueuedCount  int
}

// New creates a ConnData with a receive window of size w (spec.md §9 open
// question: W is configured; see config.DefaultReliableWindow and
// DESIGN.md).
func New(addr *net.UDPAddr, sock *net.UDPConn, w int, limiter bandwidth.Limiter) *ConnData {
	return &ConnData{
		TraceID:    xid.New(),
		RemoteAddr: addr,
		Socket:     sock,
		state:      StateConnecting,
		lastPktAt:  time.Now(),
		RTT:        NewRTTEstimator(),
		Bandwidth:  limiter,
		window:     make([]relSlot, w),
	}
}

func (c *ConnData) WindowSize() int { return len(c.window) }

func (c *ConnData) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ConnData) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *ConnData) LastPktAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPktAt
}

func (c *ConnData) TouchLastPkt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPktAt = time.Now()
}

func (c *ConnData) HitMaxRetries() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hitMaxRetries
}

func (c *ConnData) SetHitMaxRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitMaxRetries = true
}

func (c *ConnData) HitMaxOutlist() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hitMaxOutlist
}

func (c *ConnData) SetHitMaxOutlist() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitMaxOutlist = true
}

// --- Reliable receive window (relbuf), spec.md §3 invariant & §4.3 0x03 ---

// ReliableAcceptResult is the outcome of offering one reliable datagram to
// the receive window.
type ReliableAcceptResult int

const (
	ReliableAccepted ReliableAcceptResult = iota
	ReliableDuplicate
	ReliableWindowOverflow
)

// OfferReliable stores a reliable payload at slot seq%W if it is new and
// within the window, per spec.md §4.3 0x03 handling. It always returns a
// result telling the caller whether to ACK (duplicate/accepted both ACK;
// overflow does not).
func (c *ConnData) OfferReliable(seq int32, payload []byte) ReliableAcceptResult {
	if seq < 0 {
		return ReliableWindowOverflow
	}
	c.reliableMu.Lock()
	defer c.reliableMu.Unlock()

	w := int32(len(c.window))
	if seq-c.C2SN >= w {
		return ReliableWindowOverflow
	}
	if seq < c.C2SN {
		return ReliableDuplicate
	}
	slot := int(seq % w)
	if c.window[slot].occupied {
		return ReliableDuplicate
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.window[slot] = relSlot{occupied: true, seq: seq, payload: cp}
	return ReliableAccepted
}

// IsNextReliable reports whether seq == c2sn, i.e. the connection now has
// processable reliable data (spec.md §4.3 0x03: "now has processable
// reliable data; enqueue it onto the signal queue").
func (c *ConnData) IsNextReliable(seq int32) bool {
	c.reliableMu.Lock()
	defer c.reliableMu.Unlock()
	return seq == c.C2SN
}

// DrainReliable walks the window starting at c2sn%W, delivering each
// contiguous occupied slot to deliver in order, advancing c2sn and
// clearing slots as it goes. It stops at the first gap or after one full
// lap of the window (spec.md §4.6). The reliable-processing lock must be
// held by the caller around the whole drain so at most one worker
// processes a given connection at a time (spec.md §3 invariant).
func (c *ConnData) DrainReliable(deliver func(payload []byte)) {
	w := len(c.window)
	for i := 0; i < w; i++ {
		c.reliableMu.Lock()
		slot := int(c.C2SN % int32(w))
		entry := c.window[slot]
		if !entry.occupied || entry.seq != c.C2SN {
			c.reliableMu.Unlock()
			return
		}
		payload := entry.payload
		c.window[slot] = relSlot{}
		c.C2SN++
		c.reliableMu.Unlock()

		deliver(payload)
	}
}

// HasPendingReliable reports whether the next expected slot is already
// filled, used by the reliable worker to decide whether to re-enqueue
// itself (spec.md §4.6).
func (c *ConnData) HasPendingReliable() bool {
	c.reliableMu.Lock()
	defer c.reliableMu.Unlock()
	w := int32(len(c.window))
	slot := int(c.C2SN % w)
	return c.window[slot].occupied && c.window[slot].seq == c.C2SN
}

// LockReliableProcessing / UnlockReliableProcessing serialize reliable
// dispatch for this connection (spec.md §3 invariant, §5).
func (c *ConnData) LockReliableProcessing()   { c.reliableProcessingMu.Lock() }
func (c *ConnData) UnlockReliableProcessing() { c.reliableProcessingMu.Unlock() }

// --- Outbound queues ---

// LockOutgoing / UnlockOutgoing guard all outbound queues (outlist,
// unsentRelOut) per spec.md §5.
func (c *ConnData) LockOutgoing()   { c.outgoingMu.Lock() }
func (c *ConnData) UnlockOutgoing() { c.outgoingMu.Unlock() }

// TryLockOutgoing attempts a non-blocking acquisition, used by the send
// worker to avoid head-of-line blocking across connections (spec.md §5).
func (c *ConnData) TryLockOutgoing() bool { return c.outgoingMu.TryLock() }

// EnqueueUnsentReliable appends a reliable payload awaiting sequence
// assignment (spec.md §3 unsent_rel_out). Caller must hold the outgoing
// lock.
func (c *ConnData) EnqueueUnsentReliable(buf *OutboundBuffer) {
	c.unsentRelOut = append(c.unsentRelOut, buf)
}

// UnsentReliable returns the queue of reliable payloads awaiting sequence
// assignment. Caller must hold the outgoing lock.
func (c *ConnData) UnsentReliable() []*OutboundBuffer { return c.unsentRelOut }

// SetUnsentReliable replaces the unsent-reliable queue, used by promotion
// once it has consumed a prefix. Caller must hold the outgoing lock.
func (c *ConnData) SetUnsentReliable(rest []*OutboundBuffer) { c.unsentRelOut = rest }

// Outlist returns the priority bucket for p. Caller must hold the outgoing
// lock.
func (c *ConnData) Outlist(p wire.Priority) []*OutboundBuffer { return c.outlist[p] }

// SetOutlist replaces the priority bucket for p. Caller must hold the
// outgoing lock.
func (c *ConnData) SetOutlist(p wire.Priority, bufs []*OutboundBuffer) { c.outlist[p] = bufs }

// EnqueueOutlist appends to the priority bucket for p. Caller must hold
// the outgoing lock.
func (c *ConnData) EnqueueOutlist(p wire.Priority, buf *OutboundBuffer) {
	c.outlist[p] = append(c.outlist[p], buf)
}

// OutlistSize sums every priority bucket, used against MaxOutlistSize
// (spec.md §6, hit_max_outlist).
func (c *ConnData) OutlistSize() int {
	n := 0
	for _, bucket := range c.outlist {
		n += len(bucket)
	}
	return n
}

// InFlightReliableSeqs reports the span between s2cn and the oldest
// unacked reliable sequence still in the outlist, used by promotion to cap
// how far ahead of ACKs the sender will run (spec.md §4.4).
func (c *ConnData) InFlightReliableSeqs() int32 {
	bucket := c.outlist[wire.PriorityReliable]
	if len(bucket) == 0 {
		return 0
	}
	return c.S2CN - bucket[0].Seq
}

// RemoveFromReliableOutlist removes and returns the buffer with the given
// seq, if present. Caller must hold the outgoing lock.
func (c *ConnData) RemoveFromReliableOutlist(seq int32) *OutboundBuffer {
	bucket := c.outlist[wire.PriorityReliable]
	for i, b := range bucket {
		if b.Seq == seq {
			c.outlist[wire.PriorityReliable] = append(bucket[:i], bucket[i+1:]...)
			return b
		}
	}
	return nil
}

// --- Big-data receive assembly (0x08/0x09), spec.md §4.3 ---

// AppendBig appends a fragment to the big-data assembly buffer, enforcing
// maxBig (spec.md §7: "release buffer, log malicious" on overflow). It
// returns false if the append would exceed maxBig, in which case the
// buffer has already been released.
func (c *ConnData) AppendBig(fragment []byte, maxBig int) bool {
	c.bigMu.Lock()
	defer c.bigMu.Unlock()
	if len(c.bigRecv)+len(fragment) > maxBig {
		c.bigRecv = nil
		return false
	}
	c.bigRecv = append(c.bigRecv, fragment...)
	return true
}

// TakeBig returns and clears the accumulated big-data buffer (spec.md
// §4.3 0x09: "schedule handler invocation... then release the buffer").
func (c *ConnData) TakeBig() []byte {
	c.bigMu.Lock()
	defer c.bigMu.Unlock()
	out := c.bigRecv
	c.bigRecv = nil
	return out
}

// --- Sized-data receive assembly (0x0A), spec.md §4.3 ---

func (c *ConnData) SizedRecv() *SizedRecvState {
	c.bigMu.Lock()
	defer c.bigMu.Unlock()
	return c.sizedRecv
}

func (c *ConnData) SetSizedRecv(s *SizedRecvState) {
	c.bigMu.Lock()
	defer c.bigMu.Unlock()
	c.sizedRecv = s
}

// --- Sized-data send queue (outbound), spec.md §4.5 ---

func (c *ConnData) LockSizedSend()   { c.sizedSendMu.Lock() }
func (c *ConnData) UnlockSizedSend() { c.sizedSendMu.Unlock() }

// FrontSizedSend returns the first queued outbound sized-send descriptor,
// or nil. Caller must hold the sized-send lock.
func (c *ConnData) FrontSizedSend() *SizedSendDescriptor {
	if len(c.sizedSends) == 0 {
		return nil
	}
	return c.sizedSends[0]
}

// PopFrontSizedSend removes the front descriptor. Caller must hold the
// sized-send lock.
func (c *ConnData) PopFrontSizedSend() {
	if len(c.sizedSends) == 0 {
		return
	}
	c.sizedSends = c.sizedSends[1:]
}

// PushSizedSend enqueues a new outbound sized-send descriptor. Caller must
// hold the sized-send lock.
func (c *ConnData) PushSizedSend(d *SizedSendDescriptor) {
	c.sizedSends = append(c.sizedSends, d)
}

// SizedSendCount reports how many sized-send descriptors remain queued.
// Caller must hold the sized-send lock.
func (c *ConnData) SizedSendCount() int { return len(c.sizedSends) }

// SizedSendDescriptors returns every queued outbound sized-send descriptor,
// front first. Caller must hold the sized-send lock.
func (c *ConnData) SizedSendDescriptors() []*SizedSendDescriptor { return c.sizedSends }

func (c *ConnData) SizedSendQueuedCount() int {
	c.sizedSendMu.Lock()
	defer c.sizedSendMu.Unlock()
	return c.sizedSendQueuedCount
}

// SizedSendQueuedCountLocked is SizedSendQueuedCount without acquiring the
// sized-send lock itself; callers that already hold it (via
// LockSizedSend) must use this instead to avoid self-deadlock.
func (c *ConnData) SizedSendQueuedCountLocked() int { return c.sizedSendQueuedCount }

func (c *ConnData) AddSizedSendQueuedCount(delta int) {
	c.sizedSendMu.Lock()
	defer c.sizedSendMu.Unlock()
	c.sizedSendQueuedCount += delta
}
