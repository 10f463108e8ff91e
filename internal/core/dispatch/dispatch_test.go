package dispatch

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/group"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

// udpPair opens two loopback UDP sockets so tests can exercise rawio.Send
// against a real socket without a live peer process.
func udpPair(t *testing.T) (server, peer *net.UDPConn) {
	t.Helper()
	s, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	p, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(); p.Close() })
	return s, p
}

func newTestConn(t *testing.T, server *net.UDPConn, peer *net.UDPConn) *conn.ConnData {
	t.Helper()
	return conn.New(peer.LocalAddr().(*net.UDPAddr), server, 64, bandwidth.NewTokenBucketLimiter())
}

func readOne(t *testing.T, sock *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := sock.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func reliablePacket(seq int32, payload []byte) []byte {
	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeReliable)
	w.WriteInt32(seq)
	w.WriteBytes(payload)
	return w.Bytes()
}

func ackPacket(seq int32) []byte {
	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeAck)
	w.WriteInt32(seq)
	return w.Bytes()
}

func TestDispatchReliableSendsAckAndSignals(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)

	var signalled *conn.ConnData
	d := New(64*1024, nil, signalQueueFunc(func(cd *conn.ConnData) { signalled = cd }), nil)

	require.NoError(t, d.Dispatch(c, reliablePacket(0, []byte("hello")), time.Now(), false))

	ack := readOne(t, peer)
	require.Equal(t, byte(wire.TypeCore), ack[0])
	require.Equal(t, byte(wire.SubtypeAck), ack[1])
	seq, err := wire.NewReader(ack[2:]).ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(0), seq)
	require.Same(t, c, signalled)
}

func TestDispatchReliableOutOfOrderDoesNotSignal(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)

	signalled := false
	d := New(64*1024, nil, signalQueueFunc(func(cd *conn.ConnData) { signalled = true }), nil)

	require.NoError(t, d.Dispatch(c, reliablePacket(1, []byte("later")), time.Now(), false))
	readOne(t, peer) // still ACKs the out-of-order packet
	require.False(t, signalled)
}

func TestDispatchReliableWindowOverflowDropsSilently(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, nil, nil, nil)

	require.NoError(t, d.Dispatch(c, reliablePacket(int32(c.WindowSize()+5), []byte("x")), time.Now(), false))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 16)
	_, err := peer.Read(buf)
	require.Error(t, err, "no ACK should be sent for a window-overflowing reliable packet")
}

func TestDispatchReliableDuplicateIncrementsMetric(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, nil, nil, nil)

	before := testutil.ToFloat64(metrics.ReliableDuplicates)

	require.NoError(t, d.Dispatch(c, reliablePacket(0, []byte("a")), time.Now(), false))
	readOne(t, peer)
	require.NoError(t, d.Dispatch(c, reliablePacket(0, []byte("a")), time.Now(), false))
	readOne(t, peer)

	after := testutil.ToFloat64(metrics.ReliableDuplicates)
	require.Equal(t, before+1, after)
}

func TestDispatchAckRemovesOutlistEntryAndFiresCallback(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, nil, nil, nil)

	fired := false
	buf := &conn.OutboundBuffer{Seq: 3, Flags: wire.FlagReliable, Priority: wire.PriorityReliable, Tries: 1, LastRetry: time.Now()}
	buf.ChainCallback(conn.ReliableCallbackFunc(func(success bool) { fired = success }))

	c.LockOutgoing()
	c.EnqueueOutlist(wire.PriorityReliable, buf)
	c.UnlockOutgoing()

	require.NoError(t, d.Dispatch(c, ackPacket(3), time.Now(), false))

	require.True(t, fired)
	c.LockOutgoing()
	require.Equal(t, 0, len(c.Outlist(wire.PriorityReliable)))
	c.UnlockOutgoing()
}

func TestDispatchGroupedRecursesAndDispatchesNestedReliable(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, nil, nil, nil)

	g := group.New()
	require.NoError(t, g.Append(reliablePacket(0, []byte("nested"))))
	require.NoError(t, g.Append([]byte("\x2Aapplication-item")))
	out, ok := g.Flush()
	require.True(t, ok)

	require.NoError(t, d.Dispatch(c, out, time.Now(), false))
	readOne(t, peer) // the nested reliable packet's ACK
}

func TestDispatchRejectsNestedGroupedPacket(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, nil, nil, nil)

	inner := []byte{wire.TypeCore, wire.SubtypeGrouped}
	err := d.Dispatch(c, inner, time.Now(), true)
	require.Error(t, err)
}

func TestDispatchBigDataReassemblesExactBytes(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)

	var delivered []byte
	var wg sync.WaitGroup
	wg.Add(1)
	d := New(64*1024, submitFunc(func(fn func()) { fn() }), nil, nil)
	d.RegisterPacketHandler(0x2A, func(cd *conn.ConnData, payload []byte) {
		delivered = append([]byte(nil), payload...)
		wg.Done()
	})

	payload := make([]byte, 1199)
	for i := range payload {
		payload[i] = byte(i)
	}
	full := append([]byte{0x2A}, payload...)

	frag1 := full[:480]
	frag2 := full[480:960]
	frag3 := full[960:]

	bigPacket := func(subtype byte, fragment []byte) []byte {
		w := wire.NewWriter()
		w.WriteByte(wire.TypeCore)
		w.WriteByte(subtype)
		w.WriteBytes(fragment)
		return w.Bytes()
	}

	require.NoError(t, d.Dispatch(c, bigPacket(wire.SubtypeBigData, frag1), time.Now(), false))
	require.NoError(t, d.Dispatch(c, bigPacket(wire.SubtypeBigData, frag2), time.Now(), false))
	require.NoError(t, d.Dispatch(c, bigPacket(wire.SubtypeBigDataEnd, frag3), time.Now(), false))

	wg.Wait()
	require.Equal(t, full[1:], delivered)
}

func TestDispatchSizedCancelledTerminatesInboundTransfer(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	d := New(64*1024, submitFunc(func(fn func()) { fn() }), nil, nil)

	var deliveries []struct {
		offset, total int32
		data          []byte
	}
	d.RegisterSizedPacketHandler(0x01, func(cd *conn.ConnData, offset, total int32, data []byte) {
		deliveries = append(deliveries, struct {
			offset, total int32
			data          []byte
		}{offset, total, append([]byte(nil), data...)})
	})

	sizedPacket := func(total uint32, payloadType byte, chunk []byte) []byte {
		w := wire.NewWriter()
		w.WriteByte(wire.TypeCore)
		w.WriteByte(wire.SubtypeSizedData)
		w.WriteUint32(total)
		w.WriteByte(payloadType)
		w.WriteBytes(chunk)
		return w.Bytes()
	}

	require.NoError(t, d.Dispatch(c, sizedPacket(100, 0x01, []byte("first-chunk")), time.Now(), false))
	require.NotNil(t, c.SizedRecv())
	require.Len(t, deliveries, 1)

	// Sender's stream was itself cancelled; a 0x0C arrives and must
	// terminate the inbound assembly with (-1,-1,nil) and no further
	// chunks delivered (spec.md §8 "Cancellation completeness").
	sizedCancelled := []byte{wire.TypeCore, wire.SubtypeSizedCancelled}
	require.NoError(t, d.Dispatch(c, sizedCancelled, time.Now(), false))

	require.Nil(t, c.SizedRecv())
	require.Len(t, deliveries, 2)
	require.Equal(t, int32(-1), deliveries[1].offset)
	require.Equal(t, int32(-1), deliveries[1].total)
	require.Nil(t, deliveries[1].data)

	require.NoError(t, d.Dispatch(c, sizedPacket(100, 0x01, []byte("late-chunk")), time.Now(), false))
	require.Len(t, deliveries, 3, "a new sized transfer after cancellation starts fresh")
}

// TestDispatchSizedAndGroupedSurviveBufferReuse simulates the receive
// worker's reused read buffer (recv.go's single buf, overwritten by the
// next ReadFromUDP before a deferred mainloop submission runs) by holding
// submitted work instead of running it inline, mutating the backing array
// afterward, and only then draining the queue. Every delivered payload must
// still match what was dispatched (spec.md §4.6/§4.5 reassembly).
func TestDispatchSizedAndGroupedSurviveBufferReuse(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)

	var pending []func()
	deferredSubmit := submitFunc(func(fn func()) { pending = append(pending, fn) })
	d := New(64*1024, deferredSubmit, nil, nil)

	var sizedData []byte
	d.RegisterSizedPacketHandler(0x01, func(cd *conn.ConnData, offset, total int32, data []byte) {
		sizedData = data
	})
	var groupedData []byte
	d.RegisterPacketHandler(0x2A, func(cd *conn.ConnData, payload []byte) {
		groupedData = payload
	})

	sharedBuf := make([]byte, 256)

	sw := wire.NewWriter()
	sw.WriteByte(wire.TypeCore)
	sw.WriteByte(wire.SubtypeSizedData)
	sw.WriteUint32(100)
	sw.WriteByte(0x01)
	sw.WriteBytes([]byte("first-chunk"))
	n := copy(sharedBuf, sw.Bytes())
	require.NoError(t, d.Dispatch(c, sharedBuf[:n], time.Now(), false))

	g := group.New()
	require.NoError(t, g.Append([]byte("\x2Bother-item")))
	require.NoError(t, g.Append([]byte("\x2Agrouped-item")))
	out, ok := g.Flush()
	require.True(t, ok)
	n = copy(sharedBuf, out)
	require.NoError(t, d.Dispatch(c, sharedBuf[:n], time.Now(), false))

	// The "next datagram" clobbers the shared buffer before either deferred
	// handler runs.
	for i := range sharedBuf {
		sharedBuf[i] = 0xFF
	}

	for _, fn := range pending {
		fn()
	}

	require.Equal(t, []byte("first-chunk"), sizedData)
	require.Equal(t, []byte("grouped-item"), groupedData)
}

// submitFunc adapts a function to the Workqueue interface for tests,
// running submitted work inline.
type submitFunc func(fn func())

func (f submitFunc) Submit(fn func()) { f(fn) }

// signalQueueFunc adapts a function to the SignalQueue interface for tests.
type signalQueueFunc func(c *conn.ConnData)

func (f signalQueueFunc) Enqueue(c *conn.ConnData) { f(c) }
