package send

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/endpoint"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

func udpPair(t *testing.T) (server, peer *net.UDPConn) {
	t.Helper()
	s, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	p, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(); p.Close() })
	return s, p
}

func newTestConn(t *testing.T, server, peer *net.UDPConn) *conn.ConnData {
	t.Helper()
	return conn.New(peer.LocalAddr().(*net.UDPAddr), server, config.DefaultReliableWindow, bandwidth.NewTokenBucketLimiter())
}

func readOne(t *testing.T, sock *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(timeout)))
	n, err := sock.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func testWorker() *Worker {
	return &Worker{Config: &config.Config{MaxRetries: 3, PerPacketOverhead: 28, DropTimeout: 3000, MaxOutlistSize: 500}}
}

func TestPromoteCoalescesTwoSmallPayloadsAndChainsCallbacks(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	w := testWorker()

	var fired []int
	p1 := &conn.OutboundBuffer{Data: []byte("alpha")}
	p1.ChainCallback(conn.ReliableCallbackFunc(func(ok bool) { fired = append(fired, 1) }))
	p2 := &conn.OutboundBuffer{Data: []byte("beta")}
	p2.ChainCallback(conn.ReliableCallbackFunc(func(ok bool) { fired = append(fired, 2) }))

	c.LockOutgoing()
	c.EnqueueUnsentReliable(p1)
	c.EnqueueUnsentReliable(p2)
	c.UnlockOutgoing()

	w.promoteUnsentReliable(c)

	c.LockOutgoing()
	bucket := c.Outlist(wire.PriorityReliable)
	require.Len(t, bucket, 1)
	buf := bucket[0]
	require.Equal(t, byte(wire.TypeCore), buf.Data[0])
	require.Equal(t, byte(wire.SubtypeReliable), buf.Data[1])
	c.UnlockOutgoing()

	buf.FireCallbacks(true)
	require.Equal(t, []int{1, 2}, fired)
}

func TestDrainOutlistSendsAndKeepsReliableUntilAck(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	w := testWorker()

	buf := &conn.OutboundBuffer{Data: []byte{wire.TypeCore, wire.SubtypeReliable, 0, 0, 0, 0, 'x'}, Flags: wire.FlagReliable, Priority: wire.PriorityReliable}
	c.LockOutgoing()
	c.EnqueueOutlist(wire.PriorityReliable, buf)
	c.UnlockOutgoing()

	w.TickOne(c, time.Now())

	_, ok := readOne(t, peer, time.Second)
	require.True(t, ok)

	c.LockOutgoing()
	require.Len(t, c.Outlist(wire.PriorityReliable), 1)
	require.Equal(t, 1, buf.Tries)
	c.UnlockOutgoing()
}

func TestRetriesBeyondMaxKicksConnection(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	w := testWorker()

	buf := &conn.OutboundBuffer{
		Data: []byte{wire.TypeCore, wire.SubtypeReliable, 0, 0, 0, 0}, Flags: wire.FlagReliable,
		Priority: wire.PriorityReliable, Tries: w.Config.MaxRetries + 1, LastRetry: time.Now().Add(-time.Hour),
	}
	c.LockOutgoing()
	c.EnqueueOutlist(wire.PriorityReliable, buf)
	c.UnlockOutgoing()

	w.TickOne(c, time.Now())

	require.True(t, c.HitMaxRetries())
	require.Equal(t, conn.StateTimeWait, c.State())
}

func TestLagoutOnIdleConnection(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	w := &Worker{Config: &config.Config{MaxRetries: 15, PerPacketOverhead: 28, DropTimeout: 10}}

	dropTimeout := time.Duration(w.Config.DropTimeout) * 10 * time.Millisecond
	w.TickOne(c, c.LastPktAt().Add(dropTimeout+time.Second))

	require.Equal(t, conn.StateTimeWait, c.State())
}

func TestTeardownSendsDropAndRemovesFromTable(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	c.SetState(conn.StateTimeWait)

	tbl := endpoint.NewTable()
	tbl.Insert(c)

	w := testWorker()
	w.Tick(tbl, time.Now())

	data, ok := readOne(t, peer, time.Second)
	require.True(t, ok)
	require.Equal(t, byte(wire.TypeCore), data[0])
	require.Equal(t, byte(wire.SubtypeDrop), data[1])

	_, stillThere := tbl.Lookup(c.RemoteAddr)
	require.False(t, stillThere)
}

func TestTeardownWaitsForSizedDrain(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	c.SetState(conn.StateTimeWait)

	tbl := endpoint.NewTable()
	tbl.Insert(c)

	drained := false
	w := testWorker()
	w.Sized = fakeSizedDrain{drained: func(*conn.ConnData) bool { return drained }}

	w.Tick(tbl, time.Now())
	_, gotDropEarly := readOne(t, peer, 100*time.Millisecond)
	require.False(t, gotDropEarly, "must not drop until sized sends drain")

	drained = true
	w.Tick(tbl, time.Now())
	_, gotDrop := readOne(t, peer, time.Second)
	require.True(t, gotDrop)
}

func TestOutlistOverMaxSizeKicksConnection(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	w := &Worker{Config: &config.Config{MaxRetries: 15, PerPacketOverhead: 28, DropTimeout: 3000, MaxOutlistSize: 1}}

	mkReliable := func(b byte) *conn.OutboundBuffer {
		return &conn.OutboundBuffer{Data: []byte{wire.TypeCore, wire.SubtypeReliable, 0, 0, 0, b}, Flags: wire.FlagReliable, Priority: wire.PriorityReliable}
	}
	c.LockOutgoing()
	c.EnqueueOutlist(wire.PriorityReliable, mkReliable(1))
	c.EnqueueOutlist(wire.PriorityReliable, mkReliable(2))
	c.UnlockOutgoing()

	w.TickOne(c, time.Now())

	require.True(t, c.HitMaxOutlist())
	require.Equal(t, conn.StateTimeWait, c.State())
}

func TestTeardownFiresPendingReliableCallbacksWithFailure(t *testing.T) {
	server, peer := udpPair(t)
	c := newTestConn(t, server, peer)
	c.SetState(conn.StateTimeWait)

	tbl := endpoint.NewTable()
	tbl.Insert(c)

	var outlistResult, unsentResult *bool
	outlistBuf := &conn.OutboundBuffer{Data: []byte{wire.TypeCore, wire.SubtypeReliable, 0, 0, 0, 0}, Flags: wire.FlagReliable, Priority: wire.PriorityReliable}
	outlistBuf.ChainCallback(conn.ReliableCallbackFunc(func(ok bool) { outlistResult = &ok }))
	unsentBuf := &conn.OutboundBuffer{Data: []byte("pending")}
	unsentBuf.ChainCallback(conn.ReliableCallbackFunc(func(ok bool) { unsentResult = &ok }))

	c.LockOutgoing()
	c.EnqueueOutlist(wire.PriorityReliable, outlistBuf)
	c.EnqueueUnsentReliable(unsentBuf)
	c.UnlockOutgoing()

	w := testWorker()
	w.Tick(tbl, time.Now())

	readOne(t, peer, time.Second) // the 0x07 drop

	require.NotNil(t, outlistResult)
	require.False(t, *outlistResult)
	require.NotNil(t, unsentResult)
	require.False(t, *unsentResult)
}

type fakeSizedDrain struct {
	drained func(*conn.ConnData) bool
}

func (f fakeSizedDrain) CancelAll(c *conn.ConnData)    {}
func (f fakeSizedDrain) Drained(c *conn.ConnData) bool { return f.drained(c) }
