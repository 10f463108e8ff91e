package sized

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

func newTestConn() *conn.ConnData {
	return conn.New(nil, nil, config.DefaultReliableWindow, bandwidth.NewTokenBucketLimiter())
}

type recordedChunk struct {
	body []byte
	cb   conn.ReliableCallback
}

func newRecordingEngine(cfg *config.Config) (*Engine, *[]recordedChunk) {
	var sent []recordedChunk
	e := NewEngine(cfg, func(c *conn.ConnData, body []byte, cb conn.ReliableCallback) {
		sent = append(sent, recordedChunk{body: append([]byte(nil), body...), cb: cb})
	}, 8)
	return e, &sent
}

func TestStepEmitsChunksAndRespectsQueueThreshold(t *testing.T) {
	cfg := &config.Config{SizedQueueThreshold: 2, SizedQueuePackets: 1}
	e, sent := newRecordingEngine(cfg)
	c := newTestConn()

	data := make([]byte, wire.ChunkSize*3)
	for i := range data {
		data[i] = byte(i)
	}
	d := &conn.SizedSendDescriptor{
		Total: int64(len(data)),
		Provider: func(offset int64, buf []byte) int {
			if buf == nil {
				return 0
			}
			n := copy(buf, data[offset:])
			return n
		},
	}
	c.LockSizedSend()
	c.PushSizedSend(d)
	c.UnlockSizedSend()

	more := e.step(c)
	require.True(t, more)
	require.Len(t, *sent, 1, "SizedQueuePackets=1 bounds one step to a single chunk worth of bytes")

	require.Equal(t, byte(wire.TypeCore), (*sent)[0].body[0])
	require.Equal(t, byte(wire.SubtypeSizedData), (*sent)[0].body[1])

	more = e.step(c)
	require.True(t, more)
	require.Len(t, *sent, 2)

	more = e.step(c)
	require.False(t, more, "queued chunk count reached SizedQueueThreshold; must wait for an ACK")
	require.Len(t, *sent, 2)

	(*sent)[0].cb.Invoke(true)
	more = e.step(c)
	require.False(t, more, "descriptor fully drained on this step; front is popped")
	require.Len(t, *sent, 3)

	c.LockSizedSend()
	require.Equal(t, 0, c.SizedSendCount())
	c.UnlockSizedSend()
}

func TestStepFinishesWhenProviderHasNoMoreData(t *testing.T) {
	cfg := &config.Config{SizedQueueThreshold: 10, SizedQueuePackets: 10}
	e, sent := newRecordingEngine(cfg)
	c := newTestConn()

	finished := false
	d := &conn.SizedSendDescriptor{
		Total: int64(wire.ChunkSize),
		Provider: func(offset int64, buf []byte) int {
			if buf == nil {
				finished = true
				return 0
			}
			return copy(buf, make([]byte, wire.ChunkSize))
		},
	}
	c.LockSizedSend()
	c.PushSizedSend(d)
	c.UnlockSizedSend()

	more := e.step(c)
	require.False(t, more, "descriptor drains and finishes within a single step once remaining hits zero")
	require.Len(t, *sent, 1)
	require.True(t, finished)

	c.LockSizedSend()
	require.Equal(t, 0, c.SizedSendCount())
	c.UnlockSizedSend()
}

func TestStepHandlesPeerCancelSendsAckCancel(t *testing.T) {
	cfg := &config.Config{SizedQueueThreshold: 10, SizedQueuePackets: 10}
	e, sent := newRecordingEngine(cfg)
	c := newTestConn()

	providerCalled := false
	d := &conn.SizedSendDescriptor{
		Total:           int64(wire.ChunkSize),
		CancelledByPeer: true,
		Provider: func(offset int64, buf []byte) int {
			providerCalled = true
			return 0
		},
	}
	c.LockSizedSend()
	c.PushSizedSend(d)
	c.UnlockSizedSend()

	more := e.step(c)
	require.False(t, more)
	require.True(t, providerCalled, "provider must be notified with a nil buffer on cancellation")

	require.Len(t, *sent, 1, "peer cancel is ack'd with a 0x0C SubtypeSizedCancelled frame via the reliable queue")
	ack := (*sent)[0].body
	require.Equal(t, byte(wire.TypeCore), ack[0])
	require.Equal(t, byte(wire.SubtypeSizedCancelled), ack[1])

	c.LockSizedSend()
	require.Equal(t, 0, c.SizedSendCount())
	c.UnlockSizedSend()
}

func TestCancelAllMarksEveryDescriptorAndDrains(t *testing.T) {
	cfg := &config.Config{SizedQueueThreshold: 10, SizedQueuePackets: 10}
	e, _ := newRecordingEngine(cfg)
	c := newTestConn()

	var notified []bool
	mk := func() *conn.SizedSendDescriptor {
		return &conn.SizedSendDescriptor{
			Total: int64(wire.ChunkSize),
			Provider: func(offset int64, buf []byte) int {
				if buf == nil {
					notified = append(notified, true)
				}
				return 0
			},
		}
	}
	c.LockSizedSend()
	c.PushSizedSend(mk())
	c.PushSizedSend(mk())
	c.UnlockSizedSend()

	e.CancelAll(c)

	for e.step(c) {
	}

	require.Len(t, notified, 2)
	c.LockSizedSend()
	require.Equal(t, 0, c.SizedSendCount())
	c.UnlockSizedSend()
}

func TestDrainedReportsWhenQueueEmpty(t *testing.T) {
	cfg := &config.Config{SizedQueueThreshold: 10, SizedQueuePackets: 10}
	e, _ := newRecordingEngine(cfg)
	c := newTestConn()

	require.True(t, e.Drained(c))

	c.LockSizedSend()
	c.PushSizedSend(&conn.SizedSendDescriptor{Total: 1, Provider: func(int64, []byte) int { return 0 }})
	c.UnlockSizedSend()

	require.False(t, e.Drained(c))
}
