// Package reliable implements the reliable receive workers (spec.md §4.6):
// a bounded signal queue of connections with processable data, drained by
// one or more goroutines that each hold the connection's
// reliable-processing lock for the duration of a drain pass.
//
// Grounded on the teacher's Session.flushReceived/ordering-channel drain
// (source/protocol/raknet.go), generalized from RakNet's per-channel
// ordering index to the Core protocol's single relbuf window and explicit
// signal queue.
package reliable

import (
	"context"

	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

// Deliver hands one reassembled reliable payload to the application
// workqueue (spec.md §4.6: "dispatching the payload (on the application
// workqueue)").
type Deliver func(c *conn.ConnData, payload []byte)

// Queue is a bounded channel of connections with processable reliable data.
// A nil entry is never pushed; workers exit on ctx cancellation instead
// (spec.md §9: "use an explicit cancellation signal, not enqueue null
// sentinels").
type Queue struct {
	ch chan *conn.ConnData
}

// NewQueue creates a queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *conn.ConnData, capacity)}
}

// Enqueue offers c to the queue, dropping the signal (not the data) if the
// queue is momentarily full — the connection remains in relbuf and will be
// re-signalled on the next accepted reliable packet or re-enqueue.
func (q *Queue) Enqueue(c *conn.ConnData) {
	select {
	case q.ch <- c:
		metrics.SignalQueueDepth.Inc()
	default:
		logger.Debug("reliable: signal queue full, dropping re-signal for %s", c.RemoteAddr)
	}
}

// Workers starts n reliable workers through spawn, each draining
// connections from q until ctx is cancelled.
func Workers(ctx context.Context, q *Queue, n int, deliver Deliver, spawn func(func())) {
	for i := 0; i < n; i++ {
		spawn(func() { run(ctx, q, deliver) })
	}
}

func run(ctx context.Context, q *Queue, deliver Deliver) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-q.ch:
			metrics.SignalQueueDepth.Dec()
			drain(c, q, deliver)
		}
	}
}

// drain takes c's reliable-processing lock and walks relbuf, delivering
// every contiguous occupied slot starting at c2sn (spec.md §3 invariant:
// "at most one reliable payload is being processed at a time"; §4.6). If
// the window still has pending data after one lap, it re-signals so
// another worker (or this one, later) picks up where it left off rather
// than monopolizing this goroutine.
func drain(c *conn.ConnData, q *Queue, deliver Deliver) {
	c.LockReliableProcessing()
	c.DrainReliable(func(payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("reliable: handler panic for %s: %v", c.RemoteAddr, r)
			}
		}()
		deliver(c, payload)
	})
	stillPending := c.HasPendingReliable()
	c.UnlockReliableProcessing()

	if stillPending {
		q.Enqueue(c)
	}
}
