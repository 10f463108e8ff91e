// Package recv implements the receive worker (spec.md §4.2): one goroutine
// per bound game socket, ready-set polling with a 1s read deadline,
// connection admission via an ordered chain of init handlers, terminal-state
// drop logic, and handing accepted datagrams to the core dispatcher.
//
// Grounded on the teacher's blocking ReadFromUDP accept loop
// (source/server/server.go's listen()), generalized from a single socket to
// N sockets (one goroutine per bound port, the idiomatic Go analogue of a
// ready-set poll since net.UDPConn exposes no select/epoll primitive) and
// from SA-MP's single connection-request packet to the Core protocol's
// init/re-init/force-logout admission rules.
package recv

import (
	"context"
	"net"
	"time"

	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/dispatch"
	"github.com/ventosilenzioso/subspace-core/internal/core/endpoint"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

// readDeadline bounds each socket's blocking read (spec.md §4.2: "polls the
// ready-set of all sockets with a 1-second upper bound").
const readDeadline = 1 * time.Second

// maxDatagram is sized to accommodate any valid Core datagram plus headroom;
// oversized reads are logged and dropped below against the tighter
// per-kind thresholds (spec.md §4.2 step 1).
const maxDatagram = 65527

// InitHandler attempts to admit a new connection from an unknown peer's
// first datagram (spec.md §4.2 step 2, §4.7 GLOSSARY "Connection-init").
// It returns the new connection and true if it accepted the packet, or
// (nil, false) to let the next handler in the chain try.
type InitHandler func(sock *net.UDPConn, addr *net.UDPAddr, data []byte) (*conn.ConnData, bool)

// Worker is one receive worker driving one or more bound game sockets.
type Worker struct {
	Players    *endpoint.Table
	Dispatcher *dispatch.Dispatcher
	Init       []InitHandler

	// MaxConnInitPacket/MaxPacket bound oversized datagrams differently for
	// connection-init traffic vs an established connection (spec.md §4.1,
	// §4.2 step 1).
	MaxConnInitPacket int
	MaxPacket         int

	// ForceLogout is invoked when a later-state connection re-sends an init
	// packet (spec.md §4.2 step 3: "force a logout").
	ForceLogout func(c *conn.ConnData)
}

// Run spawns one reader goroutine per socket via spawn, each looping until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context, sockets []*net.UDPConn, spawn func(func())) {
	for _, sock := range sockets {
		sock := sock
		spawn(func() { w.readLoop(ctx, sock) })
	}
}

func (w *Worker) readLoop(ctx context.Context, sock *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sock.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Error("recv: set read deadline failed")
			return
		}
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.WithFields(logger.Fields{"error": err}).Warn("recv: socket read error")
			continue
		}

		w.handleDatagram(sock, addr, buf[:n])
	}
}

func (w *Worker) handleDatagram(sock *net.UDPConn, addr *net.UDPAddr, data []byte) {
	isInit := looksLikeInit(data)

	maxLen := w.MaxPacket
	if isInit {
		maxLen = w.MaxConnInitPacket
	}
	if maxLen > 0 && len(data) > maxLen {
		logger.WithFields(logger.Fields{"remote": addr.String(), "len": len(data), "init": isInit}).
			Warn("recv: oversized datagram, dropping")
		return
	}

	c, existed := w.Players.Lookup(addr)

	if !existed {
		if !isInit {
			logger.WithFields(logger.Fields{"remote": addr.String()}).
				Debug("recv: datagram from unknown peer is not an init packet, dropping")
			return
		}
		for _, h := range w.Init {
			if nc, ok := h(sock, addr, data); ok {
				w.Players.Insert(nc)
				metrics.ActiveConnections.Inc()
				return
			}
		}
		logger.WithFields(logger.Fields{"remote": addr.String()}).
			Debug("recv: no init handler accepted connection request")
		return
	}

	if isInit {
		switch c.State() {
		case conn.StateConnecting, conn.StateConnected:
			// Likely a lost response; re-run admission so the peer gets a
			// fresh key response (spec.md §4.2 step 3).
			for _, h := range w.Init {
				if _, ok := h(sock, addr, data); ok {
					return
				}
			}
			return
		default:
			if w.ForceLogout != nil {
				w.ForceLogout(c)
			}
			return
		}
	}

	switch c.State() {
	case conn.StateLeavingZone:
		return
	case conn.StateTimeWait:
		logger.WithFields(logger.Fields{"remote": addr.String()}).
			Warn("recv: datagram for connection already in TimeWait")
		return
	}

	c.TouchLastPkt()
	c.PktRecvd++
	c.BytesRecvd += uint64(len(data))
	metrics.PacketsReceived.Inc()
	metrics.BytesReceived.Add(float64(len(data)))

	payload := data
	if c.Encryption != nil {
		payload = c.Encryption.Decrypt(payload)
		if len(payload) == 0 {
			logger.WithFields(logger.Fields{"remote": addr.String()}).
				Warn("recv: decrypt failure, dropping")
			return
		}
	}

	if !wireIsCore(payload) {
		// Application-layer packet delivered outside a reliable/grouped
		// frame; hand it straight to the mainloop via the dispatcher's
		// application-delivery path.
		if w.Dispatcher != nil {
			w.Dispatcher.DeliverRaw(c, payload)
		}
		return
	}

	if w.Dispatcher != nil {
		if err := w.Dispatcher.Dispatch(c, payload, time.Now(), false); err != nil {
			logger.WithFields(logger.Fields{"remote": addr.String(), "error": err}).
				Debug("recv: dispatch error")
		}
	}
}

// looksLikeInit reports whether data's leading two bytes mark it as a
// connection-init family packet (0x00 0x01 or 0x00 0x11), the only subtypes
// the receive worker itself interprets before a connection exists (spec.md
// §4.1, §4.2 step 2).
func looksLikeInit(data []byte) bool {
	if len(data) < 2 || data[0] != 0x00 {
		return false
	}
	return data[1] == 0x01 || data[1] == 0x11
}

func wireIsCore(data []byte) bool {
	return len(data) > 0 && data[0] == 0x00
}
