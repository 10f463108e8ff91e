// Command coreserver is the process entrypoint for the Subspace Core
// transport: it loads configuration, binds the game/ping/outbound-client
// sockets, starts every worker (receive, send, sized-send, reliable,
// ping), exposes Prometheus metrics, and shuts down on SIGINT/SIGTERM.
//
// It stands in for the "module host" spec.md §1 treats as an external
// collaborator, wired just enough to exercise the transport engine
// end-to-end. Adapted from the teacher's core/main.go signal-handling
// pattern (banner, signal channel, graceful-stop select), generalized from
// a single blocking server.Start() to an errgroup of independent workers.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/dispatch"
	"github.com/ventosilenzioso/subspace-core/internal/core/endpoint"
	"github.com/ventosilenzioso/subspace-core/internal/core/ping"
	"github.com/ventosilenzioso/subspace-core/internal/core/recv"
	"github.com/ventosilenzioso/subspace-core/internal/core/reliable"
	"github.com/ventosilenzioso/subspace-core/internal/core/send"
	"github.com/ventosilenzioso/subspace-core/internal/core/sized"
	"github.com/ventosilenzioso/subspace-core/internal/metrics"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

const version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:   "coreserver",
		Short: "Subspace Core transport engine",
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		logger.Fatal("coreserver: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger.Banner("Subspace Core Transport", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger.Success("Configuration loaded")

	players := endpoint.NewTable()
	_ = endpoint.NewRWTable() // outbound-client table; not retained, since this command opens no outbound client connections

	sockets, err := bindListenSockets(cfg)
	if err != nil {
		return err
	}
	defer closeSockets(sockets)

	pingSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("0.0.0.0"), Port: cfg.Listen[0].Port + 1})
	if err != nil {
		return err
	}
	defer pingSock.Close()

	// A single worker: the mainloop is the application's serial work queue
	// (spec.md GLOSSARY "Mainloop"), and the reliable workers submit payloads
	// in strict ascending c2sn order (spec.md §3/§8) — concurrent workers
	// would execute them out of order.
	mainloop := newMainloop(1)

	signalQueue := reliable.NewQueue(4096)
	d := dispatch.New(1<<20, mainloop, signalQueue, nil)
	d.OnDrop(func(c *conn.ConnData) { c.SetState(conn.StateTimeWait) })

	enqueueReliable := func(c *conn.ConnData, body []byte, cb conn.ReliableCallback) {
		buf := &conn.OutboundBuffer{Data: body, Flags: wire.FlagReliable, Priority: wire.PriorityReliable}
		if cb != nil {
			buf.ChainCallback(cb)
		}
		c.LockOutgoing()
		c.EnqueueUnsentReliable(buf)
		c.UnlockOutgoing()
	}
	sizedEngine := sized.NewEngine(cfg, enqueueReliable, cfg.SizedQueueThreshold+cfg.SizedQueuePackets)

	sendWorker := &send.Worker{
		Config: cfg,
		Sized:  sizedEngine,
		Kick:   func(c *conn.ConnData, reason string) { logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "reason": reason}).Warn("coreserver: kicking connection") },
	}

	recvWorker := &recv.Worker{
		Players:           players,
		Dispatcher:        d,
		MaxConnInitPacket: wire.MaxConnInitPacket,
		MaxPacket:         wire.MaxPacket,
		Init:              []recv.InitHandler{defaultKeyInitHandler(cfg)},
		ForceLogout:       func(c *conn.ConnData) { c.SetState(conn.StateTimeWait) },
	}

	pingSource := &emptyPopulation{}
	pingResponder := ping.NewResponder(cfg, pingSource)

	g, ctx := errgroup.WithContext(ctx)
	spawn := func(fn func()) { g.Go(func() error { fn(); return nil }) }

	recvWorker.Run(ctx, sockets, spawn)

	// Reliable payloads may themselves be core packets (grouped, big or
	// sized data); those go back through the dispatcher.
	deliverReliable := func(c *conn.ConnData, payload []byte) {
		if wire.IsCorePacket(payload) {
			if err := d.Dispatch(c, payload, time.Now(), false); err != nil {
				logger.WithFields(logger.Fields{"remote": c.RemoteAddr, "error": err}).
					Debug("coreserver: reliable core payload dispatch error")
			}
			return
		}
		d.DeliverRaw(c, payload)
	}
	reliable.Workers(ctx, signalQueue, cfg.ReliableThreads, deliverReliable, spawn)

	g.Go(func() error { sizedEngine.Run(ctx); return nil })

	g.Go(func() error {
		ticker := time.NewTicker(send.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				sendWorker.Tick(players, now)
			}
		}
	})

	g.Go(func() error { pingResponder.Run(ctx, pingSock); return nil })

	g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr) })

	logger.Success("Workers started, listening on %d game socket(s)", len(sockets))

	<-ctx.Done()
	logger.Warn("Shutting down")

	shutdownErr := g.Wait()
	_ = shutdownErr // only the metrics server can return an error (a failed listen); it is discarded here and run still returns nil

	logger.Success("Server stopped")
	return nil
}

func bindListenSockets(cfg *config.Config) ([]*net.UDPConn, error) {
	sockets := make([]*net.UDPConn, 0, len(cfg.Listen))
	for _, lp := range cfg.Listen {
		addr := &net.UDPAddr{IP: net.ParseIP(lp.BindAddress), Port: lp.Port}
		sock, err := net.ListenUDP("udp", addr)
		if err != nil {
			closeSockets(sockets)
			return nil, err
		}
		sockets = append(sockets, sock)
		logger.Info("Listening on %s", addr.String())
	}
	return sockets, nil
}

// closeSockets closes every socket, aggregating any close errors so a
// single failure doesn't stop the rest from being released.
func closeSockets(sockets []*net.UDPConn) error {
	var result *multierror.Error
	for _, sock := range sockets {
		if err := sock.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// defaultKeyInitHandler admits any well-formed 0x01/0x11 connection-init
// packet (spec.md §4.7 GLOSSARY "Connection-init"; authentication itself is
// explicitly out of scope per spec.md §1). It replies with a 0x02 key
// response, completing the handshake from the server's side.
func defaultKeyInitHandler(cfg *config.Config) recv.InitHandler {
	return func(sock *net.UDPConn, addr *net.UDPAddr, data []byte) (*conn.ConnData, bool) {
		if len(data) < 2 {
			return nil, false
		}
		c := conn.New(addr, sock, config.DefaultReliableWindow, bandwidth.NewTokenBucketLimiter())
		c.SetState(conn.StateConnected)

		w := wire.NewWriter()
		w.WriteByte(wire.TypeCore)
		w.WriteByte(wire.SubtypeKeyResponse)
		w.WriteUint32(0)
		w.WriteUint16(0)
		if _, err := sock.WriteToUDP(w.Bytes(), addr); err != nil {
			logger.WithFields(logger.Fields{"remote": addr.String(), "error": err}).
				Warn("coreserver: key response send failed")
		}
		metrics.PacketsSent.Inc()
		return c, true
	}
}

// emptyPopulation is the default population Source until the module host
// wires in real arena/player tracking (spec.md §1 non-goal).
type emptyPopulation struct{}

func (emptyPopulation) GlobalTotal() int             { return 0 }
func (emptyPopulation) GlobalPlaying() int           { return 0 }
func (emptyPopulation) Arenas() []ping.ArenaSummary { return nil }

// mainloop is a small bounded worker pool satisfying dispatch.Workqueue
// (spec.md GLOSSARY "Mainloop"); panics from application handlers are
// caught and logged rather than crashing a worker (spec.md §7 "Handler
// exception").
type mainloop struct {
	ch chan func()
}

func newMainloop(workers int) *mainloop {
	m := &mainloop{ch: make(chan func(), 8192)}
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m
}

func (m *mainloop) Submit(fn func()) {
	select {
	case m.ch <- fn:
	default:
		logger.Warn("coreserver: mainloop queue full, dropping submitted work")
	}
}

func (m *mainloop) worker() {
	for fn := range m.ch {
		m.runSafely(fn)
	}
}

func (m *mainloop) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logger.Fields{"panic": r}).Error("coreserver: mainloop handler panic")
		}
	}()
	fn()
}
