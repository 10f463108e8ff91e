// Package ping implements the ping/population responder (spec.md §4.2
// "The ping socket handles only 4-byte and 8-byte payloads", §6 "Ping
// responses"): a cached population snapshot refreshed at most every
// PingDataRefreshTime, answering simple (4-byte) and extended (8-byte)
// info pings.
//
// Has no teacher analogue (SA-MP's query protocol differs); grounded on
// spec.md §4.2/§6 directly and implemented with the same little-endian
// wire.Writer/Reader codec the rest of the transport uses.
package ping

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ventosilenzioso/subspace-core/internal/config"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

const readDeadline = 1 * time.Second
const maxPingDatagram = 16

// Simple-ping population modes (spec.md §6 SimplePingPopulationMode).
const (
	PopulationModeTotal     = 1
	PopulationModePlaying   = 2
	PopulationModeAlternate = 3
)

// alternatePeriod is the cadence spec.md §6 names for mode 3 ("alternate
// every 3s").
const alternatePeriod = 3 * time.Second

// Extended-ping option bits (spec.md §6: "bytes 4..8 are an option
// bitmask"). The spec does not number the bits; DESIGN.md records this
// assignment as the resolved choice.
const (
	OptionGlobalSummary uint32 = 1 << 0
	OptionArenaSummary  uint32 = 1 << 1
)

// ArenaSummary is one entry of an extended ping's per-arena population
// series (spec.md §6 ArenaSummary: "(null-terminated name, u16 total, u16
// playing)").
type ArenaSummary struct {
	Name    string
	Total   uint16
	Playing uint16
}

// Source supplies the population figures the responder caches. Implemented
// by whatever the module host uses to track arenas/players; the transport
// only consumes this interface (spec.md §1 non-goals: arena/player
// lifecycle is out of scope).
type Source interface {
	GlobalTotal() int
	GlobalPlaying() int
	Arenas() []ArenaSummary
}

type snapshot struct {
	at      time.Time
	total   int
	playing int
	arenas  []ArenaSummary
}

// Responder answers ping datagrams from a cached snapshot.
type Responder struct {
	Config *config.Config
	Source Source

	mu   sync.Mutex
	snap snapshot
}

// NewResponder creates a Responder reading from src per cfg's refresh
// period and population mode.
func NewResponder(cfg *config.Config, src Source) *Responder {
	return &Responder{Config: cfg, Source: src}
}

func (r *Responder) refreshPeriod() time.Duration {
	return time.Duration(r.Config.PingDataRefreshTime) * 10 * time.Millisecond
}

// refresh re-reads Source if the cached snapshot is older than the
// configured refresh period (spec.md §6: "cached population statistics
// refreshed at most every PingDataRefreshTime").
func (r *Responder) refresh(now time.Time) snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.at.IsZero() || now.Sub(r.snap.at) >= r.refreshPeriod() {
		r.snap = snapshot{at: now}
		if r.Source != nil {
			r.snap.total = r.Source.GlobalTotal()
			r.snap.playing = r.Source.GlobalPlaying()
			r.snap.arenas = r.Source.Arenas()
		}
	}
	return r.snap
}

// Handle answers one ping datagram. It returns nil if data is neither 4
// nor 8 bytes (spec.md §4.2: "the ping socket handles only 4-byte and
// 8-byte payloads"); the caller drops the datagram in that case.
func (r *Responder) Handle(data []byte, now time.Time) []byte {
	switch len(data) {
	case 4:
		return r.handleSimple(data, now)
	case 8:
		return r.handleExtended(data, now)
	default:
		return nil
	}
}

func (r *Responder) handleSimple(data []byte, now time.Time) []byte {
	snap := r.refresh(now)
	count := r.simpleCount(snap, now)

	w := wire.NewWriter()
	w.WriteUint32(uint32(count))
	w.WriteBytes(data)
	return w.Bytes()
}

// simpleCount picks total vs playing per SimplePingPopulationMode, with
// mode 3 alternating every 3s (spec.md §6).
func (r *Responder) simpleCount(snap snapshot, now time.Time) int {
	mode := r.Config.SimplePingPopulationMode
	if mode == PopulationModeAlternate {
		if (now.UnixNano()/int64(alternatePeriod))%2 == 0 {
			mode = PopulationModeTotal
		} else {
			mode = PopulationModePlaying
		}
	}
	if mode == PopulationModePlaying {
		return snap.playing
	}
	return snap.total
}

func (r *Responder) handleExtended(data []byte, now time.Time) []byte {
	reader := wire.NewReader(data)
	timestamp, _ := reader.ReadBytes(4)
	requested, err := reader.ReadUint32()
	if err != nil {
		return nil
	}

	snap := r.refresh(now)

	present := uint32(0)
	if requested&OptionGlobalSummary != 0 {
		present |= OptionGlobalSummary
	}
	if requested&OptionArenaSummary != 0 {
		present |= OptionArenaSummary
	}

	w := wire.NewWriter()
	w.WriteBytes(timestamp)
	w.WriteUint32(present)

	if present&OptionGlobalSummary != 0 {
		w.WriteUint32(uint32(snap.total))
		w.WriteUint32(uint32(snap.playing))
	}
	if present&OptionArenaSummary != 0 {
		for _, a := range snap.arenas {
			w.WriteBytes([]byte(a.Name))
			w.WriteByte(0)
			w.WriteUint16(a.Total)
			w.WriteUint16(a.Playing)
		}
		w.WriteByte(0)
	}
	return w.Bytes()
}

// Run listens on sock until ctx is cancelled, answering each datagram
// directly (spec.md §4.2: ping responses "bypass bandwidth control").
func (r *Responder) Run(ctx context.Context, sock *net.UDPConn) {
	buf := make([]byte, maxPingDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sock.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Error("ping: set read deadline failed")
			return
		}
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.WithFields(logger.Fields{"error": err}).Warn("ping: socket read error")
			continue
		}

		resp := r.Handle(buf[:n], time.Now())
		if resp == nil {
			continue
		}
		if _, err := sock.WriteToUDP(resp, addr); err != nil {
			logger.WithFields(logger.Fields{"remote": addr.String(), "error": err}).
				Warn("ping: send failed")
		}
	}
}
