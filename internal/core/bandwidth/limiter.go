// Package bandwidth implements the "bandwidth limiter" policy object the
// spec treats as opaque (GLOSSARY: check/adjust_for_ack/adjust_for_retry/
// get_can_buffer_packets). It is built on golang.org/x/time/rate's token
// bucket, which already has exactly the "can I spend N bytes now" shape the
// spec calls for. There is no per-tick iter method; the token bucket
// refills on its own as time passes.
package bandwidth

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter answers whether a connection may spend bytes right now, and
// adjusts its budget in response to ACKs and retries, per spec.md §4.4 and
// GLOSSARY.
type Limiter interface {
	// Check reports whether bytes may be sent at the given priority right
	// now, reserving the budget if so.
	Check(bytes int, priority int) bool
	// AdjustForAck is notified on every successful ACK (spec.md §4.3).
	AdjustForAck()
	// AdjustForRetry is notified whenever a buffer is retransmitted
	// (spec.md §4.4); implementations typically shrink the budget.
	AdjustForRetry()
	// CanBufferPackets bounds how many reliable packets may be in flight
	// (unacked) at once; the send worker's promotion step stops issuing new
	// sequence numbers once this is reached (spec.md §4.4).
	CanBufferPackets() int
}

// TokenBucketLimiter is the default Limiter, a byte-budget token bucket
// with a floor/ceiling adjusted by ACK/retry feedback, loosely modeled on
// TCP congestion control: each ACK grows the rate by 5% and the in-flight
// allowance by one packet; each retry cuts the rate to 70% and halves the
// allowance.
type TokenBucketLimiter struct {
	limiter *rate.Limiter

	minBytesPerSec float64
	maxBytesPerSec float64
	curBytesPerSec float64

	canBuffer        int
	minCanBuffer      int
	maxCanBuffer      int
}

const (
	defaultMinBytesPerSec = 2_000
	defaultMaxBytesPerSec = 200_000
	defaultMinCanBuffer   = 8
	defaultMaxCanBuffer   = 256
)

// NewTokenBucketLimiter creates a limiter starting at a conservative rate,
// matching the spirit of a fresh TCP connection's initial congestion
// window rather than assuming the peer can take a flood immediately.
func NewTokenBucketLimiter() *TokenBucketLimiter {
	start := defaultMinBytesPerSec * 4
	return &TokenBucketLimiter{
		limiter:        rate.NewLimiter(rate.Limit(start), int(start)),
		minBytesPerSec: defaultMinBytesPerSec,
		maxBytesPerSec: defaultMaxBytesPerSec,
		curBytesPerSec: start,
		canBuffer:      defaultMinCanBuffer * 2,
		minCanBuffer:   defaultMinCanBuffer,
		maxCanBuffer:   defaultMaxCanBuffer,
	}
}

func (l *TokenBucketLimiter) Check(bytes int, priority int) bool {
	if bytes <= 0 {
		return true
	}
	return l.limiter.AllowN(time.Now(), bytes)
}

func (l *TokenBucketLimiter) AdjustForAck() {
	grown := l.curBytesPerSec * 1.05
	if grown > l.maxBytesPerSec {
		grown = l.maxBytesPerSec
	}
	l.curBytesPerSec = grown
	l.limiter.SetLimit(rate.Limit(l.curBytesPerSec))
	l.limiter.SetBurst(int(l.curBytesPerSec))

	if l.canBuffer < l.maxCanBuffer {
		l.canBuffer++
	}
}

func (l *TokenBucketLimiter) AdjustForRetry() {
	shrunk := l.curBytesPerSec * 0.7
	if shrunk < l.minBytesPerSec {
		shrunk = l.minBytesPerSec
	}
	l.curBytesPerSec = shrunk
	l.limiter.SetLimit(rate.Limit(l.curBytesPerSec))
	l.limiter.SetBurst(int(l.curBytesPerSec))

	half := l.canBuffer / 2
	if half < l.minCanBuffer {
		half = l.minCanBuffer
	}
	l.canBuffer = half
}

func (l *TokenBucketLimiter) CanBufferPackets() int {
	return l.canBuffer
}
