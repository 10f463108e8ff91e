package bandwidth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTokenBucketLimiterStartsConservative(t *testing.T) {
	l := NewTokenBucketLimiter()
	require.Greater(t, l.CanBufferPackets(), 0)
	require.LessOrEqual(t, l.CanBufferPackets(), l.maxCanBuffer)
}

func TestAdjustForRetryShrinksBudget(t *testing.T) {
	l := NewTokenBucketLimiter()
	before := l.curBytesPerSec
	l.AdjustForRetry()
	require.Less(t, l.curBytesPerSec, before)
	require.GreaterOrEqual(t, l.curBytesPerSec, l.minBytesPerSec)
}

func TestAdjustForAckGrowsBudget(t *testing.T) {
	l := NewTokenBucketLimiter()
	l.AdjustForRetry() // shrink first so growth is observable
	shrunk := l.curBytesPerSec
	l.AdjustForAck()
	require.Greater(t, l.curBytesPerSec, shrunk)
	require.LessOrEqual(t, l.curBytesPerSec, l.maxBytesPerSec)
}

func TestCheckRejectsOversizedBurstOnFreshLimiter(t *testing.T) {
	l := NewTokenBucketLimiter()
	// A single byte must always be affordable.
	require.True(t, l.Check(1, 0))
	// A burst larger than the bucket's capacity can never be granted.
	require.False(t, l.Check(int(l.curBytesPerSec)+1, 0))
}
