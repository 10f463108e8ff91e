package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestTableInsertLookupRemove(t *testing.T) {
	tbl := NewTable()
	c := conn.New(addr(7000), nil, 32, bandwidth.NewTokenBucketLimiter())

	_, ok := tbl.Lookup(addr(7000))
	require.False(t, ok)

	tbl.Insert(c)
	got, ok := tbl.Lookup(addr(7000))
	require.True(t, ok)
	require.Same(t, c, got)

	tbl.Remove(addr(7000))
	_, ok = tbl.Lookup(addr(7000))
	require.False(t, ok)
}

func TestTableDistinguishesPorts(t *testing.T) {
	tbl := NewTable()
	c1 := conn.New(addr(7000), nil, 32, bandwidth.NewTokenBucketLimiter())
	c2 := conn.New(addr(7001), nil, 32, bandwidth.NewTokenBucketLimiter())
	tbl.Insert(c1)
	tbl.Insert(c2)
	require.Equal(t, 2, tbl.Len())

	got, _ := tbl.Lookup(addr(7001))
	require.Same(t, c2, got)
}

func TestRWTableInsertLookupRemove(t *testing.T) {
	tbl := NewRWTable()
	c := conn.New(addr(9000), nil, 32, bandwidth.NewTokenBucketLimiter())

	tbl.Insert(c)
	got, ok := tbl.Lookup(addr(9000))
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, 1, tbl.Len())

	tbl.Remove(addr(9000))
	require.Equal(t, 0, tbl.Len())
}
