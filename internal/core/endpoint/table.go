// Package endpoint implements the remote-address → connection table
// (spec.md §2 "Endpoint table", §3 invariant: "A connection's
// remote_address uniquely identifies it and is stable for its lifetime").
//
// Two tables exist in the running engine: one for inbound players (many
// writers during accept, hence a sync.Map as spec.md §5 calls for — "a
// lock-free map (single-writer during init under write-lock of the
// table)"), and one for outbound-client connections (spec.md §5: "guarded
// by a reader-writer lock"), which endpoint.RWTable provides.
package endpoint

import (
	"net"
	"sync"

	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
)

// key is the raw address tuple used to look up a connection without
// allocating a boxed net.Addr per packet (spec.md §9 design notes: "store
// remote endpoints as raw address buffers...this matches the lookup key
// used by the socket APIs without per-packet allocation").
type key struct {
	ip   [16]byte
	zone string
	port int
}

func keyOf(addr *net.UDPAddr) key {
	var k key
	ip := addr.IP.To16()
	copy(k.ip[:], ip)
	k.zone = addr.Zone
	k.port = addr.Port
	return k
}

// Table is the lock-free player endpoint table (sync.Map, single-writer on
// insert under an explicit write-lock per spec.md §5).
type Table struct {
	m        sync.Map // key -> *conn.ConnData
	writeMu  sync.Mutex
}

func NewTable() *Table { return &Table{} }

func (t *Table) Lookup(addr *net.UDPAddr) (*conn.ConnData, bool) {
	v, ok := t.m.Load(keyOf(addr))
	if !ok {
		return nil, false
	}
	return v.(*conn.ConnData), true
}

// Insert adds c under its RemoteAddr, serialized against concurrent
// inserts by writeMu; concurrent lookups proceed unimpeded.
func (t *Table) Insert(c *conn.ConnData) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.m.Store(keyOf(c.RemoteAddr), c)
}

func (t *Table) Remove(addr *net.UDPAddr) {
	t.m.Delete(keyOf(addr))
}

// Range calls fn for every connection currently in the table; fn returning
// false stops iteration early, matching sync.Map.Range's contract.
func (t *Table) Range(fn func(c *conn.ConnData) bool) {
	t.m.Range(func(_, v interface{}) bool {
		return fn(v.(*conn.ConnData))
	})
}

func (t *Table) Len() int {
	n := 0
	t.m.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// RWTable is the outbound-client endpoint table, guarded by an explicit
// reader-writer lock (spec.md §5) rather than sync.Map: outbound client
// connections are created rarely and explicitly (spec.md §4.7), so the
// simpler RWMutex-guarded map is the better fit there.
type RWTable struct {
	mu sync.RWMutex
	m  map[key]*conn.ConnData
}

func NewRWTable() *RWTable {
	return &RWTable{m: make(map[key]*conn.ConnData)}
}

func (t *RWTable) Lookup(addr *net.UDPAddr) (*conn.ConnData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.m[keyOf(addr)]
	return c, ok
}

func (t *RWTable) Insert(c *conn.ConnData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[keyOf(c.RemoteAddr)] = c
}

func (t *RWTable) Remove(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, keyOf(addr))
}

// Range calls fn for every connection currently in the table, under a read
// lock; fn returning false stops iteration early.
func (t *RWTable) Range(fn func(c *conn.ConnData) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.m {
		if !fn(c) {
			return
		}
	}
}

func (t *RWTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
