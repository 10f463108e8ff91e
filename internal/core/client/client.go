// Package client implements the outbound-client handshake (spec.md §4.7
// "Outbound-Client Handshake"): MakeClientConnection creates connection
// state and sends a 0x01 key-init packet to an auxiliary server; the core
// dispatcher's 0x02 key-response handling (internal/core/dispatch)
// completes admission by moving the connection to Connected.
//
// Grounded on the teacher's session/handshake state machine
// (STATE_UNCONNECTED -> STATE_CONNECTED in source/protocol/raknet.go),
// which only ever brought up *inbound* sessions; generalized here to the
// engine initiating the handshake as a client against another Core server.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/ventosilenzioso/subspace-core/internal/core/bandwidth"
	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/internal/core/endpoint"
	"github.com/ventosilenzioso/subspace-core/internal/core/rawio"
	"github.com/ventosilenzioso/subspace-core/internal/wire"
)

// ProtocolVersion is the version byte appended to the key-init body
// (spec.md §4.7: "a 32-bit random key with the high bit set plus a version
// byte").
const ProtocolVersion = 1

// keyInitHighBit marks the random key as originating from a client-side
// init, per spec.md §4.7.
const keyInitHighBit = uint32(1) << 31

// MakeClientConnection creates connection state for an outbound connection
// to addr over sock, registers it in table, and sends the 0x01 key-init
// packet that starts the handshake. enc may be nil if no encryption is
// negotiated for this link.
func MakeClientConnection(sock *net.UDPConn, addr *net.UDPAddr, table *endpoint.RWTable, window int, limiter bandwidth.Limiter, enc conn.EncryptionHook) (*conn.ConnData, error) {
	c := conn.New(addr, sock, window, limiter)
	c.Encryption = enc
	table.Insert(c)

	key, err := randomKey()
	if err != nil {
		return nil, err
	}

	w := wire.NewWriter()
	w.WriteByte(wire.TypeCore)
	w.WriteByte(wire.SubtypeKeyInit)
	w.WriteUint32(key)
	w.WriteByte(ProtocolVersion)
	rawio.Send(sock, addr, w.Bytes(), enc)

	return c, nil
}

func randomKey() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]) | keyInitHighBit, nil
}
