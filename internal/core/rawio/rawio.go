// Package rawio implements the unconditional, limiter-bypassing datagram
// write path (spec.md §4.4 "Raw send"): used for ACKs, sync responses, the
// outbound-client key-init, and the final 0x07 drop, none of which go
// through the priority-queue/bandwidth-check machinery in
// internal/core/send. The send worker also writes its flushed datagrams
// through it once they have passed that machinery. Ping replies do not use
// it.
package rawio

import (
	"net"

	"github.com/ventosilenzioso/subspace-core/internal/core/conn"
	"github.com/ventosilenzioso/subspace-core/pkg/logger"
)

// tailSlack is the scratch buffer's extra capacity, sized so in-place
// encryption algorithms that round up to a block size have room to
// overwrite without reallocating (spec.md §4.4: "a small tail (≥4 bytes)").
const tailSlack = 16

// Send writes data to addr via sock, applying enc's Encrypt hook in place
// on a scratch buffer first if enc is non-nil. Errors are logged and
// swallowed, matching datagram semantics (spec.md §4.4, §7).
func Send(sock *net.UDPConn, addr *net.UDPAddr, data []byte, enc conn.EncryptionHook) {
	if sock == nil {
		return
	}
	out := data
	if enc != nil {
		scratch := make([]byte, len(data), len(data)+tailSlack)
		copy(scratch, data)
		out = enc.Encrypt(scratch)
	}
	if _, err := sock.WriteToUDP(out, addr); err != nil {
		logger.WithFields(logger.Fields{"remote": addr.String(), "error": err}).
			Warn("rawio: send failed")
	}
}
