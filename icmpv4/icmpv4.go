// Package icmpv4 implements ICMPv4 echo reply and destination-unreachable
// generation.
package icmpv4

import (
	"net"

	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Message types this stack generates/consumes.
const (
	TypeEchoReply   = 0
	TypeUnreachable = 3
	TypeEchoRequest = 8
)

// Unreachable codes.
const (
	CodeNet  = 0
	CodeHost = 1
	CodePort = 3
)

const headerLen = 8 // type, code, checksum, then 4 bytes of type-specific data

// Handler processes inbound ICMP messages and can emit destination
// unreachable messages on behalf of other layers (UDP).
type Handler struct {
	Stack *ipv4.Stack
}

// Input handles an inbound ICMPv4 message: echo requests get an echo reply
// with the same identifier/sequence/payload; everything else is dropped.
func (h *Handler) Input(nif *netif.Netif, ih ipv4.Header, buf *pktbuf.Buf) {
	if buf.TotalSize() < headerLen {
		h.Stack.Pool.Free(buf)
		return
	}
	raw := make([]byte, headerLen)
	buf.ResetAcc()
	buf.Read(raw, headerLen)
	typ := raw[0]

	if typ != TypeEchoRequest {
		h.Stack.Pool.Free(buf)
		return
	}

	rest := buf.TotalSize() - headerLen
	reply, err := h.Stack.Pool.Alloc(headerLen + rest)
	if err != nil {
		h.Stack.Pool.Free(buf)
		return
	}
	reply.ResetAcc()
	out := make([]byte, headerLen)
	out[0] = TypeEchoReply
	out[1] = 0
	copy(out[4:8], raw[4:8]) // identifier + sequence unchanged
	reply.Write(out, headerLen)
	pktbuf.Copy(reply, buf, rest)
	h.Stack.Pool.Free(buf)

	reply.ResetAcc()
	sum := reply.Checksum16(reply.TotalSize(), 0, true)
	reply.Seek(2)
	sumBytes := []byte{byte(sum >> 8), byte(sum)}
	reply.Write(sumBytes, 2)
	reply.ResetAcc()

	h.Stack.Output(ih.Src, ipv4.ProtoICMP, 64, reply)
}

// Unreachable sends a destination-unreachable(code) for the offending
// datagram original (including its IP header, up to 576 bytes total of the
// offending datagram per RFC 792).
func (h *Handler) Unreachable(nif *netif.Netif, dst net.IP, code uint8, original []byte) error {
	if len(original) > 576 {
		original = original[:576]
	}
	buf, err := h.Stack.Pool.Alloc(headerLen + len(original))
	if err != nil {
		return err
	}
	buf.ResetAcc()
	raw := make([]byte, headerLen)
	raw[0] = TypeUnreachable
	raw[1] = code
	// raw[2:4] checksum, raw[4:8] unused/zero for this code.
	buf.Write(raw, headerLen)
	buf.Write(original, len(original))

	buf.ResetAcc()
	sum := buf.Checksum16(buf.TotalSize(), 0, true)
	buf.Seek(2)
	buf.Write([]byte{byte(sum >> 8), byte(sum)}, 2)
	buf.ResetAcc()

	return h.Stack.Output(dst, ipv4.ProtoICMP, 64, buf)
}
