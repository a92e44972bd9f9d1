package ipv4

import (
	"net"
	"sync/atomic"

	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Stack wires together the routing table, reassembler, and per-protocol
// input handlers into the full IPv4 input/output pipeline.
type Stack struct {
	Routes      *Table
	Reassembler *Reassembler
	Pool        *pktbuf.Pool

	packetID uint32

	ICMP func(nif *netif.Netif, h Header, buf *pktbuf.Buf)
	UDP  func(nif *netif.Netif, h Header, buf *pktbuf.Buf)
	TCP  func(nif *netif.Netif, h Header, buf *pktbuf.Buf)
	Raw  func(nif *netif.Netif, h Header, buf *pktbuf.Buf)

	// UnreachablePort is invoked when a UDP datagram finds no matching
	// socket, so icmpv4 can emit a destination-unreachable(port).
	UnreachablePort func(nif *netif.Netif, h Header, original *pktbuf.Buf)
}

// NextID returns the next shared fragment identifier, incrementing once per
// high-level send.
func (s *Stack) NextID() uint16 {
	return uint16(atomic.AddUint32(&s.packetID, 1))
}

// isOurs reports whether dst matches nif's address or its broadcast
// addresses (limited or directed).
func isOurs(nif *netif.Netif, dst net.IP) bool {
	if nif.IP != nil && nif.IP.Equal(dst) {
		return true
	}
	if dst.Equal(net.IPv4bcast) {
		return true
	}
	if b := nif.Broadcast(); b != nil && b.Equal(dst) {
		return true
	}
	return false
}

// Input decodes and dispatches one inbound IPv4 datagram already stripped
// of its link-layer header. Datagrams not addressed to nif are dropped;
// fragments enter reassembly; complete datagrams are routed to ICMP, UDP,
// TCP, or the raw handler by protocol number.
func (s *Stack) Input(nif *netif.Netif, buf *pktbuf.Buf) {
	h, err := Decode(buf)
	if err != nil {
		metrics.DroppedPackets.WithLabelValues("ipv4", "decode").Inc()
		s.Pool.Free(buf)
		return
	}
	if !isOurs(nif, h.Dst) {
		metrics.DroppedPackets.WithLabelValues("ipv4", "not-ours").Inc()
		s.Pool.Free(buf)
		return
	}
	if h.FragOffset() != 0 || h.MoreFragments() {
		buf.Seek(0)
		complete, err := s.Reassembler.Insert(h, buf)
		if err != nil || complete == nil {
			return
		}
		ch, err := Decode(complete)
		if err != nil {
			s.Pool.Free(complete)
			return
		}
		s.dispatch(nif, ch, complete)
		return
	}
	s.dispatch(nif, h, buf)
}

func (s *Stack) dispatch(nif *netif.Netif, h Header, buf *pktbuf.Buf) {
	switch h.Protocol {
	case ProtoICMP:
		if s.ICMP != nil {
			buf.RemoveHeader(HeaderLen)
			s.ICMP(nif, h, buf)
			return
		}
	case ProtoUDP:
		if s.UDP != nil {
			buf.RemoveHeader(HeaderLen)
			s.UDP(nif, h, buf)
			return
		}
	case ProtoTCP:
		if s.TCP != nil {
			buf.RemoveHeader(HeaderLen)
			s.TCP(nif, h, buf)
			return
		}
	default:
		if s.Raw != nil {
			// Raw sockets see the whole datagram, IP header included,
			// matching a classic raw-IP socket's receive semantics.
			s.Raw(nif, h, buf)
			return
		}
	}
	metrics.DroppedPackets.WithLabelValues("ipv4", "no-handler").Inc()
	s.Pool.Free(buf)
}

// Output routes payload (already preceded by its transport header, cursor
// reset to 0) to dst: a direct route lookup decides the outgoing interface
// and next hop, and the datagram is fragmented if it exceeds the
// interface's MTU.
func (s *Stack) Output(dst net.IP, protocol uint8, ttl uint8, payload *pktbuf.Buf) error {
	route := s.Routes.Find(dst)
	if route == nil {
		s.Pool.Free(payload)
		return neterr.ErrNoRoute
	}
	nextHop := route.NextHop
	if nextHop == nil {
		nextHop = dst
	}
	id := s.NextID()

	totalSize := payload.TotalSize()
	if totalSize+HeaderLen <= route.Nif.MTU {
		h := Header{TTL: ttl, Protocol: protocol, ID: id, Src: route.Nif.IP, Dst: dst}
		if err := Encode(payload, h); err != nil {
			return err
		}
		return route.Nif.Out(nextHop, payload)
	}
	return s.fragmentAndSend(route, nextHop, id, dst, protocol, ttl, payload)
}

// fragmentAndSend slices payload into MTU-sized, 8-byte-aligned chunks
// (except the last), emitting each with the shared id and correct
// offset/MORE bit.
func (s *Stack) fragmentAndSend(route *Route, nextHop net.IP, id uint16, dst net.IP, protocol, ttl uint8, payload *pktbuf.Buf) error {
	chunk := (route.Nif.MTU - HeaderLen) &^ 7
	if chunk <= 0 {
		s.Pool.Free(payload)
		return neterr.ErrSize
	}
	total := payload.TotalSize()
	payload.ResetAcc()
	offset := 0
	for offset < total {
		size := chunk
		if offset+size > total {
			size = total - offset
		}
		more := offset+size < total

		frag, err := s.Pool.Alloc(size)
		if err != nil {
			s.Pool.Free(payload)
			return err
		}
		frag.ResetAcc()
		pktbuf.Copy(frag, payload, size)

		flagsFrag := uint16(offset/8) & fragOffsetMask
		if more {
			flagsFrag |= flagMoreFragments
		}
		h := Header{TTL: ttl, Protocol: protocol, ID: id, FlagsFrag: flagsFrag, Src: route.Nif.IP, Dst: dst}
		frag.ResetAcc()
		if err := Encode(frag, h); err != nil {
			s.Pool.Free(frag)
			s.Pool.Free(payload)
			return err
		}
		if err := route.Nif.Out(nextHop, frag); err != nil {
			s.Pool.Free(payload)
			return err
		}
		offset += size
	}
	s.Pool.Free(payload)
	return nil
}
