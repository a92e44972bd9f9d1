// Package udp implements UDP send/receive, four-tuple socket lookup, and
// the pseudo-header checksum.
package udp

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

const headerLen = 8

// Datagram is the envelope prepended to inbound payload delivered to a
// socket's receive queue: source IP and port plus the payload bytes.
type Datagram struct {
	SrcIP   net.IP
	SrcPort uint16
	Payload []byte
}

// Socket is one UDP endpoint.
type Socket struct {
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16

	RecvQ *fixq.Queue

	// OnReadable, if set, is invoked whenever a datagram is queued, letting
	// the socket API layer wake a blocked Recv/RecvFrom caller.
	OnReadable func(*Socket)

	closed bool
}

func unspecified(ip net.IP) bool { return ip == nil || ip.IsUnspecified() }

// Manager owns the UDP socket list, port allocator, and wiring into IPv4.
type Manager struct {
	mu      sync.Mutex
	sockets []*Socket
	cursor  uint16
	cfg     *engine.Config
	Stack   *ipv4.Stack
	Pool    *pktbuf.Pool

	// Unreachable, if set, is invoked when an inbound datagram matches no
	// socket, to emit an ICMP destination-unreachable(port).
	Unreachable func(nif *netif.Netif, ih ipv4.Header, original []byte)
}

// NewManager constructs a UDP manager, dynamic port cursor starting at the
// bottom of the configured range.
func NewManager(cfg *engine.Config, stack *ipv4.Stack, pool *pktbuf.Pool) *Manager {
	return &Manager{cfg: cfg, Stack: stack, Pool: pool, cursor: cfg.DynamicPortLo}
}

// Create allocates a new, unbound socket with a bounded receive queue.
func (m *Manager) Create() *Socket {
	return &Socket{RecvQ: fixq.New(50)}
}

// Bind assigns (ip, port) to sock, rejecting a collision against any other
// socket's (local_ip, local_port) pair. port == 0 allocates one from the
// dynamic range.
func (m *Manager) Bind(sock *Socket, ip net.IP, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if port == 0 {
		p, err := m.allocatePortLocked()
		if err != nil {
			return err
		}
		port = p
	} else {
		for _, s := range m.sockets {
			if s == sock {
				continue
			}
			if s.LocalPort == port && ipOrUnspecEqual(s.LocalIP, ip) {
				return neterr.ErrAddrInUse
			}
		}
	}
	sock.LocalIP = ip
	sock.LocalPort = port
	m.sockets = append(m.sockets, sock)
	return nil
}

func ipOrUnspecEqual(a, b net.IP) bool {
	if unspecified(a) || unspecified(b) {
		return true
	}
	return a.Equal(b)
}

// allocatePortLocked scans the dynamic range from a monotonically
// advancing cursor, wrapping once, to find an unused port.
func (m *Manager) allocatePortLocked() (uint16, error) {
	lo, hi := m.cfg.DynamicPortLo, m.cfg.DynamicPortHi
	span := int(hi) - int(lo)
	for i := 0; i < span; i++ {
		p := lo + uint16((int(m.cursor-lo)+i)%span)
		inUse := false
		for _, s := range m.sockets {
			if s.LocalPort == p {
				inUse = true
				break
			}
		}
		if !inUse {
			m.cursor = p + 1
			if m.cursor >= hi {
				m.cursor = lo
			}
			return p, nil
		}
	}
	return 0, neterr.ErrAddrInUse
}

// Connect records a default remote peer for subsequent Send calls.
func (m *Manager) Connect(sock *Socket, ip net.IP, port uint16) error {
	sock.RemoteIP = ip
	sock.RemotePort = port
	return nil
}

// Close removes sock from the manager's list.
func (m *Manager) Close(sock *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock.closed = true
	for i, s := range m.sockets {
		if s == sock {
			m.sockets = append(m.sockets[:i], m.sockets[i+1:]...)
			break
		}
	}
}

// lookup implements a four-tuple match: first match wins, specificity is
// not scored.
func (m *Manager) lookup(dstIP net.IP, dstPort uint16, srcIP net.IP, srcPort uint16) *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sockets {
		if s.LocalPort != dstPort {
			continue
		}
		if !unspecified(s.LocalIP) && !s.LocalIP.Equal(dstIP) {
			continue
		}
		if !unspecified(s.RemoteIP) && !s.RemoteIP.Equal(srcIP) {
			continue
		}
		if s.RemotePort != 0 && s.RemotePort != srcPort {
			continue
		}
		return s
	}
	return nil
}

func pseudoSum(srcIP, dstIP net.IP, length uint16) uint32 {
	var sum uint32
	s, d := srcIP.To4(), dstIP.To4()
	sum += uint32(s[0])<<8 | uint32(s[1])
	sum += uint32(s[2])<<8 | uint32(s[3])
	sum += uint32(d[0])<<8 | uint32(d[1])
	sum += uint32(d[2])<<8 | uint32(d[3])
	sum += uint32(ipv4.ProtoUDP)
	sum += uint32(length)
	return sum
}

// SendTo builds and emits a UDP datagram: allocates a buffer, writes
// payload, prepends the UDP header, computes the pseudo-header checksum,
// and hands it to IPv4. If sock is unbound, it is bound to an ephemeral
// port first.
func (m *Manager) SendTo(sock *Socket, dstIP net.IP, dstPort uint16, payload []byte) error {
	if sock.LocalPort == 0 {
		if err := m.Bind(sock, nil, 0); err != nil {
			return err
		}
	}
	length := headerLen + len(payload)
	buf, err := m.Pool.Alloc(length)
	if err != nil {
		return err
	}
	buf.ResetAcc()
	buf.Seek(headerLen)
	buf.Write(payload, len(payload))

	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint16(hdr[0:2], sock.LocalPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(length))
	buf.Seek(0)
	buf.Write(hdr, headerLen)

	route := m.Stack.Routes.Find(dstIP)
	if route == nil {
		m.Pool.Free(buf)
		return neterr.ErrNoRoute
	}
	srcIP := sock.LocalIP
	if unspecified(srcIP) {
		srcIP = route.Nif.IP
	}
	buf.ResetAcc()
	sum := buf.Checksum16(length, pseudoSum(srcIP, dstIP, uint16(length)), true)
	if sum == 0 {
		sum = 0xFFFF
	}
	buf.Seek(6)
	buf.Write([]byte{byte(sum >> 8), byte(sum)}, 2)
	buf.ResetAcc()

	return m.Stack.Output(dstIP, ipv4.ProtoUDP, 64, buf)
}

// Send transmits to sock's connected remote peer.
func (m *Manager) Send(sock *Socket, payload []byte) error {
	if unspecified(sock.RemoteIP) {
		return neterr.ErrState
	}
	return m.SendTo(sock, sock.RemoteIP, sock.RemotePort, payload)
}

// Input handles an inbound UDP datagram after IPv4 dispatch: verifies the
// checksum (if nonzero), finds the matching socket, copies out the payload
// after the UDP header (IPv4 dispatch has already removed the IP header),
// wraps it in a (source IP, source port) envelope, and enqueues onto the
// socket's bounded receive list. A full queue drops silently; no match
// triggers ICMP destination-unreachable(port).
func (m *Manager) Input(nif *netif.Netif, ih ipv4.Header, buf *pktbuf.Buf) {
	if buf.TotalSize() < headerLen {
		metrics.DroppedPackets.WithLabelValues("udp", "short").Inc()
		m.Pool.Free(buf)
		return
	}
	raw := make([]byte, headerLen)
	buf.ResetAcc()
	buf.Read(raw, headerLen)
	srcPort := binary.BigEndian.Uint16(raw[0:2])
	dstPort := binary.BigEndian.Uint16(raw[2:4])
	length := binary.BigEndian.Uint16(raw[4:6])
	checksum := binary.BigEndian.Uint16(raw[6:8])

	if checksum != 0 {
		buf.ResetAcc()
		sum := buf.Checksum16(int(length), pseudoSum(ih.Src, ih.Dst, length), true)
		if sum != 0 {
			metrics.DroppedPackets.WithLabelValues("udp", "checksum").Inc()
			m.Pool.Free(buf)
			return
		}
	}

	sock := m.lookup(ih.Dst, dstPort, ih.Src, srcPort)
	if sock == nil {
		metrics.DroppedPackets.WithLabelValues("udp", "no-socket").Inc()
		if m.Unreachable != nil {
			original := make([]byte, buf.TotalSize())
			buf.ResetAcc()
			buf.Read(original, len(original))
			m.Unreachable(nif, ih, original)
		}
		m.Pool.Free(buf)
		return
	}

	payloadLen := buf.TotalSize() - headerLen
	payload := make([]byte, payloadLen)
	buf.Seek(headerLen)
	buf.Read(payload, payloadLen)
	m.Pool.Free(buf)

	dgram := Datagram{SrcIP: append(net.IP(nil), ih.Src...), SrcPort: srcPort, Payload: payload}
	if err := sock.RecvQ.Push(dgram); err != nil {
		metrics.DroppedPackets.WithLabelValues("udp", "queue-full").Inc()
		return
	}
	if sock.OnReadable != nil {
		sock.OnReadable(sock)
	}
}

// RecvFrom pops the next queued datagram, or ok=false if none is queued.
func (sock *Socket) RecvFrom() (Datagram, bool) {
	v, ok := sock.RecvQ.Pop()
	if !ok {
		return Datagram{}, false
	}
	return v.(Datagram), true
}
