// Package rawsock implements a minimal raw IP socket: an application-level
// control block that receives whole IP datagrams (header included) matching
// a protocol number and optional local/remote address filters. Grounded on
// original_source/.../net/src/raw.c: raw_create/raw_bind/raw_connect/
// raw_find/raw_in/raw_close, adapted from its raw_tbl+nlist bookkeeping into
// a mutex-protected slice, following the same shape udp.Manager already
// uses for its own socket list.
package rawsock

import (
	"net"
	"sync"

	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Datagram is the envelope delivered to a raw socket's receive queue: the
// whole IP datagram, header included, plus the source address it arrived
// from (raw_recvfrom's src/sin_addr equivalent).
type Datagram struct {
	SrcIP   net.IP
	Payload []byte
}

// Socket is one raw IP endpoint, filtering inbound datagrams by protocol
// number and, optionally, local/remote IP (an unset IP matches anything,
// mirroring raw_find's ipaddr_is_any checks).
type Socket struct {
	Protocol uint8
	LocalIP  net.IP
	RemoteIP net.IP
	RecvQ    *fixq.Queue

	// OnReadable, if set, is invoked whenever a datagram is queued, letting
	// the socket API layer wake a blocked RecvFrom caller.
	OnReadable func(*Socket)

	closed bool
}

// Manager owns every raw socket and is registered as ipv4.Stack.Raw.
type Manager struct {
	mu      sync.Mutex
	sockets []*Socket
	Stack   *ipv4.Stack
	Pool    *pktbuf.Pool
}

// NewManager constructs a raw-socket manager wired to stack for output and
// pool for buffer allocation.
func NewManager(stack *ipv4.Stack, pool *pktbuf.Pool) *Manager {
	return &Manager{Stack: stack, Pool: pool}
}

// Create allocates a new raw socket for protocol, with a bounded receive
// queue (raw_init's RAW_MAX_NR slot table becomes an unbounded Go slice; the
// per-socket receive list keeps raw.c's RAW_MAX_RECV bound via fixq).
func (m *Manager) Create(protocol uint8) *Socket {
	sock := &Socket{Protocol: protocol, RecvQ: fixq.New(32)}
	m.mu.Lock()
	m.sockets = append(m.sockets, sock)
	m.mu.Unlock()
	return sock
}

// Bind assigns sock's local IP filter, matching raw_bind's pass-through to
// the base sock_bind.
func (m *Manager) Bind(sock *Socket, ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock.LocalIP = ip
}

// Connect assigns sock's remote IP filter and restricts SendTo to that
// address, matching raw_connect's pass-through to sock_connect.
func (m *Manager) Connect(sock *Socket, ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock.RemoteIP = ip
}

// unspecified reports whether ip is nil or the wildcard address, the Go
// equivalent of raw.c's ipaddr_is_any.
func unspecified(ip net.IP) bool { return ip == nil || ip.IsUnspecified() }

// SendTo transmits payload to dst over sock's protocol, rejecting a
// mismatched destination if sock is connected, matching raw_sendto.
func (m *Manager) SendTo(sock *Socket, dst net.IP, payload []byte) error {
	if !unspecified(sock.RemoteIP) && !sock.RemoteIP.Equal(dst) {
		return neterr.ErrConnected
	}
	buf, err := m.Pool.Alloc(len(payload))
	if err != nil {
		return err
	}
	buf.ResetAcc()
	buf.Write(payload, len(payload))
	buf.Seek(0)
	return m.Stack.Output(dst, sock.Protocol, 64, buf)
}

// find returns the first raw socket whose protocol and address filters
// match, mirroring raw_find's first-match, no-specificity-scoring search.
func (m *Manager) find(src, dst net.IP, protocol uint8) *Socket {
	for _, s := range m.sockets {
		if s.closed {
			continue
		}
		if s.Protocol != 0 && s.Protocol != protocol {
			continue
		}
		if !unspecified(s.LocalIP) && !s.LocalIP.Equal(dst) {
			continue
		}
		if !unspecified(s.RemoteIP) && !s.RemoteIP.Equal(src) {
			continue
		}
		return s
	}
	return nil
}

// Input is the raw entry point IPv4 dispatches unhandled-protocol datagrams
// through (ipv4.Stack.Raw); buf still carries the full IP header, matching
// raw_in's delivery of the whole pktbuf to the matching control block.
func (m *Manager) Input(nif *netif.Netif, ih ipv4.Header, buf *pktbuf.Buf) {
	m.mu.Lock()
	sock := m.find(ih.Src, ih.Dst, ih.Protocol)
	m.mu.Unlock()
	if sock == nil {
		metrics.DroppedPackets.WithLabelValues("raw", "no-socket").Inc()
		m.Pool.Free(buf)
		return
	}
	payload := make([]byte, buf.TotalSize())
	buf.ResetAcc()
	buf.Read(payload, len(payload))
	m.Pool.Free(buf)

	if err := sock.RecvQ.Push(Datagram{SrcIP: ih.Src, Payload: payload}); err != nil {
		metrics.DroppedPackets.WithLabelValues("raw", "queue-full").Inc()
		return
	}
	if sock.OnReadable != nil {
		sock.OnReadable(sock)
	}
}

// RecvFrom pops the oldest queued datagram, or ok=false if none is ready,
// matching raw_recvfrom's NET_ERR_NEED_WAIT-on-empty behavior (translated
// to a plain bool here; the dispatcher-level socket.Recv wraps the wait).
func (sock *Socket) RecvFrom() (Datagram, bool) {
	v, ok := sock.RecvQ.Pop()
	if !ok {
		return Datagram{}, false
	}
	return v.(Datagram), true
}

// Close removes sock from its manager's delivery list and drops any queued
// datagrams, matching raw_close.
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
