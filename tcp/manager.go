package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// isnClock is a free-running 32-bit counter standing in for the classic
// ~4-microsecond ISN clock: every call advances it, so successive
// connections never share an initial sequence number.
var isnClock uint32

func nextISN() uint32 { return atomic.AddUint32(&isnClock, 64000) }

type connKey struct {
	localIP, remoteIP     string
	localPort, remotePort uint16
}

type listenKey struct {
	ip   string
	port uint16
}

// Manager owns every TCB, the listener table, and the dynamic port
// allocator, and is the single entry point IPv4 dispatches TCP segments
// through.
type Manager struct {
	mu        sync.Mutex
	cfg       *engine.Config
	wheel     *timer.Wheel
	Stack     *ipv4.Stack
	Pool      *pktbuf.Pool
	conns     map[connKey]*TCB
	listeners map[listenKey]*TCB
	cursor    uint16
}

// NewManager constructs a TCP manager wired to stack for output and pool
// for buffer allocation.
func NewManager(cfg *engine.Config, wheel *timer.Wheel, stack *ipv4.Stack, pool *pktbuf.Pool) *Manager {
	return &Manager{
		cfg:       cfg,
		wheel:     wheel,
		Stack:     stack,
		Pool:      pool,
		conns:     make(map[connKey]*TCB),
		listeners: make(map[listenKey]*TCB),
		cursor:    cfg.DynamicPortLo,
	}
}

// KeepaliveConfig bundles the TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT
// defaults a socket-layer caller starts from when enabling SO_KEEPALIVE.
type KeepaliveConfig struct {
	Idle  time.Duration
	Intvl time.Duration
	Cnt   int
}

// KeepaliveDefaults returns this manager's engine.Config-derived keepalive
// defaults (7200s/75s/9, the Linux TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT
// defaults).
func (m *Manager) KeepaliveDefaults() KeepaliveConfig {
	return KeepaliveConfig{Idle: m.cfg.TCPKeepIdle, Intvl: m.cfg.TCPKeepIntvl, Cnt: m.cfg.TCPKeepCnt}
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func (m *Manager) connKey(localIP, remoteIP net.IP, localPort, remotePort uint16) connKey {
	return connKey{ipKey(localIP), ipKey(remoteIP), localPort, remotePort}
}

func (m *Manager) allocatePortLocked() (uint16, error) {
	lo, hi := m.cfg.DynamicPortLo, m.cfg.DynamicPortHi
	span := int(hi) - int(lo)
	for i := 0; i < span; i++ {
		p := lo + uint16((int(m.cursor-lo)+i)%span)
		inUse := false
		for k := range m.conns {
			if k.localPort == p {
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

// Listen creates a passive-open TCB bound to (ip, port) with the given
// accept backlog.
func (m *Manager) Listen(ip net.IP, port uint16, backlog int) (*TCB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := listenKey{ipKey(ip), port}
	if _, exists := m.listeners[key]; exists {
		return nil, neterr.ErrAddrInUse
	}
	t := newTCB(m.cfg, m.wheel, m)
	t.LocalIP = ip
	t.LocalPort = port
	t.listening = true
	t.backlog = backlog
	t.setState(LISTEN)
	m.listeners[key] = t
	return t, nil
}

// Accept pops the next fully-handshaken child connection off a listener's
// backlog, or ok=false if none is ready yet.
func (m *Manager) Accept(listener *TCB) (*TCB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(listener.acceptQ) == 0 {
		return nil, false
	}
	t := listener.acceptQ[0]
	listener.acceptQ = listener.acceptQ[1:]
	return t, true
}

// Connect creates an active-open TCB, takes localIP from the route to
// remoteIP when it is nil, always allocates an ephemeral local port, and
// sends the initial SYN.
func (m *Manager) Connect(localIP, remoteIP net.IP, remotePort uint16) (*TCB, error) {
	m.mu.Lock()
	if localIP == nil {
		route := m.Stack.Routes.Find(remoteIP)
		if route == nil {
			m.mu.Unlock()
			return nil, neterr.ErrNoRoute
		}
		localIP = route.Nif.IP
	}
	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t := newTCB(m.cfg, m.wheel, m)
	t.LocalIP = localIP
	t.LocalPort = port
	t.RemoteIP = remoteIP
	t.RemotePort = remotePort
	t.iss = nextISN()
	t.sndUna = t.iss
	t.sndNxt = t.iss + 1
	t.setState(SYN_SENT)
	m.conns[m.connKey(localIP, remoteIP, port, remotePort)] = t
	m.mu.Unlock()

	return t, m.sendControl(t, SYN, t.iss, 0, t.mss())
}

// Send queues payload on the TCB's send ring and kicks output. Returns the
// number of bytes actually queued (may be less than len(payload) if the
// ring is full).
func (m *Manager) Send(t *TCB, payload []byte) (int, error) {
	if t.state != ESTABLISHED && t.state != CLOSE_WAIT {
		return 0, neterr.ErrState
	}
	n := t.sndBuf.Write(payload)
	m.kickOutput(t)
	return n, nil
}

// Recv drains and returns all data currently queued in the receive ring.
func (t *TCB) Recv() []byte {
	n := t.rcvBuf.Len()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	t.rcvBuf.Peek(0, out)
	t.rcvBuf.Discard(n)
	return out
}

// Close initiates an active close: a LISTEN TCB is simply deregistered; an
// established or CLOSE_WAIT TCB sends a FIN and transitions accordingly.
func (m *Manager) Close(t *TCB) error {
	m.mu.Lock()
	switch t.state {
	case LISTEN:
		delete(m.listeners, listenKey{ipKey(t.LocalIP), t.LocalPort})
		t.setState(CLOSED)
		m.mu.Unlock()
		return nil
	case ESTABLISHED:
		t.setState(FIN_WAIT1)
	case CLOSE_WAIT:
		t.setState(LAST_ACK)
	default:
		m.mu.Unlock()
		return neterr.ErrState
	}
	t.closeRequested = true
	m.mu.Unlock()
	// kickOutput runs unlocked: a link that delivers synchronously can carry
	// the peer's reply straight back into Input, which takes m.mu itself.
	m.kickOutput(t)
	return nil
}

func (m *Manager) removeConn(t *TCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, m.connKey(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort))
	m.wheel.Cancel(t.rtoHandle)
	m.wheel.Cancel(t.timeWaitHandle)
	m.wheel.Cancel(t.keepaliveH)
	t.setState(CLOSED)
	if t.err == nil {
		t.err = neterr.ErrClose
	}
	if t.onClosed != nil {
		t.onClosed(t)
	}
}

func (m *Manager) lookup(localIP, remoteIP net.IP, localPort, remotePort uint16) *TCB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[m.connKey(localIP, remoteIP, localPort, remotePort)]
}

func (m *Manager) lookupListener(localIP net.IP, localPort uint16) *TCB {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.listeners[listenKey{ipKey(localIP), localPort}]; ok {
		return t
	}
	if t, ok := m.listeners[listenKey{"", localPort}]; ok {
		return t
	}
	return nil
}

func (m *Manager) registerConn(t *TCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[m.connKey(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort)] = t
}

// Each calls fn once for every currently tracked connection, for periodic
// archival snapshots. fn must not call back into the Manager.
func (m *Manager) Each(fn func(*TCB)) {
	m.mu.Lock()
	conns := make([]*TCB, 0, len(m.conns))
	for _, t := range m.conns {
		conns = append(conns, t)
	}
	m.mu.Unlock()
	for _, t := range conns {
		fn(t)
	}
}

func (m *Manager) addrString(t *TCB) string {
	return fmt.Sprintf("%s:%d-%s:%d", t.LocalIP, t.LocalPort, t.RemoteIP, t.RemotePort)
}
