// Package socket implements the thin BSD-style socket API translator
// sitting atop tcp.Manager, udp.Manager, and rawsock.Manager, serialized
// through a dispatch.Dispatcher. Grounded on
// original_source/.../net/src/socket.c's x_socket/x_close/x_send/x_recv/
// x_connect/x_sendto/x_recvfrom/x_setsockopt/x_bind and sock.c's
// sock_wait_t/sock_wait_enter/sock_wakeup: every request there is built as
// "try the operation; if it can't complete yet, register a wait and block
// on a semaphore with a timeout" — the same shape this package's waiter
// type gives a goroutine instead of a semaphore.
package socket

import (
	"net"
	"sync"
	"time"

	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/rawsock"
	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/udp"
)

// Type is the socket type requested at Create, the x_socket "type" argument.
type Type int

const (
	Stream Type = iota + 1 // SOCK_STREAM
	Dgram                  // SOCK_DGRAM
	Raw                    // SOCK_RAW
)

// Level and Option name the setsockopt namespace this package supports:
// SOL_SOCKET's SO_RCVTIMEO/SO_SNDTIMEO/SO_KEEPALIVE, and SOL_TCP's
// TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT.
type Level int

const (
	SolSocket Level = iota
	SolTCP
)

type Option int

const (
	SoRcvTimeo Option = iota
	SoSndTimeo
	SoKeepAlive
	TCPKeepIdle
	TCPKeepIntvl
	TCPKeepCnt
)

// waiter is this package's stand-in for sock_wait_t: a one-shot,
// timeout-capable wakeup, re-armed (a fresh waiter swapped in) for every
// blocking call rather than reused, since only one goroutine ever blocks on
// a given socket's given wait kind at a time under this engine's calling
// convention.
type waiter struct {
	mu      sync.Mutex
	err     error
	notifyC chan struct{}
}

func newWaiter() *waiter {
	return &waiter{notifyC: make(chan struct{}, 1)}
}

// signal wakes any goroutine blocked in wait, recording err as the reason
// (mirrors sock_wait_leave's wait->err assignment before sem_notify).
func (w *waiter) signal(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	select {
	case w.notifyC <- struct{}{}:
	default:
	}
}

// wait blocks until signal or timeout (0 means wait forever), mirroring
// sock_wait_enter's sys_sem_wait(wait->sem, tmo).
func (w *waiter) wait(timeout time.Duration) error {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case <-w.notifyC:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	case <-timeoutC:
		return neterr.ErrTimeout
	}
}

// Socket is one open endpoint: exactly one of tcb/udpSock/rawSock is set,
// matching which sock_ops table x_socket would have picked.
type Socket struct {
	typ      Type
	protocol uint8

	tcb     *tcp.TCB
	udpSock *udp.Socket
	rawSock *rawsock.Socket

	localIP  net.IP
	localSet bool
	localPort uint16

	rcvTimeout time.Duration
	sndTimeout time.Duration

	connWaiter *waiter
	rcvWaiter  *waiter
	sndWaiter  *waiter

	closed bool
}

// Manager owns the fd table and the protocol managers underneath it,
// mirroring sock.c's socket_tbl/socket_alloc/get_socket, but keyed by a Go
// map instead of a fixed-size array (SOCKET_MAX_NR) since nothing here
// needs static allocation.
type Manager struct {
	mu       sync.Mutex
	dispatch *dispatch.Dispatcher
	tcpMgr   *tcp.Manager
	udpMgr   *udp.Manager
	rawMgr   *rawsock.Manager
	sockets  map[int]*Socket
	nextFD   int
}

// NewManager constructs a socket API layer wired to d for call
// serialization and the three protocol managers for backing storage.
func NewManager(d *dispatch.Dispatcher, tcpMgr *tcp.Manager, udpMgr *udp.Manager, rawMgr *rawsock.Manager) *Manager {
	return &Manager{
		dispatch: d,
		tcpMgr:   tcpMgr,
		udpMgr:   udpMgr,
		rawMgr:   rawMgr,
		sockets:  make(map[int]*Socket),
	}
}

func (m *Manager) get(fd int) (*Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock, ok := m.sockets[fd]
	if !ok {
		return nil, neterr.ErrParam
	}
	return sock, nil
}

// Create allocates a new socket of the given type, the x_socket equivalent.
// protocol selects the raw-socket protocol number for typ == Raw and is
// ignored otherwise.
func (m *Manager) Create(typ Type, protocol uint8) (int, error) {
	switch typ {
	case Stream, Dgram, Raw:
	default:
		return -1, neterr.ErrParam
	}
	sock := &Socket{
		typ:        typ,
		protocol:   protocol,
		connWaiter: newWaiter(),
		rcvWaiter:  newWaiter(),
		sndWaiter:  newWaiter(),
	}
	if typ == Dgram {
		sock.udpSock = m.udpMgr.Create()
		sock.udpSock.OnReadable = func(*udp.Socket) { sock.rcvWaiter.signal(nil) }
	} else if typ == Raw {
		sock.rawSock = m.rawMgr.Create(protocol)
		sock.rawSock.OnReadable = func(*rawsock.Socket) { sock.rcvWaiter.signal(nil) }
	}
	m.mu.Lock()
	fd := m.nextFD
	m.nextFD++
	m.sockets[fd] = sock
	m.mu.Unlock()
	return fd, nil
}

func (m *Manager) wireTCB(sock *Socket, t *tcp.TCB) {
	sock.tcb = t
	t.OnEstablished(func(*tcp.TCB) { sock.connWaiter.signal(nil) })
	t.OnClosed(func(tcb *tcp.TCB) {
		sock.connWaiter.signal(tcb.Err())
		sock.rcvWaiter.signal(tcb.Err())
		sock.sndWaiter.signal(tcb.Err())
	})
	t.OnReadable(func(*tcp.TCB) { sock.rcvWaiter.signal(nil) })
	t.OnSendable(func(*tcp.TCB) { sock.sndWaiter.signal(nil) })
	t.OnAcceptable(func(*tcp.TCB) { sock.rcvWaiter.signal(nil) })
}

// Bind assigns a local address, the x_bind equivalent. For a stream socket
// this only records the address for a later Listen; tcp.Manager.Listen is
// what actually claims it.
func (m *Manager) Bind(fd int, ip net.IP, port uint16) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	switch sock.typ {
	case Stream:
		sock.localIP, sock.localPort, sock.localSet = ip, port, true
		return nil
	case Dgram:
		var bindErr error
		m.dispatch.Call(func() { bindErr = m.udpMgr.Bind(sock.udpSock, ip, port) })
		return bindErr
	case Raw:
		m.dispatch.Call(func() { m.rawMgr.Bind(sock.rawSock, ip) })
		return nil
	}
	return neterr.ErrParam
}

// Listen marks a bound stream socket as passive with the given backlog, the
// x_listen equivalent.
func (m *Manager) Listen(fd int, backlog int) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	if sock.typ != Stream || !sock.localSet {
		return neterr.ErrState
	}
	var listenErr error
	m.dispatch.Call(func() {
		t, e := m.tcpMgr.Listen(sock.localIP, sock.localPort, backlog)
		if e != nil {
			listenErr = e
			return
		}
		m.wireTCB(sock, t)
	})
	return listenErr
}

// Accept pops the next fully-handshaken connection off a listening socket's
// backlog, blocking up to rcvTimeout (shared with Recv's timeout, matching
// sock_wait_enter's single per-socket timeout knob) if none is ready yet.
func (m *Manager) Accept(fd int) (int, error) {
	sock, err := m.get(fd)
	if err != nil {
		return -1, err
	}
	if sock.typ != Stream {
		return -1, neterr.ErrState
	}
	for {
		var child *tcp.TCB
		var ok bool
		m.dispatch.Call(func() { child, ok = m.tcpMgr.Accept(sock.tcb) })
		if ok {
			childSock := &Socket{
				typ:        Stream,
				connWaiter: newWaiter(),
				rcvWaiter:  newWaiter(),
				sndWaiter:  newWaiter(),
			}
			m.wireTCB(childSock, child)
			m.mu.Lock()
			childFD := m.nextFD
			m.nextFD++
			m.sockets[childFD] = childSock
			m.mu.Unlock()
			return childFD, nil
		}
		if err := sock.rcvWaiter.wait(sock.rcvTimeout); err != nil {
			return -1, err
		}
	}
}

// Connect performs an active open (stream) or sets the default destination
// (datagram/raw), the x_connect equivalent. A stream Connect blocks until
// the handshake completes or fails.
func (m *Manager) Connect(fd int, ip net.IP, port uint16) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	switch sock.typ {
	case Dgram:
		var callErr error
		m.dispatch.Call(func() { callErr = m.udpMgr.Connect(sock.udpSock, ip, port) })
		return callErr
	case Raw:
		m.dispatch.Call(func() { m.rawMgr.Connect(sock.rawSock, ip) })
		return nil
	case Stream:
		if sock.tcb != nil {
			return neterr.ErrState
		}
		var localIP net.IP
		if sock.localSet {
			localIP = sock.localIP
		}
		var connErr error
		m.dispatch.Call(func() {
			t, e := m.tcpMgr.Connect(localIP, ip, port)
			if e != nil {
				connErr = e
				return
			}
			m.wireTCB(sock, t)
			// A link that delivers synchronously can finish (or fail) the
			// handshake inside tcpMgr.Connect, before the hooks above exist.
			switch t.State() {
			case tcp.ESTABLISHED:
				sock.connWaiter.signal(nil)
			case tcp.CLOSED:
				sock.connWaiter.signal(t.Err())
			}
		})
		if connErr != nil {
			return connErr
		}
		return sock.connWaiter.wait(0)
	}
	return neterr.ErrParam
}

// Send writes payload to a connected stream socket, looping until every
// byte has been queued (ring space freed by ACKs wakes sndWaiter) or
// sndTimeout elapses, the x_send equivalent.
func (m *Manager) Send(fd int, payload []byte) (int, error) {
	sock, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if sock.typ != Stream {
		return 0, neterr.ErrState
	}
	sent := 0
	for sent < len(payload) {
		var n int
		var sendErr error
		m.dispatch.Call(func() { n, sendErr = m.tcpMgr.Send(sock.tcb, payload[sent:]) })
		if sendErr != nil {
			return sent, sendErr
		}
		sent += n
		if n == 0 {
			if err := sock.sndWaiter.wait(sock.sndTimeout); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

// Recv drains data from a connected stream socket, blocking up to
// rcvTimeout for at least one byte, the x_recv equivalent. It returns
// ErrClose once the peer's FIN has been consumed and nothing remains
// buffered.
func (m *Manager) Recv(fd int, buf []byte) (int, error) {
	sock, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if sock.typ != Stream {
		return 0, neterr.ErrState
	}
	for {
		var data []byte
		m.dispatch.Call(func() { data = sock.tcb.Recv() })
		if len(data) > 0 {
			n := copy(buf, data)
			return n, nil
		}
		if done, closeErr := m.peerClosed(sock); done {
			return 0, closeErr
		}
		if err := sock.rcvWaiter.wait(sock.rcvTimeout); err != nil {
			return 0, err
		}
	}
}

// peerClosed reports whether sock's TCB has passed the point where more
// data could ever arrive, and if so, the error Recv should surface: the
// connection's own Err() for an abnormal end (RST/timeout), or ErrClose for
// an orderly one. An orderly close should only wake readers with ErrClose
// after all in-order data already queued has been consumed.
func (m *Manager) peerClosed(sock *Socket) (bool, error) {
	var done bool
	var closeErr error
	m.dispatch.Call(func() {
		switch sock.tcb.State() {
		case tcp.CLOSE_WAIT, tcp.CLOSING, tcp.LAST_ACK, tcp.TIME_WAIT, tcp.CLOSED:
			done = true
			if e := sock.tcb.Err(); e != nil && e != neterr.ErrClose {
				closeErr = e
			} else {
				closeErr = neterr.ErrClose
			}
		}
	})
	return done, closeErr
}

// SendTo transmits payload to (ip, port) over a datagram or raw socket, the
// x_sendto equivalent.
func (m *Manager) SendTo(fd int, payload []byte, ip net.IP, port uint16) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	var sendErr error
	switch sock.typ {
	case Dgram:
		m.dispatch.Call(func() { sendErr = m.udpMgr.SendTo(sock.udpSock, ip, port, payload) })
	case Raw:
		m.dispatch.Call(func() { sendErr = m.rawMgr.SendTo(sock.rawSock, ip, payload) })
	default:
		return neterr.ErrState
	}
	return sendErr
}

// RecvFrom reads the next datagram into buf from a datagram or raw socket,
// the x_recvfrom equivalent, blocking up to rcvTimeout if none is queued.
func (m *Manager) RecvFrom(fd int, buf []byte) (int, net.IP, error) {
	sock, err := m.get(fd)
	if err != nil {
		return 0, nil, err
	}
	for {
		switch sock.typ {
		case Dgram:
			var dgram udp.Datagram
			var ok bool
			m.dispatch.Call(func() { dgram, ok = sock.udpSock.RecvFrom() })
			if ok {
				return copy(buf, dgram.Payload), dgram.SrcIP, nil
			}
		case Raw:
			var dgram rawsock.Datagram
			var ok bool
			m.dispatch.Call(func() { dgram, ok = sock.rawSock.RecvFrom() })
			if ok {
				return copy(buf, dgram.Payload), dgram.SrcIP, nil
			}
		default:
			return 0, nil, neterr.ErrState
		}
		if err := sock.rcvWaiter.wait(sock.rcvTimeout); err != nil {
			return 0, nil, err
		}
	}
}

// SetSockOpt applies one of the recognized options, the x_setsockopt
// equivalent. Unrecognized (level, name) pairs return ErrOption.
func (m *Manager) SetSockOpt(fd int, level Level, name Option, value interface{}) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	switch {
	case level == SolSocket && name == SoRcvTimeo:
		d, ok := value.(time.Duration)
		if !ok {
			return neterr.ErrParam
		}
		sock.rcvTimeout = d
		return nil
	case level == SolSocket && name == SoSndTimeo:
		d, ok := value.(time.Duration)
		if !ok {
			return neterr.ErrParam
		}
		sock.sndTimeout = d
		return nil
	case level == SolSocket && name == SoKeepAlive:
		enable, ok := value.(bool)
		if !ok {
			return neterr.ErrParam
		}
		return m.setKeepAlive(sock, enable)
	case level == SolTCP && (name == TCPKeepIdle || name == TCPKeepIntvl):
		d, ok := value.(time.Duration)
		if !ok {
			return neterr.ErrParam
		}
		return m.setKeepAliveTiming(sock, name, d)
	case level == SolTCP && name == TCPKeepCnt:
		n, ok := value.(int)
		if !ok {
			return neterr.ErrParam
		}
		return m.setKeepAliveCnt(sock, n)
	}
	return neterr.ErrOption
}

func (m *Manager) setKeepAlive(sock *Socket, enable bool) error {
	if sock.typ != Stream || sock.tcb == nil {
		return neterr.ErrState
	}
	if !enable {
		return nil
	}
	cfg := m.tcpMgr.KeepaliveDefaults()
	m.dispatch.Call(func() {
		m.tcpMgr.EnableKeepalive(sock.tcb, cfg.Idle, cfg.Intvl, cfg.Cnt)
	})
	return nil
}

func (m *Manager) setKeepAliveTiming(sock *Socket, name Option, d time.Duration) error {
	if sock.typ != Stream || sock.tcb == nil {
		return neterr.ErrState
	}
	cfg := m.tcpMgr.KeepaliveDefaults()
	idle, intvl := cfg.Idle, cfg.Intvl
	if name == TCPKeepIdle {
		idle = d
	} else {
		intvl = d
	}
	m.dispatch.Call(func() { m.tcpMgr.EnableKeepalive(sock.tcb, idle, intvl, cfg.Cnt) })
	return nil
}

func (m *Manager) setKeepAliveCnt(sock *Socket, n int) error {
	if sock.typ != Stream || sock.tcb == nil {
		return neterr.ErrState
	}
	cfg := m.tcpMgr.KeepaliveDefaults()
	m.dispatch.Call(func() { m.tcpMgr.EnableKeepalive(sock.tcb, cfg.Idle, cfg.Intvl, n) })
	return nil
}

// Close tears down a socket, the x_close equivalent. A stream socket in
// anything but LISTEN initiates an orderly close and returns immediately;
// the connection finishes winding down (FIN/ACK, TIME_WAIT) on its own.
func (m *Manager) Close(fd int) error {
	sock, err := m.get(fd)
	if err != nil {
		return err
	}
	sock.closed = true
	var closeErr error
	switch sock.typ {
	case Stream:
		if sock.tcb != nil {
			m.dispatch.Call(func() { closeErr = m.tcpMgr.Close(sock.tcb) })
		}
	case Dgram:
		m.dispatch.Call(func() { m.udpMgr.Close(sock.udpSock) })
	case Raw:
		m.dispatch.Call(func() { m.rawMgr.Close(sock.rawSock) })
	}
	m.mu.Lock()
	delete(m.sockets, fd)
	m.mu.Unlock()
	return closeErr
}
