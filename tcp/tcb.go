package tcp

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/uuid"
)

var tcbCookie uint64

const defaultMSS = 1460

// TCB is one TCP connection's transmission control block.
type TCB struct {
	id string

	state State

	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16

	// Send side.
	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to send
	sndWnd uint32 // peer's advertised window
	iss    uint32
	sndBuf *ring

	// Receive side.
	rcvNxt uint32
	rcvWnd uint32
	irs    uint32
	rcvBuf *ring

	peerMSS uint16

	// Retransmission and RTT estimation (Jacobson/Karn).
	rto        time.Duration
	srtt       time.Duration
	rttvar     time.Duration
	haveRTT    bool
	rtoHandle  timer.Handle
	rtoRuns    int
	rttSeq      uint32 // sequence number whose RTT sample is being timed
	rttStart    time.Time
	dupAcks     int
	persisting  bool
	finSent     bool

	timeWaitHandle timer.Handle

	// Keepalive (SO_KEEPALIVE/TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT).
	keepaliveH      timer.Handle
	keepaliveOn     bool
	keepaliveIdle   time.Duration
	keepaliveIntvl  time.Duration
	keepaliveCnt    int
	keepaliveProbes int

	// err records why the connection went away, surfaced to a blocked
	// socket-layer waiter on the next wakeup (RST -> ErrReset, keepalive
	// exhaustion -> ErrTimeout, local close -> ErrClose).
	err error

	// Listen/accept.
	listening bool
	backlog   int
	acceptQ   []*TCB
	parent    *TCB

	cfg   *engine.Config
	wheel *timer.Wheel
	mgr   *Manager

	closeRequested bool
	pendingFIN     bool

	onEstablished func(*TCB)
	onClosed      func(*TCB)
	onReadable    func(*TCB)
	onAcceptable  func(*TCB)
	onSendable    func(*TCB)
}

func newTCB(cfg *engine.Config, wheel *timer.Wheel, mgr *Manager) *TCB {
	t := &TCB{
		state:  CLOSED,
		sndBuf: newRing(cfg.BlockSize * 8),
		rcvBuf: newRing(cfg.BlockSize * 8),
		rcvWnd: uint32(cfg.BlockSize * 8),
		rto:    cfg.TCPRTOInitial,
		cfg:    cfg,
		wheel:  wheel,
		mgr:    mgr,
	}
	cookie := atomic.AddUint64(&tcbCookie, 1)
	t.id, _ = uuid.FromCookie(cookie)
	return t
}

// State returns the connection's current state.
func (t *TCB) State() State { return t.state }

// ID returns this TCB's identifier, used to correlate archival records.
func (t *TCB) ID() string { return t.id }

// Err returns the reason this connection was torn down (nil while it's
// still open), for a socket-layer waiter to surface on its next wakeup.
func (t *TCB) Err() error { return t.err }

// OnEstablished registers fn to run when the handshake completes, whether
// by active open (SYN_SENT -> ESTABLISHED) or passive open (child TCB
// SYN_RECVD -> ESTABLISHED).
func (t *TCB) OnEstablished(fn func(*TCB)) { t.onEstablished = fn }

// OnClosed registers fn to run once the connection reaches CLOSED for any
// reason; Err() reports why.
func (t *TCB) OnClosed(fn func(*TCB)) { t.onClosed = fn }

// OnReadable registers fn to run whenever in-order data (or a closing FIN)
// advances the receive sequence, letting a blocked Recv wake up.
func (t *TCB) OnReadable(fn func(*TCB)) { t.onReadable = fn }

// OnAcceptable registers fn to run on a listening TCB whenever a child
// connection finishes its handshake and is pushed onto the accept queue.
func (t *TCB) OnAcceptable(fn func(*TCB)) { t.onAcceptable = fn }

// OnSendable registers fn to run whenever an ACK frees space in the send
// ring, letting a blocked Send wake up and queue more.
func (t *TCB) OnSendable(fn func(*TCB)) { t.onSendable = fn }

// EnableKeepalive turns on keepalive probing with the given idle/interval
// timing and probe budget, and arms the idle timer from now. Matches
// SO_KEEPALIVE plus the TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT socket
// options.
func (m *Manager) EnableKeepalive(t *TCB, idle, intvl time.Duration, cnt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.keepaliveOn = true
	t.keepaliveIdle = idle
	t.keepaliveIntvl = intvl
	t.keepaliveCnt = cnt
	t.keepaliveProbes = 0
	m.wheel.Cancel(t.keepaliveH)
	t.keepaliveH = m.wheel.Add(ticksFor(idle), false, m.onKeepaliveExpire, t)
}

// resetKeepaliveLocked re-arms the idle timer whenever the connection sees
// activity from its peer, called with m.mu held.
func (m *Manager) resetKeepaliveLocked(t *TCB) {
	if !t.keepaliveOn {
		return
	}
	t.keepaliveProbes = 0
	m.wheel.Cancel(t.keepaliveH)
	t.keepaliveH = m.wheel.Add(ticksFor(t.keepaliveIdle), false, m.onKeepaliveExpire, t)
}

func (t *TCB) setState(s State) {
	if t.state == s {
		return
	}
	t.state = s
	metrics.TCPStateTransitions.WithLabelValues(s.String()).Inc()
}

// sendWindowFree reports how many unsent+unacked bytes would still fit in
// the peer's advertised window.
func (t *TCB) sendWindowFree() uint32 {
	outstanding := t.sndNxt - t.sndUna
	if outstanding >= t.sndWnd {
		return 0
	}
	return t.sndWnd - outstanding
}

// Stats is a point-in-time snapshot of a TCB's control-block fields, the
// source tcpstat.Snapshot is built from for periodic archival.
type Stats struct {
	LocalAddr  string
	LocalPort  uint16
	RemoteAddr string
	RemotePort uint16

	State       State
	DupAcks     int
	Retransmits int

	RTO    time.Duration
	SRTT   time.Duration
	RTTVar time.Duration

	SndUna uint32
	SndNxt uint32
	SndWnd uint32

	RcvNxt uint32
	RcvWnd uint32
}

// Stats returns a copy of this TCB's current control-block fields. Safe to
// call only from the dispatcher goroutine, like every other TCB access.
func (t *TCB) Stats() Stats {
	return Stats{
		LocalAddr:  t.LocalIP.String(),
		LocalPort:  t.LocalPort,
		RemoteAddr: t.RemoteIP.String(),
		RemotePort: t.RemotePort,
		State:       t.state,
		DupAcks:     t.dupAcks,
		Retransmits: t.rtoRuns,
		RTO:        t.rto,
		SRTT:       t.srtt,
		RTTVar:     t.rttvar,
		SndUna:     t.sndUna,
		SndNxt:     t.sndNxt,
		SndWnd:     t.sndWnd,
		RcvNxt:     t.rcvNxt,
		RcvWnd:     t.rcvWnd,
	}
}

func (t *TCB) mss() uint16 {
	if t.peerMSS != 0 && t.peerMSS < defaultMSS {
		return t.peerMSS
	}
	return defaultMSS
}
