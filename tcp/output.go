package tcp

import (
	"net"
	"time"

	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/timer"
)

// tcpTickMillis is the real-world duration of one timer.Wheel tick for
// this package's wheel: 100ms, fine enough for the 200ms RTO floor, coarser
// than would be needed for sub-100ms RTTs but sufficient for the
// retransmission and 2MSL timers this stack drives.
const tcpTickMillis = 100

func ticksFor(d time.Duration) int64 {
	t := d.Milliseconds() / tcpTickMillis
	if t < 1 {
		t = 1
	}
	return t
}

// sendControl emits a header-only (or SYN-option-only) segment: used for
// SYN, SYN+ACK, bare ACK, and FIN+ACK.
func (m *Manager) sendControl(t *TCB, flags Flags, seq, ack uint32, mss uint16) error {
	buf, err := m.Pool.Alloc(0)
	if err != nil {
		return err
	}
	buf.ResetAcc()
	seg := Segment{
		SrcPort: t.LocalPort, DstPort: t.RemotePort,
		Seq: seq, Ack: ack, Flags: flags,
		Window: uint16(t.rcvWnd), MSS: mss,
	}
	if err := encodeSegment(buf, seg, t.LocalIP, t.RemoteIP); err != nil {
		return err
	}
	return m.Stack.Output(t.RemoteIP, ipv4.ProtoTCP, 64, buf)
}

// sendData emits a data segment carrying payload, ACK always set.
func (m *Manager) sendData(t *TCB, seq uint32, payload []byte) error {
	buf, err := m.Pool.Alloc(len(payload))
	if err != nil {
		return err
	}
	buf.ResetAcc()
	buf.Write(payload, len(payload))
	seg := Segment{
		SrcPort: t.LocalPort, DstPort: t.RemotePort,
		Seq: seq, Ack: t.rcvNxt, Flags: ACK,
		Window: uint16(t.rcvWnd),
	}
	buf.Seek(0)
	if err := encodeSegment(buf, seg, t.LocalIP, t.RemoteIP); err != nil {
		return err
	}
	metrics.TCPActiveConns.Set(1)
	return m.Stack.Output(t.RemoteIP, ipv4.ProtoTCP, 64, buf)
}

// sendRST emits a bare RST, used when a segment arrives with no matching
// connection or listener.
func (m *Manager) sendRST(localIP, remoteIP net.IP, localPort, remotePort uint16, ack, seq uint32) {
	buf, err := m.Pool.Alloc(0)
	if err != nil {
		return
	}
	buf.ResetAcc()
	seg := Segment{SrcPort: localPort, DstPort: remotePort, Seq: seq, Ack: ack, Flags: RST}
	if ack != 0 {
		seg.Flags |= ACK
	}
	if err := encodeSegment(buf, seg, localIP, remoteIP); err != nil {
		return
	}
	m.Stack.Output(remoteIP, ipv4.ProtoTCP, 64, buf)
}

// kickOutput sends as much unsent data as the peer's window and MSS allow,
// then sends a trailing FIN once a pending close has drained the buffer.
func (m *Manager) kickOutput(t *TCB) {
	for {
		sentOffset := int(t.sndNxt - t.sndUna)
		unsent := t.sndBuf.Len() - sentOffset
		if unsent <= 0 {
			break
		}
		winFree := int(t.sendWindowFree())
		if winFree <= 0 {
			t.persisting = true
			break
		}
		t.persisting = false
		chunk := unsent
		if chunk > winFree {
			chunk = winFree
		}
		if mss := int(t.mss()); chunk > mss {
			chunk = mss
		}
		data := make([]byte, chunk)
		t.sndBuf.Peek(sentOffset, data)
		seq := t.sndNxt
		// Advance before sending: a link that delivers synchronously can
		// bring the peer's ACK back into processAck before sendData returns.
		t.sndNxt += uint32(chunk)
		if err := m.sendData(t, seq, data); err != nil {
			t.sndNxt = seq
			break
		}
		if !t.haveRTTTiming() {
			t.rttSeq = seq
			t.rttStart = time.Now()
		}
		m.ensureRTO(t)
	}

	if t.sndBuf.Len() == int(t.sndNxt-t.sndUna) && t.closeRequested && !t.finSent {
		seq := t.sndNxt
		t.sndNxt++
		t.finSent = true
		if err := m.sendControl(t, FIN|ACK, seq, t.rcvNxt, 0); err == nil {
			m.ensureRTO(t)
		} else {
			t.sndNxt = seq
			t.finSent = false
		}
	}
}

func (m *Manager) ensureRTO(t *TCB) {
	if (t.rtoHandle == timer.Handle{}) {
		m.armRTO(t)
	}
}

func (m *Manager) armRTO(t *TCB) {
	t.rtoHandle = m.wheel.Add(ticksFor(t.rto), false, m.onRTOExpire, t)
}

func (m *Manager) armTimeWait(t *TCB) {
	t.timeWaitHandle = m.wheel.Add(ticksFor(t.cfg.TCPMSL*2), false, m.onTimeWaitExpire, t)
}

// onRTOExpire retransmits from sndUna on timeout, backing off the RTO
// (Karn's algorithm: a retransmitted segment's ACK can't be used for a new
// RTT sample, so haveRTT timing is abandoned for this round). The
// connection is dropped on the first timeout after TCPResendingRetries
// retransmissions.
func (m *Manager) onRTOExpire(arg interface{}) {
	t := arg.(*TCB)
	t.rtoHandle = timer.Handle{}
	if t.state == CLOSED || t.state == FREE {
		return
	}
	t.rttStart = time.Time{}
	t.rtoRuns++
	if t.rtoRuns > t.cfg.TCPResendingRetries {
		m.removeConn(t)
		return
	}
	t.rto *= 2
	if t.rto > t.cfg.TCPRTOMax {
		t.rto = t.cfg.TCPRTOMax
	}
	metrics.TCPRetransmits.WithLabelValues("rto").Inc()

	outstanding := int(t.sndNxt - t.sndUna)
	if outstanding > 0 {
		data := make([]byte, outstanding)
		t.sndBuf.Peek(0, data)
		m.sendData(t, t.sndUna, data)
	} else if t.finSent {
		m.sendControl(t, FIN|ACK, t.sndNxt-1, t.rcvNxt, 0)
	} else if t.state == SYN_SENT || t.state == SYN_RECVD {
		m.sendControl(t, SYN, t.iss, 0, t.mss())
	}
	m.armRTO(t)
}

func (m *Manager) onTimeWaitExpire(arg interface{}) {
	t := arg.(*TCB)
	m.removeConn(t)
}

// onKeepaliveExpire fires when a connection has been idle for keepaliveIdle
// (first probe) or keepaliveIntvl (subsequent probes): sends a bare-ACK
// probe, or after keepaliveCnt unanswered probes tears the connection down
// with ErrTimeout.
func (m *Manager) onKeepaliveExpire(arg interface{}) {
	t := arg.(*TCB)
	if t.state != ESTABLISHED && t.state != CLOSE_WAIT {
		return
	}
	t.keepaliveProbes++
	if t.keepaliveProbes > t.keepaliveCnt {
		t.err = neterr.ErrTimeout
		m.removeConn(t)
		return
	}
	m.sendControl(t, ACK, t.sndNxt-1, t.rcvNxt, 0)
	t.keepaliveH = m.wheel.Add(ticksFor(t.keepaliveIntvl), false, m.onKeepaliveExpire, t)
}

// fastRetransmit resends the oldest unacknowledged segment immediately on
// the third duplicate ACK, without waiting for the RTO.
func (m *Manager) fastRetransmit(t *TCB) {
	outstanding := int(t.sndNxt - t.sndUna)
	if outstanding <= 0 {
		return
	}
	data := make([]byte, outstanding)
	t.sndBuf.Peek(0, data)
	metrics.TCPRetransmits.WithLabelValues("fast-retransmit").Inc()
	m.sendData(t, t.sndUna, data)
}

// sampleRTT applies the Jacobson/Karn RTT estimator to the elapsed time
// since rttStart and rearms rto from the new SRTT/RTTVAR.
func (m *Manager) sampleRTT(t *TCB) {
	r := time.Since(t.rttStart)
	t.rttStart = time.Time{}
	if !t.haveRTT {
		t.srtt = r
		t.rttvar = r / 2
		t.haveRTT = true
	} else {
		diff := t.srtt - r
		if diff < 0 {
			diff = -diff
		}
		t.rttvar = t.rttvar + (diff-t.rttvar)/4
		t.srtt = t.srtt - t.srtt/8 + r/8
	}
	rto := t.srtt + 4*t.rttvar
	if rto < t.cfg.TCPRTOMin {
		rto = t.cfg.TCPRTOMin
	}
	if rto > t.cfg.TCPRTOMax {
		rto = t.cfg.TCPRTOMax
	}
	t.rto = rto
	metrics.TCPRTTSample.Observe(r.Seconds())
}
