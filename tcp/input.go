package tcp

import (
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// Input is the TCP entry point IPv4 dispatches segments through.
func (m *Manager) Input(nif *netif.Netif, ih ipv4.Header, buf *pktbuf.Buf) {
	seg, err := decodeSegment(buf)
	if err != nil {
		metrics.DroppedPackets.WithLabelValues("tcp", "decode").Inc()
		m.Pool.Free(buf)
		return
	}
	buf.ResetAcc()
	sum := buf.Checksum16(buf.TotalSize(), pseudoSum(ih.Src, ih.Dst, uint16(buf.TotalSize())), true)
	if sum != 0 {
		metrics.DroppedPackets.WithLabelValues("tcp", "checksum").Inc()
		m.Pool.Free(buf)
		return
	}
	payloadLen := seg.payloadLen(buf.TotalSize())
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		buf.Seek(seg.headerLen)
		buf.Read(payload, payloadLen)
	}
	m.Pool.Free(buf)

	t := m.lookup(ih.Dst, ih.Src, seg.DstPort, seg.SrcPort)
	if t == nil {
		m.inputNoConn(nif, ih, seg)
		return
	}
	m.process(t, seg, payload)
}

// inputNoConn handles a segment that matches no existing connection: a
// bare SYN against a listener spawns a child TCB; anything else not
// carrying RST draws a RST reply.
func (m *Manager) inputNoConn(nif *netif.Netif, ih ipv4.Header, seg Segment) {
	if seg.Flags.Has(RST) {
		return
	}
	if seg.Flags.Has(SYN) && !seg.Flags.Has(ACK) {
		listener := m.lookupListener(ih.Dst, seg.DstPort)
		if listener == nil {
			m.sendRST(ih.Dst, ih.Src, seg.DstPort, seg.SrcPort, 0, seg.Seq+1)
			return
		}
		m.mu.Lock()
		full := len(listener.acceptQ)+pendingChildren(m, listener) >= listener.backlog
		m.mu.Unlock()
		if full {
			metrics.DroppedPackets.WithLabelValues("tcp", "backlog-full").Inc()
			return
		}
		child := newTCB(m.cfg, m.wheel, m)
		child.LocalIP = ih.Dst
		child.LocalPort = seg.DstPort
		child.RemoteIP = ih.Src
		child.RemotePort = seg.SrcPort
		child.parent = listener
		child.iss = nextISN()
		child.sndUna = child.iss
		child.sndNxt = child.iss + 1
		child.irs = seg.Seq
		child.rcvNxt = seg.Seq + 1
		child.peerMSS = seg.MSS
		child.sndWnd = uint32(seg.Window)
		child.setState(SYN_RECVD)
		m.registerConn(child)
		m.sendControl(child, SYN|ACK, child.iss, child.rcvNxt, child.mss())
		return
	}
	m.sendRST(ih.Dst, ih.Src, seg.DstPort, seg.SrcPort, seg.Ack, 0)
}

func pendingChildren(m *Manager, listener *TCB) int {
	n := 0
	for _, c := range m.conns {
		if c.parent == listener && c.state == SYN_RECVD {
			n++
		}
	}
	return n
}

// process advances t's state machine per RFC 793 given an inbound segment.
func (m *Manager) process(t *TCB, seg Segment, payload []byte) {
	if seg.Flags.Has(RST) {
		t.err = neterr.ErrReset
		m.removeConn(t)
		return
	}
	m.mu.Lock()
	m.resetKeepaliveLocked(t)
	m.mu.Unlock()

	switch t.state {
	case SYN_SENT:
		m.processSynSent(t, seg)
		return
	}

	if seg.Flags.Has(ACK) {
		m.processAck(t, seg)
	}

	switch t.state {
	case SYN_RECVD:
		if t.sndUna == t.sndNxt {
			t.setState(ESTABLISHED)
			if t.parent != nil {
				m.mu.Lock()
				t.parent.acceptQ = append(t.parent.acceptQ, t)
				m.mu.Unlock()
				if t.parent.onAcceptable != nil {
					t.parent.onAcceptable(t.parent)
				}
			}
			if t.onEstablished != nil {
				t.onEstablished(t)
			}
		}
	}

	if t.state == ESTABLISHED || t.state == FIN_WAIT1 || t.state == FIN_WAIT2 ||
		t.state == CLOSE_WAIT || t.state == SYN_RECVD {
		m.acceptData(t, seg, payload)
	}
}

// processSynSent handles the three-way handshake's second leg.
func (m *Manager) processSynSent(t *TCB, seg Segment) {
	if seg.Flags.Has(ACK) {
		if seg.Ack != t.sndNxt {
			m.sendRST(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, seg.Ack, 0)
			return
		}
	}
	if !seg.Flags.Has(SYN) {
		return
	}
	t.irs = seg.Seq
	t.rcvNxt = seg.Seq + 1
	t.peerMSS = seg.MSS
	t.sndWnd = uint32(seg.Window)
	m.wheel.Cancel(t.rtoHandle)
	if seg.Flags.Has(ACK) {
		t.sndUna = seg.Ack
		t.setState(ESTABLISHED)
		m.sendControl(t, ACK, t.sndNxt, t.rcvNxt, 0)
		if t.onEstablished != nil {
			t.onEstablished(t)
		}
		return
	}
	// Simultaneous open: both sides sent SYN with no ACK yet.
	t.setState(SYN_RECVD)
	m.sendControl(t, SYN|ACK, t.iss, t.rcvNxt, t.mss())
}

// acceptData handles in-order data and FIN for established-and-closing
// states. Out-of-order segments are dropped with a duplicate ACK; this
// stack does not reorder-buffer data received ahead of rcvNxt.
func (m *Manager) acceptData(t *TCB, seg Segment, payload []byte) {
	advanced := false
	if len(payload) > 0 {
		if seg.Seq == t.rcvNxt {
			n := t.rcvBuf.Write(payload)
			t.rcvNxt += uint32(n)
			advanced = n > 0
		}
	}
	if seg.Flags.Has(FIN) && seg.Seq+uint32(len(payload)) == t.rcvNxt {
		t.rcvNxt++
		advanced = true
		switch t.state {
		case ESTABLISHED, SYN_RECVD:
			t.setState(CLOSE_WAIT)
		case FIN_WAIT1:
			t.setState(CLOSING)
		case FIN_WAIT2:
			t.setState(TIME_WAIT)
			m.armTimeWait(t)
		}
	}
	if advanced || len(payload) > 0 || seg.Flags.Has(FIN) {
		m.sendControl(t, ACK, t.sndNxt, t.rcvNxt, 0)
	}
	if advanced && t.onReadable != nil {
		t.onReadable(t)
	}
}

// processAck applies an acknowledgment to the send side: advances sndUna,
// updates the window, takes an RTT sample when appropriate, and detects
// duplicate ACKs for fast retransmit.
func (m *Manager) processAck(t *TCB, seg Segment) {
	newData := seg.Ack != t.sndUna && seqLE(seg.Ack, t.sndNxt) && seqGT(seg.Ack, t.sndUna)
	if newData {
		acked := seg.Ack - t.sndUna
		t.sndBuf.Discard(int(acked))
		t.sndUna = seg.Ack
		if acked > 0 && t.onSendable != nil {
			t.onSendable(t)
		}
		t.dupAcks = 0
		t.rtoRuns = 0
		if t.haveRTTTiming() && seqGE(seg.Ack, t.rttSeq) {
			m.sampleRTT(t)
		}
		m.wheel.Cancel(t.rtoHandle)
		t.rtoHandle = timer.Handle{}
		if t.sndBuf.Len() > 0 || t.pendingFIN {
			m.armRTO(t)
		}
		switch t.state {
		case FIN_WAIT1:
			if seg.Ack == t.sndNxt {
				t.setState(FIN_WAIT2)
			}
		case CLOSING:
			if seg.Ack == t.sndNxt {
				t.setState(TIME_WAIT)
				m.armTimeWait(t)
			}
		case LAST_ACK:
			if seg.Ack == t.sndNxt {
				m.removeConn(t)
				return
			}
		}
	} else if seg.Ack == t.sndUna && t.sndBuf.Len() == 0 {
		// Pure duplicate ACK with no new data outstanding from us isn't
		// actionable; fast retransmit only matters while we have
		// unacknowledged data in flight.
	} else if seg.Ack == t.sndUna {
		t.dupAcks++
		if t.dupAcks == t.cfg.TCPDupThresh {
			m.fastRetransmit(t)
		}
	}
	if seqGE(uint32(seg.Window), 0) {
		t.sndWnd = uint32(seg.Window)
	}
	m.kickOutput(t)
}

func (t *TCB) haveRTTTiming() bool { return !t.rttStart.IsZero() }

func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
