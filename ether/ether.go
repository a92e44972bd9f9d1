// Package ether implements Ethernet II framing: prepending/stripping the
// 14-byte header, padding to the 46-byte minimum payload, and routing
// inbound frames by EtherType to ARP or IPv4.
package ether

import (
	"encoding/binary"
	"net"

	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// EtherType values this stack understands.
const (
	TypeIPv4 uint16 = 0x0800
	TypeARP  uint16 = 0x0806
)

const (
	headerLen  = 14
	minPayload = 46
)

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Broadcast is the Ethernet broadcast address.
func Broadcast() net.HardwareAddr { return broadcast }

// Header is the decoded 14-byte Ethernet II header.
type Header struct {
	Dest  net.HardwareAddr
	Src   net.HardwareAddr
	Proto uint16
}

// Decode parses the header at the front of buf without consuming it from
// the wire copy the caller holds; it reads via buf's cursor, which callers
// are expected to have just Seek(0)'d.
func Decode(buf *pktbuf.Buf) (Header, error) {
	if buf.TotalSize() < headerLen {
		return Header{}, neterr.ErrFormat
	}
	raw := make([]byte, headerLen)
	buf.ResetAcc()
	buf.Read(raw, headerLen)
	return Header{
		Dest:  net.HardwareAddr(append([]byte(nil), raw[0:6]...)),
		Src:   net.HardwareAddr(append([]byte(nil), raw[6:12]...)),
		Proto: binary.BigEndian.Uint16(raw[12:14]),
	}, nil
}

// Encode prepends a 14-byte Ethernet header and pads the frame to the
// 46-byte minimum payload.
func Encode(buf *pktbuf.Buf, dst, src net.HardwareAddr, proto uint16) error {
	if buf.TotalSize() < minPayload {
		buf.Seek(buf.TotalSize())
		buf.Fill(0, minPayload-buf.TotalSize())
		if err := buf.Resize(minPayload); err != nil {
			return err
		}
	}
	if err := buf.AddHeader(headerLen, true); err != nil {
		return err
	}
	hdr := make([]byte, headerLen)
	copy(hdr[0:6], dst)
	copy(hdr[6:12], src)
	binary.BigEndian.PutUint16(hdr[12:14], proto)
	buf.ResetAcc()
	buf.Write(hdr, headerLen)
	return nil
}

// Resolver is the ARP collaborator used to resolve a next-hop IP into a
// destination MAC before framing (see arp.Resolve).
type Resolver interface {
	Resolve(nif *netif.Netif, target net.IP, buf *pktbuf.Buf) error
	UpdateFromIPBuf(nif *netif.Netif, buf *pktbuf.Buf)
}

// Link wires an ARP resolver into netif.LinkLayer, implementing
// netif.Netif.Out's Ethernet+ARP dispatch.
type Link struct {
	ARP Resolver
}

// Out implements netif.LinkLayer: resolve nextHop to a MAC via ARP (which,
// on a cache hit, frames and sends immediately; on miss, queues buf and
// emits a request) rather than framing here directly.
func (l *Link) Out(nif *netif.Netif, nextHop net.IP, buf *pktbuf.Buf) error {
	if l.ARP == nil {
		return neterr.ErrState
	}
	return l.ARP.Resolve(nif, nextHop, buf)
}

// RawOut frames buf for dest and sends it: loopback if dest equals the
// interface's own hardware address (routed back to the input queue),
// otherwise enqueued to the output queue with the driver kicked.
func RawOut(nif *netif.Netif, proto uint16, dest net.HardwareAddr, buf *pktbuf.Buf) error {
	if err := Encode(buf, dest, nif.HWAddr, proto); err != nil {
		return err
	}
	if string(dest) == string(nif.HWAddr) {
		return nif.PutIn(buf)
	}
	if err := nif.OutQ.Push(buf); err != nil {
		return err
	}
	if nif.Driver != nil {
		return nif.Driver.Xmit(buf)
	}
	return nil
}

// Dispatcher routes a decoded inbound frame's payload to the appropriate
// protocol handler by EtherType.
type Dispatcher struct {
	ARP  func(nif *netif.Netif, buf *pktbuf.Buf)
	IPv4 func(nif *netif.Netif, buf *pktbuf.Buf)
}

// Input strips the Ethernet header and dispatches by EtherType. Unknown
// EtherTypes are dropped silently, matching the "offending buffer is
// dropped" propagation rule for protocol-internal errors.
func (d *Dispatcher) Input(nif *netif.Netif, buf *pktbuf.Buf) error {
	hdr, err := Decode(buf)
	if err != nil {
		return err
	}
	if err := buf.RemoveHeader(headerLen); err != nil {
		return err
	}
	switch hdr.Proto {
	case TypeARP:
		if d.ARP != nil {
			d.ARP(nif, buf)
		}
	case TypeIPv4:
		if d.IPv4 != nil {
			d.IPv4(nif, buf)
		}
	}
	return nil
}
