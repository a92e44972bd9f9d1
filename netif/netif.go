// Package netif models a network interface: name, hardware address, MTU,
// IP/mask/gateway, an in/out queue pair, driver ops, and an optional
// link-layer table entry. It is the boundary between the dispatcher and the
// (out of scope) physical driver.
package netif

import (
	"log"
	"net"

	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// State is the lifecycle of an interface.
type State int

const (
	Closed State = iota
	Opened
	Active
)

// Driver is the physical-layer collaborator contract: open/close the
// device, and transmit one buffer. Implementations (TAP devices, test
// fakes) live outside this package.
type Driver interface {
	Open() error
	Close() error
	Xmit(buf *pktbuf.Buf) error
}

// LinkLayer dispatches outgoing buffers needing link-layer framing (e.g.
// Ethernet triggering ARP resolution) and is consulted by Out.
type LinkLayer interface {
	Out(nif *Netif, nextHop net.IP, buf *pktbuf.Buf) error
}

// Netif is one network interface instance.
type Netif struct {
	Name    string
	HWAddr  net.HardwareAddr
	MTU     int
	IP      net.IP
	Mask    net.IPMask
	Gateway net.IP

	State State

	InQ  *fixq.Queue
	OutQ *fixq.Queue

	Driver Driver
	Link   LinkLayer

	// Notify is invoked (if set) whenever a buffer is posted to InQ, so the
	// dispatcher's message loop can wake up without polling.
	Notify func()
}

// New constructs an interface with bounded in/out queues.
func New(name string, hwAddr net.HardwareAddr, mtu int, qlen int) *Netif {
	return &Netif{
		Name:   name,
		HWAddr: hwAddr,
		MTU:    mtu,
		InQ:    fixq.New(qlen),
		OutQ:   fixq.New(qlen),
	}
}

// PutIn posts an inbound buffer and notifies the dispatcher.
func (n *Netif) PutIn(buf *pktbuf.Buf) error {
	if err := n.InQ.Push(buf); err != nil {
		return err
	}
	if n.Notify != nil {
		n.Notify()
	}
	return nil
}

// GetIn dequeues the next inbound buffer for dispatcher processing.
func (n *Netif) GetIn() (*pktbuf.Buf, bool) {
	v, ok := n.InQ.Pop()
	if !ok {
		return nil, false
	}
	return v.(*pktbuf.Buf), true
}

// GetOut dequeues the next outbound buffer for the driver.
func (n *Netif) GetOut() (*pktbuf.Buf, bool) {
	v, ok := n.OutQ.Pop()
	if !ok {
		return nil, false
	}
	return v.(*pktbuf.Buf), true
}

// Out is the canonical send path used by IPv4: dispatch through the link
// layer if one is set (Ethernet triggers ARP resolution), otherwise enqueue
// directly and kick the driver.
func (n *Netif) Out(nextHop net.IP, buf *pktbuf.Buf) error {
	if n.Link != nil {
		return n.Link.Out(n, nextHop, buf)
	}
	if err := n.OutQ.Push(buf); err != nil {
		return err
	}
	if n.Driver != nil {
		return n.Driver.Xmit(buf)
	}
	return nil
}

// Contains reports whether ip belongs to the interface's directly connected
// network.
func (n *Netif) Contains(ip net.IP) bool {
	if n.IP == nil || n.Mask == nil {
		return false
	}
	net4 := n.IP.Mask(n.Mask)
	return net4.Equal(ip.Mask(n.Mask))
}

// Broadcast returns the interface's directed broadcast address.
func (n *Netif) Broadcast() net.IP {
	if n.IP == nil || n.Mask == nil {
		return nil
	}
	ip := make(net.IP, len(n.IP.To4()))
	ipv4 := n.IP.To4()
	for i := range ip {
		ip[i] = ipv4[i] | ^n.Mask[i]
	}
	return ip
}

// SetActive transitions the interface to ACTIVE; it returns ErrParam unless
// IP and Mask are set. It installs and returns no routes: the routing table
// owner adds the connected-network and host routes (see
// ipv4.Table.ActivateNetif). Deactivate reverses the state change.
func (n *Netif) SetActive() error {
	if n.IP == nil || n.Mask == nil {
		return neterr.ErrParam
	}
	n.State = Active
	return nil
}

// Deactivate transitions the interface out of ACTIVE.
func (n *Netif) Deactivate() {
	if n.State == Active {
		n.State = Opened
	}
}
