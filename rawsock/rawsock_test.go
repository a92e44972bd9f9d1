package rawsock_test

import (
	"net"
	"testing"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/rawsock"
	"github.com/m-lab/netstack/timer"
)

const testProtocol = 253 // an IANA-reserved "for experimentation" number

type loopDriver struct {
	stack *ipv4.Stack
	nif   *netif.Netif
}

func (d *loopDriver) Open() error  { return nil }
func (d *loopDriver) Close() error { return nil }
func (d *loopDriver) Xmit(buf *pktbuf.Buf) error {
	d.stack.Input(d.nif, buf)
	return nil
}

func newStack(t *testing.T) (*ipv4.Stack, *netif.Netif, *pktbuf.Pool) {
	t.Helper()
	pool := pktbuf.NewPool(1600, 32)
	table := ipv4.NewTable()
	nif := netif.New("eth0", net.HardwareAddr{2, 0, 0, 0, 0, 3}, 1500, 8)
	nif.IP = net.IPv4(10, 0, 0, 3).To4()
	nif.Mask = net.CIDRMask(24, 32)
	table.ActivateNetif(nif)

	stack := &ipv4.Stack{Routes: table, Pool: pool}
	stack.Reassembler = ipv4.NewReassembler(engine.Default(), timer.New(), pool)
	nif.Driver = &loopDriver{stack: stack, nif: nif}
	return stack, nif, pool
}

func TestInputDeliversWholeDatagramToMatchingSocket(t *testing.T) {
	stack, nif, pool := newStack(t)
	mgr := rawsock.NewManager(stack, pool)
	stack.Raw = mgr.Input

	sock := mgr.Create(testProtocol)
	payload := []byte("raw payload")
	if err := mgr.SendTo(sock, nif.IP, payload); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	dgram, ok := sock.RecvFrom()
	if !ok {
		t.Fatal("expected a queued raw datagram")
	}
	// A raw socket sees the whole IP datagram, header included, so the
	// delivered payload is longer than what was sent.
	if len(dgram.Payload) <= len(payload) {
		t.Fatalf("expected payload to include the IP header, got %d bytes for a %d byte send", len(dgram.Payload), len(payload))
	}
	if !dgram.SrcIP.Equal(nif.IP) {
		t.Fatalf("src ip = %v, want %v", dgram.SrcIP, nif.IP)
	}
}

func TestProtocolMismatchIsNotDelivered(t *testing.T) {
	stack, nif, pool := newStack(t)
	mgr := rawsock.NewManager(stack, pool)
	stack.Raw = mgr.Input

	mismatched := mgr.Create(testProtocol + 1)
	matched := mgr.Create(testProtocol)

	if err := mgr.SendTo(matched, nif.IP, []byte("y")); err != nil {
		t.Fatalf("sendto: %v", err)
	}
	if _, ok := mismatched.RecvFrom(); ok {
		t.Fatal("socket bound to a different protocol should not receive this datagram")
	}
	if _, ok := matched.RecvFrom(); !ok {
		t.Fatal("expected the matching-protocol socket to receive the datagram")
	}
}

func TestConnectRestrictsSendTo(t *testing.T) {
	stack, nif, pool := newStack(t)
	mgr := rawsock.NewManager(stack, pool)
	stack.Raw = mgr.Input

	sock := mgr.Create(testProtocol)
	mgr.Connect(sock, net.IPv4(10, 0, 0, 200))
	if err := mgr.SendTo(sock, nif.IP, []byte("z")); err == nil {
		t.Fatal("expected ErrConnected sending to a non-matching destination")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	stack, nif, pool := newStack(t)
	mgr := rawsock.NewManager(stack, pool)
	stack.Raw = mgr.Input

	sock := mgr.Create(testProtocol)
	mgr.Close(sock)

	other := mgr.Create(testProtocol)
	if err := mgr.SendTo(other, nif.IP, []byte("w")); err != nil {
		t.Fatalf("sendto: %v", err)
	}
	if _, ok := sock.RecvFrom(); ok {
		t.Fatal("closed socket should not receive datagrams")
	}
}
