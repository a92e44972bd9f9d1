package udp_test

import (
	"net"
	"testing"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/udp"
)

type fakeDriver struct{ sent []*pktbuf.Buf }

func (f *fakeDriver) Open() error  { return nil }
func (f *fakeDriver) Close() error { return nil }
func (f *fakeDriver) Xmit(buf *pktbuf.Buf) error {
	f.sent = append(f.sent, buf)
	return nil
}

func newStack(t *testing.T) (*ipv4.Stack, *netif.Netif, *fakeDriver, *pktbuf.Pool) {
	t.Helper()
	pool := pktbuf.NewPool(1600, 32)
	table := ipv4.NewTable()
	nif := netif.New("eth0", net.HardwareAddr{2, 0, 0, 0, 0, 2}, 1500, 8)
	nif.IP = net.IPv4(10, 0, 0, 2).To4()
	nif.Mask = net.CIDRMask(24, 32)
	driver := &fakeDriver{}
	nif.Driver = driver
	table.ActivateNetif(nif)

	stack := &ipv4.Stack{Routes: table, Pool: pool}
	stack.Reassembler = ipv4.NewReassembler(engine.Default(), timer.New(), pool)
	return stack, nif, driver, pool
}

func TestSendToEncodesUDPHeader(t *testing.T) {
	stack, _, driver, pool := newStack(t)
	mgr := udp.NewManager(engine.Default(), stack, pool)

	sock := mgr.Create()
	if err := mgr.Bind(sock, nil, 7000); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := mgr.SendTo(sock, net.IPv4(10, 0, 0, 9), 9000, []byte("hello")); err != nil {
		t.Fatalf("sendto: %v", err)
	}
	if len(driver.sent) != 1 {
		t.Fatalf("got %d packets sent, want 1", len(driver.sent))
	}
	ih, err := ipv4.Decode(driver.sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ih.Protocol != ipv4.ProtoUDP {
		t.Fatalf("protocol = %d, want UDP", ih.Protocol)
	}
}

func TestBindCollisionRejected(t *testing.T) {
	stack, _, _, pool := newStack(t)
	mgr := udp.NewManager(engine.Default(), stack, pool)

	a := mgr.Create()
	b := mgr.Create()
	if err := mgr.Bind(a, nil, 5000); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := mgr.Bind(b, nil, 5000); err == nil {
		t.Fatal("expected collision error binding same port twice")
	}
}

func TestDynamicPortAllocation(t *testing.T) {
	stack, _, _, pool := newStack(t)
	cfg := engine.Default()
	cfg.DynamicPortLo = 50000
	cfg.DynamicPortHi = 50002
	mgr := udp.NewManager(cfg, stack, pool)

	a := mgr.Create()
	b := mgr.Create()
	if err := mgr.Bind(a, nil, 0); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := mgr.Bind(b, nil, 0); err != nil {
		t.Fatalf("bind b: %v", err)
	}
	if a.LocalPort == b.LocalPort {
		t.Fatalf("expected distinct ports, got %d and %d", a.LocalPort, b.LocalPort)
	}
	c := mgr.Create()
	if err := mgr.Bind(c, nil, 0); err == nil {
		t.Fatal("expected exhaustion of the 2-port dynamic range")
	}
}

func TestInputDeliversToMatchingSocket(t *testing.T) {
	stack, nif, driver, pool := newStack(t)
	mgr := udp.NewManager(engine.Default(), stack, pool)
	stack.UDP = mgr.Input

	sock := mgr.Create()
	if err := mgr.Bind(sock, nil, 9000); err != nil {
		t.Fatalf("bind: %v", err)
	}

	peer := mgr.Create()
	if err := mgr.Bind(peer, nil, 7000); err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	if err := mgr.SendTo(peer, nif.IP, 9000, []byte("hi")); err != nil {
		t.Fatalf("sendto: %v", err)
	}
	// The fake driver only records what is sent; hand the datagram back in.
	if len(driver.sent) != 1 {
		t.Fatalf("got %d frames, want 1", len(driver.sent))
	}
	stack.Input(nif, driver.sent[0])

	dgram, ok := sock.RecvFrom()
	if !ok {
		t.Fatal("expected a queued datagram")
	}
	if string(dgram.Payload) != "hi" {
		t.Fatalf("payload = %q, want %q", dgram.Payload, "hi")
	}
	if dgram.SrcPort != 7000 {
		t.Fatalf("src port = %d, want 7000", dgram.SrcPort)
	}
}

func TestInputNoSocketTriggersUnreachable(t *testing.T) {
	stack, nif, driver, pool := newStack(t)
	mgr := udp.NewManager(engine.Default(), stack, pool)
	stack.UDP = mgr.Input

	var gotCode bool
	mgr.Unreachable = func(_ *netif.Netif, _ ipv4.Header, _ []byte) {
		gotCode = true
	}

	sock := mgr.Create()
	if err := mgr.Bind(sock, nil, 6000); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := mgr.SendTo(sock, nif.IP, 9999, []byte("x")); err != nil {
		t.Fatalf("sendto: %v", err)
	}
	// The fake driver only records what is sent; hand the datagram back in.
	if len(driver.sent) != 1 {
		t.Fatalf("got %d frames, want 1", len(driver.sent))
	}
	stack.Input(nif, driver.sent[0])
	if !gotCode {
		t.Fatal("expected Unreachable callback on no matching socket")
	}
}
