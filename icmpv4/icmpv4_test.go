package icmpv4_test

import (
	"net"
	"testing"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/icmpv4"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

type fakeDriver struct{ sent []*pktbuf.Buf }

func (f *fakeDriver) Open() error  { return nil }
func (f *fakeDriver) Close() error { return nil }
func (f *fakeDriver) Xmit(buf *pktbuf.Buf) error {
	f.sent = append(f.sent, buf)
	return nil
}

func TestEchoReply(t *testing.T) {
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
	handler := &icmpv4.Handler{Stack: stack}
	stack.ICMP = handler.Input

	req, _ := pool.Alloc(8 + 4) // header + 4 bytes payload
	req.ResetAcc()
	req.Write([]byte{icmpv4.TypeEchoRequest, 0, 0, 0, 0, 1, 0, 2, 'p', 'i', 'n', 'g'}, 12)
	ih := ipv4.Header{TTL: 64, Protocol: ipv4.ProtoICMP, Src: net.IPv4(10, 0, 0, 9).To4(), Dst: nif.IP}
	if err := ipv4.Encode(req, ih); err != nil {
		t.Fatalf("encode: %v", err)
	}

	stack.Input(nif, req)

	if len(driver.sent) != 1 {
		t.Fatalf("got %d replies, want 1", len(driver.sent))
	}
	reply := driver.sent[0]
	rh, err := ipv4.Decode(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !rh.Src.Equal(nif.IP) || !rh.Dst.Equal(ih.Src) {
		t.Fatalf("reply addressing wrong: %+v", rh)
	}
	raw := make([]byte, 12)
	reply.Read(raw, 12)
	if raw[0] != icmpv4.TypeEchoReply {
		t.Fatalf("reply type = %d, want %d", raw[0], icmpv4.TypeEchoReply)
	}
	if string(raw[8:12]) != "ping" {
		t.Fatalf("reply payload = %q, want ping", raw[8:12])
	}
}
