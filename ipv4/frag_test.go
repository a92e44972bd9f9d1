package ipv4_test

import (
	"net"
	"testing"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// fakeDriver records every buffer handed to Xmit.
type fakeDriver struct {
	sent []*pktbuf.Buf
}

func (f *fakeDriver) Open() error  { return nil }
func (f *fakeDriver) Close() error { return nil }
func (f *fakeDriver) Xmit(buf *pktbuf.Buf) error {
	f.sent = append(f.sent, buf)
	return nil
}

// TestFragmentationS2 reproduces spec scenario S2: a 1200-byte ICMP echo
// sent over an MTU-576 interface fragments into payload sizes 552/552/96,
// offsets 0/69/138 (8-byte units), MORE=1/1/0, sharing one id.
func TestFragmentationS2(t *testing.T) {
	pool := pktbuf.NewPool(1600, 32)
	table := ipv4.NewTable()
	nif := netif.New("eth0", net.HardwareAddr{2, 0, 0, 0, 0, 2}, 576, 8)
	nif.IP = net.IPv4(10, 0, 0, 2).To4()
	nif.Mask = net.CIDRMask(24, 32)
	driver := &fakeDriver{}
	nif.Driver = driver
	table.ActivateNetif(nif)
	table.Add(&ipv4.Route{Net: net.IPv4(10, 0, 0, 0).To4(), Mask: net.CIDRMask(24, 32), Nif: nif})

	stack := &ipv4.Stack{Routes: table, Pool: pool}
	wheel := timer.New()
	stack.Reassembler = ipv4.NewReassembler(engine.Default(), wheel, pool)

	payload, err := pool.Alloc(1200)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	payload.ResetAcc()
	payload.Fill(0x42, 1200)

	if err := stack.Output(net.IPv4(10, 0, 0, 9), ipv4.ProtoICMP, 64, payload); err != nil {
		t.Fatalf("output: %v", err)
	}

	if len(driver.sent) != 3 {
		t.Fatalf("got %d fragments, want 3", len(driver.sent))
	}

	wantSizes := []int{552, 552, 96}
	wantOffsets := []uint16{0, 69, 138}
	wantMore := []bool{true, true, false}
	var id uint16
	for i, buf := range driver.sent {
		h, err := ipv4.Decode(buf)
		if err != nil {
			t.Fatalf("fragment %d decode: %v", i, err)
		}
		if i == 0 {
			id = h.ID
		} else if h.ID != id {
			t.Fatalf("fragment %d id %d != %d", i, h.ID, id)
		}
		gotPayload := buf.TotalSize() - ipv4.HeaderLen
		if gotPayload != wantSizes[i] {
			t.Fatalf("fragment %d payload size = %d, want %d", i, gotPayload, wantSizes[i])
		}
		if h.FragOffset() != wantOffsets[i] {
			t.Fatalf("fragment %d offset = %d, want %d", i, h.FragOffset(), wantOffsets[i])
		}
		if h.MoreFragments() != wantMore[i] {
			t.Fatalf("fragment %d MORE = %v, want %v", i, h.MoreFragments(), wantMore[i])
		}
	}
}

// TestReassemblyRoundTrip feeds the three S2 fragments back through the
// reassembler out of a peer's perspective and checks the result is the
// original 1200-byte payload.
func TestReassemblyRoundTrip(t *testing.T) {
	pool := pktbuf.NewPool(1600, 32)
	wheel := timer.New()
	var completed *pktbuf.Buf
	r := ipv4.NewReassembler(engine.Default(), wheel, pool)

	makeFrag := func(offset8 uint16, more bool, size int, id uint16) (ipv4.Header, *pktbuf.Buf) {
		buf, _ := pool.Alloc(size)
		buf.ResetAcc()
		buf.Fill(byte(offset8), size)
		flags := offset8
		if more {
			flags |= 0x2000
		}
		h := ipv4.Header{ID: id, FlagsFrag: flags, TTL: 64, Protocol: ipv4.ProtoICMP,
			Src: net.IPv4(10, 0, 0, 9).To4(), Dst: net.IPv4(10, 0, 0, 2).To4()}
		if err := ipv4.Encode(buf, h); err != nil {
			t.Fatalf("encode: %v", err)
		}
		dh, err := ipv4.Decode(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return dh, buf
	}

	h1, b1 := makeFrag(0, true, 552, 99)
	h2, b2 := makeFrag(69, true, 552, 99)
	h3, b3 := makeFrag(138, false, 96, 99)

	for _, pair := range []struct {
		h ipv4.Header
		b *pktbuf.Buf
	}{{h1, b1}, {h2, b2}, {h3, b3}} {
		out, err := r.Insert(pair.h, pair.b)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if out != nil {
			completed = out
		}
	}

	if completed == nil {
		t.Fatal("reassembly never completed")
	}
	// The reassembled buffer keeps the first fragment's IP header in front
	// of the 1200 payload bytes.
	if completed.TotalSize() != ipv4.HeaderLen+1200 {
		t.Fatalf("reassembled size = %d, want %d", completed.TotalSize(), ipv4.HeaderLen+1200)
	}
}

func TestDuplicateFragmentDropped(t *testing.T) {
	pool := pktbuf.NewPool(1600, 32)
	wheel := timer.New()
	r := ipv4.NewReassembler(engine.Default(), wheel, pool)

	mk := func(offset8 uint16, more bool, size int) (ipv4.Header, *pktbuf.Buf) {
		buf, _ := pool.Alloc(size)
		flags := offset8
		if more {
			flags |= 0x2000
		}
		h := ipv4.Header{ID: 5, FlagsFrag: flags, Protocol: ipv4.ProtoUDP,
			Src: net.IPv4(1, 1, 1, 1).To4(), Dst: net.IPv4(2, 2, 2, 2).To4()}
		ipv4.Encode(buf, h)
		dh, _ := ipv4.Decode(buf)
		return dh, buf
	}

	h, b := mk(0, true, 100)
	if _, err := r.Insert(h, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	h2, b2 := mk(0, true, 100) // duplicate start offset
	out, err := r.Insert(h2, b2)
	if err != nil {
		t.Fatalf("insert dup: %v", err)
	}
	if out != nil {
		t.Fatal("duplicate fragment should not complete reassembly")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 context, got %d", r.Len())
	}
}
