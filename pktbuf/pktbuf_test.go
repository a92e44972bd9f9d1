package pktbuf_test

import (
	"testing"

	"github.com/m-lab/netstack/pktbuf"
)

func TestAllocTotalSize(t *testing.T) {
	p := pktbuf.NewPool(128, 16)
	buf, err := p.Alloc(300)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if buf.TotalSize() != 300 {
		t.Fatalf("total size = %d, want 300", buf.TotalSize())
	}
}

func TestAddRemoveHeaderRoundTrip(t *testing.T) {
	p := pktbuf.NewPool(128, 16)
	buf, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := buf.AddHeader(20, false); err != nil {
		t.Fatalf("add header: %v", err)
	}
	if buf.TotalSize() != 120 {
		t.Fatalf("total size after add = %d, want 120", buf.TotalSize())
	}
	if err := buf.RemoveHeader(20); err != nil {
		t.Fatalf("remove header: %v", err)
	}
	if buf.TotalSize() != 100 {
		t.Fatalf("total size after round-trip = %d, want 100", buf.TotalSize())
	}
}

func TestAddHeaderContiguousTooLarge(t *testing.T) {
	p := pktbuf.NewPool(64, 16)
	buf, _ := p.Alloc(10)
	if err := buf.AddHeader(128, true); err == nil {
		t.Fatal("expected error for oversized contiguous header")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := pktbuf.NewPool(16, 16) // small blocks to force chaining
	buf, err := p.Alloc(40)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	src := make([]byte, 40)
	for i := range src {
		src[i] = byte(i)
	}
	buf.ResetAcc()
	if n := buf.Write(src, 40); n != 40 {
		t.Fatalf("write returned %d, want 40", n)
	}
	buf.ResetAcc()
	dst := make([]byte, 40)
	if n := buf.Read(dst, 40); n != 40 {
		t.Fatalf("read returned %d, want 40", n)
	}
	for i := range src {
		if src[i] != dst[i] {
			t.Fatalf("byte %d mismatch: %d != %d", i, src[i], dst[i])
		}
	}
}

func TestChecksumIndependentOfBlockLayout(t *testing.T) {
	data := make([]byte, 37)
	for i := range data {
		data[i] = byte(i * 7)
	}

	poolSmall := pktbuf.NewPool(8, 32)
	bufSmall, _ := poolSmall.Alloc(len(data))
	bufSmall.ResetAcc()
	bufSmall.Write(data, len(data))
	bufSmall.ResetAcc()
	sumSmall := bufSmall.Checksum16(len(data), 0, true)

	poolBig := pktbuf.NewPool(128, 32)
	bufBig, _ := poolBig.Alloc(len(data))
	bufBig.ResetAcc()
	bufBig.Write(data, len(data))
	bufBig.ResetAcc()
	sumBig := bufBig.Checksum16(len(data), 0, true)

	if sumSmall != sumBig {
		t.Fatalf("checksum differs across block layouts: %x != %x", sumSmall, sumBig)
	}
}

func TestResizeShrinkAndGrow(t *testing.T) {
	p := pktbuf.NewPool(32, 16)
	buf, _ := p.Alloc(80)
	if err := buf.Resize(40); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if buf.TotalSize() != 40 {
		t.Fatalf("total size after shrink = %d, want 40", buf.TotalSize())
	}
	if err := buf.Resize(100); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if buf.TotalSize() != 100 {
		t.Fatalf("total size after grow = %d, want 100", buf.TotalSize())
	}
}

func TestJoinTransfersOwnership(t *testing.T) {
	p := pktbuf.NewPool(32, 16)
	a, _ := p.Alloc(20)
	b, _ := p.Alloc(30)
	if err := a.Join(b); err != nil {
		t.Fatalf("join: %v", err)
	}
	if a.TotalSize() != 50 {
		t.Fatalf("joined size = %d, want 50", a.TotalSize())
	}
	if b.TotalSize() != 0 {
		t.Fatalf("src not emptied after join: %d", b.TotalSize())
	}
}

func TestFreeReleasesOnZeroRefCount(t *testing.T) {
	p := pktbuf.NewPool(32, 4)
	buf, err := p.Alloc(32)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.IncRef(buf)
	p.Free(buf)
	if buf.TotalSize() == 0 {
		t.Fatal("buf freed before refcount reached zero")
	}
	p.Free(buf)
	if buf.TotalSize() != 0 {
		t.Fatal("buf not released at refcount zero")
	}
	// Pool should be able to satisfy another allocation of the same size.
	if _, err := p.Alloc(32); err != nil {
		t.Fatalf("pool exhausted after free: %v", err)
	}
}
