package ipv4

import (
	"container/list"
	"net"
	"sync"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// fragment is one received fragment kept in a reassembly context.
type fragment struct {
	offset int // byte offset within the reassembled datagram
	more   bool
	buf    *pktbuf.Buf // includes the (20-byte) IP header
	dataLen int
}

func (f *fragment) end() int { return f.offset + f.dataLen }

// reassemblyKey identifies a reassembly context.
type reassemblyKey struct {
	src net.IP
	id  uint16
}

// Context is an in-progress reassembly: {source IP, identifier, timeout,
// ordered fragment list}.
type Context struct {
	key      reassemblyKey
	frags    *list.List // ascending by offset, *fragment values
	bufCount int
	handle   timer.Handle
	elem     *list.Element
}

// Reassembler tracks in-flight reassembly contexts, bounded by
// IPFragMaxCtx contexts and IPFragMaxBufNr fragments per context.
type Reassembler struct {
	mu    sync.Mutex
	cfg   *engine.Config
	wheel *timer.Wheel
	index map[reassemblyKey]*Context
	order *list.List // LRU-ish allocation order, for eviction under pressure
	pool  *pktbuf.Pool
}

// NewReassembler constructs a Reassembler. Insert returns the rejoined
// datagram buffer (the first fragment's IP header kept in front, rewritten
// to describe the whole datagram) once a
// context completes; the caller is expected to route that buffer through
// the normal IPv4 input path again.
func NewReassembler(cfg *engine.Config, wheel *timer.Wheel, pool *pktbuf.Pool) *Reassembler {
	return &Reassembler{
		cfg:   cfg,
		wheel: wheel,
		index: make(map[reassemblyKey]*Context),
		order: list.New(),
		pool:  pool,
	}
}

func (r *Reassembler) timeoutTicks() int64 {
	return int64(r.cfg.IPFragTimeout.Seconds())
}

func (r *Reassembler) evictOldest() {
	back := r.order.Back()
	if back == nil {
		return
	}
	ctx := back.Value.(*Context)
	r.free(ctx)
}

func (r *Reassembler) free(ctx *Context) {
	r.wheel.Cancel(ctx.handle)
	for e := ctx.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		r.pool.Free(f.buf)
	}
	delete(r.index, ctx.key)
	r.order.Remove(ctx.elem)
	metrics.ReassemblyContexts.Set(float64(len(r.index)))
}

func (r *Reassembler) onTimeout(arg interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := arg.(*Context)
	if _, ok := r.index[ctx.key]; !ok {
		return // already completed/freed
	}
	metrics.ReassemblyTimeouts.Inc()
	r.free(ctx)
}

// Insert adds a fragment (h describes its IP header, buf is the full
// datagram including that header) to the appropriate context, creating one
// if needed. Returns the reassembled buffer if this fragment completed the
// datagram (caller must route it), or nil if still incomplete.
func (r *Reassembler) Insert(h Header, buf *pktbuf.Buf) (*pktbuf.Buf, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reassemblyKey{src: append(net.IP(nil), h.Src...), id: h.ID}
	ctx, ok := r.index[key]
	if !ok {
		if len(r.index) >= r.cfg.IPFragMaxCtx {
			r.evictOldest()
		}
		ctx = &Context{key: key, frags: list.New()}
		ctx.handle = r.wheel.Add(r.timeoutTicks(), false, r.onTimeout, ctx)
		ctx.elem = r.order.PushFront(ctx)
		r.index[key] = ctx
		metrics.ReassemblyContexts.Set(float64(len(r.index)))
	}

	dataLen := buf.TotalSize() - h.IHL()
	f := &fragment{offset: h.ByteOffset(), more: h.MoreFragments(), buf: buf, dataLen: dataLen}

	if ctx.bufCount >= r.cfg.IPFragMaxBufNr {
		r.pool.Free(buf)
		return nil, neterr.ErrNoBuf
	}

	inserted := false
	for e := ctx.frags.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*fragment)
		if cur.offset == f.offset {
			// Duplicate start offset: drop silently.
			r.pool.Free(buf)
			return nil, nil
		}
		if f.end() <= cur.offset {
			ctx.frags.InsertBefore(f, e)
			inserted = true
			break
		}
	}
	if !inserted {
		ctx.frags.PushBack(f)
	}
	ctx.bufCount++

	if !r.isComplete(ctx) {
		return nil, nil
	}

	complete := r.join(ctx)
	// complete is the first fragment's Buf; take it off the list so free
	// doesn't release it back to the pool.
	ctx.frags.Remove(ctx.frags.Front())
	r.free(ctx)
	return complete, nil
}

// isComplete walks the list checking offsets cover [0, last.end) with no
// gaps and the last fragment clears MORE.
func (r *Reassembler) isComplete(ctx *Context) bool {
	expect := 0
	var last *fragment
	for e := ctx.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		if f.offset != expect {
			return false
		}
		expect = f.end()
		last = f
	}
	return last != nil && !last.more
}

// join drops each fragment's IP header except the first's and concatenates
// the remaining buffers into one, via pktbuf.Join. The kept header is then
// rewritten to describe the whole datagram: total length set to the joined
// size, flags/offset cleared, checksum recomputed.
func (r *Reassembler) join(ctx *Context) *pktbuf.Buf {
	var out *pktbuf.Buf
	for e := ctx.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		if out == nil {
			out = f.buf
			continue
		}
		f.buf.Seek(HeaderLen)
		f.buf.RemoveHeader(HeaderLen)
		out.Join(f.buf)
	}
	hdr := make([]byte, HeaderLen)
	out.ResetAcc()
	out.Read(hdr, HeaderLen)
	total := out.TotalSize()
	hdr[2], hdr[3] = byte(total>>8), byte(total)
	hdr[6], hdr[7], hdr[10], hdr[11] = 0, 0, 0, 0
	out.ResetAcc()
	out.Write(hdr, HeaderLen)
	out.ResetAcc()
	sum := out.Checksum16(HeaderLen, 0, true)
	hdr[10], hdr[11] = byte(sum>>8), byte(sum)
	out.ResetAcc()
	out.Write(hdr, HeaderLen)
	out.ResetAcc()
	return out
}

// Len reports the number of live reassembly contexts.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}
