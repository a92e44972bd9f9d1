// Package arp implements the ARP resolver: wire encode/decode, the
// cache/LRU eviction policy, and the per-entry WAITING/RESOLVED state
// machine driven by the timer subsystem.
package arp

import (
	"container/list"
	"encoding/binary"
	"log"
	"net"

	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ether"
	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// Wire constants, RFC 826 Ethernet/IPv4 variant.
const (
	HWTypeEthernet uint16 = 1
	ProtoTypeIPv4  uint16 = 0x0800
	HWLen          uint8  = 6
	ProtoLen       uint8  = 4

	OpRequest uint16 = 1
	OpReply   uint16 = 2

	PacketLen = 28
)

// State is an ARP cache entry's lifecycle state.
type State int

const (
	Free State = iota
	Waiting
	Resolved
)

// Entry is one ARP cache slot, matching the {protocol address, hardware
// address, owning interface, state, ttl_ticks, retry_count, pending list}
// tuple from the data model.
type Entry struct {
	IP      net.IP
	HW      net.HardwareAddr
	Nif     *netif.Netif
	State   State
	TTL     int64
	Retries int
	Pending *fixq.Queue

	elem      *list.Element
	handle    timer.Handle
	cancelled bool
}

// Cache is the LRU-ordered ARP table plus its driving timer wheel. It is
// owned by the single dispatcher goroutine and carries no internal lock.
type Cache struct {
	cfg      *engine.Config
	lru      *list.List // front = most recently used
	index    map[string]*list.Element
	wheel    *timer.Wheel
	sendReq  func(nif *netif.Netif, target net.IP)
}

func key(nif *netif.Netif, ip net.IP) string {
	return nif.Name + "|" + ip.String()
}

// NewCache constructs an ARP cache driven by wheel, emitting requests via
// sendReq (typically Request wired to ether.RawOut with the broadcast MAC).
func NewCache(cfg *engine.Config, wheel *timer.Wheel, sendReq func(nif *netif.Netif, target net.IP)) *Cache {
	return &Cache{
		cfg:     cfg,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		wheel:   wheel,
		sendReq: sendReq,
	}
}

func (c *Cache) promote(e *list.Element) {
	c.lru.MoveToFront(e)
}

func (c *Cache) pendingTicks() int64 {
	return int64(c.cfg.ARPPendingTTL.Seconds())
}

func (c *Cache) stableTicks() int64 {
	return int64(c.cfg.ARPStableTTL.Seconds())
}

// lookup returns the entry for (nif, ip), promoting it to LRU-front.
func (c *Cache) lookup(nif *netif.Netif, ip net.IP) *Entry {
	el, ok := c.index[key(nif, ip)]
	if !ok {
		return nil
	}
	c.promote(el)
	return el.Value.(*Entry)
}

// evictOldest reclaims the LRU tail entry for reuse.
func (c *Cache) evictOldest() *Entry {
	back := c.lru.Back()
	if back == nil {
		return nil
	}
	e := back.Value.(*Entry)
	c.removeEntry(e)
	return e
}

func (c *Cache) removeEntry(e *Entry) {
	if !e.cancelled {
		c.wheel.Cancel(e.handle)
		e.cancelled = true
	}
	delete(c.index, key(e.Nif, e.IP))
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
	if e.Pending != nil {
		for {
			if _, ok := e.Pending.Pop(); !ok {
				break
			}
		}
	}
}

func (c *Cache) insertNew(nif *netif.Netif, ip net.IP) *Entry {
	if c.lru.Len() >= c.cfg.ARPEntries {
		c.evictOldest()
	}
	e := &Entry{
		IP:      append(net.IP(nil), ip...),
		Nif:     nif,
		State:   Waiting,
		TTL:     c.pendingTicks(),
		Retries: c.cfg.ARPPendingRetries,
		Pending: fixq.New(c.cfg.ARPPendingQueueLen),
	}
	e.elem = c.lru.PushFront(e)
	c.index[key(nif, ip)] = e.elem
	e.handle = c.wheel.Add(c.pendingTicks(), false, c.onExpire, e)
	return e
}

func (c *Cache) onExpire(arg interface{}) {
	e := arg.(*Entry)
	e.cancelled = true // the firing handle is already consumed by the wheel
	switch e.State {
	case Waiting:
		if e.Retries > 0 {
			e.Retries--
			e.TTL = c.pendingTicks()
			e.cancelled = false
			e.handle = c.wheel.Add(c.pendingTicks(), false, c.onExpire, e)
			metrics.ARPRetries.Inc()
			c.sendReq(e.Nif, e.IP)
			return
		}
		metrics.ARPTimeouts.Inc()
		c.removeEntry(e)
	case Resolved:
		e.State = Waiting
		e.Retries = c.cfg.ARPPendingRetries
		e.TTL = c.pendingTicks()
		e.cancelled = false
		e.handle = c.wheel.Add(c.pendingTicks(), false, c.onExpire, e)
		c.sendReq(e.Nif, e.IP)
	}
}

// Resolve looks up the cache: RESOLVED emits immediately via ether.RawOut, WAITING
// queues buf (dropping it if the pending list is full), and a miss
// allocates a fresh WAITING entry, queues buf, and broadcasts a request.
func (c *Cache) Resolve(nif *netif.Netif, target net.IP, buf *pktbuf.Buf) error {
	e := c.lookup(nif, target)
	if e == nil {
		e = c.insertNew(nif, target)
		if err := e.Pending.Push(buf); err != nil {
			metrics.ARPQueueDrops.Inc()
		}
		c.sendReq(nif, target)
		return nil
	}
	switch e.State {
	case Resolved:
		return ether.RawOut(nif, ether.TypeIPv4, e.HW, buf)
	case Waiting:
		if err := e.Pending.Push(buf); err != nil {
			metrics.ARPQueueDrops.Inc()
		}
		return nil
	}
	return neterr.ErrState
}

// Find returns the broadcast MAC for limited/directed broadcast targets, or
// the cached MAC iff the entry is RESOLVED, or nil otherwise.
func (c *Cache) Find(nif *netif.Netif, ip net.IP) net.HardwareAddr {
	if ip.Equal(net.IPv4bcast) || ip.Equal(nif.Broadcast()) {
		return ether.Broadcast()
	}
	e := c.lookup(nif, ip)
	if e == nil || e.State != Resolved {
		return nil
	}
	return e.HW
}

// packet is the 28-byte ARP payload.
type packet struct {
	hwType, protoType uint16
	hwLen, protoLen   uint8
	op                uint16
	senderHW          net.HardwareAddr
	senderIP          net.IP
	targetHW          net.HardwareAddr
	targetIP          net.IP
}

func decode(buf *pktbuf.Buf) (packet, error) {
	if buf.TotalSize() < PacketLen {
		return packet{}, neterr.ErrFormat
	}
	raw := make([]byte, PacketLen)
	buf.ResetAcc()
	buf.Read(raw, PacketLen)
	p := packet{
		hwType:    binary.BigEndian.Uint16(raw[0:2]),
		protoType: binary.BigEndian.Uint16(raw[2:4]),
		hwLen:     raw[4],
		protoLen:  raw[5],
		op:        binary.BigEndian.Uint16(raw[6:8]),
		senderHW:  net.HardwareAddr(append([]byte(nil), raw[8:14]...)),
		senderIP:  net.IP(append([]byte(nil), raw[14:18]...)),
		targetHW:  net.HardwareAddr(append([]byte(nil), raw[18:24]...)),
		targetIP:  net.IP(append([]byte(nil), raw[24:28]...)),
	}
	return p, nil
}

func encode(p packet) []byte {
	raw := make([]byte, PacketLen)
	binary.BigEndian.PutUint16(raw[0:2], p.hwType)
	binary.BigEndian.PutUint16(raw[2:4], p.protoType)
	raw[4] = p.hwLen
	raw[5] = p.protoLen
	binary.BigEndian.PutUint16(raw[6:8], p.op)
	copy(raw[8:14], p.senderHW)
	copy(raw[14:18], p.senderIP.To4())
	copy(raw[18:24], p.targetHW)
	copy(raw[24:28], p.targetIP.To4())
	return raw
}

// Request broadcasts an ARP request for target on nif.
func Request(nif *netif.Netif, target net.IP) error {
	p := packet{
		hwType: HWTypeEthernet, protoType: ProtoTypeIPv4,
		hwLen: HWLen, protoLen: ProtoLen,
		op:       OpRequest,
		senderHW: nif.HWAddr, senderIP: nif.IP,
		targetHW: make(net.HardwareAddr, 6), targetIP: target,
	}
	raw := encode(p)
	pool := poolFor(nif)
	buf, err := pool.Alloc(len(raw))
	if err != nil {
		return err
	}
	buf.ResetAcc()
	buf.Write(raw, len(raw))
	buf.ResetAcc()
	return ether.RawOut(nif, ether.TypeARP, ether.Broadcast(), buf)
}

// poolOverride lets tests and the dispatcher supply the pktbuf pool backing
// ARP packet construction; defaults to a small pool if unset.
var poolOverride *pktbuf.Pool

// SetPool installs the pktbuf.Pool used to build ARP request/reply frames.
func SetPool(p *pktbuf.Pool) { poolOverride = p }

func poolFor(nif *netif.Netif) *pktbuf.Pool {
	if poolOverride != nil {
		return poolOverride
	}
	return pktbuf.NewPool(64, 4)
}

// Input validates and processes an inbound ARP frame: a force-insert
// ("unicast-to-me, safely learn") on a request or reply targeted at us, a
// REPLY sent by mutating the received frame's addresses if it was a
// request, or a non-forcing update (only if a free slot exists) when the
// target isn't ours.
func (c *Cache) Input(nif *netif.Netif, buf *pktbuf.Buf) error {
	defer poolFor(nif).Free(buf)
	p, err := decode(buf)
	if err != nil {
		return err
	}
	if p.hwLen != HWLen || p.protoLen != ProtoLen {
		return neterr.ErrFormat
	}
	if p.op != OpRequest && p.op != OpReply {
		return neterr.ErrFormat
	}
	forUs := nif.IP != nil && p.targetIP.Equal(nif.IP)
	if forUs {
		c.insertForce(nif, p.senderIP, p.senderHW)
		if p.op == OpRequest {
			reply := packet{
				hwType: HWTypeEthernet, protoType: ProtoTypeIPv4,
				hwLen: HWLen, protoLen: ProtoLen,
				op:       OpReply,
				senderHW: nif.HWAddr, senderIP: nif.IP,
				targetHW: p.senderHW, targetIP: p.senderIP,
			}
			raw := encode(reply)
			out, err := poolFor(nif).Alloc(len(raw))
			if err != nil {
				return err
			}
			out.ResetAcc()
			out.Write(raw, len(raw))
			out.ResetAcc()
			return ether.RawOut(nif, ether.TypeARP, p.senderHW, out)
		}
		return nil
	}
	c.insertOpportunistic(nif, p.senderIP, p.senderHW)
	return nil
}

// insertForce replaces any prior entry for ip unconditionally and resolves
// any buffers queued while it was WAITING.
func (c *Cache) insertForce(nif *netif.Netif, ip net.IP, hw net.HardwareAddr) {
	e := c.lookup(nif, ip)
	if e == nil {
		if c.lru.Len() >= c.cfg.ARPEntries {
			c.evictOldest()
		}
		e = &Entry{IP: append(net.IP(nil), ip...), Nif: nif, Pending: fixq.New(c.cfg.ARPPendingQueueLen)}
		e.elem = c.lru.PushFront(e)
		c.index[key(nif, ip)] = e.elem
	} else if !e.cancelled {
		c.wheel.Cancel(e.handle)
	}
	e.HW = append(net.HardwareAddr(nil), hw...)
	e.State = Resolved
	e.TTL = c.stableTicks()
	e.handle = c.wheel.Add(c.stableTicks(), false, c.onExpire, e)
	e.cancelled = false
	c.flushPending(nif, e)
}

// insertOpportunistic updates the entry for ip if one exists, or adds a new
// RESOLVED entry only while the cache has a free slot; unlike insertForce it
// never evicts.
func (c *Cache) insertOpportunistic(nif *netif.Netif, ip net.IP, hw net.HardwareAddr) {
	e := c.lookup(nif, ip)
	if e == nil {
		if c.lru.Len() >= c.cfg.ARPEntries {
			return
		}
		e = &Entry{IP: append(net.IP(nil), ip...), Nif: nif, Pending: fixq.New(c.cfg.ARPPendingQueueLen)}
		e.elem = c.lru.PushFront(e)
		c.index[key(nif, ip)] = e.elem
	} else if !e.cancelled {
		c.wheel.Cancel(e.handle)
	}
	e.HW = append(net.HardwareAddr(nil), hw...)
	e.State = Resolved
	e.TTL = c.stableTicks()
	e.handle = c.wheel.Add(c.stableTicks(), false, c.onExpire, e)
	e.cancelled = false
	c.flushPending(nif, e)
}

func (c *Cache) flushPending(nif *netif.Netif, e *Entry) {
	for {
		v, ok := e.Pending.Pop()
		if !ok {
			break
		}
		buf := v.(*pktbuf.Buf)
		if err := ether.RawOut(nif, ether.TypeIPv4, e.HW, buf); err != nil {
			log.Println("arp: flush pending failed:", err)
		}
	}
}

// Len reports the number of cache entries currently in use.
func (c *Cache) Len() int { return c.lru.Len() }

// UpdateFromIPBuf satisfies ether.Resolver. This cache only learns mappings
// from actual ARP traffic (Input's insertForce/insertOpportunistic):
// ether.Dispatcher.Input discards the sender's hardware address once it
// strips the Ethernet header, so an IPv4 payload alone carries nothing to
// snoop a MAC address from.
func (c *Cache) UpdateFromIPBuf(nif *netif.Netif, buf *pktbuf.Buf) {}
