// Package dispatch implements the engine's single dispatcher goroutine: one
// unified work queue draining driver-delivered frames, serialized API calls,
// and expired timers — a single goroutine draining one unified work queue
// of driver events, API calls, and expired timer callbacks. Every other
// package in this engine (arp, ipv4, udp, tcp) is written to be called only
// from this goroutine, carrying no internal locking of its own beyond what
// a single-threaded caller needs.
//
// The dispatch loop itself is a context-cancellable loop built around
// time.Ticker and a select, the same shape a periodic kernel-socket poller
// would use, generalized here from "poll on a fixed tick" into "drain
// whichever event source is ready first".
package dispatch

import (
	"context"
	"time"

	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

// frameEvent is a driver-delivered link-layer frame awaiting ether/arp/ipv4
// processing.
type frameEvent struct {
	nif *netif.Netif
	buf *pktbuf.Buf
}

// callEvent is an application-level API call (socket create/bind/send/...)
// that must run on the dispatcher goroutine to stay race-free with the
// protocol state it touches.
type callEvent struct {
	fn   func()
	done chan struct{}
}

// Dispatcher owns the unified event queue and the timer wheels it ticks.
// Second backs ARP-entry expiry and IPv4 reassembly timeouts (1-second
// ticks); TCP backs retransmission/2MSL/keepalive timers (100ms ticks,
// see tcp/output.go's tcpTickMillis).
type Dispatcher struct {
	queue  chan interface{}
	input  func(nif *netif.Netif, buf *pktbuf.Buf)
	Second *timer.Wheel
	TCP    *timer.Wheel
}

// New constructs a Dispatcher. input is the entry point frames are handed
// to once dequeued — typically a wrapper around ether.Dispatcher.Input (the
// Ethernet/ARP/IPv4 demux), or ipv4.Stack.Input directly when frames carry
// no Ethernet header. secondWheel and tcpWheel
// may be nil if that timer domain isn't in use.
func New(input func(nif *netif.Netif, buf *pktbuf.Buf), secondWheel, tcpWheel *timer.Wheel) *Dispatcher {
	return &Dispatcher{
		queue:  make(chan interface{}, 256),
		input:  input,
		Second: secondWheel,
		TCP:    tcpWheel,
	}
}

// PostFrame enqueues an inbound frame for processing on the dispatcher
// goroutine. Safe to call from any goroutine (typically the driver's own
// read loop).
func (d *Dispatcher) PostFrame(nif *netif.Netif, buf *pktbuf.Buf) {
	d.queue <- frameEvent{nif: nif, buf: buf}
}

// Call runs fn on the dispatcher goroutine and blocks until it returns,
// giving the socket API layer a way to serialize calls against in-flight
// protocol processing without its own locks.
func (d *Dispatcher) Call(fn func()) {
	done := make(chan struct{})
	d.queue <- callEvent{fn: fn, done: done}
	<-done
}

// Run drains the event queue and ticks the timer wheels until ctx is
// cancelled. It must run on its own goroutine and is the only goroutine
// that may call into the protocol packages this engine wires beneath it.
func (d *Dispatcher) Run(ctx context.Context) {
	var secondC, tcpC <-chan time.Time
	if d.Second != nil {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		secondC = t.C
	}
	if d.TCP != nil {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		tcpC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			switch e := ev.(type) {
			case frameEvent:
				d.input(e.nif, e.buf)
			case callEvent:
				e.fn()
				close(e.done)
			}
		case <-secondC:
			d.Second.Tick()
		case <-tcpC:
			d.TCP.Tick()
		}
	}
}
