package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/timer"
)

func TestPostFrameRunsOnDispatcherGoroutine(t *testing.T) {
	pool := pktbuf.NewPool(256, 4)
	var mu sync.Mutex
	var got *pktbuf.Buf

	d := dispatch.New(func(nif *netif.Netif, buf *pktbuf.Buf) {
		mu.Lock()
		got = buf
		mu.Unlock()
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	buf, err := pool.Alloc(10)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	d.PostFrame(nil, buf)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != buf {
		t.Fatal("expected the posted frame to reach input on the dispatcher goroutine")
	}
}

func TestCallBlocksUntilDone(t *testing.T) {
	d := dispatch.New(func(*netif.Netif, *pktbuf.Buf) {}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	ran := false
	d.Call(func() { ran = true })
	if !ran {
		t.Fatal("expected Call to run its function before returning")
	}
}

func TestSecondWheelTicksOnSchedule(t *testing.T) {
	wheel := timer.New()
	fired := make(chan struct{}, 1)
	wheel.Add(1, false, func(interface{}) { fired <- struct{}{} }, nil)

	d := dispatch.New(func(*netif.Netif, *pktbuf.Buf) {}, wheel, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the second-granularity wheel to tick and fire the timer")
	}
}
