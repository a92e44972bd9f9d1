package cache_test

import (
	"testing"

	"github.com/m-lab/netstack/cache"
	"github.com/m-lab/netstack/tcp"
)

func fakeStats(localPort uint16) tcp.Stats {
	return tcp.Stats{LocalAddr: "10.0.0.1", LocalPort: localPort, RemoteAddr: "10.0.0.2"}
}

func TestUpdate(t *testing.T) {
	c := cache.NewCache()
	if _, ok := c.Update("conn-1234", fakeStats(1234)); ok {
		t.Error("should have no previous-round entry yet")
	}
	if _, ok := c.Update("conn-4321", fakeStats(4321)); ok {
		t.Error("should have no previous-round entry yet")
	}

	leftover := c.EndCycle()
	if len(leftover) > 0 {
		t.Error("should be empty on the first cycle")
	}

	if _, ok := c.Update("conn-4321", fakeStats(4321)); !ok {
		t.Error("conn-4321 survived into round two and should match")
	}

	leftover = c.EndCycle()
	if len(leftover) != 1 {
		t.Fatal("conn-1234 should be the lone leftover", len(leftover))
	}
	if got, ok := leftover["conn-1234"]; !ok || got.LocalPort != 1234 {
		t.Error("should have found conn-1234's stats", got)
	}
	if c.CycleCount() != 2 {
		t.Error("expected two completed cycles", c.CycleCount())
	}
}
