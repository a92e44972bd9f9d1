// Package cache tracks which TCP connections were present in the previous
// archival snapshot round versus the current one, so a periodic scanner
// (cmd/netdump's archive loop) can notice connections that disappeared
// between two rounds without an explicit close callback firing in time to
// catch them. Cache is NOT threadsafe; callers serialize access themselves
// (cmd/netdump only touches it from its single archiveLoop goroutine).
package cache

import (
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/tcp"
)

// Cache holds two generations of per-connection snapshots, keyed by
// tcp.TCB.ID().
type Cache struct {
	current  map[string]tcp.Stats // Snapshots recorded so far this round.
	previous map[string]tcp.Stats // Snapshots from the prior round.
	cycles   int64
}

// NewCache creates an empty cache sized for a few hundred connections.
func NewCache() *Cache {
	return &Cache{
		current:  make(map[string]tcp.Stats, 256),
		previous: make(map[string]tcp.Stats),
	}
}

// Update records id's snapshot for the current round, and returns the
// snapshot that was cached for id in the previous round, if any.
func (c *Cache) Update(id string, stats tcp.Stats) (tcp.Stats, bool) {
	c.current[id] = stats
	evicted, ok := c.previous[id]
	if ok {
		delete(c.previous, id)
	}
	return evicted, ok
}

// EndCycle marks the completion of one scan over every live connection. It
// returns every snapshot left over in the previous generation: connections
// that existed last round but were not seen again this round, meaning they
// closed (or were evicted) sometime in between.
func (c *Cache) EndCycle() map[string]tcp.Stats {
	metrics.CacheSizeHistogram.Observe(float64(len(c.current)))
	leftover := c.previous
	c.previous = c.current
	// Allocate a bit more than the previous round's size to accommodate new
	// connections, minimizing reallocation as the working set grows/shrinks.
	c.current = make(map[string]tcp.Stats, len(c.previous)+len(c.previous)/10+10)
	c.cycles++
	return leftover
}

// CycleCount returns the number of times EndCycle has been called.
func (c *Cache) CycleCount() int64 {
	return c.cycles
}
