package ipv4

import (
	"math/bits"
	"net"
	"sync"

	"github.com/m-lab/netstack/netif"
)

// RouteType classifies a Route entry.
type RouteType int

const (
	RouteLocalNet RouteType = iota
	RouteNetif
	RouteOther
)

// Route is one routing table entry: {network, mask, next-hop, interface,
// type}. popcount(mask) is cached at insertion for fast longest-prefix
// comparison.
type Route struct {
	Net     net.IP
	Mask    net.IPMask
	Popcnt  int
	NextHop net.IP
	Nif     *netif.Netif
	Type    RouteType
}

// Table is the engine's routing table, guarded by a mutex since routes may
// be installed/removed from API calls outside the dispatcher (interface
// activation) as well as read on every IPv4 send.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable returns an empty routing table.
func NewTable() *Table { return &Table{} }

// Add inserts a route.
func (t *Table) Add(r *Route) {
	r.Popcnt = popcount(r.Mask)
	t.mu.Lock()
	t.routes = append(t.routes, r)
	t.mu.Unlock()
}

// Remove deletes every route whose Nif and Type match (used when
// deactivating an interface to retract its auto-installed routes).
func (t *Table) Remove(nif *netif.Netif, typ RouteType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.routes[:0]
	for _, r := range t.routes {
		if r.Nif == nif && r.Type == typ {
			continue
		}
		out = append(out, r)
	}
	t.routes = out
}

// Find returns the route whose network equals ip&mask with the largest
// popcount(mask) — longest-prefix match — or nil if none match.
func (t *Table) Find(ip net.IP) *Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Route
	ip4 := ip.To4()
	for _, r := range t.routes {
		if !ip4.Mask(r.Mask).Equal(r.Net) {
			continue
		}
		if best == nil || r.Popcnt > best.Popcnt {
			best = r
		}
	}
	return best
}

func popcount(mask net.IPMask) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

// ActivateNetif installs the two routes an ACTIVE interface gets
// automatically: the directly connected network, and the interface's own
// host address via a broadcast-mask route.
func (t *Table) ActivateNetif(nif *netif.Netif) {
	t.Add(&Route{
		Net: nif.IP.Mask(nif.Mask), Mask: nif.Mask,
		NextHop: nil, Nif: nif, Type: RouteLocalNet,
	})
	hostMask := net.CIDRMask(32, 32)
	t.Add(&Route{
		Net: nif.IP, Mask: hostMask,
		NextHop: nil, Nif: nif, Type: RouteNetif,
	})
}

// DeactivateNetif retracts the two routes ActivateNetif installed.
func (t *Table) DeactivateNetif(nif *netif.Netif) {
	t.Remove(nif, RouteLocalNet)
	t.Remove(nif, RouteNetif)
}
