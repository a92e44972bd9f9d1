package ipv4_test

import (
	"net"
	"testing"

	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
)

func TestLongestPrefixMatch(t *testing.T) {
	table := ipv4.NewTable()
	nifA := netif.New("eth0", nil, 1500, 4)
	nifB := netif.New("eth1", nil, 1500, 4)

	table.Add(&ipv4.Route{
		Net: net.IPv4(10, 0, 0, 0).To4(), Mask: net.CIDRMask(8, 32), Nif: nifA,
	})
	table.Add(&ipv4.Route{
		Net: net.IPv4(10, 0, 1, 0).To4(), Mask: net.CIDRMask(24, 32), Nif: nifB,
	})

	r := table.Find(net.IPv4(10, 0, 1, 5))
	if r == nil || r.Nif != nifB {
		t.Fatalf("expected the /24 route to win, got %+v", r)
	}

	r2 := table.Find(net.IPv4(10, 0, 2, 5))
	if r2 == nil || r2.Nif != nifA {
		t.Fatalf("expected the /8 route for a non-/24 address, got %+v", r2)
	}

	if table.Find(net.IPv4(192, 168, 1, 1)) != nil {
		t.Fatal("expected no route for unmatched address")
	}
}

func TestActivateDeactivateNetif(t *testing.T) {
	table := ipv4.NewTable()
	nif := netif.New("eth0", nil, 1500, 4)
	nif.IP = net.IPv4(192, 168, 1, 10).To4()
	nif.Mask = net.CIDRMask(24, 32)

	table.ActivateNetif(nif)
	if table.Find(net.IPv4(192, 168, 1, 20)) == nil {
		t.Fatal("expected local-net route after activation")
	}
	if r := table.Find(net.IPv4(192, 168, 1, 10)); r == nil || r.Type != ipv4.RouteNetif {
		t.Fatal("expected host route for the interface's own address")
	}

	table.DeactivateNetif(nif)
	if table.Find(net.IPv4(192, 168, 1, 20)) != nil {
		t.Fatal("expected routes removed after deactivation")
	}
}
