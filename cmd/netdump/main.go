// Main package in netdump runs the engine end to end against a host TAP
// device: it builds the full ether/arp/ipv4/tcp/udp/rawsock stack, wires it
// to one dispatch.Dispatcher, starts a small TCP echo listener over the
// socket package to prove the whole path works, and periodically archives
// every open connection's tcpstat.Snapshot.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/m-lab/netstack/archive"
	"github.com/m-lab/netstack/archiveproto"
	"github.com/m-lab/netstack/arp"
	"github.com/m-lab/netstack/cache"
	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ether"
	"github.com/m-lab/netstack/eventsocket"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/rawsock"
	"github.com/m-lab/netstack/socket"
	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/tcpstat"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/udp"

	"github.com/vishvananda/netlink"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	tapName       = flag.String("tap", "tap0", "Name of the host TAP device to attach")
	localIP       = flag.String("ip", "10.77.0.1", "IP address to assign the engine's interface")
	localMask     = flag.String("mask", "255.255.255.0", "Netmask for the engine's interface")
	echoPort      = flag.Int("echo-port", 7, "TCP port the built-in echo listener binds")
	promPort      = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	outputDir     = flag.String("output", "", "Directory to write archived connection snapshots into")
	shadowRoutes  = flag.Bool("shadow-routes", false, "Seed the route table from the host's real netlink routes at startup")
	snapshotEvery = flag.Duration("snapshot-interval", 10*time.Second, "How often to archive a snapshot of every open connection")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	ctx, cancel := context.WithCancel(context.Background())
	defer promSrv.Shutdown(ctx)
	defer cancel()

	cfg := engine.Default()
	pool := pktbuf.NewPool(cfg.BlockSize, cfg.BlockCount)
	routes := ipv4.NewTable()
	// Second ticks ARP entry expiry and IP reassembly timeouts once a
	// second; tcpWheel ticks TCP's RTO/persist/time-wait/keepalive timers
	// every 100ms (dispatch.Dispatcher.Run drives both at those rates).
	secondWheel := timer.New()
	tcpWheel := timer.New()

	nif := netif.New(*tapName, randomLocallyAdministeredMAC(), 1500, 256)
	nif.IP = net.ParseIP(*localIP).To4()
	nif.Mask = net.IPMask(net.ParseIP(*localMask).To4())
	routes.ActivateNetif(nif)

	if *shadowRoutes {
		seedShadowRoutes(routes, nif)
	}

	stack := &ipv4.Stack{Routes: routes, Pool: pool}
	stack.Reassembler = ipv4.NewReassembler(cfg, secondWheel, pool)

	tcpMgr := tcp.NewManager(cfg, tcpWheel, stack, pool)
	udpMgr := udp.NewManager(cfg, stack, pool)
	rawMgr := rawsock.NewManager(stack, pool)
	stack.TCP = tcpMgr.Input
	stack.UDP = udpMgr.Input
	stack.Raw = rawMgr.Input

	arpCache := arp.NewCache(cfg, secondWheel, func(n *netif.Netif, target net.IP) {
		rtx.Must(arp.Request(n, target), "send ARP request")
	})
	arp.SetPool(pool)
	nif.Link = &ether.Link{ARP: arpCache}

	etherDemux := &ether.Dispatcher{
		ARP: func(n *netif.Netif, buf *pktbuf.Buf) {
			if err := arpCache.Input(n, buf); err != nil {
				log.Println("netdump: arp input:", err)
			}
		},
		IPv4: stack.Input,
	}

	d := dispatch.New(func(n *netif.Netif, buf *pktbuf.Buf) {
		if err := etherDemux.Input(n, buf); err != nil {
			pool.Free(buf)
		}
	}, secondWheel, tcpWheel)
	go d.Run(ctx)

	tap, err := newTapDriver(*tapName, nif, d, pool)
	rtx.Must(err, "Could not attach TAP device %q", *tapName)
	nif.Driver = tap
	defer tap.Close()
	go tap.readLoop()

	sockMgr := socket.NewManager(d, tcpMgr, udpMgr, rawMgr)
	go runEchoServer(sockMgr, uint16(*echoPort), nif.IP)

	writer := archive.NewWriter(3, 10*time.Minute)
	defer writer.Close()

	evSrv := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		evSrv = eventsocket.New(*eventsocket.Filename)
		rtx.Must(evSrv.Listen(), "Could not listen on event socket %q", *eventsocket.Filename)
		go evSrv.Serve(ctx)
	}

	go archiveLoop(ctx, tcpMgr, writer, evSrv, *snapshotEvery)

	<-ctx.Done()
}

// archiveLoop periodically snapshots every open TCP connection, appends it
// to writer, and uses a cache.Cache of the snapshots to tell which
// connections are new this round (emitting an eventsocket FlowCreated) and
// which ones present in the last round went missing (FlowDeleted).
func archiveLoop(ctx context.Context, tcpMgr *tcp.Manager, writer *archive.Writer, evSrv eventsocket.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	seen := cache.NewCache()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tcpMgr.Each(func(t *tcp.TCB) {
				stats := t.Stats()
				snap := tcpstat.Snapshot{
					LocalAddr: stats.LocalAddr, LocalPort: stats.LocalPort,
					RemoteAddr: stats.RemoteAddr, RemotePort: stats.RemotePort,
					State:       uint8(stats.State),
					DupAcks:     uint32(stats.DupAcks),
					Retransmits: uint32(stats.Retransmits),
					RTO:         uint32(stats.RTO.Microseconds()),
					SRTT:        uint32(stats.SRTT.Microseconds()),
					RTTVar:      uint32(stats.RTTVar.Microseconds()),
					SndUna:      stats.SndUna,
					SndNxt:      stats.SndNxt,
					SndWnd:      stats.SndWnd,
					RcvNxt:      stats.RcvNxt,
					RcvWnd:      stats.RcvWnd,
				}
				if _, existedLastRound := seen.Update(t.ID(), stats); !existedLastRound && seen.CycleCount() > 0 {
					evSrv.FlowCreated(now, t.ID(), stats.LocalAddr, stats.RemoteAddr, stats.LocalPort, stats.RemotePort)
				}
				rec := &archiveproto.Record{
					ConnId:      t.ID(),
					TimestampNs: now.UnixNano(),
					LocalAddr:   snap.LocalAddr,
					LocalPort:   uint32(snap.LocalPort),
					RemoteAddr:  snap.RemoteAddr,
					RemotePort:  uint32(snap.RemotePort),
					State:       t.State().String(),
					SndUna:      snap.SndUna,
					SndNxt:      snap.SndNxt,
					RcvNxt:      snap.RcvNxt,
					RtoMicros:   int64(snap.RTO),
					Retransmits: snap.Retransmits,
				}
				if err := writer.Append(t.ID(), rec, now); err != nil {
					log.Println("netdump: archive append:", err)
				}
			})
			for id := range seen.EndCycle() {
				evSrv.FlowDeleted(now, id)
			}
		}
	}
}

// runEchoServer is the demo application this engine serves: accept
// connections forever and echo back whatever each one sends, proving the
// socket package's blocking Accept/Recv/Send loop works against real TAP
// traffic.
func runEchoServer(sockMgr *socket.Manager, port uint16, bindIP net.IP) {
	fd, err := sockMgr.Create(socket.Stream, 0)
	rtx.Must(err, "create echo listen socket")
	rtx.Must(sockMgr.Bind(fd, bindIP, port), "bind echo listen socket")
	rtx.Must(sockMgr.Listen(fd, 16), "listen on echo socket")
	log.Printf("netdump: echo listening on %s:%d", bindIP, port)
	for {
		cfd, err := sockMgr.Accept(fd)
		if err != nil {
			log.Println("netdump: accept:", err)
			continue
		}
		go echoConn(sockMgr, cfd)
	}
}

func echoConn(sockMgr *socket.Manager, fd int) {
	defer sockMgr.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := sockMgr.Recv(fd, buf)
		if err != nil {
			if err != neterr.ErrClose {
				log.Println("netdump: recv:", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if _, err := sockMgr.Send(fd, buf[:n]); err != nil {
			log.Println("netdump: send:", err)
			return
		}
	}
}

// seedShadowRoutes copies the host's real IPv4 routing table into routes,
// so a demo run has believable next hops without hand-authoring them. Every
// shadowed route points back at nif since this engine only ever has the one
// TAP-backed interface; only entries with both a destination network and a
// gateway are useful here (on-link routes are already covered by
// ipv4.Table.ActivateNetif).
func seedShadowRoutes(routes *ipv4.Table, nif *netif.Netif) {
	hostRoutes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		log.Println("netdump: shadow-routes: list host routes:", err)
		return
	}
	for _, r := range hostRoutes {
		if r.Dst == nil || r.Gw == nil {
			continue
		}
		routes.Add(&ipv4.Route{
			Net:     r.Dst.IP.To4(),
			Mask:    r.Dst.Mask,
			NextHop: r.Gw.To4(),
			Nif:     nif,
			Type:    ipv4.RouteOther,
		})
	}
}

func randomLocallyAdministeredMAC() net.HardwareAddr {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	return mac
}
