package socket_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/engine"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/rawsock"
	"github.com/m-lab/netstack/socket"
	"github.com/m-lab/netstack/tcp"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/udp"
)

type loopDriver struct {
	deliverTo func(buf *pktbuf.Buf)
}

func (d *loopDriver) Open() error  { return nil }
func (d *loopDriver) Close() error { return nil }
func (d *loopDriver) Xmit(buf *pktbuf.Buf) error {
	d.deliverTo(buf)
	return nil
}

type peer struct {
	nif   *netif.Netif
	stack *ipv4.Stack
	sock  *socket.Manager
	stop  context.CancelFunc
}

func newPeer(t *testing.T, ip string) *peer {
	t.Helper()
	pool := pktbuf.NewPool(2048, 64)
	table := ipv4.NewTable()
	nif := netif.New("eth0", net.HardwareAddr{2, 0, 0, 0, 0, 1}, 1500, 16)
	nif.IP = net.ParseIP(ip).To4()
	nif.Mask = net.CIDRMask(24, 32)
	table.ActivateNetif(nif)

	stack := &ipv4.Stack{Routes: table, Pool: pool}
	stack.Reassembler = ipv4.NewReassembler(engine.Default(), timer.New(), pool)
	tcpMgr := tcp.NewManager(engine.Default(), timer.New(), stack, pool)
	udpMgr := udp.NewManager(engine.Default(), stack, pool)
	rawMgr := rawsock.NewManager(stack, pool)
	stack.TCP = tcpMgr.Input
	stack.UDP = udpMgr.Input
	stack.Raw = rawMgr.Input
	nif.Driver = &loopDriver{}

	d := dispatch.New(stack.Input, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	return &peer{
		nif:   nif,
		stack: stack,
		sock:  socket.NewManager(d, tcpMgr, udpMgr, rawMgr),
		stop:  cancel,
	}
}

func link(a, b *peer) {
	a.nif.Driver.(*loopDriver).deliverTo = func(buf *pktbuf.Buf) { b.stack.Input(b.nif, buf) }
	b.nif.Driver.(*loopDriver).deliverTo = func(buf *pktbuf.Buf) { a.stack.Input(a.nif, buf) }
}

func TestTCPHandshakeSendRecvClose(t *testing.T) {
	server := newPeer(t, "10.0.0.1")
	defer server.stop()
	client := newPeer(t, "10.0.0.2")
	defer client.stop()
	link(server, client)

	lfd, err := server.sock.Create(socket.Stream, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := server.sock.Bind(lfd, server.nif.IP, 9000); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := server.sock.Listen(lfd, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfd, err := client.sock.Create(socket.Stream, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.sock.Connect(cfd, server.nif.IP, 9000); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sfd, err := server.sock.Accept(lfd)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := client.sock.Send(cfd, []byte("hello server")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 64)
	n, err := server.sock.Recv(sfd, buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hello server" {
		t.Fatalf("recv = %q, want %q", buf[:n], "hello server")
	}

	if _, err := server.sock.Send(sfd, []byte("hi client")); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err = client.sock.Recv(cfd, buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hi client" {
		t.Fatalf("recv = %q, want %q", buf[:n], "hi client")
	}

	if err := client.sock.Close(cfd); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := server.sock.Recv(sfd, buf); err != neterr.ErrClose {
		t.Fatalf("recv after peer close = %v, want ErrClose", err)
	}
	if err := server.sock.Close(sfd); err != nil {
		t.Fatalf("server close: %v", err)
	}
}

func TestUDPSendToRecvFrom(t *testing.T) {
	server := newPeer(t, "10.0.1.1")
	defer server.stop()
	client := newPeer(t, "10.0.1.2")
	defer client.stop()
	link(server, client)

	sfd, err := server.sock.Create(socket.Dgram, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := server.sock.Bind(sfd, server.nif.IP, 7000); err != nil {
		t.Fatalf("bind: %v", err)
	}

	cfd, err := client.sock.Create(socket.Dgram, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.sock.SendTo(cfd, []byte("ping"), server.nif.IP, 7000); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	buf := make([]byte, 64)
	n, src, err := server.sock.RecvFrom(sfd, buf)
	if err != nil {
		t.Fatalf("recvfrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("recvfrom = %q, want %q", buf[:n], "ping")
	}
	if !src.Equal(client.nif.IP) {
		t.Fatalf("src = %v, want %v", src, client.nif.IP)
	}
}

func TestRecvFromTimesOutWithNoData(t *testing.T) {
	server := newPeer(t, "10.0.2.1")
	defer server.stop()

	fd, err := server.sock.Create(socket.Dgram, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := server.sock.Bind(fd, server.nif.IP, 7001); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := server.sock.SetSockOpt(fd, socket.SolSocket, socket.SoRcvTimeo, 30*time.Millisecond); err != nil {
		t.Fatalf("setsockopt: %v", err)
	}

	buf := make([]byte, 16)
	if _, _, err := server.sock.RecvFrom(fd, buf); err != neterr.ErrTimeout {
		t.Fatalf("recvfrom with no data = %v, want ErrTimeout", err)
	}
}
