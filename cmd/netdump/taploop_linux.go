//go:build linux

package main

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Linux ioctl constants for /dev/net/tun, not exported by golang.org/x/sys/unix
// under stable names; values taken from linux/if_tun.h.
const (
	ifNameSize = 16
	iffTap     = 0x0002
	iffNoPI    = 0x1000
	tunSetIff  = 0x400454ca
)

// tapDriver is a netif.Driver backed by a Linux /dev/net/tun device opened
// in IFF_TAP mode: Xmit writes whole Ethernet frames out the fd, and
// readLoop feeds frames read back in to the dispatcher via PostFrame.
// Grounded on yustack's tundev endpoint (open/ioctl/blocking read-write
// loop), adapted here from its TUN+gVisor-dispatcher shape to a plain
// TAP fd feeding this engine's dispatch.Dispatcher directly.
type tapDriver struct {
	fd   int
	nif  *netif.Netif
	d    *dispatch.Dispatcher
	pool *pktbuf.Pool
	done chan struct{}
}

// newTapDriver opens the named TAP device (must already exist, e.g. via
// `ip tuntap add <name> mode tap`) and attaches it to nif/d/pool.
func newTapDriver(name string, nif *netif.Netif, d *dispatch.Dispatcher, pool *pktbuf.Pool) (*tapDriver, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr [40]byte
	copy(ifr[:ifNameSize], name)
	binary.LittleEndian.PutUint16(ifr[ifNameSize:], iffTap|iffNoPI)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, errno)
	}

	return &tapDriver{fd: fd, nif: nif, d: d, pool: pool, done: make(chan struct{})}, nil
}

func (t *tapDriver) Open() error { return nil }

func (t *tapDriver) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return unix.Close(t.fd)
}

// Xmit writes buf's live bytes as one Ethernet frame to the TAP device.
func (t *tapDriver) Xmit(buf *pktbuf.Buf) error {
	frame := make([]byte, buf.TotalSize())
	buf.ResetAcc()
	buf.Read(frame, len(frame))
	_, err := unix.Write(t.fd, frame)
	return err
}

// readLoop blocks reading frames off the TAP device and posts each to the
// dispatcher until Close is called.
func (t *tapDriver) readLoop() {
	raw := make([]byte, t.nif.MTU+14)
	for {
		n, err := unix.Read(t.fd, raw)
		select {
		case <-t.done:
			return
		default:
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n <= 0 {
			continue
		}
		buf, err := t.pool.Alloc(n)
		if err != nil {
			continue
		}
		buf.Write(raw[:n], n)
		buf.ResetAcc()
		t.d.PostFrame(t.nif, buf)
	}
}
