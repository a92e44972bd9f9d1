//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/m-lab/netstack/dispatch"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// tapDriver stubs out netif.Driver on non-Linux builds: this engine's TAP
// wiring depends on /dev/net/tun, which has no equivalent here.
type tapDriver struct{}

func newTapDriver(name string, nif *netif.Netif, d *dispatch.Dispatcher, pool *pktbuf.Pool) (*tapDriver, error) {
	return nil, fmt.Errorf("netdump: TAP devices are not supported on %s", runtime.GOOS)
}

func (t *tapDriver) Open() error  { return nil }
func (t *tapDriver) Close() error { return nil }
func (t *tapDriver) Xmit(buf *pktbuf.Buf) error {
	return fmt.Errorf("netdump: TAP devices are not supported on %s", runtime.GOOS)
}
func (t *tapDriver) readLoop() {}
