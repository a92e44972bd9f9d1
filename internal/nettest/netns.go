// Package nettest provides a disposable network-namespace sandbox for
// integration tests that need a real TAP device rather than the in-process
// loopback driver the rest of this repo's tests use. Grounded on
// namespaces/namespaces.go's /proc-based namespace discovery, adapted here
// from passive polling to vishvananda/netns's create/switch/restore
// primitives, matching the pattern in malbeclabs-doublezero's
// internal/netns/switching.go.
package nettest

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/vishvananda/netns"
)

// WithNetNS runs fn inside a freshly created, disposable network namespace
// and restores the calling goroutine's original namespace before returning.
// The namespace (and whatever TAP devices and routes fn adds to it) is torn
// down once WithNetNS closes its own handle to it on return.
//
// Creating a namespace requires CAP_NET_ADMIN, which most CI sandboxes
// don't grant; WithNetNS calls t.Skip rather than t.Fatal when it can't get
// one, so tests built on it are skipped instead of failing in those
// environments.
func WithNetNS(t *testing.T, fn func()) {
	t.Helper()

	// A namespace is a property of the calling thread, not the process, so
	// the goroutine running fn must not migrate to a different thread
	// mid-test.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		t.Skipf("nettest: can't read current netns: %v", err)
		return
	}
	defer orig.Close()

	sandbox, err := netns.New()
	if err != nil {
		t.Skipf("nettest: can't create netns, need CAP_NET_ADMIN: %v", err)
		return
	}
	defer sandbox.Close()
	defer restore(t, orig)

	fn()
}

func restore(t *testing.T, orig netns.NsHandle) {
	t.Helper()
	if err := netns.Set(orig); err != nil {
		t.Fatalf("nettest: restore original netns: %v", err)
	}
}

// RunInNamespace is the non-testing.T entry point cmd/netdump's e2e harness
// uses to execute fn inside the named namespace, for the case where a
// namespace was pre-created by the test's shell wrapper rather than by
// WithNetNS itself.
func RunInNamespace(name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("nettest: get current netns: %w", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("nettest: get namespace %q: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("nettest: setns to %q: %w", name, err)
	}
	fnErr := fn()
	if err := netns.Set(orig); err != nil {
		return fmt.Errorf("nettest: restore original netns: %w", err)
	}
	return fnErr
}
