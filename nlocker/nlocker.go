// Package nlocker is a thin, portable lock abstraction. Protocol engines
// that also target bare-metal RTOS targets wrap OS primitives (mutex,
// semaphore) behind one interface so the engine never depends on a specific
// RTOS; in Go, sync.Mutex already is that portable primitive, so Locker
// below is a minimal wrapper kept as the seam where a platform-specific
// lock could be substituted.
package nlocker

import "sync"

// Locker wraps sync.Mutex with Lock/Unlock and a non-blocking TryLock,
// matching the shape of the original's nlocker_lock/unlock/trylock trio.
type Locker struct {
	mu sync.Mutex
}

// Lock acquires the lock, blocking until available.
func (l *Locker) Lock() { l.mu.Lock() }

// Unlock releases the lock.
func (l *Locker) Unlock() { l.mu.Unlock() }

// TryLock attempts to acquire the lock without blocking, reporting success.
func (l *Locker) TryLock() bool { return l.mu.TryLock() }
