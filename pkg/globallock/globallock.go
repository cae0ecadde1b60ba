// Package globallock implements the single process-wide spinlock that
// serializes thread-table state transitions. It is grounded on the
// cache-line-padded atomic spinlock pattern used for SpinLock in the
// reference corpus: a bare CAS loop that spins a few times and then yields
// with runtime.Gosched between attempts, never a channel or sync.Mutex,
// because the critical sections it guards
// are a handful of field reads and writes with no external calls inside.
package globallock

import (
	"runtime"
	"sync/atomic"

	_ "golang.org/x/sys/cpu" // documents the cache-line padding rationale below

	"github.com/cortexsec/teecore/pkg/corelocal"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Lock is the core's sole process-wide lock. Zero value is unlocked.
//
// A Lock must only ever be acquired with IRQs already masked on the
// calling core (invariant: "any thread entering code that takes a
// spinlock has IRQs masked"); Lock panics otherwise.
type Lock struct {
	_     [64]byte // pad to its own cache line, ahead of the field below
	state atomic.Uint32
	_     [64]byte
}

// Acquire blocks until the lock is held.
func (l *Lock) Acquire() {
	if corelocal.GetExceptions()&corelocal.IRQ == 0 {
		panic("globallock: Acquire called with IRQs unmasked")
	}
	spins := 0
	for !l.state.CompareAndSwap(unlocked, locked) {
		spins++
		if spins < 4 {
			continue
		}
		runtime.Gosched()
	}
	corelocal.AcquireSpin()
}

// Release releases a held lock.
func (l *Lock) Release() {
	corelocal.ReleaseSpin()
	l.state.Store(unlocked)
}

// WithLock runs fn with l held, guaranteeing release on every return path
// including a panic inside fn.
func (l *Lock) WithLock(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
