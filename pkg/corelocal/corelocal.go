// Package corelocal provides the per-CPU local block and the
// exception-mask helpers that guard access to it.
//
// A physical core in the original design is modeled here as one pinned
// goroutine: the caller locks itself to an OS thread with
// BindCurrentOSThread and from then on Current() resolves back to the same
// *Local no matter which function on the call stack asks for it, the same
// way thread_get_core_local() resolves the physical core via a hardware
// id register.
package corelocal

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var log = logrus.WithField("pkg", "corelocal")

// Mask is a bitset of maskable exception classes.
type Mask uint32

const (
	IRQ Mask = 1 << iota
	FIQ
	AsyncAbort
)

// All is every maskable exception class.
const All = IRQ | FIQ | AsyncAbort

// NoThread is the curr_thread sentinel meaning "no thread running here".
const NoThread int32 = -1

// Local is one CPU's local block.
type Local struct {
	ID int

	// CurrThread is the slot index of the thread currently running on
	// this core, or NoThread.
	CurrThread atomicbitops.Int32

	TmpStackVAEnd uint64
	AbtStackVAEnd uint64

	// spinHeld counts spinlocks currently held while running on this
	// core; it backs the "never unmask IRQ while holding a spinlock"
	// assertion.
	spinHeld atomicbitops.Int32
}

type binding struct {
	core       int
	exceptions atomicbitops.Uint32
}

var (
	mu       sync.RWMutex
	locals   []*Local
	bindings = map[int]*binding{}
)

// Init (re)builds the core registry for nCores physical cores. It must be
// called once, before any core binds itself, typically from the primary
// core's boot path.
func Init(nCores int) {
	mu.Lock()
	defer mu.Unlock()
	locals = make([]*Local, nCores)
	for i := range locals {
		l := &Local{ID: i}
		l.CurrThread.Store(NoThread)
		locals[i] = l
	}
	bindings = map[int]*binding{}
}

// NumCores returns the configured core count.
func NumCores() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(locals)
}

// BindCurrentOSThread locks the calling goroutine to its OS thread and
// declares it the runner for the given core index. All exceptions start
// masked, matching a core that has just entered secure world.
func BindCurrentOSThread(core int) error {
	mu.Lock()
	defer mu.Unlock()
	if core < 0 || core >= len(locals) {
		return fmt.Errorf("corelocal: core %d out of range [0,%d)", core, len(locals))
	}
	runtime.LockOSThread()
	tid := unix.Gettid()
	b := &binding{core: core}
	b.exceptions.Store(uint32(All))
	bindings[tid] = b

	if hw, err := CoreID(); err == nil {
		log.WithFields(logrus.Fields{"core": core, "hw_cpu": hw}).Debug("core bound")
	} else {
		log.WithError(err).Debug("hardware cpu id unavailable")
	}
	return nil
}

// CoreID reads the hardware CPU-identifier register backing the calling
// OS thread's current placement, via the kernel scheduler rather than an
// architectural register read. It is a diagnostic only: nothing in this
// package trusts it to stay fixed for the binding's lifetime, since the
// Go runtime may migrate the underlying OS thread across real CPUs even
// while runtime.LockOSThread holds the goroutine itself fixed.
func CoreID() (int, error) {
	id, err := unix.SchedGetcpu()
	if err != nil {
		return 0, fmt.Errorf("corelocal: SchedGetcpu: %w", err)
	}
	return id, nil
}

// UnbindCurrentOSThread releases the calling goroutine's core binding.
func UnbindCurrentOSThread() {
	mu.Lock()
	delete(bindings, unix.Gettid())
	mu.Unlock()
	runtime.UnlockOSThread()
}

func currentBinding() *binding {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := bindings[unix.Gettid()]
	if !ok {
		panic("corelocal: calling goroutine is not bound to a core")
	}
	return b
}

// GetExceptions returns the exception mask currently in effect on the
// calling core.
func GetExceptions() Mask {
	return Mask(currentBinding().exceptions.Load())
}

// SetExceptions installs exceptions as the new mask on the calling core.
// Unmasking IRQ while any spinlock is held on this core is a programming
// error and panics, mirroring assert_have_no_spinlock() in the design.
func SetExceptions(exceptions Mask) {
	b := currentBinding()
	if exceptions&IRQ == 0 {
		if l := currentLocalLocked(b.core); l.spinHeld.Load() > 0 {
			panic("corelocal: attempted to unmask IRQ while holding a spinlock")
		}
	}
	b.exceptions.Store(uint32(exceptions & All))
}

// MaskExceptions ORs exceptions into the current mask and returns the
// previous mask, so the caller can restore it with UnmaskExceptions.
func MaskExceptions(exceptions Mask) Mask {
	prev := GetExceptions()
	SetExceptions(prev | (exceptions & All))
	return prev
}

// UnmaskExceptions restores a mask previously returned by MaskExceptions.
func UnmaskExceptions(prev Mask) {
	SetExceptions(prev & All)
}

func currentLocalLocked(core int) *Local {
	mu.RLock()
	defer mu.RUnlock()
	return locals[core]
}

// Current returns the calling core's local block. IRQs must already be
// masked on this core, otherwise the goroutine could in principle be
// migrated between cores mid-function; since Go goroutines are not
// actually pinned to hardware cores beyond runtime.LockOSThread(), this
// assertion is the software equivalent of that hardware precondition.
func Current() *Local {
	b := currentBinding()
	if Mask(b.exceptions.Load())&IRQ == 0 {
		panic("corelocal: Current() called with IRQs unmasked")
	}
	mu.RLock()
	defer mu.RUnlock()
	if b.core < 0 || b.core >= len(locals) {
		panic(fmt.Sprintf("corelocal: core id %d out of range", b.core))
	}
	return locals[b.core]
}

// AcquireSpin records that the calling core now holds one more spinlock.
// Used exclusively by package globallock.
func AcquireSpin() {
	currentLocalLocked(currentBinding().core).spinHeld.Add(1)
}

// ReleaseSpin records that the calling core released one spinlock.
func ReleaseSpin() {
	currentLocalLocked(currentBinding().core).spinHeld.Add(-1)
}
