// Package threadtable implements the fixed-size secure-thread table and
// its FREE/ACTIVE/SUSPENDED state machine: the heart of the dispatch
// core. Every state transition is serialized by one process-wide
// spinlock and contains nothing but slot-field reads and writes, per the
// ordering guarantees in SPEC_FULL §5.
package threadtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/corelocal"
	"github.com/cortexsec/teecore/pkg/globallock"
	"github.com/cortexsec/teecore/pkg/platform"
	"github.com/cortexsec/teecore/pkg/rpcarg"
	"github.com/cortexsec/teecore/pkg/stackmgr"
	"github.com/cortexsec/teecore/pkg/vfp"
)

var log = logrus.WithField("pkg", "threadtable")

// State is a thread slot's position in the FREE/ACTIVE/SUSPENDED machine.
type State int32

const (
	StateFree State = iota
	StateActive
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateActive:
		return "ACTIVE"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "INVALID"
	}
}

// Flags is the per-thread bitset from spec §3.
type Flags uint32

const (
	FlagIRQEnable Flags = 1 << iota
	FlagCopyArgsOnReturn
	FlagExitOnForeignIntr
)

// Regs is the architectural register context captured at suspension.
type Regs struct {
	PC, CPSR, SP uint64
	GPR          [8]uint64 // a0..a7 / x0..x7
	FP           uint64    // x29, zeroed on 64-bit fresh allocation
}

// Mutex tracks ownership by a weak slot-index back-reference, per the
// design note instructing an intrusive-list re-implementation to avoid
// shared ownership between mutex and thread.
type Mutex struct {
	owner int32 // -1 when unheld
}

func NewMutex() *Mutex { return &Mutex{owner: -1} }

// TSD is the thread-specific data block: open sessions, FS-RPC cache
// handle, page-table cache, and the cancellation bit (SPEC_FULL §4.11).
type TSD struct {
	OpenSessions    []uint64
	FSRPCCache      any
	PageTableCache  any
	CancelRequested atomicbitops.Bool
}

// ThreadSlot is one entry of the fixed thread table.
type ThreadSlot struct {
	Index int

	state State
	Flags Flags
	Regs  Regs

	StackVAEnd  uint64
	HaveUserMap bool
	UserMap     any

	HypClntID uint64

	RPCArg rpcarg.Cache
	VFP    vfp.State
	TSD    TSD

	mutexes []*Mutex

	// TraceID is a per-allocation id logged with the slot's "thread
	// allocated" and "thread resumed" lines (SPEC_FULL §2). Panic messages
	// and the other log lines name the slot index only.
	TraceID uint64
}

// State returns the slot's current state. Callers needing a consistent
// read across a transition must hold the Table's lock themselves; this is
// a convenience accessor for tests and diagnostics.
func (t *ThreadSlot) State() State { return t.state }

// Config selects the table's size and entry point, mirroring the single
// stack/table configuration struct called for by the design notes.
type Config struct {
	NThreads int
	NCores   int
	EntryVA  uint64 // standard-SMC entry trampoline address
	VFPForceSave bool // ARM-Trusted-Firmware 64-bit quirk, spec §4.5
}

var (
	ErrThreadLimit = errors.New("threadtable: no free thread slot")
	ErrResume      = errors.New("threadtable: resume mismatch")
)

// Table is the fixed thread table plus the lock that serializes every
// transition on it.
type Table struct {
	cfg    Config
	lock   globallock.Lock
	slots  []ThreadSlot
	stacks *stackmgr.Manager

	// bookMu guards the per-slot bookkeeping fields (RPCArg, TSD) that
	// spec §5 does not assign to global_lock: they are touched only by
	// the one goroutine currently running the owning slot, never by a
	// core performing a FREE/ACTIVE/SUSPENDED transition, so a plain
	// mutex — not the spinlock reserved for state transitions — is
	// enough, and it does not require the calling goroutine to be
	// core-bound the way global_lock does.
	bookMu sync.Mutex

	preallocCache atomicbitops.Bool
	nextTraceID   uint64
}

// New builds an empty table of cfg.NThreads FREE slots.
func New(cfg Config, stacks *stackmgr.Manager) *Table {
	tbl := &Table{cfg: cfg, stacks: stacks, slots: make([]ThreadSlot, cfg.NThreads)}
	for i := range tbl.slots {
		tbl.slots[i] = ThreadSlot{Index: i, state: StateFree, VFP: vfp.State{ForceSave: cfg.VFPForceSave}}
	}
	return tbl
}

// InitBootThread claims slot 0 as ACTIVE on the calling core without going
// through AllocAndRun: the platform is already running on this "thread".
func (tbl *Table) InitBootThread(core int) error {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	s := &tbl.slots[0]
	if s.state != StateFree {
		return fmt.Errorf("threadtable: boot thread slot already in use (state=%s)", s.state)
	}
	s.state = StateActive
	s.VFP.EnterSecureWorld()
	corelocal.Current().CurrThread.Store(0)
	return nil
}

// ClrBootThread releases slot 0 after primary-CPU init completes.
func (tbl *Table) ClrBootThread() {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	tbl.slots[0] = ThreadSlot{Index: 0, state: StateFree}
	corelocal.Current().CurrThread.Store(corelocal.NoThread)
}

// AllocAndRun finds the first FREE slot, marks it ACTIVE, and initializes
// its register file from args. curr_thread on the calling core must
// already be "none".
//
// Stack allocation is a potentially-blocking call into the external pager
// (stackmgr.go's Pager collaborator) when pager-backed stacks are enabled,
// so it must never run while global_lock is held: the slot is reserved
// under one short critical section, the pager is called with the lock
// released, and a second short critical section finishes initializing the
// slot with the result.
func (tbl *Table) AllocAndRun(core int, args abi.SMCArgs) (int, error) {
	if corelocal.Current().CurrThread.Load() != corelocal.NoThread {
		return 0, fmt.Errorf("threadtable: alloc_and_run called with a thread already current on this core")
	}

	slot := -1
	tbl.lock.Acquire()
	for i := range tbl.slots {
		if tbl.slots[i].state == StateFree {
			tbl.slots[i].state = StateActive
			slot = i
			break
		}
	}
	tbl.lock.Release()
	if slot < 0 {
		return 0, ErrThreadLimit
	}

	vaEnd, err := tbl.stacks.ThreadStackVAEnd(slot)
	if err != nil {
		tbl.lock.Acquire()
		tbl.slots[slot] = ThreadSlot{Index: slot, state: StateFree}
		tbl.lock.Release()
		return 0, fmt.Errorf("threadtable: stack allocation failed for slot %d: %w", slot, err)
	}

	tbl.lock.Acquire()
	defer tbl.lock.Release()
	s := &tbl.slots[slot]
	tbl.nextTraceID++
	*s = ThreadSlot{
		Index: slot, state: StateActive, StackVAEnd: vaEnd,
		TraceID: tbl.nextTraceID,
		VFP:     vfp.State{ForceSave: tbl.cfg.VFPForceSave},
		Regs:    freshRegs(tbl.cfg.EntryVA, vaEnd, args),
	}
	s.VFP.EnterSecureWorld()
	corelocal.Current().CurrThread.Store(int32(slot))
	log.WithFields(logrus.Fields{"slot": slot, "trace": s.TraceID}).Debug("thread allocated")
	return slot, nil
}

// cpsrSupervisorMasked models "supervisor mode with IRQ and async abort
// masked but FIQ unmasked" as an opaque bit pattern; the real exception
// vector layout is an out-of-scope external collaborator.
const cpsrSupervisorMasked uint64 = 0x1<<6 | 0x1<<8 // A bit, IRQ bit set; FIQ bit clear

func freshRegs(entryVA, stackVAEnd uint64, args abi.SMCArgs) Regs {
	r := Regs{PC: entryVA, CPSR: cpsrSupervisorMasked, SP: stackVAEnd}
	r.GPR = [8]uint64{args.A0, args.A1, args.A2, args.A3, args.A4, args.A5, args.A6, args.A7}
	r.FP = 0
	return r
}

// ResumeFromRPC validates that slot args.A3 is SUSPENDED with a matching
// hyp_clnt_id in args.A7, flips it back to ACTIVE, and optionally copies
// a0..a5 into the saved registers when FlagCopyArgsOnReturn is set.
func (tbl *Table) ResumeFromRPC(core int, args abi.SMCArgs) (int, error) {
	if corelocal.Current().CurrThread.Load() != corelocal.NoThread {
		return 0, fmt.Errorf("threadtable: resume_from_rpc called with a thread already current on this core")
	}
	slot := int(args.A3)
	tbl.lock.Acquire()
	defer tbl.lock.Release()

	if slot < 0 || slot >= len(tbl.slots) {
		return 0, ErrResume
	}
	s := &tbl.slots[slot]
	if s.state != StateSuspended || s.HypClntID != args.A7 {
		return 0, ErrResume
	}
	if s.Flags&FlagCopyArgsOnReturn != 0 {
		s.Regs.GPR[0], s.Regs.GPR[1], s.Regs.GPR[2] = args.A0, args.A1, args.A2
		s.Regs.GPR[3], s.Regs.GPR[4], s.Regs.GPR[5] = args.A3, args.A4, args.A5
	}
	s.state = StateActive
	s.VFP.EnterSecureWorld()
	corelocal.Current().CurrThread.Store(int32(slot))
	log.WithFields(logrus.Fields{"slot": slot, "trace": s.TraceID}).Debug("thread resumed")
	return slot, nil
}

// StateSuspend captures the thread's register context and flips it to
// SUSPENDED. It never fails, matching spec §4.4.
func (tbl *Table) StateSuspend(core, slot int, flags Flags, cpsr, pc uint64) {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	s := &tbl.slots[slot]
	if s.state != StateActive {
		panic(fmt.Sprintf("threadtable: state_suspend on slot %d not ACTIVE (state=%s)", slot, s.state))
	}
	s.Regs.PC, s.Regs.CPSR, s.Flags = pc, cpsr, flags
	// HaveUserMap/UserMap would be captured here from the out-of-scope
	// address-space collaborator; left as whatever the caller already set.
	s.state = StateSuspended
	s.VFP.RestoreNSVFP(tbl.vfpRestoreFunc(slot))
	corelocal.Current().CurrThread.Store(corelocal.NoThread)
}

// vfpRestoreFunc returns the hardware-restore callback passed to
// vfp.State.RestoreNSVFP: actually reloading the NS FPU register file is
// the out-of-scope architectural collaborator, so this only logs that the
// restore would happen.
func (tbl *Table) vfpRestoreFunc(slot int) func() {
	return func() {
		log.WithField("slot", slot).Trace("restoring NS FPU register file")
	}
}

// StateFree releases an ACTIVE slot with no held mutexes back to FREE,
// returning stack reclaim accounting from a pager-backed stack if enabled.
// A non-empty mutex list is a broken invariant and panics (spec §8
// scenario 4).
//
// Releasing a pager-backed stack is a potentially-blocking external call
// (stackmgr.go's Pager.ReleaseUnused), so the slot is reset to FREE and the
// lock released before it runs; nothing after that point needs the slot's
// prior contents.
func (tbl *Table) StateFree(core, slot int) stackmgr.StackStats {
	tbl.lock.Acquire()
	s := &tbl.slots[slot]
	if s.state != StateActive {
		tbl.lock.Release()
		panic(fmt.Sprintf("threadtable: state_free on slot %d not ACTIVE (state=%s)", slot, s.state))
	}
	if len(s.mutexes) != 0 {
		tbl.lock.Release()
		panic(fmt.Sprintf("threadtable: state_free on slot %d with %d mutexes still held", slot, len(s.mutexes)))
	}
	stackVAEnd, sp := s.StackVAEnd, s.Regs.SP
	s.VFP.RestoreNSVFP(tbl.vfpRestoreFunc(slot))
	*s = ThreadSlot{Index: slot, state: StateFree}
	corelocal.Current().CurrThread.Store(corelocal.NoThread)
	tbl.lock.Release()

	return tbl.stacks.ReleaseThreadStack(slot, stackVAEnd, sp)
}

// AddMutex records that the currently ACTIVE slot holds m.
func (tbl *Table) AddMutex(slot int, m *Mutex) error {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	s := &tbl.slots[slot]
	if s.state != StateActive {
		return fmt.Errorf("threadtable: add_mutex on slot %d not ACTIVE", slot)
	}
	m.owner = int32(slot)
	s.mutexes = append(s.mutexes, m)
	return nil
}

// RemMutex asserts slot owns m and unlinks it.
func (tbl *Table) RemMutex(slot int, m *Mutex) error {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	if m.owner != int32(slot) {
		return fmt.Errorf("threadtable: rem_mutex: slot %d does not own this mutex", slot)
	}
	s := &tbl.slots[slot]
	for i, held := range s.mutexes {
		if held == m {
			s.mutexes = append(s.mutexes[:i], s.mutexes[i+1:]...)
			m.owner = -1
			return nil
		}
	}
	return fmt.Errorf("threadtable: rem_mutex: mutex not found on slot %d", slot)
}

// EnsureRPCArg lazily allocates slot's cached RPC argument buffer under
// bookMu, so no caller ever holds a pointer into slot state without a
// lock protecting it.
func (tbl *Table) EnsureRPCArg(slot int, shm platform.SharedMemory, alloc platform.RPCAllocator, size uint64) error {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	return rpcarg.Ensure(&tbl.slots[slot].RPCArg, shm, alloc, size)
}

// ReleaseRPCArg releases slot's cached RPC argument buffer, unless
// prealloc_rpc_cache is enabled.
func (tbl *Table) ReleaseRPCArg(slot int, alloc platform.RPCAllocator) {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	rpcarg.Release(&tbl.slots[slot].RPCArg, alloc, tbl.preallocCache.Load())
}

// RPCArgSize returns the size of slot's cached RPC argument buffer, for
// marshalling outgoing CMD requests.
func (tbl *Table) RPCArgSize(slot int) uint64 {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	return tbl.slots[slot].RPCArg.Size()
}

// RPCArgPA returns the physical address of slot's cached RPC argument
// buffer, for marshalling outgoing CMD requests.
func (tbl *Table) RPCArgPA(slot int) uint64 {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	return tbl.slots[slot].RPCArg.PA()
}

// RPCArgCookie returns the NS-assigned cookie of slot's cached RPC argument
// buffer, so NS can identify which buffer a CMD request refers to.
func (tbl *Table) RPCArgCookie(slot int) uint64 {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	return tbl.slots[slot].RPCArg.Cookie()
}

// TSD returns the slot's thread-specific-data block for read access by
// higher layers, supplementing thread_get_tsd() (SPEC_FULL §2).
func (tbl *Table) TSD(slot int) *TSD {
	tbl.bookMu.Lock()
	defer tbl.bookMu.Unlock()
	return &tbl.slots[slot].TSD
}

// Slot exposes a snapshot copy of slot i for tests and diagnostics.
func (tbl *Table) Slot(i int) ThreadSlot {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	return tbl.slots[i]
}

// SetHypClntID records the caller-world identifier a suspended thread must
// be resumed with. Called by dispatch right after AllocAndRun claims the
// slot, before the thread's handler starts.
func (tbl *Table) SetHypClntID(slot int, id uint64) {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	tbl.slots[slot].HypClntID = id
}

// EnablePreallocRPCCache sets the prealloc_rpc_cache flag, but only while
// every slot is FREE (spec §4.10).
func (tbl *Table) EnablePreallocRPCCache() bool {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	if !tbl.allFreeLocked() {
		return false
	}
	tbl.preallocCache.Store(true)
	return true
}

// DisablePreallocRPCCache reclaims one cached rpc_carg per call, reporting
// it to the caller for NS-side free, and clears the flag once nothing is
// left cached. It is a no-op returning ok=false unless every slot is FREE.
func (tbl *Table) DisablePreallocRPCCache() (slot int, had bool, ok bool) {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	if !tbl.allFreeLocked() {
		return 0, false, false
	}
	for i := range tbl.slots {
		if !tbl.slots[i].RPCArg.Empty() {
			return i, true, true
		}
	}
	tbl.preallocCache.Store(false)
	return 0, false, true
}

func (tbl *Table) allFreeLocked() bool {
	for i := range tbl.slots {
		if tbl.slots[i].state != StateFree {
			return false
		}
	}
	return true
}

// PreallocEnabled reports the current prealloc_rpc_cache flag.
func (tbl *Table) PreallocEnabled() bool { return tbl.preallocCache.Load() }
