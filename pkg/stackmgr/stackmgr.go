// Package stackmgr owns the per-CPU temporary/abort stacks and the
// per-thread kernel stacks, including the canary protocol that detects
// stack-overflow corruption at every SMC dispatch boundary.
package stackmgr

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "stackmgr")

// Canary magic words, fixed by the wire-level protocol with the rest of
// the core (spec §4.3).
const (
	StartCanary uint32 = 0xDEDEDEDE
	EndCanary   uint32 = 0xABABABAB
)

// Config selects stack sizes and which optional stack features are built
// in, mirroring the single build-time configuration struct called for by
// the design notes' "Stack size selection".
type Config struct {
	NCores      int
	NThreads    int
	StackTmp    uint64
	StackAbt    uint64
	StackThread uint64
	Canaries    bool
	Pager       bool
}

// Pager is the external demand-paging collaborator used for pager-backed
// thread stacks. It is interface-only: the physical memory manager and
// virtual-memory mapping live outside this module.
type Pager interface {
	// AllocThreadStack reserves GuardBytes+StackBytes of address space for
	// threadID and binds physical pages to the stack portion, returning the
	// top (highest) address of the usable stack area.
	AllocThreadStack(threadID int, guardBytes, stackBytes uint64) (vaEnd uint64, err error)
	// ReleaseUnused returns pages above highWaterMark (the lowest stack
	// pointer value observed while the thread ran) to the pager, reporting
	// the number of bytes reclaimed.
	ReleaseUnused(threadID int, vaEnd, highWaterMark uint64) (reclaimedBytes uint64)
}

// Region is one reserved stack with optional canary words at both ends.
type Region struct {
	Name  string
	Index int

	VAEnd uint64 // top address; the stack grows down from here.

	hasCanaries bool
	start       uint32
	end         uint32
}

func newRegion(name string, index int, vaEnd uint64, canaries bool) Region {
	r := Region{Name: name, Index: index, VAEnd: vaEnd, hasCanaries: canaries}
	if canaries {
		r.start = StartCanary
		r.end = EndCanary
	}
	return r
}

// Corrupt clobbers the region's start canary, for fault-injection tests
// that exercise the CheckCanaries panic path.
func (r *Region) Corrupt() { r.start = 0 }

func (r *Region) check() {
	if !r.hasCanaries {
		return
	}
	if r.start != StartCanary || r.end != EndCanary {
		panic(fmt.Sprintf("stackmgr: canary corruption in %s[%d]", r.Name, r.Index))
	}
}

// StackStats reports unused-stack reclaim accounting for a released
// pager-backed thread stack, supplementing the original's thread_state_free
// diagnostics (SPEC_FULL §2).
type StackStats struct {
	ThreadID       int
	ReclaimedBytes uint64
}

// Manager owns every stack region reserved at primary-CPU init.
type Manager struct {
	cfg   Config
	Tmp   []Region
	Abt   []Region
	Thread []Region // empty when cfg.Pager is true; use ThreadStackVAEnd instead.

	pager Pager
	// highWater is created empty by New and not read or written after
	// that; ReleaseThreadStack takes the stack pointer from its caller.
	highWater map[int]uint64
}

// New builds the stack regions described by cfg. Canaries, if enabled, are
// initialized immediately, matching "Canaries are initialized once by the
// primary core."
func New(cfg Config, pager Pager) (*Manager, error) {
	if cfg.Pager && pager == nil {
		return nil, fmt.Errorf("stackmgr: pager-backed stacks enabled but no Pager provided")
	}
	m := &Manager{cfg: cfg, pager: pager, highWater: map[int]uint64{}}

	// Synthetic bump allocator: real virtual addresses come from the
	// out-of-scope memory manager; this module only needs distinct,
	// stable top-of-stack values to exercise the canary and bookkeeping
	// protocol.
	next := uint64(0x1000_0000)
	alloc := func(size uint64) uint64 {
		next += size
		return next
	}

	m.Tmp = make([]Region, cfg.NCores)
	for i := range m.Tmp {
		m.Tmp[i] = newRegion("stack_tmp", i, alloc(cfg.StackTmp), cfg.Canaries)
	}
	m.Abt = make([]Region, cfg.NCores)
	for i := range m.Abt {
		m.Abt[i] = newRegion("stack_abt", i, alloc(cfg.StackAbt), cfg.Canaries)
	}
	if !cfg.Pager {
		m.Thread = make([]Region, cfg.NThreads)
		for i := range m.Thread {
			m.Thread[i] = newRegion("stack_thread", i, alloc(cfg.StackThread), cfg.Canaries)
		}
	}
	log.WithFields(logrus.Fields{"cores": cfg.NCores, "threads": cfg.NThreads, "pager": cfg.Pager}).Debug("stack regions initialized")
	return m, nil
}

// CheckCanaries validates every reserved region, invoked at entry to every
// SMC dispatch path. A mismatch panics naming the stack and index, per
// spec §8 scenario 6.
func (m *Manager) CheckCanaries() {
	for i := range m.Tmp {
		m.Tmp[i].check()
	}
	for i := range m.Abt {
		m.Abt[i].check()
	}
	for i := range m.Thread {
		m.Thread[i].check()
	}
}

// ThreadStackVAEnd returns the top address of threadID's kernel stack.
// When pager-backed stacks are enabled, every call asks the pager to
// allocate the stack; the result is not cached here.
func (m *Manager) ThreadStackVAEnd(threadID int) (uint64, error) {
	if !m.cfg.Pager {
		if threadID < 0 || threadID >= len(m.Thread) {
			return 0, fmt.Errorf("stackmgr: thread id %d out of range", threadID)
		}
		return m.Thread[threadID].VAEnd, nil
	}
	const guardBytes = 4096
	return m.pager.AllocThreadStack(threadID, guardBytes, m.cfg.StackThread)
}

// ReleaseThreadStack returns unused pages of a pager-backed thread stack
// on thread release. It is a no-op when pager-backed stacks are disabled.
func (m *Manager) ReleaseThreadStack(threadID int, vaEnd, stackPointer uint64) StackStats {
	if !m.cfg.Pager {
		return StackStats{ThreadID: threadID}
	}
	reclaimed := m.pager.ReleaseUnused(threadID, vaEnd, stackPointer)
	return StackStats{ThreadID: threadID, ReclaimedBytes: reclaimed}
}
