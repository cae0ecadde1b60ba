// Package vfp implements the three-layer lazy floating-point save/restore
// state machine: NS world, secure-kernel, and secure-user (by weak
// reference to a session's bound FPU state).
//
// Each layer carries its own none/pending/saved tag in place of the
// original's booleans. The tags are independent of each other: nothing in
// the types prevents a secure-kernel and a secure-user context from both
// being live at once.
package vfp

import "fmt"

// layer is the tagged state of one lazy-save slot.
type layer int

const (
	layerNone layer = iota
	layerPending
	layerSaved
)

func (l layer) String() string {
	switch l {
	case layerNone:
		return "none"
	case layerPending:
		return "pending"
	case layerSaved:
		return "saved"
	default:
		return "invalid"
	}
}

// UserState is a session's bound user-level FPU register file. The thread
// holds only a weak reference to it; ownership stays with the session.
type UserState struct {
	// Registers is an opaque architectural register blob; the core never
	// interprets its contents.
	Registers [64]uint64
	saved     layer
}

// State is one thread's three-layer FPU bookkeeping.
//
// ns and sec each hold a layer tag, and the bound user state holds its own
// in UserState. These three tags are set independently; State does not
// check that at most one of the secure-kernel and secure-user contexts is
// live.
type State struct {
	ns  layer
	sec layer

	// uvfp is a weak reference to the currently bound session FPU state,
	// or nil when no session is bound.
	uvfp *UserState

	// ForceSave mirrors the design's ARM-Trusted-Firmware quirk: on
	// 64-bit targets booted under ATF, the NS FPU must always be
	// preserved on world entry because the firmware clobbers the enable
	// bit, so the lazy lowering of "pending" to "do nothing" is disabled.
	ForceSave bool
}

// EnterSecureWorld marks the NS FPU state pending-lazy-save on entry to
// alloc_and_run or resume_from_rpc. The save itself is deferred until the
// unit is actually touched.
func (s *State) EnterSecureWorld() {
	if s.ns == layerSaved && !s.ForceSave {
		return
	}
	s.ns = layerPending
}

// KernelEnableVFP finalizes whichever lazy save is outstanding, in priority
// order NS, then a previous secure-kernel save, then the bound user state,
// and enables the unit for secure-kernel use.
func (s *State) KernelEnableVFP(save func()) {
	switch {
	case s.ns == layerPending:
		save()
		s.ns = layerSaved
	case s.sec == layerPending:
		save()
		s.sec = layerSaved
	case s.uvfp != nil && s.uvfp.saved == layerPending:
		save()
		s.uvfp.saved = layerSaved
	}
	s.sec = layerPending
}

// KernelDisableVFP marks the secure-kernel context no longer live; the
// hardware still holds its values until something else needs the unit.
func (s *State) KernelDisableVFP() {
	if s.sec == layerPending {
		s.sec = layerNone
	}
}

// RestoreNSVFP runs on return to NS world (state_free or state_suspend): if
// the NS context was actually finalized, restore it; otherwise the hardware
// already holds NS values and there is nothing to do.
func (s *State) RestoreNSVFP(restore func()) {
	if s.ns == layerSaved {
		restore()
	}
	s.ns = layerNone
}

// UserEnableVFP binds uvfp as the active user-level FPU context, finalizing
// whatever was previously outstanding first.
func (s *State) UserEnableVFP(uvfp *UserState, save, restore func()) {
	if s.ns == layerPending {
		save()
		s.ns = layerSaved
	}
	if s.uvfp != nil && s.uvfp != uvfp && s.uvfp.saved == layerPending {
		save()
		s.uvfp.saved = layerSaved
	}
	s.uvfp = uvfp
	restore()
}

// UserSaveVFP is called when the thread suspends while user code was
// running: it initializes a lazy save of the currently bound user state.
func (s *State) UserSaveVFP() {
	if s.uvfp == nil {
		panic("vfp: UserSaveVFP called with no bound user state")
	}
	s.uvfp.saved = layerPending
}

// UserClearVFP unbinds uvfp, typically because the owning session was
// destroyed. It is a no-op if uvfp is not currently bound.
func (s *State) UserClearVFP(uvfp *UserState) {
	if s.uvfp == uvfp {
		s.uvfp = nil
	}
}

// Bound reports the currently bound user-level FPU state, if any.
func (s *State) Bound() *UserState { return s.uvfp }

// Debug returns a human-readable snapshot for logging/testing.
func (s *State) Debug() string {
	return fmt.Sprintf("ns=%s sec=%s uvfp=%v forceSave=%t", s.ns, s.sec, s.uvfp != nil, s.ForceSave)
}
