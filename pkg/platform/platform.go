// Package platform declares the external collaborators the dispatch core
// consumes but does not implement: the physical memory manager, the
// trusted-application session manager, the platform PRNG, and the
// process-wide fast/FIQ/power handler table. Every type here is an
// interface or a pure-data configuration struct; no platform package file
// touches process state.
package platform

import "github.com/cortexsec/teecore/pkg/abi"

// SharedMemory validates and translates the NS-supplied physical argument
// pointer. The physical-to-virtual mapping and the non-secure region
// bookkeeping live entirely outside this module.
type SharedMemory interface {
	// IsNonSecure reports whether [pa, pa+length) lies entirely inside the
	// registered non-secure shared-memory region.
	IsNonSecure(pa, length uint64) bool
	// Translate returns a byte slice view of [pa, pa+length) for reading
	// or writing, or ok=false if the range is not currently mapped.
	Translate(pa, length uint64) (buf []byte, ok bool)
}

// RPCAllocator is the NS-mediated allocator used for the core's own RPC
// argument buffers (spec §4.6's "lazily ensures an RPC argument buffer is
// allocated").
type RPCAllocator interface {
	// Alloc requests size bytes of non-secure shared memory, returning its
	// physical address and an opaque cookie NS uses to free it later.
	Alloc(size uint64) (pa, cookie uint64, ok bool)
	Free(cookie uint64)
}

// EntropyFeeder is the platform PRNG's jitter-entropy sink, fed once
// before every RPC suspension (spec §4.7, SPEC_FULL §4.12).
type EntropyFeeder interface {
	FeedJitter(sample uint64)
}

// SessionManager is the trusted-application session layer. It is the only
// collaborator permitted to issue RPCs mid-call, via the RPCContext handed
// to InvokeCommand.
type SessionManager interface {
	OpenSession(identity abi.Identity, uuid abi.UUID, params []abi.Param) (session uint64, outParams []abi.Param, res abi.Result, origin abi.ErrorOrigin)
	CloseSession(session uint64) (res abi.Result, origin abi.ErrorOrigin)
	InvokeCommand(rpc RPCContext, session uint64, fn uint32, params []abi.Param) (outParams []abi.Param, res abi.Result, origin abi.ErrorOrigin)
	// CancelCommand marks the cancellation bit; the session layer observes
	// it on its own next cooperative check (spec §5 "Cancellation").
	CancelCommand(session uint64)
}

// RPCContext is handed to a SessionManager so it can suspend the calling
// thread to request a service from NS world mid-invocation, without the
// session layer needing to know about thread slots, channels, or SMC
// return codes.
type RPCContext interface {
	// CMD issues a generic RPC command, suspending until NS resumes with
	// any INOUT/OUTPUT parameters refreshed in place.
	CMD(cmd uint32, params []abi.Param) ([]abi.Param, error)
	// Alloc requests size bytes of NS shared memory for the duration of
	// this invocation.
	Alloc(size uint64) (pa uint64, cookie uint64, ok bool)
	Free(cookie uint64)
}

// Handlers is the immutable, construction-time table of platform-supplied
// entry points. It holds eight of them; there is no std-smc handler field,
// since standard calls are routed through SessionManager by package
// stdentry. A zero value field means that entry point is unregistered;
// callers must check before invoking.
type Handlers struct {
	FastSMC      func(args *abi.SMCArgs)
	FIQ          func()
	CPUOn        func(core int)
	CPUOff       func(core int)
	CPUSuspend   func(core int)
	CPUResume    func(core int)
	SystemOff    func()
	SystemReset  func()
}

// Config bundles every platform collaborator the core is constructed
// with. It is built once and never mutated afterward, per the design
// note on the global function-pointer table.
type Config struct {
	Sessions  SessionManager
	SHM       SharedMemory
	Allocator RPCAllocator
	Entropy   EntropyFeeder
	Handlers  Handlers
}
