// Package dispatch is the top-level facade: it wires the stack manager,
// thread table, RPC argument cache and standard-entry demux together into
// the two platform-called SMC entry points, fast-smc and std-smc.
//
// Suspending a thread to perform an RPC and resuming it — possibly on a
// different physical core — is modeled the way the teacher dispatches
// ptrace stub requests: each allocated thread runs its handler on its own
// goroutine, which blocks on a channel whenever it needs service from NS
// world, while Core pumps the corresponding SMC entry point between the
// goroutine's "I need to suspend" and "I'm done" channels. Go's scheduler
// does the rest: nothing here pins the goroutine to the core that
// allocated it, so resuming on a different core is simply calling
// HandleStdSMC from a different bound goroutine.
package dispatch

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/corelocal"
	"github.com/cortexsec/teecore/pkg/platform"
	"github.com/cortexsec/teecore/pkg/stackmgr"
	"github.com/cortexsec/teecore/pkg/stdentry"
	"github.com/cortexsec/teecore/pkg/threadtable"
)

var log = logrus.WithField("pkg", "dispatch")

// Config is the single build-time configuration struct called for by the
// design notes, bundling the stack/table sizing and feature toggles.
type Config struct {
	NThreads    int
	NCores      int
	StackTmp    uint64
	StackAbt    uint64
	StackThread uint64
	Canaries    bool
	Pager       bool
	VFP         bool
	ArmTrustedFirmware bool
	TraceLevel  int
	EntryVA     uint64
}

// Core is the constructed dispatch core: owns the stack manager, thread
// table, and platform collaborators, all fixed at New. Only runtimes, the
// map of running handler goroutines by slot, changes afterwards.
type Core struct {
	cfg      Config
	stacks   *stackmgr.Manager
	table    *threadtable.Table
	platform platform.Config

	runtimes map[int]*slotRuntime
}

// New builds a dispatch core from cfg and plat, allocating all stack
// regions immediately (SPEC_FULL §0 "Configuration").
func New(cfg Config, plat platform.Config, pager stackmgr.Pager) (*Core, error) {
	stacks, err := stackmgr.New(stackmgr.Config{
		NCores: cfg.NCores, NThreads: cfg.NThreads,
		StackTmp: cfg.StackTmp, StackAbt: cfg.StackAbt, StackThread: cfg.StackThread,
		Canaries: cfg.Canaries, Pager: cfg.Pager,
	}, pager)
	if err != nil {
		return nil, err
	}
	tbl := threadtable.New(threadtable.Config{
		NThreads: cfg.NThreads, NCores: cfg.NCores, EntryVA: cfg.EntryVA,
		VFPForceSave: cfg.VFP && cfg.ArmTrustedFirmware,
	}, stacks)
	return &Core{cfg: cfg, stacks: stacks, table: tbl, platform: plat, runtimes: map[int]*slotRuntime{}}, nil
}

// Table exposes the underlying thread table for boot-thread setup and
// diagnostics.
func (c *Core) Table() *threadtable.Table { return c.table }

// slotRuntime is the channel triple connecting a dispatched thread's
// handler goroutine to the Core pumping its SMC entry calls.
type slotRuntime struct {
	suspendReq chan abi.SMCArgs
	resumeData chan abi.SMCArgs
	done       chan abi.SMCArgs
}

func newSlotRuntime() *slotRuntime {
	return &slotRuntime{
		suspendReq: make(chan abi.SMCArgs),
		resumeData: make(chan abi.SMCArgs),
		done:       make(chan abi.SMCArgs, 1),
	}
}

// HandleFastSMC invokes the registered fast-smc handler. It is stateless:
// no thread is allocated, no canaries are checked, and the handler must
// not leave exceptions unmasked differently than it found them.
func (c *Core) HandleFastSMC(args *abi.SMCArgs) {
	h := c.platform.Handlers.FastSMC
	if h == nil {
		return
	}
	before := corelocal.GetExceptions()
	h(args)
	after := corelocal.GetExceptions()
	if unmasked := before &^ after; unmasked != 0 {
		panic(fmt.Sprintf("dispatch: fast-smc handler unmasked exceptions %#x", uint32(unmasked)))
	}
}

// HandleStdSMC is the std-smc entry point (spec §4.6): it checks canaries,
// demuxes resume-from-RPC vs fresh allocation, and pumps the dispatched
// thread's goroutine until it suspends for an RPC or completes.
func (c *Core) HandleStdSMC(core int, args abi.SMCArgs) abi.SMCArgs {
	c.stacks.CheckCanaries()
	if args.A0 == abi.CallReturnFromRPC {
		return c.resumeFromRPC(core, args)
	}
	return c.allocAndRun(core, args)
}

func (c *Core) allocAndRun(core int, args abi.SMCArgs) abi.SMCArgs {
	slot, err := c.table.AllocAndRun(core, args)
	if err != nil {
		log.WithError(err).Warn("alloc_and_run failed")
		return abi.SMCArgs{A0: abi.ReturnEThreadLimit}
	}
	c.table.SetHypClntID(slot, args.A7)
	rt := newSlotRuntime()
	c.runtimes[slot] = rt
	go c.runThread(slot, rt, args)
	return c.pump(core, slot, rt)
}

func (c *Core) resumeFromRPC(core int, args abi.SMCArgs) abi.SMCArgs {
	slot, err := c.table.ResumeFromRPC(core, args)
	if err != nil {
		log.WithError(err).Warn("resume_from_rpc failed")
		return abi.SMCArgs{A0: abi.ReturnEResume}
	}
	rt, ok := c.runtimes[slot]
	if !ok {
		panic("dispatch: resumed slot has no running handler goroutine")
	}
	rt.resumeData <- args
	return c.pump(core, slot, rt)
}

func (c *Core) pump(core, slot int, rt *slotRuntime) abi.SMCArgs {
	select {
	case sreq := <-rt.suspendReq:
		c.table.StateSuspend(core, slot, 0, sreq.A0, 0)
		return sreq
	case final := <-rt.done:
		c.table.StateFree(core, slot)
		delete(c.runtimes, slot)
		return final
	}
}

// runThread plays the role of __thread_std_smc_entry: it runs entirely on
// its own goroutine so it can block mid-call whenever the session layer
// needs an RPC round trip.
func (c *Core) runThread(slot int, rt *slotRuntime, args abi.SMCArgs) {
	rc := &rpcContext{core: c, slot: slot, rt: rt}

	numParams := abi.MaxParams
	if err := c.table.EnsureRPCArg(slot, c.platform.SHM, c.platform.Allocator, abi.ArgSize(uint32(numParams))); err != nil {
		log.WithError(err).Warn("rpc argument buffer allocation failed")
		rt.done <- abi.SMCArgs{A0: abi.ReturnENoMem}
		return
	}

	pa := (args.A1 << 32) | args.A2
	buf, ok := c.platform.SHM.Translate(pa, abi.ArgSize(uint32(numParams)))
	if !ok {
		rt.done <- abi.SMCArgs{A0: abi.ReturnEBadAddr}
		return
	}
	arg, err := abi.Unmarshal(buf, uint32(numParams))
	if err != nil {
		rt.done <- abi.SMCArgs{A0: abi.ReturnEBadAddr}
		return
	}

	tsd := c.table.TSD(slot)
	stdentry.Handle(rc, c.platform.Sessions, c.platform.SHM, tsd, arg)
	tsd.FSRPCCache = nil // unconditional flush on every std-SMC call, spec §4.6

	_ = arg.Marshal(buf)
	c.table.ReleaseRPCArg(slot, c.platform.Allocator)
	rt.done <- abi.SMCArgs{A0: abi.ReturnOK}
}

// rpcContext implements platform.RPCContext by suspending the calling
// goroutine on the slot's channel triple until Core's pump loop resumes
// it with NS-supplied data.
type rpcContext struct {
	core *Core
	slot int
	rt   *slotRuntime
}

func (rc *rpcContext) feedEntropy() {
	if e := rc.core.platform.Entropy; e != nil {
		e.FeedJitter(uint64(time.Now().UnixNano()))
	}
}

func (rc *rpcContext) suspend(req abi.SMCArgs) abi.SMCArgs {
	rc.feedEntropy()
	rc.rt.suspendReq <- req
	return <-rc.rt.resumeData
}

// CMD issues a generic command to NS, referencing the slot's cached RPC
// argument buffer by cookie. NS copies its reply into the same buffer; on
// resume, INOUT/OUTPUT slots are re-read from it (spec §4.7).
func (rc *rpcContext) CMD(cmd uint32, params []abi.Param) ([]abi.Param, error) {
	tbl := rc.core.table
	pa, cookie, size := tbl.RPCArgPA(rc.slot), tbl.RPCArgCookie(rc.slot), tbl.RPCArgSize(rc.slot)
	if size == 0 {
		return nil, fmt.Errorf("dispatch: rpc cmd with no cached argument buffer")
	}
	buf, ok := rc.core.platform.SHM.Translate(pa, size)
	if !ok {
		return nil, fmt.Errorf("dispatch: rpc cmd argument buffer not addressable")
	}
	out := &abi.MsgArg{Cmd: cmd, Params: params}
	if err := out.Marshal(buf); err != nil {
		return nil, fmt.Errorf("dispatch: marshal rpc cmd argument: %w", err)
	}

	rc.suspend(abi.SMCArgs{A0: abi.ReturnRPCCmd, A1: uint64(cmd), A2: cookie})

	in, err := abi.Unmarshal(buf, uint32(len(params)))
	if err != nil {
		return nil, fmt.Errorf("dispatch: unmarshal rpc cmd result: %w", err)
	}
	for i := range params {
		switch params[i].Type() {
		case abi.ParamTypeValueOutput, abi.ParamTypeValueInout,
			abi.ParamTypeTMemOutput, abi.ParamTypeTMemInout,
			abi.ParamTypeRMemOutput, abi.ParamTypeRMemInout:
			params[i] = in.Params[i]
		}
	}
	return params, nil
}

func (rc *rpcContext) Alloc(size uint64) (uint64, uint64, bool) {
	resume := rc.suspend(abi.SMCArgs{A0: abi.ReturnRPCAlloc, A1: size})
	pa := resume.A1
	cookie := resume.A2
	if pa%abi.Align != 0 || !rc.core.platform.SHM.IsNonSecure(pa, size) {
		rc.Free(cookie)
		return 0, 0, false
	}
	return pa, cookie, true
}

func (rc *rpcContext) Free(cookie uint64) {
	rc.suspend(abi.SMCArgs{A0: abi.ReturnRPCFree, A1: cookie})
}
