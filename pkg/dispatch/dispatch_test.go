package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/corelocal"
	"github.com/cortexsec/teecore/pkg/platform"
)

type fakeSHM struct {
	base, size uint64
	buf        []byte
}

func newFakeSHM(size uint64) *fakeSHM {
	return &fakeSHM{base: 0x1000, size: size, buf: make([]byte, size)}
}
func (s *fakeSHM) IsNonSecure(pa, length uint64) bool {
	return pa >= s.base && pa+length <= s.base+s.size
}
func (s *fakeSHM) Translate(pa, length uint64) ([]byte, bool) {
	if !s.IsNonSecure(pa, length) {
		return nil, false
	}
	off := pa - s.base
	return s.buf[off : off+length], true
}

type fakeAllocator struct{ pa uint64 }

func (a *fakeAllocator) Alloc(size uint64) (uint64, uint64, bool) { return a.pa, a.pa, true }
func (a *fakeAllocator) Free(cookie uint64)                       {}

type fakeEntropy struct{ fed int }

func (e *fakeEntropy) FeedJitter(sample uint64) { e.fed++ }

type noopSessions struct{}

func (noopSessions) OpenSession(abi.Identity, abi.UUID, []abi.Param) (uint64, []abi.Param, abi.Result, abi.ErrorOrigin) {
	return 1, nil, abi.Success, abi.OriginTEE
}
func (noopSessions) CloseSession(uint64) (abi.Result, abi.ErrorOrigin) { return abi.Success, abi.OriginTEE }
func (noopSessions) InvokeCommand(platform.RPCContext, uint64, uint32, []abi.Param) ([]abi.Param, abi.Result, abi.ErrorOrigin) {
	return nil, abi.Success, abi.OriginTEE
}
func (noopSessions) CancelCommand(uint64) {}

// rpcInvokingSessions calls rpc.Alloc mid-invocation, exercising the
// suspend/resume round trip across HandleStdSMC calls.
type rpcInvokingSessions struct{}

func (rpcInvokingSessions) OpenSession(abi.Identity, abi.UUID, []abi.Param) (uint64, []abi.Param, abi.Result, abi.ErrorOrigin) {
	return 1, nil, abi.Success, abi.OriginTEE
}
func (rpcInvokingSessions) CloseSession(uint64) (abi.Result, abi.ErrorOrigin) {
	return abi.Success, abi.OriginTEE
}
func (rpcInvokingSessions) InvokeCommand(rpc platform.RPCContext, session uint64, fn uint32, params []abi.Param) ([]abi.Param, abi.Result, abi.ErrorOrigin) {
	_, _, ok := rpc.Alloc(4096)
	if !ok {
		return nil, abi.ErrorGeneric, abi.OriginTEE
	}
	return params, abi.Success, abi.OriginTEE
}
func (rpcInvokingSessions) CancelCommand(uint64) {}

// cmdInvokingSessions issues a generic RPC_CMD mid-invocation, exercising
// the marshal-suspend-unmarshal round trip through the cached RPC argument
// buffer.
type cmdInvokingSessions struct{}

func (cmdInvokingSessions) OpenSession(abi.Identity, abi.UUID, []abi.Param) (uint64, []abi.Param, abi.Result, abi.ErrorOrigin) {
	return 1, nil, abi.Success, abi.OriginTEE
}
func (cmdInvokingSessions) CloseSession(uint64) (abi.Result, abi.ErrorOrigin) {
	return abi.Success, abi.OriginTEE
}
func (cmdInvokingSessions) InvokeCommand(rpc platform.RPCContext, session uint64, fn uint32, params []abi.Param) ([]abi.Param, abi.Result, abi.ErrorOrigin) {
	out, err := rpc.CMD(42, params)
	if err != nil {
		return nil, abi.ErrorGeneric, abi.OriginTEE
	}
	return out, abi.Success, abi.OriginTEE
}
func (cmdInvokingSessions) CancelCommand(uint64) {}

func testConfig() Config {
	return Config{
		NThreads: 2, NCores: 2,
		StackTmp: 4096, StackAbt: 4096, StackThread: 8192,
		Canaries: true, EntryVA: 0x4000_0000,
	}
}

func writeMsgArg(t *testing.T, shm *fakeSHM, arg *abi.MsgArg) abi.SMCArgs {
	t.Helper()
	size := abi.ArgSize(uint32(abi.MaxParams))
	require.LessOrEqual(t, size, shm.size)
	require.NoError(t, arg.Marshal(shm.buf[:size]))
	pa := shm.base
	return abi.SMCArgs{A0: abi.CallWithArg, A1: pa >> 32, A2: pa & 0xFFFF_FFFF}
}

func TestOpenSessionEndToEnd(t *testing.T) {
	corelocal.Init(2)
	require.NoError(t, corelocal.BindCurrentOSThread(0))
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := newFakeSHM(4096)
	plat := platform.Config{
		Sessions: noopSessions{}, SHM: shm,
		Allocator: &fakeAllocator{pa: 0x1008}, Entropy: &fakeEntropy{},
	}
	core, err := New(testConfig(), plat, nil)
	require.NoError(t, err)

	arg := &abi.MsgArg{Cmd: abi.CmdOpenSession, Params: []abi.Param{
		{Attr: uint64(abi.ParamTypeValueInput) | abi.AttrMeta},
		{Attr: uint64(abi.ParamTypeValueInput) | abi.AttrMeta, Value: struct{ A, B, C uint64 }{uint64(abi.LoginPublic), 0, 0}},
	}}
	req := writeMsgArg(t, shm, arg)
	out := core.HandleStdSMC(0, req)
	require.Equal(t, uint64(abi.ReturnOK), out.A0)

	got, err := abi.Unmarshal(shm.buf[:abi.ArgSize(abi.MaxParams)], abi.MaxParams)
	require.NoError(t, err)
	require.Equal(t, abi.Success, got.Ret)
}

func TestInvokeCommandSuspendsForRPCAllocThenResumes(t *testing.T) {
	corelocal.Init(2)
	require.NoError(t, corelocal.BindCurrentOSThread(0))
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := newFakeSHM(0x10000)
	entropy := &fakeEntropy{}
	plat := platform.Config{
		Sessions: rpcInvokingSessions{}, SHM: shm,
		Allocator: &fakeAllocator{pa: 0x1008}, Entropy: entropy,
	}
	core, err := New(testConfig(), plat, nil)
	require.NoError(t, err)

	arg := &abi.MsgArg{Cmd: abi.CmdInvokeCommand}
	req := writeMsgArg(t, shm, arg)
	suspended := core.HandleStdSMC(0, req)
	require.Equal(t, uint64(abi.ReturnRPCAlloc), suspended.A0)
	require.Greater(t, entropy.fed, 0, "jitter entropy must be fed before suspending")

	// NS supplies an aligned, in-region allocation and resumes on a
	// different core than the one that suspended.
	require.NoError(t, corelocal.BindCurrentOSThread(1))

	final := core.HandleStdSMC(1, abi.SMCArgs{
		A0: abi.CallReturnFromRPC, A3: 0, A7: 0,
		A1: 0x2000, A2: 0xCAFE,
	})
	require.Equal(t, uint64(abi.ReturnOK), final.A0)
}

func TestInvokeCommandCMDRoundTripReReadsOutputParams(t *testing.T) {
	corelocal.Init(1)
	require.NoError(t, corelocal.BindCurrentOSThread(0))
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := newFakeSHM(0x10000)
	// Use a cached RPC argument buffer address well clear of the main
	// msg_arg region at shm.base so the two shared-memory writes in this
	// test don't alias the same bytes.
	plat := platform.Config{
		Sessions: cmdInvokingSessions{}, SHM: shm,
		Allocator: &fakeAllocator{pa: 0x9000}, Entropy: &fakeEntropy{},
	}
	core, err := New(testConfig(), plat, nil)
	require.NoError(t, err)

	arg := &abi.MsgArg{Cmd: abi.CmdInvokeCommand, Params: []abi.Param{
		{Attr: uint64(abi.ParamTypeValueInout)},
	}}
	req := writeMsgArg(t, shm, arg)
	suspended := core.HandleStdSMC(0, req)
	require.Equal(t, uint64(abi.ReturnRPCCmd), suspended.A0)
	require.Equal(t, uint64(42), suspended.A1)
	require.Equal(t, uint64(0x9000), suspended.A2, "cookie must identify the cached rpc argument buffer")

	// NS writes an updated output value directly into the cached RPC
	// argument buffer before resuming.
	rpcBuf, ok := shm.Translate(0x9000, abi.ArgSize(abi.MaxParams))
	require.True(t, ok)
	reply, err := abi.Unmarshal(rpcBuf, abi.MaxParams)
	require.NoError(t, err)
	reply.Params[0].Value.A = 0xFEED
	require.NoError(t, reply.Marshal(rpcBuf))

	final := core.HandleStdSMC(0, abi.SMCArgs{A0: abi.CallReturnFromRPC, A3: 0, A7: 0})
	require.Equal(t, uint64(abi.ReturnOK), final.A0)

	got, err := abi.Unmarshal(shm.buf[:abi.ArgSize(abi.MaxParams)], abi.MaxParams)
	require.NoError(t, err)
	require.Equal(t, uint64(0xFEED), got.Params[0].Value.A)
}

func TestFastSMCInvokesRegisteredHandler(t *testing.T) {
	corelocal.Init(1)
	require.NoError(t, corelocal.BindCurrentOSThread(0))
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := newFakeSHM(4096)
	called := false
	plat := platform.Config{
		Sessions: noopSessions{}, SHM: shm, Allocator: &fakeAllocator{},
		Handlers: platform.Handlers{FastSMC: func(args *abi.SMCArgs) {
			called = true
			args.A0 = 0x99
		}},
	}
	core, err := New(testConfig(), plat, nil)
	require.NoError(t, err)

	args := abi.SMCArgs{}
	core.HandleFastSMC(&args)
	require.True(t, called)
	require.Equal(t, uint64(0x99), args.A0)
}

func TestCheckCanariesPanicsOnCorruption(t *testing.T) {
	corelocal.Init(1)
	require.NoError(t, corelocal.BindCurrentOSThread(0))
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := newFakeSHM(4096)
	plat := platform.Config{Sessions: noopSessions{}, SHM: shm, Allocator: &fakeAllocator{}}
	core, err := New(testConfig(), plat, nil)
	require.NoError(t, err)
	core.stacks.Thread[0].Corrupt()

	req := abi.SMCArgs{A0: abi.CallWithArg}
	require.Panics(t, func() { core.HandleStdSMC(0, req) })
}
