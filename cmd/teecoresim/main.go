// Command teecoresim wires fake implementations of every external
// platform collaborator around the dispatch core and drives one clean
// OPEN_SESSION round trip through it. The fake session manager's
// InvokeCommand asks for an RPC allocation on command 1, but main does not
// issue an INVOKE_COMMAND, so the suspend/resume path is not driven here.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/pool"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/corelocal"
	"github.com/cortexsec/teecore/pkg/dispatch"
	"github.com/cortexsec/teecore/pkg/platform"
)

var log = logrus.WithField("pkg", "teecoresim")

type memSHM struct {
	base, size uint64
	buf        []byte
}

func (m *memSHM) IsNonSecure(pa, length uint64) bool {
	return pa >= m.base && pa+length <= m.base+m.size
}

func (m *memSHM) Translate(pa, length uint64) ([]byte, bool) {
	if !m.IsNonSecure(pa, length) {
		return nil, false
	}
	off := pa - m.base
	return m.buf[off : off+length], true
}

// bumpAllocator hands out physical addresses by bumping a pointer and
// cookies from a fixed-range pool, keeping the two identifier spaces
// distinct the way a real NS-side allocator would.
type bumpAllocator struct {
	next    uint64
	shm     *memSHM
	cookies pool.Pool
}

func (a *bumpAllocator) Alloc(size uint64) (uint64, uint64, bool) {
	pa := a.next
	a.next += (size + 7) &^ 7
	if !a.shm.IsNonSecure(pa, size) {
		return 0, 0, false
	}
	cookie, ok := a.cookies.Get()
	if !ok {
		return 0, 0, false
	}
	return pa, cookie, true
}
func (a *bumpAllocator) Free(cookie uint64) {
	a.cookies.Put(cookie)
	log.WithField("cookie", cookie).Debug("NS freed RPC buffer")
}

type logEntropy struct{}

func (logEntropy) FeedJitter(sample uint64) {
	log.WithField("sample", sample).Trace("jitter entropy fed")
}

// echoSessions is a minimal trusted-application session manager: it
// echoes OpenSession/InvokeCommand and, on command 1, asks for a 4KiB
// shared-memory allocation via RPC before returning, exercising the
// suspend/resume path end to end.
type echoSessions struct{ nextSession uint64 }

func (e *echoSessions) OpenSession(identity abi.Identity, uuid abi.UUID, params []abi.Param) (uint64, []abi.Param, abi.Result, abi.ErrorOrigin) {
	e.nextSession++
	log.WithFields(logrus.Fields{"session": e.nextSession, "login": identity.Login}).Info("session opened")
	return e.nextSession, params, abi.Success, abi.OriginTEE
}

func (e *echoSessions) CloseSession(session uint64) (abi.Result, abi.ErrorOrigin) {
	log.WithField("session", session).Info("session closed")
	return abi.Success, abi.OriginTEE
}

func (e *echoSessions) InvokeCommand(rpc platform.RPCContext, session uint64, fn uint32, params []abi.Param) ([]abi.Param, abi.Result, abi.ErrorOrigin) {
	if fn == 1 {
		pa, cookie, ok := rpc.Alloc(4096)
		if !ok {
			return nil, abi.ErrorGeneric, abi.OriginTEE
		}
		log.WithFields(logrus.Fields{"pa": pa, "cookie": cookie}).Info("RPC allocation granted")
		rpc.Free(cookie)
	}
	return params, abi.Success, abi.OriginTEE
}

func (e *echoSessions) CancelCommand(session uint64) {
	log.WithField("session", session).Info("cancellation requested")
}

func main() {
	logrus.SetLevel(logrus.DebugLevel)

	corelocal.Init(2)
	if err := corelocal.BindCurrentOSThread(0); err != nil {
		log.WithError(err).Fatal("bind primary core")
	}
	corelocal.SetExceptions(corelocal.IRQ)
	defer corelocal.UnbindCurrentOSThread()

	shm := &memSHM{base: 0x4000_0000, size: 1 << 20, buf: make([]byte, 1<<20)}
	plat := platform.Config{
		Sessions:  &echoSessions{},
		SHM:       shm,
		Allocator: &bumpAllocator{next: shm.base + 4096, shm: shm, cookies: pool.Pool{Start: 1, Limit: 1 << 16}},
		Entropy:   logEntropy{},
	}
	core, err := dispatch.New(dispatch.Config{
		NThreads: 4, NCores: 2,
		StackTmp: 4096, StackAbt: 4096, StackThread: 16384,
		Canaries: true, EntryVA: 0x1_0000,
	}, plat, nil)
	if err != nil {
		log.WithError(err).Fatal("construct dispatch core")
	}

	arg := &abi.MsgArg{Cmd: abi.CmdOpenSession, Params: []abi.Param{
		{Attr: uint64(abi.ParamTypeValueInput) | abi.AttrMeta},
		{Attr: uint64(abi.ParamTypeValueInput) | abi.AttrMeta, Value: struct{ A, B, C uint64 }{uint64(abi.LoginPublic), 0, 0}},
	}}
	size := abi.ArgSize(uint32(len(arg.Params)))
	if err := arg.Marshal(shm.buf[:size]); err != nil {
		log.WithError(err).Fatal("marshal open_session arg")
	}
	out := core.HandleStdSMC(0, abi.SMCArgs{A0: abi.CallWithArg, A1: shm.base >> 32, A2: shm.base & 0xFFFF_FFFF})
	log.WithField("a0", out.A0).Info("open_session returned")

	if out.A0 != abi.ReturnOK {
		os.Exit(1)
	}
}
