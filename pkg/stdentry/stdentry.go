// Package stdentry implements the standard-call command demultiplexer:
// OPEN_SESSION/CLOSE_SESSION/INVOKE_COMMAND/CANCEL, parameter copy-in/out,
// meta-parameter extraction for OpenSession, and login validation.
package stdentry

import (
	"github.com/sirupsen/logrus"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/platform"
	"github.com/cortexsec/teecore/pkg/threadtable"
)

var log = logrus.WithField("pkg", "stdentry")

func reject(arg *abi.MsgArg) {
	arg.Ret = abi.ErrorBadParameters
	arg.RetOrigin = abi.OriginTEE
}

// Handle demultiplexes one dispatched std-SMC command, mutating arg in
// place and issuing RPCs through rpc as the session layer requires them.
// The caller's a0 is always RETURN_OK on return from Handle; the
// command-level result lives in arg.Ret/arg.RetOrigin, per spec §4.8 step
// 6.
//
// "Enable IRQs for the duration of the standard call" (spec §4.8 step 1)
// is deliberately not modeled here: the handler for a dispatched thread
// runs on its own goroutine that is not itself bound to any one physical
// core for the call's duration (it may suspend and be resumed on a
// different core entirely), so there is no single core-local exception
// mask to save and restore around it. The masking discipline lives where
// a goroutine genuinely is core-bound: corelocal and globallock.
func Handle(rpc platform.RPCContext, sessions platform.SessionManager, shm platform.SharedMemory, tsd *threadtable.TSD, arg *abi.MsgArg) {
	if arg.NumParams > abi.MaxParams || len(arg.Params) > abi.MaxParams {
		reject(arg)
		return
	}

	switch arg.Cmd {
	case abi.CmdOpenSession:
		handleOpenSession(sessions, arg)
	case abi.CmdCloseSession:
		res, origin := sessions.CloseSession(arg.Session)
		arg.Ret, arg.RetOrigin = res, origin
	case abi.CmdInvokeCommand:
		handleInvokeCommand(rpc, sessions, shm, arg)
	case abi.CmdCancel:
		tsd.CancelRequested.Store(true)
		sessions.CancelCommand(arg.Session)
		arg.Ret, arg.RetOrigin = abi.Success, abi.OriginTEE
	default:
		log.WithField("cmd", arg.Cmd).Warn("unrecognized standard-entry command")
		reject(arg)
	}
}

func hasBadMemrefBounds(shm platform.SharedMemory, params []abi.Param) bool {
	for i := range params {
		p := &params[i]
		switch p.Type() {
		case abi.ParamTypeTMemInput, abi.ParamTypeTMemOutput, abi.ParamTypeTMemInout:
			if !shm.IsNonSecure(p.TMem.BufPtr, p.TMem.Size) {
				return true
			}
		}
	}
	return false
}

func hasMetaOrFragment(params []abi.Param, allowMeta int) bool {
	for i := range params {
		p := &params[i]
		if p.HasFragment() {
			return true
		}
		if p.HasMeta() && i >= allowMeta {
			return true
		}
	}
	return false
}

func handleOpenSession(sessions platform.SessionManager, arg *abi.MsgArg) {
	if len(arg.Params) < 2 || !arg.Params[0].HasMeta() || !arg.Params[1].HasMeta() {
		reject(arg)
		return
	}
	if hasMetaOrFragment(arg.Params[2:], 0) {
		reject(arg)
		return
	}

	var uuid abi.UUID
	putU64(uuid[0:8], arg.Params[0].Value.A)
	putU64(uuid[8:16], arg.Params[0].Value.B)

	login := abi.Login(arg.Params[1].Value.A)
	if !abi.ValidLogin(login) {
		reject(arg)
		return
	}
	identity := abi.Identity{Login: login}
	if login == abi.LoginApplication || login == abi.LoginApplicationUser || login == abi.LoginApplicationGroup {
		putU64(identity.UUID[0:8], arg.Params[1].Value.B)
		putU64(identity.UUID[8:16], arg.Params[1].Value.C)
	}

	rest := arg.Params[2:]
	session, outParams, res, origin := sessions.OpenSession(identity, uuid, rest)
	arg.Session, arg.Ret, arg.RetOrigin = session, res, origin
	copyOutParams(rest, outParams)
}

func handleInvokeCommand(rpc platform.RPCContext, sessions platform.SessionManager, shm platform.SharedMemory, arg *abi.MsgArg) {
	if hasMetaOrFragment(arg.Params, 0) || hasBadMemrefBounds(shm, arg.Params) {
		reject(arg)
		return
	}
	outParams, res, origin := sessions.InvokeCommand(rpc, arg.Session, arg.Func, arg.Params)
	arg.Ret, arg.RetOrigin = res, origin
	copyOutParams(arg.Params, outParams)
}

// copyOutParams writes updated values back to the shared record: full
// value for VALUE_OUTPUT/INOUT, size only (never the pointer) for memref
// outputs, per spec §4.8 step 5.
func copyOutParams(dst []abi.Param, src []abi.Param) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		switch dst[i].Type() {
		case abi.ParamTypeValueOutput, abi.ParamTypeValueInout:
			dst[i].Value = src[i].Value
		case abi.ParamTypeTMemOutput, abi.ParamTypeTMemInout,
			abi.ParamTypeRMemOutput, abi.ParamTypeRMemInout:
			dst[i].TMem.Size = src[i].TMem.Size
			dst[i].Value.B = src[i].TMem.Size
		}
	}
}

func putU64(dst []byte, v uint64) {
	for i := 0; i < 8 && i < len(dst); i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
