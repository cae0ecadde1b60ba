package abi

import (
	"encoding/binary"
	"fmt"
)

// ParamType is the low-bits type field of a parameter's Attr.
type ParamType uint32

const (
	ParamTypeNone ParamType = iota
	ParamTypeValueInput
	ParamTypeValueOutput
	ParamTypeValueInout
	ParamTypeTMemInput
	ParamTypeTMemOutput
	ParamTypeTMemInout
	ParamTypeRMemInput
	ParamTypeRMemOutput
	ParamTypeRMemInout
)

// Attr flag bits occupy the high bits of Param.Attr; the low bits carry a
// ParamType.
const (
	AttrTypeMask = 0xff
	AttrMeta     = 1 << 8
	AttrFragment = 1 << 9
)

// Param is one parameter slot of a MsgArg. Value and TMem overlap in the
// original C union; Go keeps them as separate fields. On the wire they share
// the same three words: Marshal encodes Value for every parameter type and
// does not read TMem, and Unmarshal fills both Value and TMem from those
// words.
type Param struct {
	Attr uint64

	Value struct{ A, B, C uint64 }
	TMem  struct {
		BufPtr uint64
		Size   uint64
		ShmRef uint64
	}
}

// Type returns the ParamType encoded in Attr.
func (p *Param) Type() ParamType { return ParamType(p.Attr & AttrTypeMask) }

// HasMeta reports whether the META flag is set.
func (p *Param) HasMeta() bool { return p.Attr&AttrMeta != 0 }

// HasFragment reports whether the FRAGMENT flag is set.
func (p *Param) HasFragment() bool { return p.Attr&AttrFragment != 0 }

// IsMemRef reports whether p's type references shared memory.
func (p *Param) IsMemRef() bool {
	switch p.Type() {
	case ParamTypeTMemInput, ParamTypeTMemOutput, ParamTypeTMemInout,
		ParamTypeRMemInput, ParamTypeRMemOutput, ParamTypeRMemInout:
		return true
	default:
		return false
	}
}

// MsgArg is the fixed-header argument record shared with the NS world.
type MsgArg struct {
	Cmd       uint32
	Func      uint32
	Session   uint64
	CancelID  uint64
	Ret       Result
	RetOrigin ErrorOrigin
	NumParams uint32

	Params []Param
}

// msgArgHeaderSize is the byte size of MsgArg's fixed header, rounded to a
// 64-bit-aligned boundary as required of every field in the record.
const msgArgHeaderSize = 40

// paramSize is the byte size of one wire-format Param.
const paramSize = 8 + 8*3

// ArgSize returns the total shared-memory footprint needed to hold a
// MsgArg with the given number of parameter slots.
func ArgSize(numParams uint32) uint64 {
	return msgArgHeaderSize + uint64(numParams)*paramSize
}

// Align is the required alignment, in bytes, of a MsgArg's shared-memory
// address and of its overall size.
const Align = 8

// Marshal encodes m into the fixed wire layout described by §6. len(buf)
// must be at least ArgSize(len(m.Params)).
func (m *MsgArg) Marshal(buf []byte) error {
	need := ArgSize(uint32(len(m.Params)))
	if uint64(len(buf)) < need {
		return fmt.Errorf("abi: buffer too small: have %d need %d", len(buf), need)
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], m.Cmd)
	le.PutUint32(buf[4:], m.Func)
	le.PutUint64(buf[8:], m.Session)
	le.PutUint64(buf[16:], m.CancelID)
	le.PutUint32(buf[24:], uint32(m.Ret))
	le.PutUint32(buf[28:], uint32(m.RetOrigin))
	le.PutUint32(buf[32:], uint32(len(m.Params)))
	// bytes [36:40] are padding to keep the parameter array 8-byte aligned.
	off := msgArgHeaderSize
	for i := range m.Params {
		p := &m.Params[i]
		le.PutUint64(buf[off:], p.Attr)
		le.PutUint64(buf[off+8:], p.Value.A)
		le.PutUint64(buf[off+16:], p.Value.B)
		le.PutUint64(buf[off+24:], p.Value.C)
		off += paramSize
	}
	return nil
}

// Unmarshal decodes a MsgArg with numParams parameter slots from buf.
func Unmarshal(buf []byte, numParams uint32) (*MsgArg, error) {
	need := ArgSize(numParams)
	if uint64(len(buf)) < need {
		return nil, fmt.Errorf("abi: buffer too small: have %d need %d", len(buf), need)
	}
	le := binary.LittleEndian
	m := &MsgArg{
		Cmd:       le.Uint32(buf[0:]),
		Func:      le.Uint32(buf[4:]),
		Session:   le.Uint64(buf[8:]),
		CancelID:  le.Uint64(buf[16:]),
		Ret:       Result(le.Uint32(buf[24:])),
		RetOrigin: ErrorOrigin(le.Uint32(buf[28:])),
		NumParams: le.Uint32(buf[32:]),
	}
	off := msgArgHeaderSize
	m.Params = make([]Param, numParams)
	for i := 0; i < int(numParams); i++ {
		p := &m.Params[i]
		p.Attr = le.Uint64(buf[off:])
		p.Value.A = le.Uint64(buf[off+8:])
		p.Value.B = le.Uint64(buf[off+16:])
		p.Value.C = le.Uint64(buf[off+24:])
		// TMem/RMem fields alias Value in the wire record.
		p.TMem.BufPtr = p.Value.A
		p.TMem.Size = p.Value.B
		p.TMem.ShmRef = p.Value.C
		off += paramSize
	}
	return m, nil
}
