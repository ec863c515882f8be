package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// x87Top loads/adjusts CPUState.Top, the in-context stack pointer that
// models ST(0..7) rotation without physically shifting FPR data (spec
// §4.2 "x87, MMX, SSE").
func (d *Dispatcher) x87Top() ir.Ref {
	return d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI8, Imm: int64(d.layout.TopOffset)})
}

func (d *Dispatcher) x87SetTop(v ir.Ref) {
	d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI8, Imm: int64(d.layout.TopOffset), Args: [3]ir.Ref{v}})
}

// x87StOffset computes the FPR slot offset for ST(n) given the current
// Top, wrapping modulo 8 via a mask since Top only ever holds 0..7 and 8
// is a power of two.
func (d *Dispatcher) x87StOffset(n uint8) ir.Ref {
	top := d.x87Top()
	nRef := d.constructConst(1, int64(n))
	idx := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI8, Args: [3]ir.Ref{top, nRef}})
	mask := d.constructConst(1, 7)
	return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAnd, Type: ir.TypeI8, Args: [3]ir.Ref{idx, mask}})
}

// dispatchX87Stack lowers FLD (push ST(0)) and FST (store from ST(0)); the
// real ISA has memory- and register-form variants of both, collapsed here
// into the shared push/read-top shape the decoder hands off.
func (d *Dispatcher) dispatchX87Stack(op decoder.Op) error {
	switch op.Mnemonic {
	case decoder.MnFld:
		v := d.loadSource(op, op.Src[0])
		top := d.x87Top()
		one := d.constructConst(1, 1)
		newTop := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: ir.TypeI8, Args: [3]ir.Ref{top, one}})
		mask := d.constructConst(1, 7)
		newTop = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAnd, Type: ir.TypeI8, Args: [3]ir.Ref{newTop, mask}})
		d.x87SetTop(newTop)
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeF64, Imm: int64(d.layout.FPROffset[0]), Args: [3]ir.Ref{v, newTop}})
	case decoder.MnFst:
		st0 := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeF64, Imm: int64(d.layout.FPROffset[0])})
		d.storeResult(op, op.Dest, st0)
	}
	return nil
}

// dispatchFcomi lowers FCOMI/FUCOMI/UCOMISx-family compares: they produce
// an FCMP flag-op record consumed by the flag-elision path (spec §4.2).
func (d *Dispatcher) dispatchFcomi(op decoder.Op) error {
	a := d.loadSource(op, op.Dest)
	b := d.loadSource(op, op.Src[0])
	d.lastFlag = flagRecord{kind: ir.ALUCmp, size: ir.TypeF64, dst: a, src: b, dstIsFloat: true}
	d.haveFlag = true

	eq := d.emit(ir.Node{Op: ir.OpFCmp, Type: ir.TypeI8, Aux: 0, Args: [3]ir.Ref{a, b}})
	lt := d.emit(ir.Node{Op: ir.OpFCmp, Type: ir.TypeI8, Aux: 1, Args: [3]ir.Ref{a, b}})
	d.storeFlag(cpustate.FlagZF, eq)
	d.storeFlag(cpustate.FlagCF, lt)
	pf := d.emit(ir.Node{Op: ir.OpFCmp, Type: ir.TypeI8, Aux: 2, Args: [3]ir.Ref{a, b}})
	d.storeFlag(cpustate.FlagPF, pf)
	return nil
}

// dispatchVecMov lowers MOVSS/MOVSD: scalar float load/store into/out of
// the low lane of an XMM register.
func (d *Dispatcher) dispatchVecMov(op decoder.Op) error {
	v := d.loadSource(op, op.Src[0])
	d.storeResult(op, op.Dest, v)
	return nil
}

// dispatchVecALU lowers ADDPS/MULPS to width-parameterized vector ops
// tagged with the per-element size in bytes (spec §4.2).
func (d *Dispatcher) dispatchVecALU(op decoder.Op) error {
	a := d.loadSource(op, op.Dest)
	b := d.loadSource(op, op.Src[0])
	kind := ir.OpVFAdd
	if op.Mnemonic == decoder.MnMulps {
		kind = ir.OpVFMul
	}
	result := d.emit(ir.Node{Op: kind, Type: ir.TypeV128, Aux: 4, Args: [3]ir.Ref{a, b}})
	d.storeResult(op, op.Dest, result)
	return nil
}

// dispatchVecCmp lowers CMPEQPS (the imm8==0 compare-predicate form) to
// VCmpEQ.
func (d *Dispatcher) dispatchVecCmp(op decoder.Op) error {
	if op.Src[1].Kind == decoder.OperandImmediate && op.Src[1].Imm != 0 {
		// Other predicates have no lowering.
		d.exitFunction(op.PC)
		return ErrTranslationFailure
	}
	a := d.loadSource(op, op.Dest)
	b := d.loadSource(op, op.Src[0])
	result := d.emit(ir.Node{Op: ir.OpVCmpEQ, Type: ir.TypeV128, Aux: 4, Args: [3]ir.Ref{a, b}})
	d.storeResult(op, op.Dest, result)
	return nil
}
