package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

var atomicFetchOpByALUKind = map[ir.ALUKind]ir.Opcode{
	ir.ALUAdd: ir.OpAtomicFetchAdd,
	ir.ALUSub: ir.OpAtomicFetchSub,
	ir.ALUAnd: ir.OpAtomicFetchAnd,
	ir.ALUOr:  ir.OpAtomicFetchOr,
	ir.ALUXor: ir.OpAtomicFetchXor,
}

// dispatchALUAtomic is called from dispatchALU's memory-destination,
// LOCK-prefixed path (spec §4.2 "Atomic and LOCK-prefixed instructions"):
// it emits an AtomicFetch* primitive instead of a load/op/store sequence.
// The caller is responsible for the "lock handled" bookkeeping that
// prevents a later redundant fence.
func (d *Dispatcher) dispatchALUAtomic(op decoder.Op, kind ir.ALUKind) error {
	addr := d.effectiveAddress(op.Dest, op.PC+uint64(op.InstSize))
	addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())
	operand := d.loadSource(op, op.Src[0])

	fetchOp, ok := atomicFetchOpByALUKind[kind]
	if !ok {
		return ErrTranslationFailure
	}
	old := d.emit(ir.Node{Op: fetchOp, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{addr, operand}})

	var result ir.Ref
	switch kind {
	case ir.ALUAdd:
		result = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{old, operand}})
	case ir.ALUSub:
		result = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{old, operand}})
	case ir.ALUAnd, ir.ALUOr, ir.ALUXor:
		result = d.emit(ir.Node{Op: ir.OpALU, ALUKind: kind, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{old, operand}})
	}
	d.recordFlags(kind, dtypeForSize(op.Dest.Size), old, operand, result)
	d.storeIntegerFlags(kind, op.Dest.Size, old, operand, result)
	return nil
}

// dispatchCmpxchg lowers CMPXCHG to a CAS op that writes the old value back
// to RAX, zero-extending per the 64-bit/32-bit-operand rule (spec §4.2).
func (d *Dispatcher) dispatchCmpxchg(op decoder.Op) error {
	addr := d.effectiveAddress(op.Dest, op.PC+uint64(op.InstSize))
	addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())
	expected := d.loadGPR(cpustate.RAX, op.Dest.Size, false)
	newVal := d.loadSource(op, op.Src[0])

	old := d.emit(ir.Node{Op: ir.OpCAS, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{addr, expected, newVal}})
	d.storeGPR(cpustate.RAX, op.Dest.Size, false, old)

	eq := d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{old, expected}})
	d.storeFlag(cpustate.FlagZF, eq)
	d.haveFlag = false
	return nil
}

// dispatchCmpxchgPair lowers CMPXCHG8B/16B to CASPair, comparing against
// EDX:EAX (or RDX:RAX with REX.W) and loading the replacement from ECX:EBX
// (RCX:RBX).
func (d *Dispatcher) dispatchCmpxchgPair(op decoder.Op) error {
	halfSize := uint8(4)
	if op.Prefixes&decoder.PfxREXW != 0 {
		halfSize = 8
	}
	addr := d.effectiveAddress(op.Dest, op.PC+uint64(op.InstSize))
	addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())

	expectedLo := d.loadGPR(cpustate.RAX, halfSize, false)
	expectedHi := d.loadGPR(cpustate.RDX, halfSize, false)
	newLo := d.loadGPR(cpustate.RBX, halfSize, false)
	newHi := d.loadGPR(cpustate.RCX, halfSize, false)

	combinedExpected := d.packPair(expectedLo, expectedHi, halfSize)
	combinedNew := d.packPair(newLo, newHi, halfSize)

	old := d.emit(ir.Node{Op: ir.OpCASPair, Type: dtypeForSize(halfSize * 2), Args: [3]ir.Ref{addr, combinedExpected, combinedNew}})

	oldLo := d.emit(ir.Node{Op: ir.OpBfe, Type: dtypeForSize(halfSize), Imm: 0, Aux: int32(halfSize) * 8, Args: [3]ir.Ref{old}})
	oldHi := d.emit(ir.Node{Op: ir.OpBfe, Type: dtypeForSize(halfSize), Imm: int64(halfSize) * 8, Aux: int32(halfSize) * 8, Args: [3]ir.Ref{old}})
	d.storeGPR(cpustate.RAX, halfSize, false, oldLo)
	d.storeGPR(cpustate.RDX, halfSize, false, oldHi)

	eq := d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{old, combinedExpected}})
	d.storeFlag(cpustate.FlagZF, eq)
	d.haveFlag = false
	return nil
}

func (d *Dispatcher) packPair(lo, hi ir.Ref, halfSize uint8) ir.Ref {
	wide := dtypeForSize(halfSize * 2)
	loWide := d.emit(ir.Node{Op: ir.OpBfe, Type: wide, Imm: 0, Aux: int32(halfSize) * 8, Args: [3]ir.Ref{lo}})
	return d.emit(ir.Node{Op: ir.OpBfi, Type: wide, Imm: int64(halfSize) * 8, Aux: int32(halfSize) * 8, Args: [3]ir.Ref{loWide, hi}})
}

// dispatchXadd lowers XADD: AtomicFetchAdd on the destination plus a
// separate write-back of the pre-add value into the source operand (spec
// §4.2).
func (d *Dispatcher) dispatchXadd(op decoder.Op) error {
	src := d.loadSource(op, op.Src[0])
	if op.Dest.Kind == decoder.OperandGPR {
		dst := d.loadSource(op, op.Dest)
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{dst, src}})
		d.recordFlags(ir.ALUAdd, dtypeForSize(op.Dest.Size), dst, src, result)
		d.storeIntegerFlags(ir.ALUAdd, op.Dest.Size, dst, src, result)
		d.storeResult(op, op.Src[0], dst)
		d.storeResult(op, op.Dest, result)
		return nil
	}
	addr := d.effectiveAddress(op.Dest, op.PC+uint64(op.InstSize))
	addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())
	old := d.emit(ir.Node{Op: ir.OpAtomicFetchAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{addr, src}})
	result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{old, src}})
	d.recordFlags(ir.ALUAdd, dtypeForSize(op.Dest.Size), old, src, result)
	d.storeIntegerFlags(ir.ALUAdd, op.Dest.Size, old, src, result)
	d.storeResult(op, op.Src[0], old)
	return nil
}
