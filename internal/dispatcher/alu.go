package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

var aluKindByMnemonic = map[decoder.Mnemonic]ir.ALUKind{
	decoder.MnAdd:  ir.ALUAdd,
	decoder.MnSub:  ir.ALUSub,
	decoder.MnAnd:  ir.ALUAnd,
	decoder.MnOr:   ir.ALUOr,
	decoder.MnXor:  ir.ALUXor,
	decoder.MnCmp:  ir.ALUCmp,
	decoder.MnTest: ir.ALUTest,
	decoder.MnAdc:  ir.ALUAdd, // carry-in folded separately, see dispatchALU
	decoder.MnSbb:  ir.ALUSub,
}

// dispatchALU lowers the Add/Or/Adc/Sbb/And/Sub/Xor/Cmp/Test family (spec
// §4.2, flag model). CMP and TEST never write their destination, only
// flags; every member of the family records a flagRecord so that a
// following Jcc/SETcc can elide full EFLAGS materialization.
func (d *Dispatcher) dispatchALU(op decoder.Op) error {
	kind := aluKindByMnemonic[op.Mnemonic]

	if op.Prefixes&decoder.PfxLock != 0 && op.Dest.Kind != decoder.OperandGPR &&
		op.Mnemonic != decoder.MnCmp && op.Mnemonic != decoder.MnTest &&
		op.Mnemonic != decoder.MnAdc && op.Mnemonic != decoder.MnSbb {
		return d.dispatchALUAtomic(op, kind)
	}

	dst := d.loadSource(op, op.Dest)
	src := d.loadSource(op, op.Src[0])

	if op.Mnemonic == decoder.MnAdc || op.Mnemonic == decoder.MnSbb {
		carry := d.loadFlag(cpustate.FlagCF)
		src = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{src, carry}})
	}

	result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: kind, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{dst, src}})

	d.recordFlags(kind, dtypeForSize(op.Dest.Size), dst, src, result)
	d.storeIntegerFlags(kind, op.Dest.Size, dst, src, result)

	if kind != ir.ALUCmp && kind != ir.ALUTest {
		d.storeResult(op, op.Dest, result)
	}
	return nil
}

// dispatchUnary lowers INC/DEC/NOT/NEG. INC/DEC leave CF untouched, per the
// x86 definition, so they do not go through storeIntegerFlags' carry path.
func (d *Dispatcher) dispatchUnary(op decoder.Op) error {
	v := d.loadSource(op, op.Dest)
	one := d.constructConst(op.Dest.Size, 1)
	switch op.Mnemonic {
	case decoder.MnInc:
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{v, one}})
		d.storeZSFlags(result, dtypeForSize(op.Dest.Size))
		d.haveFlag = false
		d.storeResult(op, op.Dest, result)
	case decoder.MnDec:
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{v, one}})
		d.storeZSFlags(result, dtypeForSize(op.Dest.Size))
		d.haveFlag = false
		d.storeResult(op, op.Dest, result)
	case decoder.MnNot:
		result := d.emit(ir.Node{Op: ir.OpNot, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{v}})
		d.storeResult(op, op.Dest, result)
	case decoder.MnNeg:
		zero := d.constructConst(op.Dest.Size, 0)
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: dtypeForSize(op.Dest.Size), Args: [3]ir.Ref{zero, v}})
		d.recordFlags(ir.ALUCmp, dtypeForSize(op.Dest.Size), zero, v, result)
		d.storeIntegerFlags(ir.ALUCmp, op.Dest.Size, zero, v, result)
		d.storeResult(op, op.Dest, result)
	}
	return nil
}

// recordFlags updates the last-flag-op memoization record (spec §4.2 Flag
// model item 1).
func (d *Dispatcher) recordFlags(kind ir.ALUKind, size ir.DataType, dst, src, result ir.Ref) {
	d.lastFlag = flagRecord{kind: kind, size: size, dst: dst, src: src, result: result}
	d.haveFlag = true
}

// storeIntegerFlags materializes CF/PF/AF/ZF/SF/OF into CPUState for an
// ALU-family op. ADD/ADC set CF/OF from the add; SUB/SBB/CMP set them from
// the subtract; AND/OR/XOR/TEST clear CF and OF and leave AF undefined.
func (d *Dispatcher) storeIntegerFlags(kind ir.ALUKind, size uint8, a, b, result ir.Ref) {
	t := dtypeForSize(size)
	d.storeZSFlags(result, t)
	d.storeFlag(cpustate.FlagPF, d.emit(ir.Node{Op: ir.OpParity, Type: ir.TypeI8, Args: [3]ir.Ref{result}}))

	switch kind {
	case ir.ALUAdd:
		d.storeFlag(cpustate.FlagCF, d.emit(ir.Node{Op: ir.OpCarryFromAdd, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
		d.storeFlag(cpustate.FlagOF, d.emit(ir.Node{Op: ir.OpOverflowFromAdd, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
		d.storeFlag(cpustate.FlagAF, d.emit(ir.Node{Op: ir.OpAuxFromAdd, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
	case ir.ALUSub, ir.ALUCmp:
		d.storeFlag(cpustate.FlagCF, d.emit(ir.Node{Op: ir.OpCarryFromSub, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
		d.storeFlag(cpustate.FlagOF, d.emit(ir.Node{Op: ir.OpOverflowFromSub, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
		d.storeFlag(cpustate.FlagAF, d.emit(ir.Node{Op: ir.OpAuxFromSub, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}))
	case ir.ALUAnd, ir.ALUOr, ir.ALUXor, ir.ALUTest:
		zero := d.constructConst(1, 0)
		d.storeFlag(cpustate.FlagCF, zero)
		d.storeFlag(cpustate.FlagOF, zero)
		// AF is undefined per the x86 spec for logical ops; left untouched.
	}
}

func (d *Dispatcher) storeZSFlags(result ir.Ref, t ir.DataType) {
	zero := d.constructConst(uint8(t.SizeBytes()), 0)
	zf := d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{result, zero}})
	d.storeFlag(cpustate.FlagZF, zf)
	shiftAmt := d.constructConst(1, int64(t.SizeBytes()*8-1))
	sf := d.emit(ir.Node{Op: ir.OpShr, Type: t, Args: [3]ir.Ref{result, shiftAmt}})
	sf = d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: 0, Aux: 1, Args: [3]ir.Ref{sf}})
	d.storeFlag(cpustate.FlagSF, sf)
}

func (d *Dispatcher) storeFlag(f cpustate.Flag, value ir.Ref) {
	d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI8, Imm: int64(d.layout.FlagOffset[f]), Args: [3]ir.Ref{value}})
}

func (d *Dispatcher) loadFlag(f cpustate.Flag) ir.Ref {
	return d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI8, Imm: int64(d.layout.FlagOffset[f])})
}

// invalidateFlagsForABI emits InvalidateFlags(all) on CALL/RET when
// ABILocalFlags is configured (spec §4.2 Flag model item 2): the SysV
// AMD64 ABI does not preserve flags across calls, so downstream may discard
// any pending flag state rather than spill/reload it.
func (d *Dispatcher) invalidateFlagsForABI() {
	if !d.cfg.ABILocalFlags {
		return
	}
	d.emit(ir.Node{Op: ir.OpInvalidateFlags, Type: ir.TypeNone})
	d.haveFlag = false
}
