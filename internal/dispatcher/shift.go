package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// maskShiftCount applies the x86 shift-count mask (spec §4.2 "Shifts,
// rotates..."): 0x1F for 8/16/32-bit destinations, 0x3F for 64-bit.
func (d *Dispatcher) maskShiftCount(count ir.Ref, destSize uint8) ir.Ref {
	mask := int64(0x1F)
	if destSize == 8 {
		mask = 0x3F
	}
	maskRef := d.constructConst(1, mask)
	return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAnd, Type: ir.TypeI8, Args: [3]ir.Ref{count, maskRef}})
}

// dispatchShiftRotate lowers SHL/SHR/SAR/ROL/ROR/RCL/RCR. The count operand
// is always op.Src[0] (CL, an immediate, or implicit 1 for the D0/D1 forms
// which the decoder represents as an immediate source of 1).
func (d *Dispatcher) dispatchShiftRotate(op decoder.Op) error {
	v := d.loadSource(op, op.Dest)
	count := d.loadSource(op, op.Src[0])
	count = d.maskShiftCount(count, op.Dest.Size)
	size := dtypeForSize(op.Dest.Size)

	switch op.Mnemonic {
	case decoder.MnShl:
		result := d.emit(ir.Node{Op: ir.OpShl, Type: size, Args: [3]ir.Ref{v, count}})
		d.storeZSFlags(result, size)
		d.storeResult(op, op.Dest, result)
	case decoder.MnShr:
		result := d.emit(ir.Node{Op: ir.OpShr, Type: size, Args: [3]ir.Ref{v, count}})
		d.storeZSFlags(result, size)
		d.storeResult(op, op.Dest, result)
	case decoder.MnSar:
		result := d.emit(ir.Node{Op: ir.OpSar, Type: size, Args: [3]ir.Ref{v, count}})
		d.storeZSFlags(result, size)
		d.storeResult(op, op.Dest, result)
	case decoder.MnRol:
		result := d.rotateNarrow(v, count, op.Dest.Size, ir.OpRol)
		d.storeResult(op, op.Dest, result)
	case decoder.MnRor:
		result := d.rotateNarrow(v, count, op.Dest.Size, ir.OpRor)
		d.storeResult(op, op.Dest, result)
	case decoder.MnRcl:
		result := d.rotateThroughCarry(v, count, op.Dest.Size, true)
		d.storeResult(op, op.Dest, result)
	case decoder.MnRcr:
		result := d.rotateThroughCarry(v, count, op.Dest.Size, false)
		d.storeResult(op, op.Dest, result)
	}
	d.haveFlag = false
	return nil
}

// rotateNarrow lowers ROL/ROR. For 8/16-bit widths, most host ISAs have no
// native narrow rotate, so the operand is replicated across a whole 32-bit
// value via Bfi (two copies for 16-bit, four for 8-bit) before a 32-bit
// rotate runs, then the low bits are extracted back out (spec §4.2
// "Shifts, rotates...").
func (d *Dispatcher) rotateNarrow(v, count ir.Ref, size uint8, kind ir.Opcode) ir.Ref {
	if size >= 4 {
		return d.emit(ir.Node{Op: kind, Type: dtypeForSize(size), Args: [3]ir.Ref{v, count}})
	}
	zero32 := d.constructConst(4, 0)
	replicated := d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI32, Imm: int64(size * 8), Aux: int32(size * 8), Args: [3]ir.Ref{zero32, v}})
	replicated = d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI32, Imm: 0, Aux: int32(size * 8), Args: [3]ir.Ref{replicated, v}})
	if size == 1 {
		replicated = d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI32, Imm: 16, Aux: 16, Args: [3]ir.Ref{replicated, replicated}})
	}
	rotated := d.emit(ir.Node{Op: kind, Type: ir.TypeI32, Args: [3]ir.Ref{replicated, count}})
	return d.emit(ir.Node{Op: ir.OpBfe, Type: dtypeForSize(size), Imm: 0, Aux: int32(size * 8), Args: [3]ir.Ref{rotated}})
}

// rotateThroughCarry lowers RCL/RCR. At 32/64-bit widths it uses bitfield
// extracts directly against the stored CF slot; at 8/16-bit widths it packs
// CF alongside the operand into a 64-bit scratch value first, since the
// narrow host rotate concern from rotateNarrow applies here too (spec §4.2).
func (d *Dispatcher) rotateThroughCarry(v, count ir.Ref, size uint8, left bool) ir.Ref {
	cf := d.loadFlag(cpustate.FlagCF)
	if size >= 4 {
		kind := ir.OpRcl
		if !left {
			kind = ir.OpRcr
		}
		result := d.emit(ir.Node{Op: kind, Type: dtypeForSize(size), Args: [3]ir.Ref{v, count, cf}})
		newCF := d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: int64(size*8 - 1), Aux: 1, Args: [3]ir.Ref{result}})
		if !left {
			newCF = d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: 0, Aux: 1, Args: [3]ir.Ref{v}})
		}
		d.storeFlag(cpustate.FlagCF, newCF)
		return result
	}
	// Pack [CF : operand] into a (size*8+1)-bit scratch carried in a 64-bit
	// value, rotate that, then split CF back out.
	bits := int32(size * 8)
	scratch := d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI64, Imm: int64(bits), Aux: 1, Args: [3]ir.Ref{v, cf}})
	kind := ir.OpRol
	if !left {
		kind = ir.OpRor
	}
	rotated := d.emit(ir.Node{Op: kind, Type: ir.TypeI64, Args: [3]ir.Ref{scratch, count}})
	newCF := d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: int64(bits), Aux: 1, Args: [3]ir.Ref{rotated}})
	d.storeFlag(cpustate.FlagCF, newCF)
	return d.emit(ir.Node{Op: ir.OpBfe, Type: dtypeForSize(size), Imm: 0, Aux: bits, Args: [3]ir.Ref{rotated}})
}

// dispatchDoubleShift lowers SHLD/SHRD, branching on shift==0 to preserve
// the destination unchanged (spec §4.2).
func (d *Dispatcher) dispatchDoubleShift(op decoder.Op) error {
	dst := d.loadSource(op, op.Dest)
	src := d.loadSource(op, op.Src[0])
	count := d.loadSource(op, op.Src[1])
	count = d.maskShiftCount(count, op.Dest.Size)
	size := dtypeForSize(op.Dest.Size)

	kind := ir.OpShld
	if op.Mnemonic == decoder.MnShrd {
		kind = ir.OpShrd
	}
	shifted := d.emit(ir.Node{Op: kind, Type: size, Args: [3]ir.Ref{dst, src, count}})

	zero := d.constructConst(1, 0)
	isZero := d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{count, zero}})
	result := d.emit(ir.Node{Op: ir.OpSelect, Type: size, Args: [3]ir.Ref{isZero, dst, shifted}})
	d.storeZSFlags(result, size)
	d.storeResult(op, op.Dest, result)
	d.haveFlag = false
	return nil
}
