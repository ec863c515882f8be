package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// constructConst emits a size-tagged constant (spec §4.2 "construct_const
// (width, value)").
func (d *Dispatcher) constructConst(width uint8, value int64) ir.Ref {
	return d.emit(ir.Node{Op: ir.OpConstant, Type: dtypeForSize(width), Imm: value})
}

// loadGPR loads a GPR operand, following the AH/BH/CH/DH high-byte
// alias when present.
func (d *Dispatcher) loadGPR(reg uint8, size uint8, highByte bool) ir.Ref {
	off := d.layout.GPROffset[reg]
	if highByte {
		off++
	}
	return d.emit(ir.Node{Op: ir.OpLoadContext, Type: dtypeForSize(size), Imm: int64(off)})
}

// storeGPR writes value into a GPR operand applying the spec §4.2 sizing
// rules: 32-bit writes zero-extend to 64, 16/8-bit writes preserve the
// untouched upper bits via Bfi, and the AH/BH/CH/DH alias targets bits
// [15:8] specifically.
func (d *Dispatcher) storeGPR(reg uint8, size uint8, highByte bool, value ir.Ref) {
	off := d.layout.GPROffset[reg]
	switch {
	case size == 8:
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(off), Args: [3]ir.Ref{value}})
	case size == 4:
		// Zero-extension to 64 bits: an explicit Bfe keeps the low 32
		// bits, then a full-width store writes them with the upper half
		// cleared.
		wide := d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI64, Aux: 32, Args: [3]ir.Ref{value}})
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(off), Args: [3]ir.Ref{wide}})
	case size == 2 && !highByte:
		old := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI64, Imm: int64(off)})
		merged := d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI64, Imm: 0, Aux: 16, Args: [3]ir.Ref{old, value}})
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(off), Args: [3]ir.Ref{merged}})
	case size == 1 && !highByte:
		old := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI64, Imm: int64(off)})
		merged := d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI64, Imm: 0, Aux: 8, Args: [3]ir.Ref{old, value}})
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(off), Args: [3]ir.Ref{merged}})
	case size == 1 && highByte:
		old := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI64, Imm: int64(off)})
		merged := d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI64, Imm: 8, Aux: 8, Args: [3]ir.Ref{old, value}})
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(off), Args: [3]ir.Ref{merged}})
	}
}

// effectiveAddress computes the Ref of the addend for a memory operand
// (base+index*scale+disp / RIP-relative / absolute), in bytes, before any
// segment base is folded in.
func (d *Dispatcher) effectiveAddress(op decoder.Operand, nextPC uint64) ir.Ref {
	switch op.Kind {
	case decoder.OperandMemRIP:
		return d.constructConst(8, int64(nextPC)+int64(op.Disp))
	case decoder.OperandMemAbsolute:
		return d.constructConst(8, int64(op.AbsoluteAddr))
	case decoder.OperandMemDirect, decoder.OperandMemIndirect:
		addr := d.loadGPR(op.BaseReg, 8, false)
		if op.Disp != 0 {
			dispRef := d.constructConst(8, int64(op.Disp))
			addr = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{addr, dispRef}})
		}
		return addr
	case decoder.OperandMemSIB:
		var addr ir.Ref
		if op.HasBase {
			addr = d.loadGPR(op.BaseReg, 8, false)
		} else {
			addr = d.constructConst(8, 0)
		}
		if op.HasIndex {
			idx := d.mulByScale(op.IndexReg, op.Scale)
			addr = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{addr, idx}})
		}
		if op.Disp != 0 {
			dispRef := d.constructConst(8, int64(op.Disp))
			addr = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{addr, dispRef}})
		}
		return addr
	default:
		return d.constructConst(8, 0)
	}
}

// mulByScale computes IndexReg*scale via repeated shifts (scale is always a
// power of two: 1,2,4,8), avoiding a general multiply node for the common
// address-computation case.
func (d *Dispatcher) mulByScale(indexReg uint8, scale uint8) ir.Ref {
	idx := d.loadGPR(indexReg, 8, false)
	shift := uint8(0)
	for s := scale; s > 1; s >>= 1 {
		shift++
	}
	if shift == 0 {
		return idx
	}
	amt := d.constructConst(1, int64(shift))
	return d.emit(ir.Node{Op: ir.OpShl, Type: ir.TypeI64, Args: [3]ir.Ref{idx, amt}})
}

// appendSegmentOffset folds a segment base into addr (spec §4.2
// "append_segment_offset(addr, flags)"): in 64-bit mode only FS and GS
// contribute (other overrides are address-space no-ops on modern x86-64
// OSes); in 32-bit mode the base cached in the segment's SegBaseOffset
// slot is added. The selector is not read and the GDT is not walked here.
func (d *Dispatcher) appendSegmentOffset(addr ir.Ref, seg int) ir.Ref {
	if seg < 0 {
		return addr
	}
	if d.cfg.Is64BitMode {
		if seg != cpustate.SegFS && seg != cpustate.SegGS {
			return addr
		}
		base := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI64, Imm: int64(d.layout.SegBaseOffset[seg])})
		return d.emit(ir.Node{Op: ir.OpAddSegmentOffset, Type: ir.TypeI64, Args: [3]ir.Ref{addr, base}})
	}
	// In 32-bit mode the cached base is loaded from SegBaseOffset as is;
	// no descriptor-table lookup is emitted.
	base := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI64, Imm: int64(d.layout.SegBaseOffset[seg])})
	return d.emit(ir.Node{Op: ir.OpAddSegmentOffset, Type: ir.TypeI64, Args: [3]ir.Ref{addr, base}})
}

// isRSPAnchored reports whether a memory operand addresses through RSP
// directly, the class of access spec §4.2 requires to go through the
// TSO-consistent store/load opcode.
func isRSPAnchored(op decoder.Operand) bool {
	switch op.Kind {
	case decoder.OperandMemDirect, decoder.OperandMemIndirect:
		return op.BaseReg == cpustate.RSP
	case decoder.OperandMemSIB:
		return op.HasBase && op.BaseReg == cpustate.RSP && !op.HasIndex
	default:
		return false
	}
}

// loadSource translates an operand reference to an IR load (spec §4.2
// "load_source(op, operand, flags)").
func (d *Dispatcher) loadSource(op decoder.Op, operand decoder.Operand) ir.Ref {
	switch operand.Kind {
	case decoder.OperandImmediate:
		return d.constructConst(operand.Size, operand.Imm)
	case decoder.OperandGPR:
		return d.loadGPR(operand.Reg, operand.Size, operand.HighByte)
	case decoder.OperandXMM:
		return d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeV128, Imm: int64(d.layout.XMMOffset[operand.Reg])})
	default:
		addr := d.effectiveAddress(operand, op.PC+uint64(op.InstSize))
		addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())
		loadOp := ir.OpLoadMem
		if isRSPAnchored(operand) {
			loadOp = ir.OpLoadMemTSO
		}
		return d.emit(ir.Node{Op: loadOp, Type: dtypeForSize(operand.Size), Args: [3]ir.Ref{addr}})
	}
}

// storeResult translates a value back to its destination operand (spec
// §4.2 "store_result(op, operand, value)").
func (d *Dispatcher) storeResult(op decoder.Op, operand decoder.Operand, value ir.Ref) {
	switch operand.Kind {
	case decoder.OperandGPR:
		d.storeGPR(operand.Reg, operand.Size, operand.HighByte, value)
	case decoder.OperandXMM:
		d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeV128, Imm: int64(d.layout.XMMOffset[operand.Reg]), Args: [3]ir.Ref{value}})
	default:
		addr := d.effectiveAddress(operand, op.PC+uint64(op.InstSize))
		addr = d.appendSegmentOffset(addr, op.Prefixes.SegmentOverride())
		storeOp := ir.OpStoreMem
		if isRSPAnchored(operand) {
			storeOp = ir.OpStoreMemTSO
		}
		d.emit(ir.Node{Op: storeOp, Type: dtypeForSize(operand.Size), Args: [3]ir.Ref{addr, value}})
	}
}
