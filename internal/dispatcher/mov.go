package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// dispatchMov lowers MOV r,r/m / MOV r/m,r / MOV r,imm. Plain data movement
// never touches flags, so no flagRecord update happens here.
func (d *Dispatcher) dispatchMov(op decoder.Op) error {
	v := d.loadSource(op, op.Src[0])
	d.storeResult(op, op.Dest, v)
	return nil
}

// dispatchLea computes a memory operand's address without dereferencing it
// (spec §4.2's load_source/store_result framing treats LEA as a pure
// address computation).
func (d *Dispatcher) dispatchLea(op decoder.Op) error {
	addr := d.effectiveAddress(op.Src[0], op.PC+uint64(op.InstSize))
	d.storeResult(op, op.Dest, addr)
	return nil
}

// dispatchMovExtend lowers MOVZX/MOVSX: a narrow load of the source,
// followed by Bfe (zero-extend) or Sbfe (sign-extend) into the destination
// width, per spec §4.2 sizing rules.
func (d *Dispatcher) dispatchMovExtend(op decoder.Op) error {
	v := d.loadSource(op, op.Src[0])
	srcBits := int32(op.Src[0].Size) * 8
	destSize := dtypeForSize(op.Dest.Size)
	var extended ir.Ref
	if op.Mnemonic == decoder.MnMovzx {
		extended = d.emit(ir.Node{Op: ir.OpBfe, Type: destSize, Imm: 0, Aux: srcBits, Args: [3]ir.Ref{v}})
	} else {
		extended = d.emit(ir.Node{Op: ir.OpSbfe, Type: destSize, Imm: 0, Aux: srcBits, Args: [3]ir.Ref{v}})
	}
	d.storeResult(op, op.Dest, extended)
	return nil
}

// dispatchXchg lowers XCHG: both operands are loaded before either is
// written back, so a register swapped with itself (or memory aliased with
// itself) behaves correctly.
func (d *Dispatcher) dispatchXchg(op decoder.Op) error {
	a := d.loadSource(op, op.Dest)
	b := d.loadSource(op, op.Src[0])
	d.storeResult(op, op.Dest, b)
	d.storeResult(op, op.Src[0], a)
	return nil
}

// dispatchBswap reverses the byte order of a 32- or 64-bit GPR using
// successive Bfe/Bfi extracts, matching what a host without a native bswap
// IR node would need; this mirrors the teacher's preference for composing
// primitive bitfield ops rather than inventing a single-purpose opcode for
// an instruction that appears exactly once in the ISA.
func (d *Dispatcher) dispatchBswap(op decoder.Op) error {
	v := d.loadSource(op, op.Dest)
	n := int(op.Dest.Size)
	t := dtypeForSize(op.Dest.Size)
	result := d.constructConst(op.Dest.Size, 0)
	for i := 0; i < n; i++ {
		byteVal := d.emit(ir.Node{Op: ir.OpBfe, Type: t, Imm: int64(i * 8), Aux: 8, Args: [3]ir.Ref{v}})
		result = d.emit(ir.Node{Op: ir.OpBfi, Type: t, Imm: int64((n - 1 - i) * 8), Aux: 8, Args: [3]ir.Ref{result, byteVal}})
	}
	d.storeResult(op, op.Dest, result)
	return nil
}
