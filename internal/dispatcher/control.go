package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// cond is one of the 16 x86 condition codes, encoded exactly as the low
// nibble of the Jcc opcode byte (0x70-0x7F, or the second byte of the
// 0x0F 0x80-0x8F two-byte form), which is what op.Primary already holds for
// a Jcc decoder.Op since Jcc carries no ModRM/group byte of its own.
type cond uint8

const (
	condO cond = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

// evalCond lowers a condition code to a boolean IR value, preferring the
// flag-elision fast path (spec §4.2 Flag model item 1) when the last
// flag-defining op in this block supports it, and falling back to reading
// the materialized CPUState flag slot(s) otherwise.
func (d *Dispatcher) evalCond(c cond) ir.Ref {
	if d.haveFlag && !d.lastFlag.dstIsFloat {
		if r, ok := d.evalCondFromRecord(c); ok {
			return r
		}
	}
	return d.evalCondFromFlags(c)
}

// evalCondFromRecord implements the elidable subset directly from the
// saved CMP/TEST operands: equality always; signed ordering when the
// record came from a CMP (a genuine subtraction-based comparison).
func (d *Dispatcher) evalCondFromRecord(c cond) (ir.Ref, bool) {
	a, b, t := d.lastFlag.dst, d.lastFlag.src, d.lastFlag.size
	switch c {
	case condE, condNE:
		// ZF is always "result == 0" regardless of which ALU kind produced
		// the record (ADD/AND/OR/XOR/TEST included, not just CMP/SUB); only
		// for the subtraction-shaped kinds does dst==src happen to coincide
		// with that, so zero-test the computed result directly instead.
		zero := d.constructConst(uint8(t.SizeBytes()), 0)
		op := ir.OpCmpEQ
		if c == condNE {
			op = ir.OpCmpNE
		}
		return d.emit(ir.Node{Op: op, Type: ir.TypeI8, Args: [3]ir.Ref{d.lastFlag.result, zero}}), true
	}
	if d.lastFlag.kind != ir.ALUCmp {
		return ir.NoRef, false
	}
	_ = t
	switch c {
	case condL:
		return d.emit(ir.Node{Op: ir.OpCmpLT, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}), true
	case condGE:
		lt := d.emit(ir.Node{Op: ir.OpCmpLT, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}})
		return d.negate(lt), true
	case condLE:
		return d.emit(ir.Node{Op: ir.OpCmpLE, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}}), true
	case condG:
		le := d.emit(ir.Node{Op: ir.OpCmpLE, Type: ir.TypeI8, Args: [3]ir.Ref{a, b}})
		return d.negate(le), true
	case condB:
		return d.emit(ir.Node{Op: ir.OpCmpLT, Type: ir.TypeI8, Aux: 1, Args: [3]ir.Ref{a, b}}), true
	case condAE:
		lt := d.emit(ir.Node{Op: ir.OpCmpLT, Type: ir.TypeI8, Aux: 1, Args: [3]ir.Ref{a, b}})
		return d.negate(lt), true
	case condBE:
		return d.emit(ir.Node{Op: ir.OpCmpLE, Type: ir.TypeI8, Aux: 1, Args: [3]ir.Ref{a, b}}), true
	case condA:
		le := d.emit(ir.Node{Op: ir.OpCmpLE, Type: ir.TypeI8, Aux: 1, Args: [3]ir.Ref{a, b}})
		return d.negate(le), true
	}
	return ir.NoRef, false
}

func (d *Dispatcher) negate(v ir.Ref) ir.Ref {
	one := d.constructConst(1, 1)
	return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUXor, Type: ir.TypeI8, Args: [3]ir.Ref{v, one}})
}

// evalCondFromFlags falls back to reading materialized CPUState flag slots,
// used for O/S/P-family conditions the CMP/TEST fast path does not cover
// and whenever the last flag op is stale or absent.
func (d *Dispatcher) evalCondFromFlags(c cond) ir.Ref {
	f := func(flag cpustate.Flag) ir.Ref { return d.loadFlag(flag) }
	one := d.constructConst(1, 1)
	switch c {
	case condO:
		return f(cpustate.FlagOF)
	case condNO:
		return d.negate(f(cpustate.FlagOF))
	case condB:
		return f(cpustate.FlagCF)
	case condAE:
		return d.negate(f(cpustate.FlagCF))
	case condE:
		return f(cpustate.FlagZF)
	case condNE:
		return d.negate(f(cpustate.FlagZF))
	case condBE:
		return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUOr, Type: ir.TypeI8, Args: [3]ir.Ref{f(cpustate.FlagCF), f(cpustate.FlagZF)}})
	case condA:
		return d.negate(d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUOr, Type: ir.TypeI8, Args: [3]ir.Ref{f(cpustate.FlagCF), f(cpustate.FlagZF)}}))
	case condS:
		return f(cpustate.FlagSF)
	case condNS:
		return d.negate(f(cpustate.FlagSF))
	case condP:
		return f(cpustate.FlagPF)
	case condNP:
		return d.negate(f(cpustate.FlagPF))
	case condL:
		sf, of := f(cpustate.FlagSF), f(cpustate.FlagOF)
		return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUXor, Type: ir.TypeI8, Args: [3]ir.Ref{sf, of}})
	case condGE:
		sf, of := f(cpustate.FlagSF), f(cpustate.FlagOF)
		neq := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUXor, Type: ir.TypeI8, Args: [3]ir.Ref{sf, of}})
		return d.negate(neq)
	case condLE:
		sf, of, zf := f(cpustate.FlagSF), f(cpustate.FlagOF), f(cpustate.FlagZF)
		sneo := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUXor, Type: ir.TypeI8, Args: [3]ir.Ref{sf, of}})
		return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUOr, Type: ir.TypeI8, Args: [3]ir.Ref{sneo, zf}})
	case condG:
		sf, of, zf := f(cpustate.FlagSF), f(cpustate.FlagOF), f(cpustate.FlagZF)
		sneo := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUXor, Type: ir.TypeI8, Args: [3]ir.Ref{sf, of}})
		le := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUOr, Type: ir.TypeI8, Args: [3]ir.Ref{sneo, zf}})
		return d.negate(le)
	}
	return one
}

// counterWidth is the width of the implicit loop/JCXZ counter register:
// address-size dependent, not operand-size dependent (the 0x67 prefix
// selects CX/ECX/RCX here, never REX.W).
func counterWidth(op decoder.Op) uint8 {
	if op.Prefixes&decoder.PfxAddressSize != 0 {
		if op.Mode == decoder.Mode64 {
			return 4
		}
		return 2
	}
	if op.Mode == decoder.Mode64 {
		return 8
	}
	return 4
}

// branchTargets computes the taken and fallthrough guest PCs for a
// relative-displacement control-flow op.
func branchTargets(op decoder.Op) (takenPC, fallPC uint64) {
	fallPC = op.PC + uint64(op.InstSize)
	takenPC = uint64(int64(fallPC) + op.Src[0].Imm)
	return
}

// dispatchRelBranch lowers Jcc, relative JMP, LOOP/LOOPE/LOOPNE, and JCXZ
// (spec §4.2 "Control flow within a multiblock").
func (d *Dispatcher) dispatchRelBranch(op decoder.Op) error {
	takenPC, fallPC := branchTargets(op)

	if op.Mnemonic == decoder.MnJmpRel {
		d.emitJumpOrExit(takenPC)
		return nil
	}

	var condVal ir.Ref
	switch op.Mnemonic {
	case decoder.MnJcc:
		condVal = d.evalCond(cond(op.Primary & 0xF))
	case decoder.MnLoop, decoder.MnLoopE, decoder.MnLoopNE:
		condVal = d.lowerLoopCond(op)
	case decoder.MnJcxz:
		width := counterWidth(op)
		rcx := d.loadGPR(cpustate.RCX, width, false)
		zero := d.constructConst(width, 0)
		condVal = d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{rcx, zero}})
	}

	d.emitCondJumpOrExit(condVal, takenPC, fallPC)
	return nil
}

// lowerLoopCond decrements RCX and combines that with the ZF test LOOPE/
// LOOPNE require.
func (d *Dispatcher) lowerLoopCond(op decoder.Op) ir.Ref {
	size := counterWidth(op)
	rcx := d.loadGPR(cpustate.RCX, size, false)
	one := d.constructConst(size, 1)
	rcx = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: dtypeForSize(size), Args: [3]ir.Ref{rcx, one}})
	d.storeGPR(cpustate.RCX, size, false, rcx)

	zero := d.constructConst(size, 0)
	rcxNotZero := d.negate(d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{rcx, zero}}))

	switch op.Mnemonic {
	case decoder.MnLoop:
		return rcxNotZero
	case decoder.MnLoopE:
		zf := d.loadFlag(cpustate.FlagZF)
		return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAnd, Type: ir.TypeI8, Args: [3]ir.Ref{rcxNotZero, zf}})
	default: // LoopNE
		nzf := d.negate(d.loadFlag(cpustate.FlagZF))
		return d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAnd, Type: ir.TypeI8, Args: [3]ir.Ref{rcxNotZero, nzf}})
	}
}

// emitJumpOrExit terminates the current block with Jump(block) if target is
// a known intra-region entry, else ExitFunction(target).
func (d *Dispatcher) emitJumpOrExit(target uint64) {
	blk := d.block()
	if id, ok := d.fn.BlockAt(target); ok {
		blk.Term = ir.OpJump
		blk.TargetTrue = id
	} else {
		blk.Term = ir.OpExitFunction
		blk.ExitPC = target
	}
	blk.Sealed = true
}

// emitCondJumpOrExit implements spec §4.2's three-way rule: both sides
// known intra-region -> CondJump(true_block,false_block); one side unknown
// -> synthesize an ExitFunction-only block for it; the op always sets
// BlockSetRIP by virtue of sealing the block with a terminator.
func (d *Dispatcher) emitCondJumpOrExit(condVal ir.Ref, takenPC, fallPC uint64) {
	blk := d.block()
	blk.Term = ir.OpCondJump
	blk.CondArg = condVal

	if id, ok := d.fn.BlockAt(takenPC); ok {
		blk.TargetTrue = id
	} else {
		blk.TargetTrue = d.fn.SynthesizeExitBlock(takenPC)
	}
	if id, ok := d.fn.BlockAt(fallPC); ok {
		blk.TargetFalse = id
	} else {
		blk.TargetFalse = d.fn.SynthesizeExitBlock(fallPC)
	}
	blk.Sealed = true
}

// dispatchIndirectJmp always terminates the block with ExitFunction to a
// dynamically computed PC (spec §4.2).
func (d *Dispatcher) dispatchIndirectJmp(op decoder.Op) error {
	target := d.loadSource(op, op.Dest)
	blk := d.block()
	blk.Term = ir.OpExitFunction
	blk.ExitPCNode = target
	blk.Sealed = true
	return nil
}

// dispatchCall lowers CALL rel/indirect: pushes the return address, updates
// the call-ret shadow stack hint, and terminates with ExitFunction to the
// callee (direct calls are treated as always-exit since the callee may lie
// outside the current multiblock region).
func (d *Dispatcher) dispatchCall(op decoder.Op) error {
	retPC := op.PC + uint64(op.InstSize)
	retRef := d.constructConst(8, int64(retPC))
	d.pushValue(retRef, 8)
	d.bumpCallRetShadow(1)
	d.invalidateFlagsForABI()

	var target ir.Ref
	if op.Mnemonic == decoder.MnCallRel {
		taken, _ := branchTargets(op)
		target = d.constructConst(8, int64(taken))
	} else {
		target = d.loadSource(op, op.Dest)
	}
	blk := d.block()
	blk.Term = ir.OpExitFunction
	blk.ExitPCNode = target
	blk.Sealed = true
	return nil
}

// dispatchRet lowers RET: pops the return address, releases any imm16
// stack bytes, decrements CallRetSP and exits to the popped address. No
// return address is recorded or compared here: the popped value is
// always the exit target.
func (d *Dispatcher) dispatchRet(op decoder.Op) error {
	d.invalidateFlagsForABI()
	retVal := d.popValue(8)
	if op.Src[0].Kind == decoder.OperandImmediate && op.Src[0].Imm != 0 {
		rsp := d.loadGPR(cpustate.RSP, 8, false)
		imm := d.constructConst(8, op.Src[0].Imm)
		rsp = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{rsp, imm}})
		d.storeGPR(cpustate.RSP, 8, false, rsp)
	}
	d.bumpCallRetShadow(-1)
	blk := d.block()
	blk.Term = ir.OpExitFunction
	blk.ExitPCNode = retVal
	blk.Sealed = true
	return nil
}

// bumpCallRetShadow adjusts CPUState.CallRetSP by delta. It is a pure
// performance hint (spec §4.2): correctness never depends on it.
func (d *Dispatcher) bumpCallRetShadow(delta int64) {
	sp := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI32, Imm: int64(d.layout.CallRetSPOffset)})
	deltaRef := d.constructConst(4, delta)
	sp = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI32, Args: [3]ir.Ref{sp, deltaRef}})
	d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI32, Imm: int64(d.layout.CallRetSPOffset), Args: [3]ir.Ref{sp}})
}

// exitFunction seals the current block with a static ExitFunction, used by
// terminal instructions like UD2 that never fall through.
func (d *Dispatcher) exitFunction(pc uint64) {
	blk := d.block()
	blk.Term = ir.OpExitFunction
	blk.ExitPC = pc
	blk.Sealed = true
}
