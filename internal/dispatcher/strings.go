package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// stringOpSize recovers the per-element size string instructions operate
// on; the decoder does not populate op.Dest for string mnemonics since
// their operands are implicit ([RSI]/[RDI]/AL or wider), so dispatch must
// derive width from the operand-size rule the same way the decoder would.
func stringOpSize(op decoder.Op) uint8 {
	switch {
	case op.Prefixes&decoder.PfxREXW != 0 && op.Mode == decoder.Mode64:
		return 8
	case op.Prefixes&decoder.PfxOperandSize != 0:
		return 2
	default:
		return 4
	}
}

// isByteStringForm reports whether the low-opcode-bit-0 form (byte
// granularity) was decoded; callers pass the original Op since Mnemonic
// alone does not distinguish MOVSB from MOVSW/D/Q.
func isByteStringForm(op decoder.Op) bool {
	return op.Primary&1 == 0
}

// dispatchString lowers MOVS/STOS/CMPS/SCAS/LODS (spec §4.2 "String
// instructions"). Non-REP forms emit straight-line IR; REP/REPE/REPNE
// variants emit a three-block loop, reloading counter/source/destination
// from CPUState every iteration rather than carrying them in cross-block
// SSA values (spec: "cross-block SSA is not used").
func (d *Dispatcher) dispatchString(op decoder.Op) error {
	size := stringOpSize(op)
	if isByteStringForm(op) {
		size = 1
	}

	if op.RepKind == decoder.RepNone {
		d.emitStringBody(op, size)
		return nil
	}
	return d.emitStringLoop(op, size)
}

// emitStringBody emits one iteration's worth of IR for the given string
// mnemonic, operating directly on RSI/RDI/RAX/RCX through CPUState.
func (d *Dispatcher) emitStringBody(op decoder.Op, size uint8) {
	t := dtypeForSize(size)
	df := d.emit(ir.Node{Op: ir.OpLoadContext, Type: ir.TypeI8, Imm: int64(d.layout.DFOffset)})
	szRef := d.constructConst(8, int64(size))
	negSz := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: ir.TypeI64, Args: [3]ir.Ref{d.constructConst(8, 0), szRef}})
	isZero := d.emit(ir.Node{Op: ir.OpCmpEQ, Type: ir.TypeI8, Args: [3]ir.Ref{df, d.constructConst(1, 0)}})
	step := d.emit(ir.Node{Op: ir.OpSelect, Type: ir.TypeI64, Args: [3]ir.Ref{isZero, szRef, negSz}})

	advance := func(reg uint8) {
		p := d.loadGPR(reg, 8, false)
		p = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{p, step}})
		d.storeGPR(reg, 8, false, p)
	}

	switch op.Mnemonic {
	case decoder.MnMovs:
		rsi := d.loadGPR(cpustate.RSI, 8, false)
		seg := op.Prefixes.SegmentOverride()
		src := d.appendSegmentOffset(rsi, seg)
		v := d.emit(ir.Node{Op: ir.OpLoadMem, Type: t, Args: [3]ir.Ref{src}})
		rdi := d.loadGPR(cpustate.RDI, 8, false)
		d.emit(ir.Node{Op: ir.OpStoreMem, Type: t, Args: [3]ir.Ref{rdi, v}})
		advance(cpustate.RSI)
		advance(cpustate.RDI)
	case decoder.MnStos:
		al := d.loadGPR(cpustate.RAX, size, false)
		rdi := d.loadGPR(cpustate.RDI, 8, false)
		d.emit(ir.Node{Op: ir.OpStoreMem, Type: t, Args: [3]ir.Ref{rdi, al}})
		advance(cpustate.RDI)
	case decoder.MnLods:
		rsi := d.loadGPR(cpustate.RSI, 8, false)
		seg := op.Prefixes.SegmentOverride()
		src := d.appendSegmentOffset(rsi, seg)
		v := d.emit(ir.Node{Op: ir.OpLoadMem, Type: t, Args: [3]ir.Ref{src}})
		d.storeGPR(cpustate.RAX, size, false, v)
		advance(cpustate.RSI)
	case decoder.MnCmps:
		rsi := d.loadGPR(cpustate.RSI, 8, false)
		seg := op.Prefixes.SegmentOverride()
		src := d.appendSegmentOffset(rsi, seg)
		a := d.emit(ir.Node{Op: ir.OpLoadMem, Type: t, Args: [3]ir.Ref{src}})
		rdi := d.loadGPR(cpustate.RDI, 8, false)
		b := d.emit(ir.Node{Op: ir.OpLoadMem, Type: t, Args: [3]ir.Ref{rdi}})
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUCmp, Type: t, Args: [3]ir.Ref{a, b}})
		d.recordFlags(ir.ALUCmp, t, a, b, result)
		d.storeIntegerFlags(ir.ALUCmp, size, a, b, result)
		advance(cpustate.RSI)
		advance(cpustate.RDI)
	case decoder.MnScas:
		al := d.loadGPR(cpustate.RAX, size, false)
		rdi := d.loadGPR(cpustate.RDI, 8, false)
		b := d.emit(ir.Node{Op: ir.OpLoadMem, Type: t, Args: [3]ir.Ref{rdi}})
		result := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUCmp, Type: t, Args: [3]ir.Ref{al, b}})
		d.recordFlags(ir.ALUCmp, t, al, b, result)
		d.storeIntegerFlags(ir.ALUCmp, size, al, b, result)
		advance(cpustate.RDI)
	}
}

// emitStringLoop builds the header/body/exit three-block shape for a
// REP-family string instruction (spec §4.2).
func (d *Dispatcher) emitStringLoop(op decoder.Op, size uint8) error {
	fallPC := op.PC + uint64(op.InstSize)

	header := d.fn.NewScratchBlock()
	body := d.fn.NewScratchBlock()
	exitBlk, exitOK := d.fn.BlockAt(fallPC)
	if !exitOK {
		exitBlk = d.fn.SynthesizeExitBlock(fallPC)
	}

	entry := d.block()
	entry.Term = ir.OpJump
	entry.TargetTrue = header
	entry.Sealed = true

	d.SetBlock(header)
	rcx := d.loadGPR(cpustate.RCX, counterWidth(op), false)
	zero := d.constructConst(counterWidth(op), 0)
	notDone := d.emit(ir.Node{Op: ir.OpCmpNE, Type: ir.TypeI8, Args: [3]ir.Ref{rcx, zero}})
	hblk := d.block()
	hblk.Term = ir.OpCondJump
	hblk.CondArg = notDone
	hblk.TargetTrue = body
	hblk.TargetFalse = exitBlk
	hblk.Sealed = true

	d.SetBlock(body)
	d.emitStringBody(op, size)
	rcx = d.loadGPR(cpustate.RCX, counterWidth(op), false)
	one := d.constructConst(counterWidth(op), 1)
	rcx = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: dtypeForSize(counterWidth(op)), Args: [3]ir.Ref{rcx, one}})
	d.storeGPR(cpustate.RCX, counterWidth(op), false, rcx)

	bblk := d.block()
	switch op.RepKind {
	case decoder.RepE:
		zf := d.loadFlag(cpustate.FlagZF)
		bblk.Term = ir.OpCondJump
		bblk.CondArg = zf
		bblk.TargetTrue = header
		bblk.TargetFalse = exitBlk
	case decoder.RepNE:
		zf := d.loadFlag(cpustate.FlagZF)
		nzf := d.negate(zf)
		bblk.Term = ir.OpCondJump
		bblk.CondArg = nzf
		bblk.TargetTrue = header
		bblk.TargetFalse = exitBlk
	default:
		bblk.Term = ir.OpJump
		bblk.TargetTrue = header
	}
	bblk.Sealed = true

	d.haveFlag = false
	return nil
}
