package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// pushValue decrements RSP by size and stores value through the
// TSO-consistent opcode, since every push is, by construction, an
// [rsp]-anchored access (spec §4.2 load_source/store_result note).
func (d *Dispatcher) pushValue(value ir.Ref, size uint8) {
	rsp := d.loadGPR(cpustate.RSP, 8, false)
	szRef := d.constructConst(8, int64(size))
	rsp = d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUSub, Type: ir.TypeI64, Args: [3]ir.Ref{rsp, szRef}})
	d.storeGPR(cpustate.RSP, 8, false, rsp)
	d.emit(ir.Node{Op: ir.OpStoreMemTSO, Type: dtypeForSize(size), Args: [3]ir.Ref{rsp, value}})
}

// popValue loads size bytes from [rsp] and increments RSP by size.
func (d *Dispatcher) popValue(size uint8) ir.Ref {
	rsp := d.loadGPR(cpustate.RSP, 8, false)
	value := d.emit(ir.Node{Op: ir.OpLoadMemTSO, Type: dtypeForSize(size), Args: [3]ir.Ref{rsp}})
	szRef := d.constructConst(8, int64(size))
	newRsp := d.emit(ir.Node{Op: ir.OpALU, ALUKind: ir.ALUAdd, Type: ir.TypeI64, Args: [3]ir.Ref{rsp, szRef}})
	d.storeGPR(cpustate.RSP, 8, false, newRsp)
	return value
}

func (d *Dispatcher) dispatchPush(op decoder.Op) error {
	v := d.loadSource(op, op.Dest)
	size := op.Dest.Size
	if size == 0 {
		size = op.Src[0].Size
		v = d.loadSource(op, op.Src[0])
	}
	if size == 4 && op.Mode == decoder.Mode64 {
		size = 8 // PUSH always pushes a stack-slot-width value in 64-bit mode
	}
	d.pushValue(v, size)
	return nil
}

func (d *Dispatcher) dispatchPop(op decoder.Op) error {
	size := op.Dest.Size
	if size == 4 && op.Mode == decoder.Mode64 {
		size = 8
	}
	v := d.popValue(size)
	d.storeResult(op, op.Dest, v)
	return nil
}

// dispatchPushf materializes packed EFLAGS and pushes it (spec §4.2:
// "Packed EFLAGS is materialized only on demand").
func (d *Dispatcher) dispatchPushf(op decoder.Op) error {
	packed := d.getPackedRFLAG()
	d.pushValue(packed, 8)
	return nil
}

func (d *Dispatcher) dispatchPopf(op decoder.Op) error {
	v := d.popValue(8)
	d.setPackedRFLAG(v)
	d.haveFlag = false
	return nil
}

// getPackedRFLAG assembles CF/PF/AF/ZF/SF/OF plus the two synthetic
// always-1 bits (1 and 9/IF) into a single value, per spec §4.2.
func (d *Dispatcher) getPackedRFLAG() ir.Ref {
	bitPos := map[cpustate.Flag]int64{
		cpustate.FlagCF: 0, cpustate.FlagPF: 2, cpustate.FlagAF: 4,
		cpustate.FlagZF: 6, cpustate.FlagSF: 7, cpustate.FlagOF: 11,
	}
	packed := d.constructConst(4, 0x202) // bit1 (reserved-1) and bit9 (IF) always set
	for _, flag := range []cpustate.Flag{cpustate.FlagCF, cpustate.FlagPF, cpustate.FlagAF, cpustate.FlagZF, cpustate.FlagSF, cpustate.FlagOF} {
		v := d.loadFlag(flag)
		packed = d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI32, Imm: bitPos[flag], Aux: 1, Args: [3]ir.Ref{packed, v}})
	}
	return packed
}

// setPackedRFLAG splits a packed EFLAGS value back into the individual
// CPUState flag slots.
func (d *Dispatcher) setPackedRFLAG(packed ir.Ref) {
	bitPos := map[cpustate.Flag]int64{
		cpustate.FlagCF: 0, cpustate.FlagPF: 2, cpustate.FlagAF: 4,
		cpustate.FlagZF: 6, cpustate.FlagSF: 7, cpustate.FlagOF: 11,
	}
	for flag, pos := range bitPos {
		bit := d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: pos, Aux: 1, Args: [3]ir.Ref{packed}})
		d.storeFlag(flag, bit)
	}
}

// dispatchLahf loads AH from the packed low byte of RFLAGS (CF,1,PF,0,AF,0,ZF,SF).
func (d *Dispatcher) dispatchLahf(op decoder.Op) error {
	ah := d.constructConst(1, 0x02)
	bitPos := map[cpustate.Flag]int64{
		cpustate.FlagCF: 0, cpustate.FlagPF: 2, cpustate.FlagAF: 4,
		cpustate.FlagZF: 6, cpustate.FlagSF: 7,
	}
	for flag, pos := range bitPos {
		v := d.loadFlag(flag)
		ah = d.emit(ir.Node{Op: ir.OpBfi, Type: ir.TypeI8, Imm: pos, Aux: 1, Args: [3]ir.Ref{ah, v}})
	}
	d.storeGPR(cpustate.RAX, 1, true, ah)
	return nil
}

// dispatchSahf loads flags from AH, masking bits {3,5} to zero (spec §4.2).
func (d *Dispatcher) dispatchSahf(op decoder.Op) error {
	ah := d.loadGPR(cpustate.RAX, 1, true)
	bitPos := map[cpustate.Flag]int64{
		cpustate.FlagCF: 0, cpustate.FlagPF: 2, cpustate.FlagAF: 4,
		cpustate.FlagZF: 6, cpustate.FlagSF: 7,
	}
	for flag, pos := range bitPos {
		bit := d.emit(ir.Node{Op: ir.OpBfe, Type: ir.TypeI8, Imm: pos, Aux: 1, Args: [3]ir.Ref{ah}})
		d.storeFlag(flag, bit)
	}
	d.haveFlag = false
	return nil
}
