package dispatcher

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// linux64SyscallRegs and linux32SyscallRegs are the six argument registers
// selected by OSABI (spec §4.2 "Syscalls and thunks").
var linux64SyscallRegs = [6]uint8{cpustate.RDI, cpustate.RSI, cpustate.RDX, cpustate.R10, cpustate.R8, cpustate.R9}
var linux32SyscallRegs = [6]uint8{cpustate.RBX, cpustate.RCX, cpustate.RDX, cpustate.RSI, cpustate.RDI, cpustate.RBP}

// dispatchSyscall lowers SYSCALL (64-bit) and INT 0x80 (32-bit) to an IR
// Syscall node. RIP is advanced past the instruction before the node
// executes, so that a signal re-entering mid-syscall observes the correct
// already-advanced RIP (spec §4.2).
func (d *Dispatcher) dispatchSyscall(op decoder.Op) error {
	nextPC := op.PC + uint64(op.InstSize)
	d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(d.layout.RIPOffset), Args: [3]ir.Ref{d.constructConst(8, int64(nextPC))}})

	regs := linux64SyscallRegs
	if d.abi == ABILinux32 {
		regs = linux32SyscallRegs
	}
	rax := d.loadGPR(cpustate.RAX, 8, false)
	arg0 := d.loadGPR(regs[0], 8, false)
	arg1 := d.loadGPR(regs[1], 8, false)
	n := d.emit(ir.Node{Op: ir.OpSyscall, Type: ir.TypeI64, Args: [3]ir.Ref{rax, arg0, arg1}})
	// The remaining four argument registers are read directly out of
	// CPUState by the runtime evaluator rather than threaded through SSA;
	// Node's three-Ref capacity only fits the syscall number plus two args.
	d.storeGPR(cpustate.RAX, 8, false, n)
	return nil
}

// dispatchThunk lowers the reserved 0F 3F <16-byte hash> encoding to a
// Thunk node with no operands: the decoder counts the 16 hash bytes in
// InstSize, but the node does not carry them.
func (d *Dispatcher) dispatchThunk(op decoder.Op) error {
	d.emit(ir.Node{Op: ir.OpThunk, Type: ir.TypeNone})
	return nil
}

// dispatchCpuid lowers CPUID to a CPUID IR node; the runtime evaluates it
// against the configured cpuid.Backend (spec §6 "CPUID backend").
func (d *Dispatcher) dispatchCpuid(op decoder.Op) error {
	leaf := d.loadGPR(cpustate.RAX, 4, false)
	subleaf := d.loadGPR(cpustate.RCX, 4, false)
	result := d.emit(ir.Node{Op: ir.OpCPUID, Type: ir.TypeI64, Args: [3]ir.Ref{leaf, subleaf}})
	d.storeGPR(cpustate.RAX, 4, false, result)
	return nil
}

// dispatchIret lowers IRET, restoring RIP/CS/EFLAGS from the stack built by
// the exception-delivery path. The 66-prefixed variant is rejected earlier
// in decode (spec §4.1 ErrOperandSizeOverrideOnIRET) so only the default
// width reaches here.
func (d *Dispatcher) dispatchIret(op decoder.Op) error {
	rip := d.popValue(8)
	d.emit(ir.Node{Op: ir.OpStoreContext, Type: ir.TypeI64, Imm: int64(d.layout.RIPOffset), Args: [3]ir.Ref{rip}})
	_ = d.popValue(8) // CS, not separately modeled in CPUState.Segments selector width here
	rflags := d.popValue(8)
	d.setPackedRFLAG(rflags)
	blk := d.block()
	blk.Term = ir.OpExitFunction
	blk.ExitPCNode = rip
	blk.Sealed = true
	d.haveFlag = false
	return nil
}
