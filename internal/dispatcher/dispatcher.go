// Package dispatcher implements the OpDispatcher (spec §4.2): given a
// sequence of decoder.Op values forming a block, it emits an IR program
// semantically equivalent to executing that sequence on x86. This is the
// largest component of the frontend, mirroring the teacher's backend
// packages (std/compiler/backend_*.go) in shape: one builder type holding
// the in-progress translation unit, a big per-opcode dispatch switch, and a
// handful of small internal primitives (load_source/store_result/
// append_segment_offset/construct_const) shared across every instruction
// family.
package dispatcher

import (
	"github.com/pkg/errors"

	"github.com/fexcore/fexcore-go/internal/config"
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/fexlog"
	"github.com/fexcore/fexcore-go/internal/ir"
)

// ErrTranslationFailure is returned by Dispatch when an instruction has no
// lowering at all (spec §7 TranslationFailure: "ends the block with
// ExitFunction(current_pc), does not corrupt already-emitted IR").
var ErrTranslationFailure = errors.New("dispatcher: no lowering for instruction")

// SyscallHandler is the external collaborator interface the Syscall IR node
// is evaluated against at runtime (spec §6 "Syscall handler"). The
// dispatcher only ever references it through HandleSyscall's contract; it
// never implements kernel emulation itself (explicitly out of scope).
type SyscallHandler interface {
	HandleSyscall(rax uint64, args [6]uint64, abi OSABI) uint64
}

// OSABI selects the syscall argument-register convention (spec §4.2
// "Syscalls and thunks").
type OSABI uint8

const (
	ABILinux64 OSABI = iota
	ABILinux32
)

// flagRecord is the "last flag op" memoization entry (spec §4.2 Flag model
// item 1): kind, operand width, and the two operands of the most recent
// flag-defining instruction in the current block.
type flagRecord struct {
	kind ir.ALUKind
	size ir.DataType
	dst  ir.Ref
	src  ir.Ref
	// result is the computed dst-OP-src value (the subtraction for
	// CMP/SUB, the masked value for AND/TEST, the sum for ADD, ...); the
	// zero-test fast path for condE/condNE compares this against zero
	// rather than comparing dst against src, since dst==src is only
	// equivalent to a zero result for the subtraction-shaped kinds.
	result ir.Ref
	// dstIsFloat marks an FCMP record (x87/SSE compare) rather than an
	// integer CMP/AND-family one; flag semantics differ (no CF/AF/OF).
	dstIsFloat bool
}

// Dispatcher holds the state of one in-progress multiblock translation. A
// Dispatcher is not safe for concurrent use from multiple goroutines; each
// guest thread's translator owns one (spec §5, "per-thread IR arena:
// thread-private, no lock needed").
type Dispatcher struct {
	cfg    *config.Config
	layout *cpustate.Layout
	abi    OSABI
	log    *fexlog.Logger

	fn  *ir.Function
	cur ir.BlockID

	lastFlag   flagRecord
	haveFlag   bool
	blockFault bool
}

// New creates a Dispatcher bound to a static configuration and CPUState
// layout. Both are read-only for the Dispatcher's lifetime.
func New(cfg *config.Config, layout *cpustate.Layout) *Dispatcher {
	abi := ABILinux64
	if !cfg.Is64BitMode {
		abi = ABILinux32
	}
	return &Dispatcher{
		cfg:    cfg,
		layout: layout,
		abi:    abi,
		log:    fexlog.Default.WithPrefix("dispatcher"),
	}
}

// BeginFunction starts a new IR unit with a pre-computed set of intra-region
// branch targets (spec §4.2 "begin_function(entry_pc, blocks)").
func (d *Dispatcher) BeginFunction(entryPC uint64, blockPCs []uint64) {
	d.fn = ir.BeginFunction(entryPC, blockPCs)
	id, ok := d.fn.BlockAt(entryPC)
	if !ok {
		panic("dispatcher: BeginFunction did not register its own entry PC")
	}
	d.cur = id
	d.haveFlag = false
	d.blockFault = false
}

// Function returns the in-progress IR unit. Valid only between
// BeginFunction and the next BeginFunction call.
func (d *Dispatcher) Function() *ir.Function { return d.fn }

// SetBlock moves the dispatch cursor to an already-registered block, used
// by multiblock translation to resume filling a block reached by more than
// one path once all of its predecessors have been dispatched.
func (d *Dispatcher) SetBlock(id ir.BlockID) {
	d.cur = id
	d.haveFlag = false
}

func (d *Dispatcher) block() *ir.Block { return d.fn.Block(d.cur) }

func (d *Dispatcher) emit(n ir.Node) ir.Ref { return d.block().Append(n) }

// Dispatch appends IR for one instruction to the current block (spec §4.2
// "dispatch(decoded_op)"). A decode error observed by the caller should
// never reach here; Dispatch only handles already-successfully-decoded ops,
// surfacing ErrTranslationFailure for mnemonics this budget does not lower.
func (d *Dispatcher) Dispatch(op decoder.Op) error {
	if d.block().Sealed {
		return errors.New("dispatcher: Dispatch called on a sealed block")
	}
	switch op.Mnemonic {
	case decoder.MnNop:
		return nil
	case decoder.MnMovRM, decoder.MnMovMR, decoder.MnMovImm:
		return d.dispatchMov(op)
	case decoder.MnLea:
		return d.dispatchLea(op)
	case decoder.MnAdd, decoder.MnOr, decoder.MnAdc, decoder.MnSbb, decoder.MnAnd,
		decoder.MnSub, decoder.MnXor, decoder.MnCmp, decoder.MnTest:
		return d.dispatchALU(op)
	case decoder.MnInc, decoder.MnDec, decoder.MnNot, decoder.MnNeg:
		return d.dispatchUnary(op)
	case decoder.MnPush:
		return d.dispatchPush(op)
	case decoder.MnPop:
		return d.dispatchPop(op)
	case decoder.MnShl, decoder.MnShr, decoder.MnSar, decoder.MnRol, decoder.MnRor,
		decoder.MnRcl, decoder.MnRcr:
		return d.dispatchShiftRotate(op)
	case decoder.MnShld, decoder.MnShrd:
		return d.dispatchDoubleShift(op)
	case decoder.MnJmpRel, decoder.MnJcc, decoder.MnLoop, decoder.MnLoopE,
		decoder.MnLoopNE, decoder.MnJcxz:
		return d.dispatchRelBranch(op)
	case decoder.MnJmpIndirect:
		return d.dispatchIndirectJmp(op)
	case decoder.MnCallRel, decoder.MnCallIndirect:
		return d.dispatchCall(op)
	case decoder.MnRet:
		return d.dispatchRet(op)
	case decoder.MnXchg:
		return d.dispatchXchg(op)
	case decoder.MnCmpxchg:
		return d.dispatchCmpxchg(op)
	case decoder.MnCmpxchg8b, decoder.MnCmpxchg16b:
		return d.dispatchCmpxchgPair(op)
	case decoder.MnXadd:
		return d.dispatchXadd(op)
	case decoder.MnMovsx, decoder.MnMovzx:
		return d.dispatchMovExtend(op)
	case decoder.MnMovs, decoder.MnStos, decoder.MnCmps, decoder.MnScas, decoder.MnLods:
		return d.dispatchString(op)
	case decoder.MnPushf:
		return d.dispatchPushf(op)
	case decoder.MnPopf:
		return d.dispatchPopf(op)
	case decoder.MnLahf:
		return d.dispatchLahf(op)
	case decoder.MnSahf:
		return d.dispatchSahf(op)
	case decoder.MnFld, decoder.MnFst:
		return d.dispatchX87Stack(op)
	case decoder.MnFcomi, decoder.MnFucomi:
		return d.dispatchFcomi(op)
	case decoder.MnMovss, decoder.MnMovsd:
		return d.dispatchVecMov(op)
	case decoder.MnAddps, decoder.MnMulps:
		return d.dispatchVecALU(op)
	case decoder.MnCmpeqps:
		return d.dispatchVecCmp(op)
	case decoder.MnCpuid:
		return d.dispatchCpuid(op)
	case decoder.MnSyscall, decoder.MnInt:
		return d.dispatchSyscall(op)
	case decoder.MnThunk:
		return d.dispatchThunk(op)
	case decoder.MnBswap:
		return d.dispatchBswap(op)
	case decoder.MnIret:
		return d.dispatchIret(op)
	case decoder.MnUd2:
		d.exitFunction(op.PC)
		return nil
	default:
		d.log.Debugf("no lowering for mnemonic %d at pc=%#x", op.Mnemonic, op.PC)
		d.exitFunction(op.PC)
		return errors.Wrapf(ErrTranslationFailure, "mnemonic=%d pc=%#x", op.Mnemonic, op.PC)
	}
}

// Finalize closes any open blocks (spec §4.2 "finalize()"); delegates
// directly to ir.Function.Finalize, which is where the fallback
// ExitFunction-to-entry-PC policy for unterminated blocks lives.
func (d *Dispatcher) Finalize() *ir.Function {
	d.fn.Finalize()
	return d.fn
}

func dtypeForSize(size uint8) ir.DataType {
	switch size {
	case 1:
		return ir.TypeI8
	case 2:
		return ir.TypeI16
	case 4:
		return ir.TypeI32
	case 8:
		return ir.TypeI64
	case 16:
		return ir.TypeV128
	case 32:
		return ir.TypeV256
	default:
		return ir.TypeI64
	}
}
