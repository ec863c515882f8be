// Package sigrecon implements the Signal/Exception Reconstructor (spec
// §4.4): when the host delivers a fault while a host IP is inside
// translated code or the dispatcher, it maps that fault back to precise
// guest architectural state and, where applicable, synthesizes a guest
// exception frame.
//
// The reconstructor cooperates with the downstream JIT backend through two
// narrow interfaces, HostPCResolver and EFLAGSReconstructor, rather than a
// concrete struct, since maintaining the host-PC-to-guest-RIP side table
// and the host register file layout is the JIT's responsibility (spec §1
// Non-goals; spec §4.4 "two contracts the backend must provide").
package sigrecon

import (
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/vma"
)

// HostPCResolver maintains the side table from every host PC inside
// translated code to the guest RIP of the currently-executing guest
// instruction boundary (spec §4.4 item 1).
type HostPCResolver interface {
	RestoreRIPFromHostPC(hostPC uint64) (guestRIP uint64, ok bool)
}

// EFLAGSReconstructor produces the guest EFLAGS value from the host
// register file captured at the fault (spec §4.4 item 2).
type EFLAGSReconstructor interface {
	ReconstructCompactedEFLAGS(hostCtx *HostContext) uint32
}

// HostContext is the subset of the host ucontext_t/mcontext_t the
// reconstructor needs: the general-purpose register file at the fault (as
// the JIT's statically-reserved-allocation mapping presents it) plus the
// raw siginfo/ucontext fields the fault classifier reads.
type HostContext struct {
	// GPR holds the host GPR file at the fault, indexed by the JIT's SRA
	// (static register allocation) convention; the caller is responsible
	// for having captured it from the real ucontext_t.
	GPR [cpustate.NumGPRs]uint64
	FPR [cpustate.X87StackDepth]uint64

	// TrapNo and ErrCode mirror ucontext_t's uc_mcontext.gregs[REG_TRAPNO]
	// and [REG_ERR] on Linux/x86-64, used by Classify.
	TrapNo int32
	ErrCode int64
}

// Signal identifies the host signal that delivered the fault.
type Signal int

const (
	SigSEGV Signal = iota
	SigBUS
	SigILL
	SigTRAP
	SigFPE
)

// Linux x86-64 TRAPNO values read out of ucontext_t, used to distinguish
// #BP from #DB within a single SIGTRAP (spec §4.4 item 3).
const (
	trapnoBP = 3
	trapnoDB = 1
)

// GuestException is the x86 exception vector the fault is classified into
// (spec §4.4 item 3).
type GuestException int

const (
	ExcNone GuestException = iota
	ExcUD                  // #UD, invalid opcode
	ExcBP                  // #BP, breakpoint
	ExcDB                  // #DB, debug
	ExcOF                  // #OF, overflow trap
	ExcGP                  // #GP, general protection
	ExcPF                  // #PF, page fault
	ExcBreakpointEmulated  // int 0x80/0x2d emulated breakpoint path
)

// Reconstructor ties a VMA tracker (for the SMC-vs-exception triage handed
// off to handle_segfault), a HostPCResolver, and an EFLAGSReconstructor
// together to implement the full fault-to-guest-state pipeline (spec
// §4.4). It is thread-private per guest thread, matching the "per-thread
// IR arena" ownership model (spec §5).
type Reconstructor struct {
	tracker *vma.Tracker
	pcRes   HostPCResolver
	flagRes EFLAGSReconstructor
}

// New creates a Reconstructor. tracker may be nil if this reconstructor is
// only ever used against non-SMC faults (e.g. in a unit test harness).
func New(tracker *vma.Tracker, pcRes HostPCResolver, flagRes EFLAGSReconstructor) *Reconstructor {
	return &Reconstructor{tracker: tracker, pcRes: pcRes, flagRes: flagRes}
}

// Outcome reports what HandleFault did with a host fault (spec §7
// HostFault: three outcomes).
type Outcome int

const (
	// OutcomeSMCConsumed: the VMA tracker consumed the fault as SMC or
	// protection overcommit; the host context has been patched and
	// execution should resume.
	OutcomeSMCConsumed Outcome = iota
	// OutcomeGuestException: the fault maps to a guest exception; Frame
	// holds the synthesized exception frame and redirect RIP.
	OutcomeGuestException
	// OutcomePassThrough: the fault is neither in translated code nor in
	// tracked memory; it must be passed through to the process's previous
	// disposition unchanged.
	OutcomePassThrough
)

// Result is HandleFault's full report.
type Result struct {
	Outcome   Outcome
	Exception GuestException
	// SingleStepNext mirrors vma.SMCResult.SingleStepNext, relevant only
	// when Outcome == OutcomeSMCConsumed.
	SingleStepNext bool
	Frame          *GuestExceptionFrame
}

// HandleFault runs the full reconstruction pipeline (spec §4.4 steps 1-4).
// faultAddr/hostPC come from the host siginfo_t/ucontext_t; state is the
// guest CPUState to be updated in place; inTranslatedCode reports whether
// hostPC falls inside the JIT's code buffer (the caller, which owns that
// buffer, determines this and passes it in, since the reconstructor itself
// has no visibility into JIT-owned address ranges per spec §1 Non-goals).
func (r *Reconstructor) HandleFault(sig Signal, faultAddr, hostPC uint64, ctx *HostContext, state *cpustate.State, inTranslatedCode bool, executingBlockBase, executingBlockLen uint64) Result {
	if r.tracker != nil {
		if smc := r.tracker.HandleSegfault(faultAddr, hostPC, executingBlockBase, executingBlockLen); smc.Outcome == vma.Handled {
			return Result{Outcome: OutcomeSMCConsumed, SingleStepNext: smc.SingleStepNext}
		}
	}

	if !inTranslatedCode {
		return Result{Outcome: OutcomePassThrough}
	}

	if r.pcRes != nil {
		if guestRIP, ok := r.pcRes.RestoreRIPFromHostPC(hostPC); ok {
			for i := range state.GPR {
				state.GPR[i] = ctx.GPR[i]
			}
			copy(state.FPR[:], ctx.FPR[:])
			state.RIP = guestRIP
		}
	}

	exc := Classify(sig, ctx)
	if exc == ExcBP {
		state.RIP--
	}

	// EFLAGS reconstruction is host-context-driven (spec §4.4 item 2), not
	// a passthrough of state.Flags: the dispatcher's flag-elision model
	// (spec §4.2 item 1) only materializes CPUState flags lazily, so
	// state.Flags alone is not reliable at an arbitrary fault point. Fall
	// back to packEFLAGS(state) only when no reconstructor was supplied.
	eflags := packEFLAGS(state)
	if r.flagRes != nil {
		eflags = r.flagRes.ReconstructCompactedEFLAGS(ctx)
	}

	frame := BuildExceptionFrame(state, exc, eflags)
	if exc == ExcPF {
		frame.FaultAddr = faultAddr
	}
	return Result{Outcome: OutcomeGuestException, Exception: exc, Frame: frame}
}

// Classify maps a host signal plus its trap/error detail to a guest
// exception vector (spec §4.4 step 3).
func Classify(sig Signal, ctx *HostContext) GuestException {
	switch sig {
	case SigILL:
		return ExcUD
	case SigTRAP:
		switch ctx.TrapNo {
		case trapnoBP:
			return ExcBP
		case trapnoDB:
			return ExcDB
		default:
			return ExcBP
		}
	case SigSEGV, SigBUS:
		if ctx.TrapNo == 0x80 || ctx.TrapNo == 0x2d {
			return ExcBreakpointEmulated
		}
		if ctx.ErrCode&1 != 0 {
			return ExcGP
		}
		return ExcPF
	case SigFPE:
		return ExcOF
	default:
		return ExcNone
	}
}
