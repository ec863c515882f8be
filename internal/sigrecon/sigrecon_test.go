package sigrecon

import (
	"testing"

	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/vma"
)

type fakeHostMemory struct{}

func (fakeHostMemory) Mmap(addr, length uint64, prot vma.Prot, flags vma.MapFlags, fd int, off int64) (uint64, error) {
	return addr, nil
}
func (fakeHostMemory) Mprotect(addr, length uint64, prot vma.Prot) error        { return nil }
func (fakeHostMemory) Munmap(addr, length uint64) error                        { return nil }
func (fakeHostMemory) Mremap(oldAddr, oldLen, newLen uint64, mayMove bool) (uint64, error) { return oldAddr, nil }
func (fakeHostMemory) ShmAt(id int, addr uint64, flags int) (uint64, error)     { return addr, nil }
func (fakeHostMemory) ShmDt(addr uint64) error                                 { return nil }

type fakeInvalidator struct{}

func (fakeInvalidator) InvalidateRange(base, length uint64) {}

type fakePCResolver struct {
	rip uint64
	ok  bool
}

func (f fakePCResolver) RestoreRIPFromHostPC(hostPC uint64) (uint64, bool) { return f.rip, f.ok }

type fakeFlagsReconstructor struct {
	eflags uint32
}

func (f fakeFlagsReconstructor) ReconstructCompactedEFLAGS(ctx *HostContext) uint32 { return f.eflags }

// TestClassify_SigillIsUD verifies SIGILL always maps to #UD (spec §4.4).
func TestClassify_SigillIsUD(t *testing.T) {
	if got := Classify(SigILL, &HostContext{}); got != ExcUD {
		t.Fatalf("expected ExcUD, got %v", got)
	}
}

// TestClassify_SigtrapDistinguishesBreakpointFromSingleStep verifies the
// TRAPNO-based split between #BP and #DB within a single SIGTRAP delivery
// (spec §4.4 item 3).
func TestClassify_SigtrapDistinguishesBreakpointFromSingleStep(t *testing.T) {
	if got := Classify(SigTRAP, &HostContext{TrapNo: trapnoBP}); got != ExcBP {
		t.Fatalf("expected ExcBP for TRAPNO_BP, got %v", got)
	}
	if got := Classify(SigTRAP, &HostContext{TrapNo: trapnoDB}); got != ExcDB {
		t.Fatalf("expected ExcDB for TRAPNO_DB, got %v", got)
	}
}

// TestClassify_SigsegvWriteFaultIsGP verifies a write-permission SIGSEGV
// (error code 0x3) classifies as #GP rather than #PF; Classify keys on
// bit 0, the protection-violation bit.
func TestClassify_SigsegvWriteFaultIsGP(t *testing.T) {
	if got := Classify(SigSEGV, &HostContext{ErrCode: 0x3}); got != ExcGP {
		t.Fatalf("expected ExcGP for a write-protection fault, got %v", got)
	}
	if got := Classify(SigSEGV, &HostContext{ErrCode: 0x0}); got != ExcPF {
		t.Fatalf("expected ExcPF for a not-present fault, got %v", got)
	}
}

// TestHandleFault_BreakpointDecrementsRIP verifies the #BP RIP-1 convention:
// the host traps after the INT3 byte, so the reconstructed guest RIP must
// point back at it (spec §4.4 item 3).
func TestHandleFault_BreakpointDecrementsRIP(t *testing.T) {
	r := New(nil, fakePCResolver{rip: 0x401005, ok: true}, nil)
	state := &cpustate.State{}
	res := r.HandleFault(SigTRAP, 0, 0xdeadbeef, &HostContext{TrapNo: trapnoBP}, state, true, 0, 0)
	if res.Outcome != OutcomeGuestException || res.Exception != ExcBP {
		t.Fatalf("expected a guest #BP exception, got %+v", res)
	}
	if state.RIP != 0x401004 {
		t.Fatalf("expected guest RIP decremented to 0x401004, got %#x", state.RIP)
	}
	if res.Frame.FaultRIP != 0x401004 {
		t.Fatalf("expected frame FaultRIP 0x401004, got %#x", res.Frame.FaultRIP)
	}
}

// TestHandleFault_SMCConsumedNeverReachesClassification verifies that when
// the VMA tracker's handle_segfault call reports Handled, the fault never
// falls through to guest-exception synthesis (spec §7 HostFault outcome a).
func TestHandleFault_SMCConsumedNeverReachesClassification(t *testing.T) {
	tr := vma.New(fakeHostMemory{}, fakeInvalidator{})
	tr.TrackMmap(0x5000, 0x1000, vma.ProtRead|vma.ProtWrite|vma.ProtExec, vma.MapPrivate|vma.MapAnonymous, -1, 0, nil, vma.ResourceKey{})
	tr.MarkGuestExecutableRange(0x5000, 0x1000)

	r := New(tr, nil, nil)
	state := &cpustate.State{}
	res := r.HandleFault(SigSEGV, 0x5000, 0, &HostContext{}, state, true, 0, 0)
	if res.Outcome != OutcomeSMCConsumed {
		t.Fatalf("expected the write fault on the marked-executable page to be consumed as SMC, got %+v", res)
	}
}

// TestHandleFault_UntrackedOutsideTranslatedCodeIsPassThrough verifies a
// fault neither in translated code nor in tracked memory passes through
// unchanged (spec §7 HostFault outcome c).
func TestHandleFault_UntrackedOutsideTranslatedCodeIsPassThrough(t *testing.T) {
	r := New(nil, nil, nil)
	state := &cpustate.State{}
	res := r.HandleFault(SigSEGV, 0x1234, 0, &HostContext{}, state, false, 0, 0)
	if res.Outcome != OutcomePassThrough {
		t.Fatalf("expected pass-through, got %+v", res)
	}
}

// TestHandleFault_PageFaultCarriesFaultAddr verifies a #PF frame carries the
// faulting address (the CR2 equivalent) rather than leaving it zero.
func TestHandleFault_PageFaultCarriesFaultAddr(t *testing.T) {
	r := New(nil, fakePCResolver{rip: 0x401000, ok: true}, nil)
	state := &cpustate.State{}
	res := r.HandleFault(SigSEGV, 0x7fff0000, 0xbeef, &HostContext{ErrCode: 0}, state, true, 0, 0)
	if res.Outcome != OutcomeGuestException || res.Exception != ExcPF {
		t.Fatalf("expected a guest #PF exception, got %+v", res)
	}
	if res.Frame.FaultAddr != 0x7fff0000 {
		t.Fatalf("expected FaultAddr 0x7fff0000, got %#x", res.Frame.FaultAddr)
	}
}

// TestHandleFault_UsesEFLAGSReconstructorNotStateFlags verifies the frame's
// EFLAGS comes from the injected EFLAGSReconstructor's host-context-driven
// value, not from whatever happens to be sitting in state.Flags — under the
// flag-elision model state.Flags is not reliably materialized at an
// arbitrary fault point (spec §4.4 item 2).
func TestHandleFault_UsesEFLAGSReconstructorNotStateFlags(t *testing.T) {
	r := New(nil, fakePCResolver{rip: 0x401000, ok: true}, fakeFlagsReconstructor{eflags: 0x246})
	state := &cpustate.State{}
	state.Flags[cpustate.FlagCF] = 1 // would pack to 0x1 if packEFLAGS(state) were used instead
	res := r.HandleFault(SigILL, 0, 0xbeef, &HostContext{}, state, true, 0, 0)
	if res.Outcome != OutcomeGuestException || res.Exception != ExcUD {
		t.Fatalf("expected a guest #UD exception, got %+v", res)
	}
	if res.Frame.EFLAGS != 0x246 {
		t.Fatalf("expected the reconstructor's EFLAGS 0x246 to win over packEFLAGS(state), got %#x", res.Frame.EFLAGS)
	}
}

// TestHandleFault_FallsBackToPackEFLAGSWithoutReconstructor verifies that
// when no EFLAGSReconstructor was supplied, HandleFault still produces a
// frame from packEFLAGS(state) rather than leaving EFLAGS zero.
func TestHandleFault_FallsBackToPackEFLAGSWithoutReconstructor(t *testing.T) {
	r := New(nil, fakePCResolver{rip: 0x401000, ok: true}, nil)
	state := &cpustate.State{}
	state.Flags[cpustate.FlagZF] = 1
	res := r.HandleFault(SigILL, 0, 0xbeef, &HostContext{}, state, true, 0, 0)
	if res.Frame.EFLAGS != 1<<6 {
		t.Fatalf("expected packEFLAGS fallback to report ZF set, got %#x", res.Frame.EFLAGS)
	}
}

// TestPackEFLAGS_RoundTripsDiscreteFlags verifies the compacted-flags
// reassembly matches the architectural bit positions.
func TestPackEFLAGS_RoundTripsDiscreteFlags(t *testing.T) {
	state := &cpustate.State{}
	state.Flags[cpustate.FlagCF] = 1
	state.Flags[cpustate.FlagZF] = 1
	got := packEFLAGS(state)
	want := uint32(1<<0 | 1<<6)
	if got != want {
		t.Fatalf("expected EFLAGS %#x, got %#x", want, got)
	}
}
