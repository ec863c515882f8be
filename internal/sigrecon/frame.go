package sigrecon

import "github.com/fexcore/fexcore-go/internal/cpustate"

// GuestExceptionFrame is the synthesized frame handed to the guest's
// installed exception dispatcher (spec §4.4 step 4: "construct a guest
// exception frame and redirect to the guest's installed handler").
type GuestExceptionFrame struct {
	Vector    GuestException
	ErrorCode uint64
	// FaultRIP is the guest RIP at the point of the fault: for #BP it has
	// already been decremented by one to point at the INT3 byte (spec
	// §4.4 item 3); for #PF it is the faulting instruction's RIP, not the
	// faulting address.
	FaultRIP uint64
	// FaultAddr mirrors CR2 for #PF: the address whose access faulted.
	FaultAddr uint64
	EFLAGS    uint32
}

// packEFLAGS reassembles the compacted x86 EFLAGS bits the state tracks
// discretely (spec's "each flag lives in its own byte-sized slot") into the
// architectural bit positions a guest exception frame expects.
func packEFLAGS(state *cpustate.State) uint32 {
	var v uint32
	if state.Flags[cpustate.FlagCF] != 0 {
		v |= 1 << 0
	}
	if state.Flags[cpustate.FlagPF] != 0 {
		v |= 1 << 2
	}
	if state.Flags[cpustate.FlagAF] != 0 {
		v |= 1 << 4
	}
	if state.Flags[cpustate.FlagZF] != 0 {
		v |= 1 << 6
	}
	if state.Flags[cpustate.FlagSF] != 0 {
		v |= 1 << 7
	}
	if state.DF != 0 {
		v |= 1 << 10
	}
	if state.Flags[cpustate.FlagOF] != 0 {
		v |= 1 << 11
	}
	return v
}

// BuildExceptionFrame constructs the frame for a classified guest
// exception. The caller has already adjusted state.RIP for the #BP RIP-1
// convention (spec §4.4 item 3) and resolved eflags, either through the
// EFLAGSReconstructor contract or, absent one, packEFLAGS(state) as a
// fallback — state.Flags is not reliably materialized at an arbitrary
// fault point under the flag-elision model, so BuildExceptionFrame itself
// never calls packEFLAGS.
func BuildExceptionFrame(state *cpustate.State, exc GuestException, eflags uint32) *GuestExceptionFrame {
	return &GuestExceptionFrame{
		Vector:   exc,
		FaultRIP: state.RIP,
		EFLAGS:   eflags,
	}
}
