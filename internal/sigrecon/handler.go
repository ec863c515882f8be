package sigrecon

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// hostSignals is the set of host signals the reconstructor installs a
// handler for (spec §4.4: "SIGSEGV, SIGBUS, SIGILL, SIGTRAP, SIGFPE").
var hostSignals = [...]struct {
	sig  unix.Signal
	self Signal
}{
	{unix.SIGSEGV, SigSEGV},
	{unix.SIGBUS, SigBUS},
	{unix.SIGILL, SigILL},
	{unix.SIGTRAP, SigTRAP},
	{unix.SIGFPE, SigFPE},
}

// InstallHandlers registers the host signal actions the reconstructor
// depends on, using SA_SIGINFO so the handler receives siginfo_t and
// ucontext_t, and SA_ONSTACK so a stack-overflow SIGSEGV can still be
// delivered (spec §4.4: "installed with SA_SIGINFO | SA_ONSTACK").
// trampoline is a C-callable trampoline address; this package does not itself own the
// cgo/assembly trampoline that bridges into HandleFault, since bridging a
// raw siginfo_t/ucontext_t across the cgo boundary is JIT-runtime plumbing
// outside this package's scope (spec §1 Non-goals).
func InstallHandlers(trampoline uintptr, altStack []byte) error {
	if len(altStack) > 0 {
		st := &unix.SigaltstackT{
			Ss_sp:    &altStack[0],
			Ss_size:  uint64(len(altStack)),
			Ss_flags: 0,
		}
		if err := unix.Sigaltstack(st, nil); err != nil {
			return errors.Wrap(err, "sigrecon: sigaltstack")
		}
	}

	for _, hs := range hostSignals {
		act := &unix.Sigaction{
			Handler: trampoline,
			Flags:   unix.SA_SIGINFO | unix.SA_ONSTACK,
			Mask:    1 << (uint32(hs.sig) - 1),
		}
		if err := unix.Sigaction(int(hs.sig), act, nil); err != nil {
			return errors.Wrapf(err, "sigrecon: sigaction(%v)", hs.sig)
		}
	}
	return nil
}

// signalFromHost maps a host unix.Signal number to this package's Signal
// enum, used by the trampoline's Go-side entry point after it has
// marshaled the raw siginfo_t/ucontext_t into a HostContext.
func signalFromHost(sig unix.Signal) (Signal, bool) {
	for _, hs := range hostSignals {
		if hs.sig == sig {
			return hs.self, true
		}
	}
	return 0, false
}
