package vma

// FaultOutcome is handle_segfault's result (spec §4.3: "returns Handled |
// NotHandled").
type FaultOutcome int

const (
	NotHandled FaultOutcome = iota
	Handled
)

// SMCResult carries handle_segfault's verdict plus the extra detail the
// dispatcher needs to honor the "self-modifying code inside the currently
// executing block" contract (spec §4.3).
type SMCResult struct {
	Outcome FaultOutcome

	// SingleStepNext is set when the fault address lies within the source
	// range of the block currently executing at faultPC: the next
	// re-execution must proceed one guest instruction at a time so further
	// SMC in the same block is caught immediately (spec §4.3).
	SingleStepNext bool
}

// MarkGuestExecutableRange is called by the JIT when it begins translating
// code from [addr, addr+length) (spec §4.3). If the guest has that range
// mapped RWX, the tracker downgrades the host protection to R-X and records
// the range (plus every other VMA mirroring the same backing resource) in
// the RWX Interval Set, so a later guest write fault there is recognized as
// SMC rather than an ordinary protection violation.
func (t *Tracker) MarkGuestExecutableRange(addr, length uint64) error {
	t.mu.RLock()
	e := t.entryContaining(addr)
	if e == nil || !e.Prot.RWX() {
		t.mu.RUnlock()
		return nil
	}
	resource := e.Resource
	var mirrors []uint64
	if resource != nil && e.Flags&MapShared != 0 {
		for _, other := range t.entries {
			if other.Resource == resource && other.Base != e.Base {
				mirrors = append(mirrors, other.Base)
			}
		}
	}
	t.mu.RUnlock()

	if err := t.mem.Mprotect(addr, length, ProtRead|ProtExec); err != nil {
		return err
	}

	t.rwxMu.Lock()
	t.rwx = append(t.rwx, interval{base: addr, len: length, resource: resource, mirrors: mirrors})
	t.rwxMu.Unlock()
	return nil
}

// findRWXLocked returns the RWX interval containing addr, assuming rwxMu is
// already held by the caller.
func (t *Tracker) findRWXLocked(addr uint64) (interval, bool) {
	for _, iv := range t.rwx {
		if iv.contains(addr) {
			return iv, true
		}
	}
	return interval{}, false
}

func (t *Tracker) removeRWX(base uint64) {
	t.rwxMu.Lock()
	defer t.rwxMu.Unlock()
	for i, iv := range t.rwx {
		if iv.base == base {
			t.rwx = append(t.rwx[:i], t.rwx[i+1:]...)
			return
		}
	}
}

// InvalidateGuestCodeRange is called by any mutator that observes a write
// into a tracked code page (spec §4.3 invalidate_guest_code_range). It is
// the non-signal-path counterpart to the SMC handling handle_segfault does
// inline: mprotect-driven invalidation takes this route instead.
func (t *Tracker) InvalidateGuestCodeRange(addr, length uint64) {
	t.rwxMu.RLock()
	var toInvalidate [][2]uint64
	for _, iv := range t.rwx {
		if iv.overlaps(addr, length) {
			toInvalidate = append(toInvalidate, [2]uint64{iv.base, iv.len})
			for _, m := range iv.mirrors {
				toInvalidate = append(toInvalidate, [2]uint64{m, iv.len})
			}
		}
	}
	t.rwxMu.RUnlock()

	t.codeMu.Lock()
	for _, r := range toInvalidate {
		if t.invalidate != nil {
			t.invalidate.InvalidateRange(r[0], r[1])
		}
	}
	t.codeMu.Unlock()
}

// dropRWX removes every RWX interval overlapping [addr, addr+length), used
// when the backing VMA itself goes away (munmap).
func (t *Tracker) dropRWX(addr, length uint64) {
	t.rwxMu.Lock()
	defer t.rwxMu.Unlock()
	kept := t.rwx[:0]
	for _, iv := range t.rwx {
		if !iv.overlaps(addr, length) {
			kept = append(kept, iv)
		}
	}
	t.rwx = kept
}

// HandleSegfault implements the W^X write-fault contract (spec §4.3). Per
// the concurrency contract in spec §4.4, this path never takes the VMA
// mutex: it only ever touches the RWX Interval Set's own lock and the
// code-invalidation mutex, so it can never block behind a mutator holding
// the VMA mutex.
func (t *Tracker) HandleSegfault(faultAddr, faultPC uint64, executingBlockBase, executingBlockLen uint64) SMCResult {
	t.rwxMu.RLock()
	iv, ok := t.findRWXLocked(faultAddr)
	t.rwxMu.RUnlock()
	if !ok {
		return SMCResult{Outcome: NotHandled}
	}

	t.codeMu.Lock()
	if t.invalidate != nil {
		t.invalidate.InvalidateRange(iv.base, iv.len)
		for _, m := range iv.mirrors {
			t.invalidate.InvalidateRange(m, iv.len)
		}
	}
	t.codeMu.Unlock()

	// Re-protect to RW- so the guest's retry of the faulting store succeeds;
	// the page returns to R-X the next time the JIT enters code from it via
	// MarkGuestExecutableRange.
	_ = t.mem.Mprotect(iv.base, iv.len, ProtRead|ProtWrite)
	t.removeRWX(iv.base)

	singleStep := executingBlockLen > 0 && faultAddr >= executingBlockBase && faultAddr < executingBlockBase+executingBlockLen
	return SMCResult{Outcome: Handled, SingleStepNext: singleStep}
}
