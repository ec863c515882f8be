package vma

import (
	"github.com/pkg/errors"
)

// LateMetadata carries information a tracker caller may need after a
// mapping completes but that isn't part of the address result itself, such
// as the resource an ELF mapping was attributed to.
type LateMetadata struct {
	Resource *MappedResource
}

// MremapFlags mirrors the guest's mremap(2) flags this tracker understands.
type MremapFlags uint32

const (
	MremapMaymove MremapFlags = 1 << iota
	MremapDontunmap
)

// TrackMmap records a new mapping and, for file-backed mappings, stores
// info on the file's resource when the resource has none yet (spec §4.3
// track_mmap). It does not match the mapping against the program headers;
// AttributeELFMapping does that. Guest address placement is assumed
// already resolved by the caller; addr is authoritative.
func (t *Tracker) TrackMmap(addr, length uint64, prot Prot, flags MapFlags, fd int, off int64, info *ExecutableFileInfo, key ResourceKey) (uint64, *LateMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	anon := flags&MapAnonymous != 0
	var resource *MappedResource
	if anon && flags&MapShared != 0 {
		resource = t.acquireResource(ResourceKey{}, true)
	} else if !anon {
		resource = t.acquireResource(key, false)
		if info != nil && resource.Info == nil {
			resource.Info = info
		}
	}

	e := &Entry{Base: addr, Len: length, Prot: prot, Flags: flags, Resource: resource, ResOffset: uint64(off)}
	t.insertEntry(e)

	var meta *LateMetadata
	if resource != nil {
		meta = &LateMetadata{Resource: resource}
	}
	return addr, meta, nil
}

// TrackMunmap removes the VMA(s) covering [addr, addr+length), releasing
// their backing resources and dropping any RWX-set entries that overlap
// (spec §4.3 track_munmap).
func (t *Tracker) TrackMunmap(addr, length uint64) error {
	t.mu.Lock()
	removed := t.splitAndRemove(addr, length)
	t.mu.Unlock()

	for _, e := range removed {
		t.releaseResourceLocked(e.Resource)
	}
	t.dropRWX(addr, length)
	return nil
}

func (t *Tracker) releaseResourceLocked(r *MappedResource) {
	t.mu.Lock()
	t.releaseResource(r)
	t.mu.Unlock()
}

// splitAndRemove removes every entry (or entry fragment) overlapping
// [addr, addr+length) from t.entries, returning the fully-removed or
// truncated-away portions so callers can release their resources. Partial
// overlaps are split so the surviving fragment keeps its own Entry.
func (t *Tracker) splitAndRemove(addr, length uint64) []*Entry {
	end := addr + length
	var removed []*Entry
	var kept []*Entry
	for _, e := range t.entries {
		if e.End() <= addr || e.Base >= end {
			kept = append(kept, e)
			continue
		}
		overlapBase := e.Base
		if overlapBase < addr {
			overlapBase = addr
		}
		overlapEnd := e.End()
		if overlapEnd > end {
			overlapEnd = end
		}
		if e.Base < addr {
			left := &Entry{Base: e.Base, Len: addr - e.Base, Prot: e.Prot, Flags: e.Flags, Resource: e.Resource, ResOffset: e.ResOffset}
			kept = append(kept, left)
			if left.Resource != nil {
				left.Resource.RefCount++
			}
		}
		if e.End() > end {
			right := &Entry{Base: end, Len: e.End() - end, Prot: e.Prot, Flags: e.Flags, Resource: e.Resource, ResOffset: e.ResOffset + (end - e.Base)}
			kept = append(kept, right)
			if right.Resource != nil {
				right.Resource.RefCount++
			}
		}
		mid := &Entry{Base: overlapBase, Len: overlapEnd - overlapBase, Prot: e.Prot, Flags: e.Flags, Resource: e.Resource, ResOffset: e.ResOffset + (overlapBase - e.Base)}
		removed = append(removed, mid)
	}
	t.entries = kept
	sortEntries(t.entries)
	return removed
}

func sortEntries(es []*Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j-1].Base > es[j].Base; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// TrackMprotect changes protection over [addr, addr+length); if
// executability changes, the affected range must be invalidated in the code
// cache (spec §4.3: "mprotect that changes executability requires
// invalidation of the affected range").
func (t *Tracker) TrackMprotect(addr, length uint64, newProt Prot) error {
	t.mu.Lock()
	removed := t.splitAndRemove(addr, length)
	var execChanged bool
	for _, e := range removed {
		if (e.Prot&ProtExec != 0) != (newProt&ProtExec != 0) {
			execChanged = true
		}
		ne := &Entry{Base: e.Base, Len: e.Len, Prot: newProt, Flags: e.Flags, Resource: e.Resource, ResOffset: e.ResOffset}
		t.insertEntry(ne)
	}
	t.mu.Unlock()

	if execChanged {
		t.codeMu.Lock()
		if t.invalidate != nil {
			t.invalidate.InvalidateRange(addr, length)
		}
		t.codeMu.Unlock()
		t.InvalidateGuestCodeRange(addr, length)
	}
	return nil
}

// TrackMremap relocates or resizes a mapping, preserving its VMA attributes
// (spec §4.3: "mremap preserves VMA attributes"). MREMAP_DONTUNMAP leaves
// the source mapping in place, reclassified as anonymous.
func (t *Tracker) TrackMremap(oldAddr, oldLen, newAddr, newLen uint64, flags MremapFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryContaining(oldAddr)
	if e == nil {
		return errors.Errorf("vma: mremap of untracked range %#x", oldAddr)
	}
	moved := &Entry{Base: newAddr, Len: newLen, Prot: e.Prot, Flags: e.Flags, Resource: e.Resource, ResOffset: e.ResOffset}
	if e.Resource != nil {
		e.Resource.RefCount++
	}

	if flags&MremapDontunmap != 0 {
		src := &Entry{Base: oldAddr, Len: oldLen, Prot: e.Prot, Flags: MapAnonymous | MapPrivate}
		removed := t.splitAndRemove(oldAddr, oldLen)
		for _, r := range removed {
			t.releaseResource(r.Resource)
		}
		t.insertEntry(src)
	} else {
		removed := t.splitAndRemove(oldAddr, oldLen)
		for _, r := range removed {
			t.releaseResource(r.Resource)
		}
	}
	t.insertEntry(moved)
	return nil
}

// TrackShmat records a System V shared-memory attach as a shared-anonymous
// mapping (spec §4.3 track_shmat).
func (t *Tracker) TrackShmat(addr, length uint64, prot Prot) error {
	t.mu.Lock()
	resource := t.acquireResource(ResourceKey{}, true)
	e := &Entry{Base: addr, Len: length, Prot: prot, Flags: MapShared, Resource: resource}
	t.insertEntry(e)
	t.mu.Unlock()
	return nil
}

// TrackShmdt detaches a previously-attached shared-memory segment
// (spec §4.3 track_shmdt).
func (t *Tracker) TrackShmdt(addr uint64) error {
	t.mu.Lock()
	e := t.entryContaining(addr)
	if e == nil {
		t.mu.Unlock()
		return errors.Errorf("vma: shmdt of untracked address %#x", addr)
	}
	removed := t.splitAndRemove(e.Base, e.Len)
	for _, r := range removed {
		t.releaseResource(r.Resource)
	}
	t.mu.Unlock()
	return nil
}

// AttributeELFMapping matches a non-header mapping of an already-known ELF
// resource against its program headers by (file offset, size, protection),
// per spec §4.3, returning the guest virtual address the segment was
// originally linked at, or false if no header matches.
func AttributeELFMapping(info *ExecutableFileInfo, fileOffset, size uint64, prot Prot) (vaddr uint64, ok bool) {
	if info == nil {
		return 0, false
	}
	for _, ph := range info.ProgramHeaders {
		if ph.Offset == fileOffset && ph.Prot == prot && (ph.FileSize == size || size <= ph.FileSize) {
			return ph.VAddr, true
		}
	}
	return 0, false
}
