// Package vma implements the VMA/SMC Tracker (spec §4.3): it keeps the
// translated code cache coherent with guest memory and with the host OS's
// view of page protections, and enforces W^X over any guest range the JIT
// is currently translating from.
//
// The tracker does not itself own a JIT code cache; it talks to one through
// the CodeInvalidator interface, the same "external collaborator" pattern
// the dispatcher package uses for SyscallHandler, since code-cache
// invalidation is the downstream JIT's responsibility (spec §1 Non-goals).
package vma

import (
	"sort"
	"sync"

	"github.com/fexcore/fexcore-go/internal/fexlog"
)

// Prot is a protection bitmask matching the guest's R/W/X bits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	r, w, x := "-", "-", "-"
	if p&ProtRead != 0 {
		r = "r"
	}
	if p&ProtWrite != 0 {
		w = "w"
	}
	if p&ProtExec != 0 {
		x = "x"
	}
	return r + w + x
}

// RWX reports whether both write and execute are set simultaneously; such a
// mapping drives the tracker's W^X enforcement (spec §4.3).
func (p Prot) RWX() bool { return p&(ProtWrite|ProtExec) == ProtWrite|ProtExec }

// MapFlags mirrors the guest's mmap(2) MAP_* flags this tracker cares about.
type MapFlags uint32

const (
	MapShared MapFlags = 1 << iota
	MapPrivate
	MapAnonymous
)

// ResourceKey identifies the backing file of a file-backed mapping.
type ResourceKey struct {
	Inode uint64
	Dev   uint64
}

// ProgramHeader is the subset of an ELF program header the tracker needs to
// attribute non-header mappings of the same file to the right base address
// (spec §4.3 "File-backed mappings... For ELF files...").
type ProgramHeader struct {
	Offset   uint64
	VAddr    uint64
	FileSize uint64
	Prot     Prot
}

// ExecutableFileInfo holds the program headers read from an ELF file's
// initial header mapping.
type ExecutableFileInfo struct {
	ProgramHeaders []ProgramHeader
}

// MappedResource is the reference-counted backing object shared by every
// VMA that maps the same file (or, for shared anonymous mappings, the same
// synthesized anonymous-shared id). An ELF mapped at two different base
// addresses yields two MappedResources; all non-header mappings of one
// instance share the single MappedResource for that instance (spec §3 "VMA
// Entry").
type MappedResource struct {
	Key      ResourceKey
	AnonID   uint64 // nonzero for a synthesized AnonShared resource
	RefCount int32

	Info *ExecutableFileInfo // non-nil once program headers have been read
}

// Entry is one VMA: a half-open guest-virtual range tagged with protection,
// mapping flags, and an optional backing resource (spec §3 "VMA Entry").
type Entry struct {
	Base, Len uint64
	Prot      Prot
	Flags     MapFlags
	Resource  *MappedResource
	ResOffset uint64
}

// End returns the exclusive end of the range.
func (e *Entry) End() uint64 { return e.Base + e.Len }

// sameAttrs reports whether two entries are coalescable: adjacent ranges
// with identical protection, flags, and backing resource (spec §3 "adjacent
// entries with identical attributes are coalesced lazily").
func (e *Entry) sameAttrs(o *Entry) bool {
	return e.Prot == o.Prot && e.Flags == o.Flags && e.Resource == o.Resource &&
		(e.Resource == nil || e.ResOffset+e.Len == o.ResOffset)
}

// interval is one member of the RWX Interval Set (spec §3): a range the
// guest mapped RWX and that the JIT is translating from, currently
// re-protected to R-X on the host. mirrors holds the base address of every
// other VMA backing the same resource, precomputed at
// mark_guest_executable_range time so the signal-handling path
// (handle_segfault) never needs the VMA mutex to find them (spec §4.4
// concurrency contract).
type interval struct {
	base, len uint64
	resource  *MappedResource
	mirrors   []uint64
}

func (iv interval) end() uint64 { return iv.base + iv.len }
func (iv interval) overlaps(base, length uint64) bool {
	return base < iv.end() && iv.base < base+length
}
func (iv interval) contains(addr uint64) bool { return addr >= iv.base && addr < iv.end() }

// CodeInvalidator is the JIT backend's code-cache side of SMC handling
// (spec §4.3): the tracker calls InvalidateRange for every guest range it
// observes being written to while also mapped executable. Kept as an
// interface, never a concrete struct, since code-cache ownership belongs to
// the downstream JIT (spec §1 Non-goals).
type CodeInvalidator interface {
	InvalidateRange(base, length uint64)
}

// Tracker is the VMA/SMC Tracker. Its three locks are acquired in one
// direction only (spec §5): VMA mutex, then the code-invalidation mutex;
// the RWX-set lock is always taken in leaf position, never while holding
// either of the other two.
type Tracker struct {
	mu      sync.RWMutex // guards entries and resources
	entries []*Entry     // sorted by Base, never overlapping
	resources map[ResourceKey]*MappedResource
	anonSharedNext uint64

	codeMu sync.Mutex // JIT code-cache invalidation mutex

	rwxMu sync.RWMutex // RWX Interval Set lock, leaf position only
	rwx   []interval

	mem        HostMemory
	invalidate CodeInvalidator
	log        *fexlog.Logger
}

// New creates a Tracker backed by mem for host protection changes and inv
// for code-cache invalidation.
func New(mem HostMemory, inv CodeInvalidator) *Tracker {
	return &Tracker{
		resources:  make(map[ResourceKey]*MappedResource),
		mem:        mem,
		invalidate: inv,
		log:        fexlog.Default.WithPrefix("vma"),
	}
}

// findIndex returns the index of the first entry whose Base is >= addr,
// the insertion point for a new entry at addr (sort.Search over the sorted
// entries slice; spec §3 "ordered map keyed by base").
func (t *Tracker) findIndex(addr uint64) int {
	return sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Base >= addr })
}

// entryContaining returns the entry covering addr, or nil.
func (t *Tracker) entryContaining(addr uint64) *Entry {
	i := t.findIndex(addr + 1)
	if i == 0 {
		return nil
	}
	e := t.entries[i-1]
	if addr >= e.Base && addr < e.End() {
		return e
	}
	return nil
}

// insertEntry inserts e in sorted order and lazily coalesces it with an
// adjacent entry sharing identical attributes.
func (t *Tracker) insertEntry(e *Entry) {
	i := t.findIndex(e.Base)
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e

	if i+1 < len(t.entries) && e.sameAttrs(t.entries[i+1]) {
		e.Len += t.entries[i+1].Len
		t.entries = append(t.entries[:i+1], t.entries[i+2:]...)
	}
	if i > 0 && t.entries[i-1].sameAttrs(e) {
		prev := t.entries[i-1]
		prev.Len += e.Len
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
	}
}

// acquireResource increments a resource's refcount, creating an
// AnonShared-keyed one synthesized from an internal counter for shared
// anonymous mappings (spec §4.3 "Shared anonymous mappings get a
// synthesized unique resource id").
func (t *Tracker) acquireResource(key ResourceKey, anon bool) *MappedResource {
	if anon {
		t.anonSharedNext++
		r := &MappedResource{AnonID: t.anonSharedNext, RefCount: 1}
		return r
	}
	if r, ok := t.resources[key]; ok {
		r.RefCount++
		return r
	}
	r := &MappedResource{Key: key, RefCount: 1}
	t.resources[key] = r
	return r
}

func (t *Tracker) releaseResource(r *MappedResource) {
	if r == nil {
		return
	}
	r.RefCount--
	if r.RefCount <= 0 && r.AnonID == 0 {
		delete(t.resources, r.Key)
	}
}
