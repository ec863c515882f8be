package vma

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// HostMemory is the host-syscall boundary the tracker uses to enforce W^X
// and service guest memory-management requests (spec §4.3, §6 "Host
// mmap/mprotect/munmap/mremap"). Kept as an interface, as gvisor's hostfd
// package keeps the actual FD operations behind an abstraction, so tests can
// exercise the tracker's bookkeeping without real host mappings.
type HostMemory interface {
	Mmap(addr, length uint64, prot Prot, flags MapFlags, fd int, off int64) (uint64, error)
	Mprotect(addr, length uint64, prot Prot) error
	Munmap(addr, length uint64) error
	Mremap(oldAddr, oldLen, newLen uint64, mayMove bool) (uint64, error)
	ShmAt(id int, addr uint64, flags int) (uint64, error)
	ShmDt(addr uint64) error
}

// unixHostMemory backs HostMemory with real Linux syscalls through
// golang.org/x/sys/unix (spec §4.3 expansion): Mmap/Mprotect/Munmap map
// directly onto unix.Mmap/unix.Mprotect/unix.Munmap, Mremap goes through
// unix.Syscall(unix.SYS_MREMAP, ...) since x/sys/unix does not wrap mremap
// directly, and ShmAt/ShmDt use unix.SysvShmAttach/unix.SysvShmDetach.
type unixHostMemory struct{}

// NewUnixHostMemory returns the production HostMemory implementation.
func NewUnixHostMemory() HostMemory { return unixHostMemory{} }

func toUnixProt(p Prot) int {
	var v int
	if p&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

func toUnixMapFlags(f MapFlags) int {
	var v int
	if f&MapShared != 0 {
		v |= unix.MAP_SHARED
	}
	if f&MapPrivate != 0 {
		v |= unix.MAP_PRIVATE
	}
	if f&MapAnonymous != 0 {
		v |= unix.MAP_ANONYMOUS | unix.MAP_FIXED
	} else {
		v |= unix.MAP_FIXED
	}
	return v
}

func (unixHostMemory) Mmap(addr, length uint64, prot Prot, flags MapFlags, fd int, off int64) (uint64, error) {
	b, err := unix.Mmap(fd, off, int(length), toUnixProt(prot), toUnixMapFlags(flags))
	if err != nil {
		return 0, errors.Wrap(err, "vma: host mmap failed")
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

func (unixHostMemory) Mprotect(addr, length uint64, prot Prot) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	if err := unix.Mprotect(b, toUnixProt(prot)); err != nil {
		return errors.Wrap(err, "vma: host mprotect failed")
	}
	return nil
}

func (unixHostMemory) Munmap(addr, length uint64) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	if err := unix.Munmap(b); err != nil {
		return errors.Wrap(err, "vma: host munmap failed")
	}
	return nil
}

func (unixHostMemory) Mremap(oldAddr, oldLen, newLen uint64, mayMove bool) (uint64, error) {
	var flags uintptr
	if mayMove {
		flags = unix.MREMAP_MAYMOVE
	}
	newAddr, _, errno := unix.Syscall6(unix.SYS_MREMAP, uintptr(oldAddr), uintptr(oldLen), uintptr(newLen), flags, 0, 0)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "vma: host mremap failed")
	}
	return uint64(newAddr), nil
}

func (unixHostMemory) ShmAt(id int, addr uint64, flags int) (uint64, error) {
	b, err := unix.SysvShmAttach(id, uintptr(addr), flags)
	if err != nil {
		return 0, errors.Wrap(err, "vma: shmat failed")
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

func (unixHostMemory) ShmDt(addr uint64) error {
	if err := unix.SysvShmDetach(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), 1)); err != nil {
		return errors.Wrap(err, "vma: shmdt failed")
	}
	return nil
}
