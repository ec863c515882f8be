package redirect

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sealFlags matches the kernel's F_SEAL_* bits the memfd(5) man page
// describes for a fully-sealed read-only synthesized file: the guest may
// read and mmap it but can never grow, shrink, or write through it (spec
// §4.5 expansion "sealed memfds").
const sealFlags = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// NewSealedMemfd writes content into a freshly created memfd, then applies
// the full seal set so the guest cannot mutate or resize it, grounded on
// golang.org/x/sys/unix.MemfdCreate + unix.Fcntl(F_ADD_SEALS) per spec
// §4.5 expansion.
func NewSealedMemfd(name string, content []byte) (fd int, err error) {
	fd, err = unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, errors.Wrap(err, "redirect: memfd_create failed")
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()

	if len(content) > 0 {
		if _, werr := unix.Write(fd, content); werr != nil {
			return -1, errors.Wrap(werr, "redirect: writing synthesized memfd content failed")
		}
	}

	if _, ferr := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, sealFlags); ferr != nil {
		return -1, errors.Wrap(ferr, "redirect: sealing synthesized memfd failed")
	}
	return fd, nil
}
