package cpustate

import "unsafe"

// offsetOf returns the byte offset of field within base, for any two
// pointers known to alias the same struct. Used only at package init, to
// build DefaultLayout; nothing else in this package touches unsafe.
func offsetOf(base, field unsafe.Pointer) uint64 {
	return uint64(uintptr(field) - uintptr(base))
}

func offsetOfAny[T any](base *State, field *T) uint64 {
	return offsetOf(unsafe.Pointer(base), unsafe.Pointer(field))
}
