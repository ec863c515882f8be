package cpustate

// OpSize is the width, in bytes, of a GPR access.
type OpSize uint8

const (
	Size8  OpSize = 1
	Size16 OpSize = 2
	Size32 OpSize = 4
	Size64 OpSize = 8
)

// HighByte selects AH/BH/CH/DH instead of AL/BL/CL/DL for an 8-bit access.
// Only GPRs 0-3 (RAX/RCX/RDX/RBX) have a high-byte alias; REX-prefixed
// encodings never set HighByte (spec §4.1: a REX changes which byte the
// low nibble addresses, it never exposes AH/BH/CH/DH).
type HighByte bool

// ReadGPR reads size bytes from GPR reg, honoring the AH/BH/CH/DH alias
// when high is true.
func (s *State) ReadGPR(reg int, size OpSize, high HighByte) uint64 {
	v := s.GPR[reg]
	if high {
		return (v >> 8) & 0xFF
	}
	switch size {
	case Size8:
		return v & 0xFF
	case Size16:
		return v & 0xFFFF
	case Size32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// WriteGPR implements the sizing rules of spec §4.2 ("store_result_with_
// opsize"): a 32-bit write in 64-bit mode zero-extends to 64 bits; 16- and
// 8-bit (low) writes preserve the untouched upper bits; an 8-bit high-byte
// write touches only bits [15:8].
func (s *State) WriteGPR(reg int, size OpSize, high HighByte, value uint64) {
	switch {
	case bool(high):
		s.GPR[reg] = (s.GPR[reg] &^ 0xFF00) | ((value & 0xFF) << 8)
	case size == Size8:
		s.GPR[reg] = (s.GPR[reg] &^ 0xFF) | (value & 0xFF)
	case size == Size16:
		s.GPR[reg] = (s.GPR[reg] &^ 0xFFFF) | (value & 0xFFFF)
	case size == Size32:
		s.GPR[reg] = value & 0xFFFFFFFF // zero-extends to 64 bits
	default:
		s.GPR[reg] = value
	}
}
