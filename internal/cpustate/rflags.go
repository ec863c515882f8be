package cpustate

// Bit positions of the six modeled flags plus DF within a packed x86
// EFLAGS word. Packed EFLAGS is materialized only on demand (PUSHF/POPF/
// LAHF/SAHF/IRET); the rest of the dispatcher never builds one.
const (
	bitCF = 0
	bitPF = 2
	bitAF = 4
	bitZF = 6
	bitSF = 7
	bitTF = 8
	bitIF = 9
	bitDF = 10
	bitOF = 11
)

var flagBit = [NumFlags]uint32{
	FlagCF: bitCF,
	FlagPF: bitPF,
	FlagAF: bitAF,
	FlagZF: bitZF,
	FlagSF: bitSF,
	FlagOF: bitOF,
}

// GetPackedRFLAG materializes a 32-bit EFLAGS word from the individual flag
// slots. Bit 1 (reserved, always 1) and bit 9 (IF, treated as always 1 —
// the core never models a masked-interrupt guest) are set synthetically;
// this mirrors the x86 reserved-bit contract PUSHF/IRET observe.
func (s *State) GetPackedRFLAG() uint32 {
	var v uint32 = 1 << 1 // reserved bit 1 always set
	for f := Flag(0); f < NumFlags; f++ {
		if s.Flags[f] != 0 {
			v |= 1 << flagBit[f]
		}
	}
	if s.DF != 0 {
		v |= 1 << bitDF
	}
	v |= 1 << bitIF // IF always reported set; the core never masks interrupts
	return v
}

// SetPackedRFLAG unpacks a 32-bit EFLAGS word (as delivered by POPF/IRET)
// back into the individual flag slots. Per SAHF's documented behavior,
// bits 3 and 5 are reserved-zero and are masked off rather than stored.
func (s *State) SetPackedRFLAG(v uint32) {
	const reservedZeroMask = (1 << 3) | (1 << 5)
	v &^= reservedZeroMask
	for f := Flag(0); f < NumFlags; f++ {
		if v&(1<<flagBit[f]) != 0 {
			s.Flags[f] = 1
		} else {
			s.Flags[f] = 0
		}
	}
	if v&(1<<bitDF) != 0 {
		s.DF = 1
	} else {
		s.DF = 0
	}
	s.FlagsDirty = false
}

// GetAH packs CF/PF/AF/ZF/SF plus reserved bit 1 into AH, as LAHF does.
func (s *State) GetAH() uint8 {
	packed := s.GetPackedRFLAG()
	return uint8(packed & 0xD7) // CF|bit1|PF|AF|ZF|SF, matches SAHF/LAHF mask
}

// SetAH unpacks AH into CF/PF/AF/ZF/SF, as SAHF does; bits 1,3,5 are
// handled per their reserved semantics (bit 1 ignored, 3/5 zeroed).
func (s *State) SetAH(ah uint8) {
	current := s.GetPackedRFLAG()
	merged := (current &^ 0xFF) | uint32(ah)
	s.SetPackedRFLAG(merged)
}

// InvalidateFlags marks all flag slots as stale per the ABI-local-flags
// optimization (spec §4.2): downstream may discard any pending flag state
// consistent with SysV AMD64 not preserving flags across calls.
func (s *State) InvalidateFlags() {
	s.FlagsDirty = true
}
