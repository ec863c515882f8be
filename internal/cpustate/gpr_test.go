package cpustate

import "testing"

func TestWriteGPRZeroExtends32(t *testing.T) {
	var s State
	s.GPR[RAX] = 0xFFFFFFFFFFFFFFFF
	s.WriteGPR(RAX, Size32, false, 0x1)
	if s.GPR[RAX] != 0x1 {
		t.Fatalf("32-bit write did not zero-extend: got %#x", s.GPR[RAX])
	}
}

func TestWriteGPRPreservesUpperOn16And8(t *testing.T) {
	var s State
	s.GPR[RAX] = 0xDEADBEEFCAFEBABE
	s.WriteGPR(RAX, Size16, false, 0x1234)
	if s.GPR[RAX] != 0xDEADBEEFCAFE1234 {
		t.Fatalf("16-bit write clobbered upper bits: got %#x", s.GPR[RAX])
	}

	s.GPR[RAX] = 0xDEADBEEFCAFEBABE
	s.WriteGPR(RAX, Size8, false, 0x42)
	if s.GPR[RAX] != 0xDEADBEEFCAFEBA42 {
		t.Fatalf("8-bit low write clobbered upper bits: got %#x", s.GPR[RAX])
	}
}

func TestWriteGPRHighByte(t *testing.T) {
	var s State
	s.GPR[RAX] = 0x0000000000000000
	s.WriteGPR(RAX, Size8, true, 0xAB)
	if s.GPR[RAX] != 0x000000000000AB00 {
		t.Fatalf("high-byte write touched wrong bits: got %#x", s.GPR[RAX])
	}
	if s.ReadGPR(RAX, Size8, true) != 0xAB {
		t.Fatalf("high-byte read mismatch")
	}
}

func TestPackedRFLAGRoundTrip(t *testing.T) {
	var s State
	s.Flags[FlagCF] = 1
	s.Flags[FlagZF] = 1
	s.DF = 1
	packed := s.GetPackedRFLAG()

	var s2 State
	s2.SetPackedRFLAG(packed)
	for f := Flag(0); f < NumFlags; f++ {
		if s.Flags[f] != s2.Flags[f] {
			t.Fatalf("flag %s did not round-trip: %d != %d", f, s.Flags[f], s2.Flags[f])
		}
	}
	if s.DF != s2.DF {
		t.Fatalf("DF did not round-trip")
	}
}

func TestSAHFMasksReservedBits(t *testing.T) {
	var s State
	// bits 1, 3, 5 set in AH; 3 and 5 must be dropped, bit 1 is ignored by SAHF.
	s.SetAH(0b0010_1010)
	if s.Flags[FlagAF] != 0 {
		t.Fatalf("bit 3 (reserved-zero) leaked into AF")
	}
}

func TestDefaultLayoutOffsetsAreDistinct(t *testing.T) {
	seen := map[uint32]string{}
	check := func(name string, off uint32) {
		if prev, ok := seen[off]; ok {
			t.Fatalf("offset collision between %s and %s at %d", name, prev, off)
		}
		seen[off] = name
	}
	l := DefaultLayout
	for i, off := range l.GPROffset {
		check("GPR", off)
		_ = i
	}
	check("FPRTag", l.FPRTagOffset)
	check("Top", l.TopOffset)
	check("DF", l.DFOffset)
	check("RIP", l.RIPOffset)
	check("CallRetSP", l.CallRetSPOffset)
}
