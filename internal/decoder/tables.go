package decoder

// opEntry describes how to decode one primary (or two-byte) opcode: its
// mnemonic, whether it carries a ModRM byte, and how the operand sizes and
// encoding shape are derived. This is the "dense array indexed by a
// compact opcode enum value" re-architecture spec §9 calls for, rather
// than macro-built OPD(group,prefix,sub) keys.
type opEntry struct {
	mn        Mnemonic
	hasModRM  bool
	group     uint8 // >0 selects a group table keyed by ModRM.reg
	immSize   int8  // -1: none, 0: operand-size-dependent, else literal byte count
	regIsSrc  bool  // ModRM.reg names a GPR source/dest in addition to r/m
	dirRegToRM bool // opcode direction: reg -> r/m (MR form) instead of r/m -> reg
	defined   bool
}

// oneByteTable is the primary (single-byte) opcode dispatch table, indexed
// directly by the opcode byte.
var oneByteTable [256]opEntry

// twoByteTable is the secondary table reached via the 0F escape.
var twoByteTable [256]opEntry

// group1..group7 are ModRM.reg sub-dispatch tables for opcodes that pack a
// sub-opcode into the ModRM byte (spec §4.1 step 4).
var group1 = [8]Mnemonic{MnAdd, MnOr, MnAdc, MnSbb, MnAnd, MnSub, MnXor, MnCmp}
var group2 = [8]Mnemonic{MnRol, MnRor, MnRcl, MnRcr, MnShl, MnShr, MnShl /* sal==shl */, MnSar}
var group3 = [8]Mnemonic{MnTest, MnTest, MnNot, MnNeg, MnMul, MnImul, MnDiv, MnIdiv}
var group5 = [8]Mnemonic{MnInc, MnDec, MnCallIndirect, MnUndefined, MnJmpIndirect, MnUndefined, MnPush, MnUndefined}

func init() {
	set := func(tbl *[256]opEntry, op uint8, e opEntry) {
		e.defined = true
		tbl[op] = e
	}

	// Arithmetic r/m,reg and reg,r/m forms: each ALU op occupies opcodes
	// base+0 (Eb,Gb) .. base+5 (eAX,Iz), following the standard x86 layout.
	aluBases := []uint8{0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38}
	aluMn := []Mnemonic{MnAdd, MnOr, MnAdc, MnSbb, MnAnd, MnSub, MnXor, MnCmp}
	for i, base := range aluBases {
		mn := aluMn[i]
		set(&oneByteTable, base+0, opEntry{mn: mn, hasModRM: true, immSize: -1, dirRegToRM: true})
		set(&oneByteTable, base+1, opEntry{mn: mn, hasModRM: true, immSize: -1, dirRegToRM: true})
		set(&oneByteTable, base+2, opEntry{mn: mn, hasModRM: true, immSize: -1})
		set(&oneByteTable, base+3, opEntry{mn: mn, hasModRM: true, immSize: -1})
		set(&oneByteTable, base+4, opEntry{mn: mn, immSize: 1}) // AL, ib
		set(&oneByteTable, base+5, opEntry{mn: mn, immSize: 0}) // eAX, iz
	}

	set(&oneByteTable, 0x90, opEntry{mn: MnNop})
	for r := uint8(0x91); r <= 0x97; r++ {
		set(&oneByteTable, r, opEntry{mn: MnXchg})
	}

	for i := uint8(0x50); i <= 0x57; i++ {
		set(&oneByteTable, i, opEntry{mn: MnPush})
	}
	for i := uint8(0x58); i <= 0x5F; i++ {
		set(&oneByteTable, i, opEntry{mn: MnPop})
	}

	set(&oneByteTable, 0x68, opEntry{mn: MnPush, immSize: 0})
	set(&oneByteTable, 0x6A, opEntry{mn: MnPush, immSize: 1})

	set(&oneByteTable, 0x69, opEntry{mn: MnImul, hasModRM: true, immSize: 0})
	set(&oneByteTable, 0x6B, opEntry{mn: MnImul, hasModRM: true, immSize: 1})

	for i := uint8(0x70); i <= 0x7F; i++ {
		set(&oneByteTable, i, opEntry{mn: MnJcc, immSize: 1})
	}

	set(&oneByteTable, 0x80, opEntry{mn: MnUndefined, hasModRM: true, group: 1, immSize: 1})
	set(&oneByteTable, 0x81, opEntry{mn: MnUndefined, hasModRM: true, group: 1, immSize: 0})
	set(&oneByteTable, 0x83, opEntry{mn: MnUndefined, hasModRM: true, group: 1, immSize: 1})

	set(&oneByteTable, 0x84, opEntry{mn: MnTest, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&oneByteTable, 0x85, opEntry{mn: MnTest, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&oneByteTable, 0x86, opEntry{mn: MnXchg, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&oneByteTable, 0x87, opEntry{mn: MnXchg, hasModRM: true, immSize: -1, dirRegToRM: true})

	set(&oneByteTable, 0x88, opEntry{mn: MnMovMR, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&oneByteTable, 0x89, opEntry{mn: MnMovMR, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&oneByteTable, 0x8A, opEntry{mn: MnMovRM, hasModRM: true, immSize: -1})
	set(&oneByteTable, 0x8B, opEntry{mn: MnMovRM, hasModRM: true, immSize: -1})
	set(&oneByteTable, 0x8D, opEntry{mn: MnLea, hasModRM: true, immSize: -1})

	set(&oneByteTable, 0x90, opEntry{mn: MnNop})

	set(&oneByteTable, 0x98, opEntry{mn: MnUndefined}) // CWDE/CDQE, not modeled
	set(&oneByteTable, 0x99, opEntry{mn: MnUndefined}) // CDQ/CQO, not modeled

	set(&oneByteTable, 0x9C, opEntry{mn: MnPushf})
	set(&oneByteTable, 0x9D, opEntry{mn: MnPopf})
	set(&oneByteTable, 0x9E, opEntry{mn: MnSahf})
	set(&oneByteTable, 0x9F, opEntry{mn: MnLahf})

	for i := uint8(0xB0); i <= 0xB7; i++ {
		set(&oneByteTable, i, opEntry{mn: MnMovImm, immSize: 1})
	}
	for i := uint8(0xB8); i <= 0xBF; i++ {
		set(&oneByteTable, i, opEntry{mn: MnMovImm, immSize: 0})
	}

	set(&oneByteTable, 0xC0, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: 1})
	set(&oneByteTable, 0xC1, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: 1})
	set(&oneByteTable, 0xC2, opEntry{mn: MnRet, immSize: 2})
	set(&oneByteTable, 0xC3, opEntry{mn: MnRet})
	set(&oneByteTable, 0xC6, opEntry{mn: MnUndefined, hasModRM: true, group: 0xC6, immSize: 1})
	set(&oneByteTable, 0xC7, opEntry{mn: MnUndefined, hasModRM: true, group: 0xC7, immSize: 0})
	set(&oneByteTable, 0xC9, opEntry{mn: MnUndefined}) // LEAVE, not modeled at this budget
	set(&oneByteTable, 0xCC, opEntry{mn: MnInt, immSize: -1})
	set(&oneByteTable, 0xCD, opEntry{mn: MnInt, immSize: 1})
	set(&oneByteTable, 0xCF, opEntry{mn: MnIret})

	set(&oneByteTable, 0xD0, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: -1})
	set(&oneByteTable, 0xD1, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: -1})
	set(&oneByteTable, 0xD2, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: -1})
	set(&oneByteTable, 0xD3, opEntry{mn: MnUndefined, hasModRM: true, group: 2, immSize: -1})

	set(&oneByteTable, 0xE8, opEntry{mn: MnCallRel, immSize: 0})
	set(&oneByteTable, 0xE9, opEntry{mn: MnJmpRel, immSize: 0})
	set(&oneByteTable, 0xEB, opEntry{mn: MnJmpRel, immSize: 1})

	set(&oneByteTable, 0xE0, opEntry{mn: MnLoopNE, immSize: 1})
	set(&oneByteTable, 0xE1, opEntry{mn: MnLoopE, immSize: 1})
	set(&oneByteTable, 0xE2, opEntry{mn: MnLoop, immSize: 1})
	set(&oneByteTable, 0xE3, opEntry{mn: MnJcxz, immSize: 1})

	set(&oneByteTable, 0xF4, opEntry{mn: MnUndefined}) // HLT, privileged, not modeled
	set(&oneByteTable, 0xF6, opEntry{mn: MnUndefined, hasModRM: true, group: 3, immSize: 1})
	set(&oneByteTable, 0xF7, opEntry{mn: MnUndefined, hasModRM: true, group: 3, immSize: 0})
	set(&oneByteTable, 0xFE, opEntry{mn: MnUndefined, hasModRM: true, group: 0xFE, immSize: -1})
	set(&oneByteTable, 0xFF, opEntry{mn: MnUndefined, hasModRM: true, group: 5, immSize: -1})

	set(&oneByteTable, 0xA4, opEntry{mn: MnMovs})
	set(&oneByteTable, 0xA5, opEntry{mn: MnMovs})
	set(&oneByteTable, 0xA6, opEntry{mn: MnCmps})
	set(&oneByteTable, 0xA7, opEntry{mn: MnCmps})
	set(&oneByteTable, 0xAA, opEntry{mn: MnStos})
	set(&oneByteTable, 0xAB, opEntry{mn: MnStos})
	set(&oneByteTable, 0xAC, opEntry{mn: MnLods})
	set(&oneByteTable, 0xAD, opEntry{mn: MnLods})
	set(&oneByteTable, 0xAE, opEntry{mn: MnScas})
	set(&oneByteTable, 0xAF, opEntry{mn: MnScas})

	// Two-byte (0F) table.
	set(&twoByteTable, 0x05, opEntry{mn: MnSyscall})
	set(&twoByteTable, 0x0B, opEntry{mn: MnUd2})
	set(&twoByteTable, 0x1F, opEntry{mn: MnNop, hasModRM: true, immSize: -1}) // multi-byte NOP
	set(&twoByteTable, 0x31, opEntry{mn: MnRdtsc})
	set(&twoByteTable, 0xA2, opEntry{mn: MnCpuid})
	set(&twoByteTable, 0xA3, opEntry{mn: MnUndefined, hasModRM: true}) // BT, not modeled
	set(&twoByteTable, 0xAF, opEntry{mn: MnImul, hasModRM: true, immSize: -1, dirRegToRM: false})
	set(&twoByteTable, 0xB0, opEntry{mn: MnCmpxchg, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&twoByteTable, 0xB1, opEntry{mn: MnCmpxchg, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&twoByteTable, 0xB6, opEntry{mn: MnMovzx, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0xB7, opEntry{mn: MnMovzx, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0xBE, opEntry{mn: MnMovsx, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0xBF, opEntry{mn: MnMovsx, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0xC0, opEntry{mn: MnXadd, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&twoByteTable, 0xC1, opEntry{mn: MnXadd, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&twoByteTable, 0xC7, opEntry{mn: MnUndefined, hasModRM: true, group: 9}) // CMPXCHG8B/16B
	set(&twoByteTable, 0xC8, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xC9, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCA, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCB, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCC, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCD, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCE, opEntry{mn: MnBswap})
	set(&twoByteTable, 0xCF, opEntry{mn: MnBswap})
	for i := uint8(0x80); i <= 0x8F; i++ {
		set(&twoByteTable, i, opEntry{mn: MnJcc, immSize: 0})
	}
	for i := uint8(0x90); i <= 0x9F; i++ {
		set(&twoByteTable, i, opEntry{mn: MnUndefined, hasModRM: true}) // SETcc, not modeled at this budget
	}

	set(&twoByteTable, 0x10, opEntry{mn: MnMovss, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0x11, opEntry{mn: MnMovss, hasModRM: true, immSize: -1, dirRegToRM: true})
	set(&twoByteTable, 0x58, opEntry{mn: MnAddps, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0x59, opEntry{mn: MnMulps, hasModRM: true, immSize: -1})
	set(&twoByteTable, 0xC2, opEntry{mn: MnCmpeqps, hasModRM: true, immSize: 1})
	set(&twoByteTable, 0x2F, opEntry{mn: MnFucomi, hasModRM: true, immSize: -1})
}
