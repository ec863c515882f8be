package decoder

// Decode parses one instruction starting at guest PC pc from buf (a view
// of guest-readable memory starting at pc), in the given operating mode.
// It returns the decoded Op, whose InstSize is the number of bytes
// consumed, or a DecodeError (spec §4.1 "decode(pc, bytes, mode_is_64bit)").
func Decode(pc uint64, buf []byte, mode Mode) (Op, error) {
	if len(buf) == 0 {
		return Op{}, newDecodeError(pc, ErrTruncated, "empty buffer")
	}

	var d decodeState
	d.buf = buf
	d.mode = mode
	d.pc = pc

	if err := d.consumePrefixes(); err != nil {
		return Op{}, newDecodeError(pc, err, "prefix parse")
	}
	if mode == Mode64 {
		d.consumeREX()
		if d.sawRex {
			// A legacy prefix after a REX voids that REX; only a REX
			// directly before the opcode counts.
			rexEnd := d.off
			if err := d.consumePrefixes(); err != nil {
				return Op{}, newDecodeError(pc, err, "prefix parse")
			}
			if d.off != rexEnd {
				d.prefixes &^= PfxREX | PfxREXW | PfxREXR | PfxREXX | PfxREXB
				d.sawRex = false
				d.consumeREX()
			}
		}
	}

	entry, err := d.selectTable()
	if err != nil {
		return Op{}, newDecodeError(pc, err, "table select")
	}
	if !entry.defined {
		return Op{}, newDecodeError(pc, ErrUndefined, "opcode not recognized")
	}

	op := Op{
		PC:       pc,
		Table:    d.table,
		Primary:  d.primary,
		Prefixes: d.prefixes,
		Mnemonic: entry.mn,
		Mode:     mode,
	}
	var m modrm
	haveModRM := false
	if entry.hasModRM {
		var err error
		m, err = decodeModRM(d.buf, d.off, mode, d.prefixes&PfxAddressSize != 0)
		if err != nil {
			return Op{}, newDecodeError(pc, err, "modrm")
		}
		haveModRM = true
		d.off += int(m.size)
	}

	if entry.group != 0 && haveModRM {
		mn, ok := resolveGroup(entry.group, m.reg)
		if !ok {
			return Op{}, newDecodeError(pc, ErrUndefined, "group sub-opcode")
		}
		op.Mnemonic = mn
		op.HasSub = true
		op.Secondary = m.reg
	}

	if op.Mnemonic == MnIret && d.prefixes&PfxOperandSize != 0 {
		return Op{}, newDecodeError(pc, ErrOperandSizeOverrideOnIRET, "IRET with 66 prefix")
	}

	size := d.operandSize(op.Mnemonic)
	regSize := size
	if isByteForm(d.primary, d.table, entry) {
		regSize = 1
		size = 1
	}

	rexR := d.prefixes&PfxREXR != 0
	rexX := d.prefixes&PfxREXX != 0
	rexB := d.prefixes&PfxREXB != 0
	segOverride := d.prefixes.SegmentOverride()

	if haveModRM && entry.group != 0 {
		// ModRM.reg was a sub-opcode selector (already consumed by
		// resolveGroup above), not a register operand: the r/m field
		// is the instruction's only register/memory operand.
		rmOperand := resolveOperand(m, rexR, rexX, rexB, size, mode, pc, d.off, segOverride)
		applyHighByteAlias(&rmOperand, d.prefixes)
		op.Dest = rmOperand
		if op.Mnemonic == MnCmp || op.Mnemonic == MnTest {
			op.Src[0] = rmOperand
			op.NSrc = 1
		}
		if entry.group == 2 && entry.immSize == -1 {
			// D0/D1 shift by an implicit count of 1, D2/D3 by CL.
			op.Src[0] = Operand{Kind: OperandImmediate, Size: 1, Imm: 1}
			if d.primary == 0xD2 || d.primary == 0xD3 {
				op.Src[0] = Operand{Kind: OperandGPR, Size: 1, Reg: 1}
			}
			op.NSrc = 1
		}
	} else if haveModRM {
		rmOperand := resolveOperand(m, rexR, rexX, rexB, size, mode, pc, d.off, segOverride)
		regField := m.reg
		if rexR {
			regField += 8
		}
		regOperand := Operand{Kind: OperandGPR, Size: regSize, Reg: regField}
		applyHighByteAlias(&regOperand, d.prefixes)
		applyHighByteAlias(&rmOperand, d.prefixes)

		if entry.dirRegToRM {
			op.Dest = rmOperand
			op.Src[0] = regOperand
			op.NSrc = 1
		} else {
			op.Dest = regOperand
			op.Src[0] = rmOperand
			op.NSrc = 1
		}
		if op.Mnemonic == MnLea {
			// LEA's "source" is never dereferenced; keep it as the raw
			// memory-operand shape but mark it by convention that the
			// dispatcher must compute the address, not load through it.
			op.Dest = regOperand
			op.Src[0] = rmOperand
			op.NSrc = 1
		}
	} else if entry.group == 0 {
		regFromOpcode, isRegForm := registerFromOpcode(d.primary, d.table)
		if isRegForm {
			reg := regFromOpcode
			if rexB {
				reg += 8
			}
			op.Dest = Operand{Kind: OperandGPR, Size: size, Reg: reg}
		}
	}

	if entry.immSize != -1 {
		width := entry.immSize
		if width == 0 {
			width = int8(size)
			if width == 8 {
				width = 4 // immediates never exceed 32 bits except MOV r64,imm64
			}
			if op.Mnemonic == MnMovImm && size == 8 && !haveModRM {
				width = 8
			}
		}
		imm, n, err := d.readImmediate(int(width))
		if err != nil {
			return Op{}, newDecodeError(pc, err, "immediate")
		}
		d.off += n
		op.Src[op.NSrc] = Operand{Kind: OperandImmediate, Size: uint8(width), Imm: imm}
		op.NSrc++
	}

	if op.Mnemonic == MnMovImm && !haveModRM {
		// MOV r, imm encodes its destination register in the opcode's low
		// 3 bits (spec §4.1 step 4 analog for non-group opcodes).
		reg := d.primary & 0x7
		if rexB {
			reg += 8
		}
		op.Dest = Operand{Kind: OperandGPR, Size: size, Reg: reg}
	}

	if op.Mnemonic == MnXchg && !haveModRM {
		// 0x91-0x97 (XCHG r, rAX): the implicit rAX operand never appears
		// in the opcode byte itself.
		op.Src[0] = Operand{Kind: OperandGPR, Size: size, Reg: 0}
		op.NSrc = 1
	}
	if d.primary == 0x90 && d.prefixes&PfxREXB == 0 {
		// Canonical NOP (spec §4.1): rax==rax, no REX.B. With REX.B this
		// byte is actually XCHG r8/r8d, rAX and must not be treated as NOP.
		op.Mnemonic = MnNop
	} else if d.primary == 0x90 && d.prefixes&PfxREXB != 0 {
		op.Mnemonic = MnXchg
		op.Dest = Operand{Kind: OperandGPR, Size: size, Reg: 8}
		op.Src[0] = Operand{Kind: OperandGPR, Size: size, Reg: 0}
		op.NSrc = 1
	}

	op.RepKind = d.repKind(op.Mnemonic)

	op.InstSize = uint8(d.off)
	if op.InstSize == 0 || int(op.InstSize) > len(buf) {
		return Op{}, newDecodeError(pc, ErrTruncated, "zero-length or overrunning instruction")
	}
	return op, nil
}

// decodeState threads the in-progress parse across the prefix/REX/table/
// ModRM/immediate steps of spec §4.1's six-step algorithm.
type decodeState struct {
	buf      []byte
	mode     Mode
	pc       uint64
	off      int
	prefixes PrefixBits
	table    OpTable
	primary  uint8
	sawRex   bool
}

// repKind distinguishes REP from REPE: the F3 byte means REPE (compare
// while equal) on CMPS/SCAS and plain REP on every other string op (spec
// §4.2 "String instructions").
func (d *decodeState) repKind(mn Mnemonic) RepKind {
	switch {
	case d.prefixes&PfxRep != 0:
		if mn == MnCmps || mn == MnScas {
			return RepE
		}
		return Rep
	case d.prefixes&PfxRepne != 0:
		return RepNE
	default:
		return RepNone
	}
}

// consumePrefixes consumes up to four legacy prefixes in any order,
// recording only the *last* operand-size/address-size/segment/REP prefix
// seen, per spec §4.1 step 1.
func (d *decodeState) consumePrefixes() error {
	const maxPrefixes = 4
	count := 0
	for d.off < len(d.buf) && count < maxPrefixes {
		b := d.buf[d.off]
		switch b {
		case 0xF0:
			d.prefixes |= PfxLock
		case 0xF2:
			d.prefixes &^= PfxRep
			d.prefixes |= PfxRepne
		case 0xF3:
			d.prefixes &^= PfxRepne
			d.prefixes |= PfxRep
		case 0x66:
			d.prefixes |= PfxOperandSize
		case 0x67:
			d.prefixes |= PfxAddressSize
		case 0x2E:
			d.clearSeg()
			d.prefixes |= PfxSegCS
		case 0x36:
			d.clearSeg()
			d.prefixes |= PfxSegSS
		case 0x3E:
			d.clearSeg()
			d.prefixes |= PfxSegDS
		case 0x26:
			d.clearSeg()
			d.prefixes |= PfxSegES
		case 0x64:
			d.clearSeg()
			d.prefixes |= PfxSegFS
		case 0x65:
			d.clearSeg()
			d.prefixes |= PfxSegGS
		default:
			return nil
		}
		d.off++
		count++
	}
	return nil
}

func (d *decodeState) clearSeg() {
	d.prefixes &^= PfxSegCS | PfxSegSS | PfxSegDS | PfxSegES | PfxSegFS | PfxSegGS
}

// consumeREX consumes a single REX byte if present. A REX must immediately
// precede the opcode (spec §4.1 step 2); Decode drops a REX that is
// followed by a legacy prefix and then looks for a REX again.
func (d *decodeState) consumeREX() {
	if d.off >= len(d.buf) {
		return
	}
	b := d.buf[d.off]
	if b&0xF0 != 0x40 {
		return
	}
	d.prefixes |= PfxREX
	if b&0x08 != 0 {
		d.prefixes |= PfxREXW
	}
	if b&0x04 != 0 {
		d.prefixes |= PfxREXR
	}
	if b&0x02 != 0 {
		d.prefixes |= PfxREXX
	}
	if b&0x01 != 0 {
		d.prefixes |= PfxREXB
	}
	d.sawRex = true
	d.off++
}

// selectTable chooses the opcode table per spec §4.1 step 3: one-byte,
// two-byte (0F), three-byte (0F 38/0F 3A, recognized but not further
// decoded at this budget), or x87 escape (D8-DF).
func (d *decodeState) selectTable() (opEntry, error) {
	if d.off >= len(d.buf) {
		return opEntry{}, ErrTruncated
	}
	b := d.buf[d.off]

	// Reserved 0F 3F <16-byte hash> thunk encoding (spec §4.2 "Syscalls
	// and thunks"): recognized ahead of the general 0F path since it is
	// not a real instruction opcode. The 16 hash bytes count toward the
	// instruction's length.
	if b == 0x0F && d.off+1 < len(d.buf) && d.buf[d.off+1] == 0x3F {
		if d.off+2+16 > len(d.buf) {
			return opEntry{}, ErrTruncated
		}
		d.primary = 0x3F
		d.table = TableTwoByte
		d.off += 2 + 16
		return opEntry{mn: MnThunk, defined: true, immSize: -1}, nil
	}

	if b == 0x0F {
		d.off++
		if d.off >= len(d.buf) {
			return opEntry{}, ErrTruncated
		}
		next := d.buf[d.off]
		if next == 0x38 || next == 0x3A {
			// Three-byte opcode maps recognized but not populated at this
			// budget; surface as Undefined rather than misdecode.
			d.table = Table0F38
			if next == 0x3A {
				d.table = Table0F3A
			}
			d.off++
			if d.off < len(d.buf) {
				d.primary = d.buf[d.off]
				d.off++
			}
			return opEntry{}, ErrUndefined
		}
		d.table = TableTwoByte
		d.primary = next
		d.off++
		return twoByteTable[next], nil
	}

	if b >= 0xD8 && b <= 0xDF {
		d.table = TableX87
		d.primary = b
		d.off++
		// x87 escape opcodes are recognized as a table but individual
		// encodings are not populated at this budget.
		return opEntry{}, ErrUndefined
	}

	d.table = TableOneByte
	d.primary = b
	d.off++
	return oneByteTable[b], nil
}

// operandSize computes the default operand size for most GPR ops per spec
// §4.1 "Operand size for most GPR ops": default 32-bit in 64-bit mode,
// 16-bit with 66 prefix, 64-bit if REX.W.
func (d *decodeState) operandSize(mn Mnemonic) uint8 {
	if d.mode == Mode64 && d.prefixes&PfxREXW != 0 {
		return 8
	}
	if d.prefixes&PfxOperandSize != 0 {
		return 2
	}
	if d.mode == Mode64 {
		return 4
	}
	if d.mode == Mode32 {
		return 4
	}
	return 2
}

func isByteForm(primary uint8, table OpTable, e opEntry) bool {
	if table != TableOneByte {
		return false
	}
	// Every ALU/MOV/TEST/XCHG family opcode whose low bit is 0 (within its
	// Eb/Gb,Gb/Eb pair) operates on byte operands; this mirrors the
	// standard x86 opcode-parity convention rather than hard-coding each
	// opcode individually.
	switch primary {
	case 0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38,
		0x02, 0x0A, 0x12, 0x1A, 0x22, 0x2A, 0x32, 0x3A,
		0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C,
		0x80, 0x84, 0x86, 0x88, 0x8A, 0xC6, 0xF6, 0xFE,
		0xC0, 0xD0, 0xD2:
		return true
	}
	if primary >= 0xB0 && primary <= 0xB7 {
		return true
	}
	return false
}

func registerFromOpcode(primary uint8, table OpTable) (uint8, bool) {
	if table != TableOneByte {
		return 0, false
	}
	switch {
	case primary >= 0x50 && primary <= 0x57:
		return primary - 0x50, true
	case primary >= 0x58 && primary <= 0x5F:
		return primary - 0x58, true
	case primary >= 0x91 && primary <= 0x97:
		return primary - 0x90, true
	case primary >= 0xB8 && primary <= 0xBF:
		return primary - 0xB8, true
	case primary >= 0xB0 && primary <= 0xB7:
		return primary - 0xB0, true
	}
	return 0, false
}

func applyHighByteAlias(op *Operand, pfx PrefixBits) {
	if op.Kind != OperandGPR || op.Size != 1 {
		return
	}
	if pfx&PfxREX != 0 {
		return // REX presence suppresses AH/BH/CH/DH, always addresses the low byte
	}
	if op.Reg >= 4 && op.Reg <= 7 {
		op.HighByte = true
		op.Reg -= 4
	}
}

func resolveGroup(group uint8, reg uint8) (Mnemonic, bool) {
	switch group {
	case 1:
		return group1[reg], true
	case 2:
		return group2[reg], true
	case 3:
		return group3[reg], true
	case 5:
		return group5[reg], true
	case 0xC6, 0xC7:
		if reg == 0 {
			return MnMovImm, true
		}
		return MnUndefined, false
	case 0xFE:
		if reg == 0 {
			return MnInc, true
		}
		if reg == 1 {
			return MnDec, true
		}
		return MnUndefined, false
	case 9:
		if reg == 1 {
			return MnCmpxchg8b, true // CMPXCHG16B in 64-bit mode with REX.W, same encoding
		}
		return MnUndefined, false
	}
	return MnUndefined, false
}

// readImmediate reads a width-byte (1/2/4/8) little-endian immediate,
// sign-extended to int64, at the current offset.
func (d *decodeState) readImmediate(width int) (int64, int, error) {
	if d.off+width > len(d.buf) {
		return 0, 0, ErrTruncated
	}
	b := d.buf[d.off:]
	switch width {
	case 1:
		return int64(int8(b[0])), 1, nil
	case 2:
		return int64(readInt16(b)), 2, nil
	case 4:
		return int64(readInt32(b)), 4, nil
	case 8:
		return readInt64(b), 8, nil
	}
	return 0, 0, ErrUndefined
}
