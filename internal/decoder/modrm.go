package decoder

// modrm holds the raw decoded ModRM/SIB/displacement fields before they are
// turned into an Operand by resolveOperand.
type modrm struct {
	mod, reg, rm uint8
	hasSIB       bool
	scale, index, base uint8
	noBase       bool // SIB base==101 && mod==00: no base register, disp32 only
	disp         int32
	size         uint8 // total bytes consumed by ModRM[+SIB][+disp]
}

// decodeModRM reads the ModRM byte (and SIB/displacement if present) from
// buf starting at off. mode and addr32 are not consulted here: the raw
// fields are the same in every mode, and resolveOperand decides whether a
// mod==00/rm==101 disp32 is RIP-relative (64-bit mode) or absolute.
func decodeModRM(buf []byte, off int, mode Mode, addr32 bool) (modrm, error) {
	if off >= len(buf) {
		return modrm{}, ErrTruncated
	}
	b := buf[off]
	m := modrm{
		mod: b >> 6,
		reg: (b >> 3) & 7,
		rm:  b & 7,
	}
	size := 1

	if m.mod != 3 && m.rm == 4 {
		// SIB byte follows.
		if off+size >= len(buf) {
			return modrm{}, ErrTruncated
		}
		sib := buf[off+size]
		m.hasSIB = true
		m.scale = sib >> 6
		m.index = (sib >> 3) & 7
		m.base = sib & 7
		size++
		if m.mod == 0 && m.base == 5 {
			m.noBase = true
		}
	}

	switch {
	case m.mod == 0 && m.rm == 5 && !m.hasSIB:
		// disp32, RIP-relative in 64-bit mode, absolute otherwise.
		if off+size+4 > len(buf) {
			return modrm{}, ErrTruncated
		}
		m.disp = readInt32(buf[off+size:])
		size += 4
	case m.mod == 0 && m.noBase:
		if off+size+4 > len(buf) {
			return modrm{}, ErrTruncated
		}
		m.disp = readInt32(buf[off+size:])
		size += 4
	case m.mod == 1:
		if off+size+1 > len(buf) {
			return modrm{}, ErrTruncated
		}
		m.disp = int32(int8(buf[off+size]))
		size++
	case m.mod == 2:
		if off+size+4 > len(buf) {
			return modrm{}, ErrTruncated
		}
		m.disp = readInt32(buf[off+size:])
		size += 4
	}

	m.size = uint8(size)
	return m, nil
}

func readInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func readInt16(b []byte) int16 {
	return int16(uint16(b[0]) | uint16(b[1])<<8)
}

func readInt64(b []byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return int64(v)
}

// resolveOperand turns a decoded modrm plus REX extension bits into an
// Operand: register-direct when mod==3, one of the memory kinds otherwise.
// instEndOff is not used: a RIP-relative Operand carries only Disp, and
// the dispatcher adds it to the address of the *next* instruction
// (Op.PC+InstSize), not to the ModRM byte's address.
func resolveOperand(m modrm, rexR, rexX, rexB bool, size uint8, mode Mode, pc uint64, instEndOff int, segOverride int) Operand {
	if m.mod == 3 {
		reg := m.rm
		if rexB {
			reg += 8
		}
		return Operand{Kind: OperandGPR, Size: size, Reg: reg}
	}

	op := Operand{Size: size}

	if m.mod == 0 && m.rm == 5 && !m.hasSIB {
		if mode == Mode64 {
			op.Kind = OperandMemRIP
			op.Disp = m.disp
			return op
		}
		op.Kind = OperandMemAbsolute
		op.AbsoluteAddr = uint64(uint32(m.disp))
		return op
	}

	if m.hasSIB {
		op.Kind = OperandMemSIB
		op.Scale = 1 << m.scale
		idx := m.index
		if rexX {
			idx += 8
		}
		if !(idx == 4 && !rexX) { // ESP/R12 as index (idx==4, no X) means "no index"
			op.HasIndex = true
			op.IndexReg = idx
		}
		if m.noBase {
			op.HasBase = false
		} else {
			base := m.base
			if rexB {
				base += 8
			}
			op.HasBase = true
			op.BaseReg = base
		}
		op.Disp = m.disp
		return op
	}

	base := m.rm
	if rexB {
		base += 8
	}
	op.HasBase = true
	op.BaseReg = base
	op.Disp = m.disp
	if m.disp != 0 || m.mod != 0 {
		op.Kind = OperandMemIndirect
	} else {
		op.Kind = OperandMemDirect
	}
	_ = segOverride
	return op
}
