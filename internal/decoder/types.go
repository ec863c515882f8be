// Package decoder parses raw x86 byte streams into structured Op values
// (spec §3 "DecodedOp", §4.1 "Decoder"). Ops are immutable value types;
// their lifetime ends when the enclosing block's IR is emitted, so callers
// are free to copy them by value without any ownership concerns.
package decoder

// Mode selects the operating mode the byte stream is decoded in.
type Mode uint8

const (
	Mode16 Mode = iota
	Mode32
	Mode64
)

// PrefixBits is a bitset of the legacy/REX/VEX prefixes seen before an
// opcode (spec §3 DecodedOp "a bitset of prefixes").
type PrefixBits uint32

const (
	PfxLock PrefixBits = 1 << iota
	PfxRepne                 // F2
	PfxRep                   // F3
	PfxOperandSize           // 66
	PfxAddressSize           // 67
	PfxSegCS
	PfxSegSS
	PfxSegDS
	PfxSegES
	PfxSegFS
	PfxSegGS
	PfxREX
	PfxREXW
	PfxREXR
	PfxREXX
	PfxREXB
	PfxVEX
)

// HasSegmentOverride reports whether any segment-override prefix is set.
func (p PrefixBits) HasSegmentOverride() bool {
	return p&(PfxSegCS|PfxSegSS|PfxSegDS|PfxSegES|PfxSegFS|PfxSegGS) != 0
}

// SegmentOverride returns which segment register (0=CS..5=GS in cpustate
// index order) is overridden, or -1 if none.
func (p PrefixBits) SegmentOverride() int {
	switch {
	case p&PfxSegCS != 0:
		return 0
	case p&PfxSegDS != 0:
		return 1
	case p&PfxSegES != 0:
		return 2
	case p&PfxSegSS != 0:
		return 3
	case p&PfxSegFS != 0:
		return 4
	case p&PfxSegGS != 0:
		return 5
	default:
		return -1
	}
}

// OpTable selects which opcode table a primary/secondary byte is looked up
// in (spec §3 DecodedOp "secondary table selector").
type OpTable uint8

const (
	TableOneByte OpTable = iota
	TableTwoByte         // after 0F
	Table0F38            // after 0F 38
	Table0F3A            // after 0F 3A
	TableX87             // D8-DF escape
	TableVEX
)

// OperandKind tags the tagged union an Operand holds (spec §3).
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandGPR
	OperandXMM
	OperandImmediate
	OperandMemDirect    // [reg]
	OperandMemIndirect  // [reg+disp]
	OperandMemSIB       // [base+index*scale+disp]
	OperandMemRIP       // RIP-relative
	OperandMemAbsolute  // absolute literal address (disp32 in 32-bit mode)
)

// Operand is the tagged union described in spec §3. Exactly one of its
// fields is meaningful, selected by Kind.
type Operand struct {
	Kind OperandKind
	Size uint8 // width in bytes: 1, 2, 4, 8, or 16 for XMM

	Reg      uint8 // GPR/XMM index (0-15)
	HighByte bool  // AH/BH/CH/DH alias of an 8-bit GPR operand

	Imm int64 // sign-extended immediate, valid when Kind == OperandImmediate

	// Memory addressing fields, valid for the OperandMem* kinds.
	BaseReg    uint8
	HasBase    bool
	IndexReg   uint8
	HasIndex   bool
	Scale      uint8 // 1, 2, 4 or 8
	Disp       int32
	AbsoluteAddr uint64 // OperandMemAbsolute only
}

// Op is the decoded-instruction record (spec §3 "DecodedOp"). It is
// immutable after Decode returns; InstSize accurately reflects bytes
// consumed so that re-decoding at PC+InstSize yields the next instruction
// with no gap or overlap (spec §8 property 1).
type Op struct {
	PC       uint64
	InstSize uint8

	Table     OpTable
	Primary   uint8 // primary opcode byte
	Secondary uint8 // ModRM.reg sub-opcode for group instructions, else unused
	HasSub    bool

	Prefixes PrefixBits
	Mnemonic Mnemonic

	Dest Operand
	Src  [3]Operand
	NSrc uint8

	// Mode this instruction was decoded in; sizing rules depend on it.
	Mode Mode

	// RepKind records which of REP/REPE/REPNE applied, for string ops.
	RepKind RepKind
}

// RepKind distinguishes the three REP-family prefixes relevant to string
// instructions (spec §4.2 "String instructions").
type RepKind uint8

const (
	RepNone RepKind = iota
	Rep
	RepE
	RepNE
)
