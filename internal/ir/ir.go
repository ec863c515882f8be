// Package ir is the language-neutral SSA-form IR the OpDispatcher emits.
// It follows the re-architecture guidance of spec §9 directly: nodes live
// in a per-block arena and are referenced by small integer indices (Ref),
// never by pointer, so the graph can never become cyclic and so an AOT
// cache can serialize it trivially. This is modeled on the teacher's own
// arena-of-values-plus-integer-index style (IRFunc.Code []Inst indexed
// positionally in std/compiler/ir.go) rather than a linked node graph.
package ir

// Opcode enumerates every IR node kind the dispatcher can emit. The set is
// closed and known at build time (spec §9: "no open dispatch is
// required"), so downstream consumers can switch over it exhaustively.
type Opcode int

const (
	OpInvalid Opcode = iota

	// Constants and context access.
	OpConstant
	OpLoadContext
	OpStoreContext
	OpLoadMem
	OpStoreMem
	OpLoadMemTSO
	OpStoreMemTSO

	// Arithmetic/logic: a single parameterized node instead of the
	// source's "emit ADD then overwrite the opcode field" trick (spec §9).
	OpALU
	OpNeg
	OpNot

	// Bitfields, used by sizing/shift/rotate lowering. All three read
	// Node.Imm as the start bit and Node.Aux as the field width in bits.
	// Bfe extracts Args[0][Imm:Imm+Aux) zero-extended; Sbfe does the same
	// but sign-extends from bit Imm+Aux-1; Bfi inserts Args[1]'s low Aux
	// bits into Args[0] starting at bit Imm, leaving the rest of Args[0]
	// unchanged.
	OpBfe
	OpBfi
	OpSbfe

	// Shifts and rotates.
	OpShl
	OpShr
	OpSar
	OpRol
	OpRor
	OpRcl
	OpRcr
	OpShld
	OpShrd

	// Select picks Args[1] when Args[0] is nonzero, else Args[2].
	//
	// Comparisons / selects, used by the flag-elision path. CmpLT/CmpLE
	// read Node.Aux as a signedness tag (0 signed, 1 unsigned) rather than
	// doubling the opcode count.
	OpSelect
	OpCmpEQ
	OpCmpNE
	OpCmpLT
	OpCmpLE

	// Flag-component extractors. Each takes the two ALU operands (and, for
	// the *FromAdd/*FromSub pair, implicitly the op that produced Args[0]
	// is known from context) and produces a single 0/1 value; the host
	// backend is expected to lower these onto native carry/overflow flag
	// reads rather than recomputing them the long way, since the hardware
	// ADD/SUB that ran just before already has them.
	OpCarryFromAdd
	OpCarryFromSub
	OpOverflowFromAdd
	OpOverflowFromSub
	OpAuxFromAdd
	OpAuxFromSub
	OpParity

	// Atomics for LOCK-prefixed RMW.
	OpAtomicFetchAdd
	OpAtomicFetchSub
	OpAtomicFetchAnd
	OpAtomicFetchOr
	OpAtomicFetchXor
	OpCAS
	OpCASPair

	// Segment/address helpers.
	OpAddSegmentOffset

	// Vector/FPU.
	OpVFAdd
	OpVFMul
	OpVFSub
	OpVFDiv
	OpVCmpEQ
	// FCmp reads Node.Aux as the predicate: 0 equal, 1 less-than, 2
	// unordered (one operand is NaN).
	OpFCmp

	// Flag-model helpers.
	OpInvalidateFlags

	// External-collaborator ops.
	OpCPUID
	OpSyscall
	OpThunk

	// Control-flow terminators (never appear mid-block).
	OpExitFunction
	OpJump
	OpCondJump

	opLast // sentinel marking the end of the opcode list
)

// DataType tags the width/kind of value an IR node produces.
type DataType uint8

const (
	TypeI8 DataType = iota
	TypeI16
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeV128
	TypeV256
	TypeNone // control-flow-only nodes (terminators)
)

// SizeBytes returns the width in bytes of a DataType, or 0 for TypeNone.
func (d DataType) SizeBytes() int {
	switch d {
	case TypeI8:
		return 1
	case TypeI16:
		return 2
	case TypeI32, TypeF32:
		return 4
	case TypeI64, TypeF64:
		return 8
	case TypeV128:
		return 16
	case TypeV256:
		return 32
	default:
		return 0
	}
}

// Ref is a stable index into a Block's node arena. Zero is reserved as the
// "no operand" sentinel (NoRef); valid refs start at 1, matching the
// teacher's convention of reserving low integer IDs for sentinels
// (CompileModule's nextTypeID starting at 3 with 1/2 reserved).
type Ref uint32

// NoRef marks an absent operand.
const NoRef Ref = 0

// ALUKind parameterizes OpALU so that retyping an arithmetic node never
// requires in-place opcode mutation after emission (spec §9).
type ALUKind uint8

const (
	ALUAdd ALUKind = iota
	ALUSub
	ALUAnd
	ALUOr
	ALUXor
	ALUCmp // like Sub but result discarded, flags only
	ALUTest
)

func (k ALUKind) String() string {
	return [...]string{"ADD", "SUB", "AND", "OR", "XOR", "CMP", "TEST"}[k]
}

// Node is one SSA value. It carries a small fixed header (opcode, type,
// size) and up to three operand Refs plus one immediate/auxiliary payload,
// which is enough for every op the dispatcher emits without a variable-
// length operand list.
type Node struct {
	Op      Opcode
	Type    DataType
	ALUKind ALUKind // valid only when Op == OpALU

	Args [3]Ref // operand references into the owning Block's arena

	// Imm carries constant payloads: OpConstant's value, OpLoadContext/
	// OpStoreContext's byte offset, shift-amount literals, etc.
	Imm int64

	// Aux carries a secondary small integer payload (e.g. element size in
	// bytes for vector ops, memory access width, CPUID leaf number).
	Aux int32
}

// BlockID identifies a Block within a Function by position in
// Function.Blocks. It is stable for the lifetime of the Function.
type BlockID int32

// NoBlock marks an absent block reference (e.g. the false-edge of a
// CondJump that has not yet been synthesized).
const NoBlock BlockID = -1

// Block is a maximal straight-line sequence of Nodes ending in a
// terminator (ExitFunction, Jump or CondJump). A node is owned exclusively
// by the Block that contains it; cross-block references are forbidden by
// construction since Ref is only ever resolved against the Block doing the
// resolving.
type Block struct {
	EntryPC uint64
	Nodes   []Node

	// Terminator fields. Term is one of OpExitFunction/OpJump/OpCondJump;
	// the target block IDs (or dynamic exit PC) follow.
	Term        Opcode
	TargetTrue  BlockID
	TargetFalse BlockID
	ExitPC      uint64 // valid when Term == OpExitFunction and the target is static
	ExitPCNode  Ref    // valid when Term == OpExitFunction and the target is dynamic (ExitPC unused)

	// CondArg is the boolean SSA value a CondJump branches on.
	CondArg Ref

	// Sealed is set once a terminator has been emitted; Append panics if
	// called on a sealed block, preventing silent corruption of a block
	// that already ended.
	Sealed bool

	// DecodeFailed marks a block that ends early because the Decoder could
	// not parse an instruction (spec §4.1); Term is forced to
	// OpExitFunction(ExitPC) targeting the faulting PC.
	DecodeFailed bool
}

// Append adds a new Node to the block's arena and returns its Ref. It is
// the only way to add non-terminator nodes to a Block.
func (b *Block) Append(n Node) Ref {
	if b.Sealed {
		panic("ir: Append on a sealed block")
	}
	b.Nodes = append(b.Nodes, n)
	return Ref(len(b.Nodes)) // 1-based so 0 stays NoRef
}

// Node resolves a Ref against this block's arena.
func (b *Block) Node(r Ref) *Node {
	if r == NoRef {
		return nil
	}
	return &b.Nodes[r-1]
}

// Function is one IR translation unit: a multiblock starting at some guest
// entry PC (spec §3 "Function"). It owns a monotonically growing list of
// Blocks; JumpTargets maps every known intra-region block entry PC to its
// BlockID, built by the pre-pass that walks direct branches before
// dispatch begins.
type Function struct {
	EntryPC     uint64
	Blocks      []*Block
	JumpTargets map[uint64]BlockID

	finalized bool
}

// BeginFunction creates a new IR unit with a pre-computed set of
// intra-region branch targets (spec §4.2 begin_function). blockPCs lists
// every guest PC known to start a block; each gets an empty Block
// allocated up front so forward branches can resolve immediately.
func BeginFunction(entryPC uint64, blockPCs []uint64) *Function {
	f := &Function{
		EntryPC:     entryPC,
		JumpTargets: make(map[uint64]BlockID, len(blockPCs)),
	}
	for _, pc := range blockPCs {
		f.newBlockAt(pc)
	}
	if _, ok := f.JumpTargets[entryPC]; !ok {
		f.newBlockAt(entryPC)
	}
	return f
}

func (f *Function) newBlockAt(pc uint64) BlockID {
	id := BlockID(len(f.Blocks))
	f.Blocks = append(f.Blocks, &Block{EntryPC: pc, TargetTrue: NoBlock, TargetFalse: NoBlock})
	f.JumpTargets[pc] = id
	return id
}

// BlockAt returns the BlockID for a known intra-region entry PC, or
// (NoBlock, false) if pc is not a pre-computed block entry.
func (f *Function) BlockAt(pc uint64) (BlockID, bool) {
	id, ok := f.JumpTargets[pc]
	if !ok {
		return NoBlock, false
	}
	return id, true
}

// SynthesizeExitBlock creates a new block consisting solely of an
// ExitFunction(dynamicPC) terminator, used when only one side of a
// conditional branch is a known intra-region target (spec §4.2, "Control
// flow within a multiblock"). It is not registered in JumpTargets since it
// has no guest PC of its own to be re-entered at directly (it is reached
// only via the CondJump that created it).
func (f *Function) SynthesizeExitBlock(dynamicPC uint64) BlockID {
	id := BlockID(len(f.Blocks))
	blk := &Block{TargetTrue: NoBlock, TargetFalse: NoBlock}
	blk.Term = OpExitFunction
	blk.ExitPC = dynamicPC
	blk.Sealed = true
	f.Blocks = append(f.Blocks, blk)
	return id
}

// NewScratchBlock allocates a fresh, unsealed, unterminated block with no
// guest entry PC of its own. Used by instruction lowerings that need extra
// blocks beyond the pre-computed set, such as the header/body blocks of a
// REP-prefixed string instruction's loop expansion (spec §4.2); like
// SynthesizeExitBlock's targets, these are reachable only from IR the
// dispatcher itself emits, never re-entered by guest PC lookup.
func (f *Function) NewScratchBlock() BlockID {
	id := BlockID(len(f.Blocks))
	f.Blocks = append(f.Blocks, &Block{TargetTrue: NoBlock, TargetFalse: NoBlock})
	return id
}

// Block resolves a BlockID against this function's block list.
func (f *Function) Block(id BlockID) *Block {
	if id == NoBlock {
		return nil
	}
	return f.Blocks[id]
}

// Finalize closes any open blocks: every reachable block that was never
// explicitly terminated gets an ExitFunction fallback to its own entry PC,
// so the dispatcher (or a bug in instruction lowering) can never leave a
// Function with a dangling block (spec §4.2 finalize()).
func (f *Function) Finalize() {
	if f.finalized {
		return
	}
	for _, b := range f.Blocks {
		if !b.Sealed {
			b.Term = OpExitFunction
			b.ExitPC = b.EntryPC
			b.Sealed = true
		}
	}
	f.finalized = true
}

// Finalized reports whether Finalize has already run.
func (f *Function) Finalized() bool { return f.finalized }
