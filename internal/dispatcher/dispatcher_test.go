package dispatcher

import (
	"testing"

	"github.com/fexcore/fexcore-go/internal/config"
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/ir"
)

func newTestDispatcher() *Dispatcher {
	return New(config.Default(), &cpustate.DefaultLayout)
}

func decodeOne(t *testing.T, pc uint64, bytes []byte) decoder.Op {
	t.Helper()
	op, err := decoder.Decode(pc, bytes, decoder.Mode64)
	if err != nil {
		t.Fatalf("decode %x: %v", bytes, err)
	}
	return op
}

// Scenario A (spec §8.A): MOV EAX, [RBP-8]; CMP EAX, 0; JE +5 lowered end to
// end. The Jcc must take the flag-elision fast path straight off the CMP's
// recorded operands rather than reading a materialized ZF slot.
func TestScenarioA_FlagElisionFastPath(t *testing.T) {
	bytes := []byte{0x8B, 0x45, 0xF8, 0x83, 0xF8, 0x00, 0x74, 0x05}
	movOp := decodeOne(t, 0x1000, bytes)
	cmpOp := decodeOne(t, 0x1000+uint64(movOp.InstSize), bytes[movOp.InstSize:])
	off3 := int(movOp.InstSize) + int(cmpOp.InstSize)
	jccOp := decodeOne(t, 0x1000+uint64(off3), bytes[off3:])

	d := newTestDispatcher()
	fallPC := jccOp.PC + uint64(jccOp.InstSize)
	takenPC, _ := branchTargets(jccOp)
	d.BeginFunction(0x1000, []uint64{0x1000, fallPC, takenPC})

	if err := d.Dispatch(movOp); err != nil {
		t.Fatalf("dispatch MOV: %v", err)
	}
	if err := d.Dispatch(cmpOp); err != nil {
		t.Fatalf("dispatch CMP: %v", err)
	}
	if !d.haveFlag {
		t.Fatalf("expected a flag record after CMP")
	}

	nodesBefore := len(d.block().Nodes)
	if err := d.Dispatch(jccOp); err != nil {
		t.Fatalf("dispatch JE: %v", err)
	}
	blk := d.block()
	if blk.Term != ir.OpCondJump {
		t.Fatalf("expected CondJump terminator, got %v", blk.Term)
	}
	condNode := blk.Node(blk.CondArg)
	if condNode.Op != ir.OpCmpEQ {
		t.Fatalf("expected the Jcc condition to be a direct CmpEQ off the CMP operands (flag elision), got opcode %v", condNode.Op)
	}
	if len(blk.Nodes) <= nodesBefore {
		t.Fatalf("expected the Jcc to append at least one node")
	}

	if blk.TargetTrue == ir.NoBlock || blk.TargetFalse == ir.NoBlock {
		t.Fatalf("three-way rule: both sides are known intra-region blocks, expected both targets resolved")
	}
}

// Scenario B (spec §8.B): SHL EAX, CL must mask the shift count to 0x1F for
// a 32-bit destination before shifting.
func TestScenarioB_ShiftMasksCount(t *testing.T) {
	op := decodeOne(t, 0x2000, []byte{0xD3, 0xE0})
	d := newTestDispatcher()
	d.BeginFunction(0x2000, []uint64{0x2000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch SHL: %v", err)
	}
	var sawMask bool
	for _, n := range d.block().Nodes {
		if n.Op == ir.OpALU && n.ALUKind == ir.ALUAnd {
			for _, a := range n.Args {
				if a != ir.NoRef {
					if c := d.block().Node(a); c != nil && c.Op == ir.OpConstant && c.Imm == 0x1F {
						sawMask = true
					}
				}
			}
		}
	}
	if !sawMask {
		t.Fatalf("expected the shift count to be masked against 0x1F somewhere in the lowering")
	}
}

// Scenario C (spec §8.C): XCHG EAX, EAX decodes as MnNop and lowers to
// nothing at all.
func TestScenarioC_NopEmitsNothing(t *testing.T) {
	op := decodeOne(t, 0x3000, []byte{0x90})
	d := newTestDispatcher()
	d.BeginFunction(0x3000, []uint64{0x3000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch NOP: %v", err)
	}
	if len(d.block().Nodes) != 0 {
		t.Fatalf("expected NOP to emit zero nodes, got %d", len(d.block().Nodes))
	}
}

// Scenario D (spec §8.D): LOCK CMPXCHG [RDI], ECX must lower to a CAS node,
// not the ordinary non-atomic ALU+store path.
func TestScenarioD_LockCmpxchgLowersToCAS(t *testing.T) {
	op := decodeOne(t, 0x4000, []byte{0xF0, 0x0F, 0xB1, 0x0F})
	d := newTestDispatcher()
	d.BeginFunction(0x4000, []uint64{0x4000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch LOCK CMPXCHG: %v", err)
	}
	var sawCAS bool
	for _, n := range d.block().Nodes {
		if n.Op == ir.OpCAS {
			sawCAS = true
		}
	}
	if !sawCAS {
		t.Fatalf("expected a CAS node in the lowering of LOCK CMPXCHG")
	}
}

// A conditional branch with one unknown branch target and one known
// fallthrough exercises the three-way rule's synthesized-exit branch.
func TestThreeWayRule_UnknownTakenTargetSynthesizesExit(t *testing.T) {
	// JE +0x7F (outside the registered blocks) then a fallthrough NOP.
	bytes := []byte{0x74, 0x7F, 0x90}
	jccOp := decodeOne(t, 0x5000, bytes)
	nopOp := decodeOne(t, 0x5000+uint64(jccOp.InstSize), bytes[jccOp.InstSize:])

	d := newTestDispatcher()
	fallPC := jccOp.PC + uint64(jccOp.InstSize)
	d.BeginFunction(0x5000, []uint64{0x5000, fallPC})
	if err := d.Dispatch(jccOp); err != nil {
		t.Fatalf("dispatch Jcc: %v", err)
	}
	blk := d.block()
	if blk.Term != ir.OpCondJump {
		t.Fatalf("expected CondJump, got %v", blk.Term)
	}
	takenBlk := d.fn.Block(blk.TargetTrue)
	if !takenBlk.Sealed || takenBlk.Term != ir.OpExitFunction {
		t.Fatalf("expected the unknown taken target to be a synthesized ExitFunction-only block")
	}
	falseBlk := d.fn.Block(blk.TargetFalse)
	if falseBlk.EntryPC != fallPC {
		t.Fatalf("expected the false edge to resolve to the pre-registered fallthrough block")
	}

	d.SetBlock(blk.TargetFalse)
	if err := d.Dispatch(nopOp); err != nil {
		t.Fatalf("dispatch fallthrough NOP: %v", err)
	}
}

// REP MOVSB must expand into the header/body/exit three-block loop shape
// rather than straight-line IR, and must not carry the counter across
// blocks in SSA form (it reloads RCX from CPUState every iteration).
func TestRepMovsb_ExpandsToLoopBlocks(t *testing.T) {
	op := decodeOne(t, 0x6000, []byte{0xF3, 0xA4}) // REP MOVSB
	d := newTestDispatcher()
	fallPC := op.PC + uint64(op.InstSize)
	d.BeginFunction(0x6000, []uint64{0x6000, fallPC})

	blocksBefore := len(d.fn.Blocks)
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch REP MOVSB: %v", err)
	}
	if len(d.fn.Blocks) <= blocksBefore+1 {
		t.Fatalf("expected at least a header and body block to be synthesized, blocks went from %d to %d", blocksBefore, len(d.fn.Blocks))
	}

	entryBlk := d.fn.Block(0)
	if entryBlk.Term != ir.OpJump {
		t.Fatalf("expected the entry block to unconditionally jump into the loop header, got %v", entryBlk.Term)
	}
	header := d.fn.Block(entryBlk.TargetTrue)
	if header.Term != ir.OpCondJump {
		t.Fatalf("expected the loop header to conditionally branch on the counter, got %v", header.Term)
	}
	var headerLoadsRCX bool
	for _, n := range header.Nodes {
		if n.Op == ir.OpLoadContext && n.Imm == int64(cpustate.DefaultLayout.GPROffset[cpustate.RCX]) {
			headerLoadsRCX = true
		}
	}
	if !headerLoadsRCX {
		t.Fatalf("expected the loop header to reload RCX from CPUState rather than carry it in SSA")
	}
}

// CALL must push a return address sized to the stack slot and terminate the
// block with a dynamic ExitFunction to the callee.
func TestDispatchCall_PushesReturnAddressAndExits(t *testing.T) {
	op := decodeOne(t, 0x7000, []byte{0xE8, 0x00, 0x00, 0x00, 0x00}) // CALL rel32 +0
	d := newTestDispatcher()
	d.BeginFunction(0x7000, []uint64{0x7000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch CALL: %v", err)
	}
	blk := d.block()
	if blk.Term != ir.OpExitFunction {
		t.Fatalf("expected ExitFunction terminator for CALL, got %v", blk.Term)
	}
	if blk.ExitPCNode == ir.NoRef {
		t.Fatalf("expected a dynamic exit target for CALL")
	}
	var sawPush bool
	for _, n := range blk.Nodes {
		if n.Op == ir.OpStoreMemTSO {
			sawPush = true
		}
	}
	if !sawPush {
		t.Fatalf("expected CALL to push the return address via a TSO-consistent store")
	}
}

// CPUID must lower to a CPUID IR node consuming RAX/RCX and writing its
// result back into RAX.
func TestDispatchCpuid_EmitsCPUIDNode(t *testing.T) {
	op := decodeOne(t, 0x8000, []byte{0x0F, 0xA2}) // CPUID
	d := newTestDispatcher()
	d.BeginFunction(0x8000, []uint64{0x8000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch CPUID: %v", err)
	}
	var sawCPUID bool
	for _, n := range d.block().Nodes {
		if n.Op == ir.OpCPUID {
			sawCPUID = true
		}
	}
	if !sawCPUID {
		t.Fatalf("expected a CPUID node in the lowering")
	}
}

// SYSCALL advances RIP past the instruction before the Syscall node so a
// signal delivered mid-syscall observes the post-instruction RIP.
func TestDispatchSyscall_AdvancesRIPBeforeNode(t *testing.T) {
	op := decodeOne(t, 0x9000, []byte{0x0F, 0x05}) // SYSCALL
	d := newTestDispatcher()
	d.BeginFunction(0x9000, []uint64{0x9000})
	if err := d.Dispatch(op); err != nil {
		t.Fatalf("dispatch SYSCALL: %v", err)
	}
	nodes := d.block().Nodes
	var ripStoreIdx, syscallIdx = -1, -1
	for i, n := range nodes {
		if n.Op == ir.OpStoreContext && n.Imm == int64(cpustate.DefaultLayout.RIPOffset) {
			ripStoreIdx = i
		}
		if n.Op == ir.OpSyscall {
			syscallIdx = i
		}
	}
	if ripStoreIdx == -1 || syscallIdx == -1 {
		t.Fatalf("expected both an RIP store and a Syscall node")
	}
	if ripStoreIdx > syscallIdx {
		t.Fatalf("expected RIP to be advanced before the Syscall node executes")
	}
}

// An unsupported mnemonic must surface ErrTranslationFailure without
// corrupting already-emitted IR in the block (spec §7).
func TestDispatch_UnsupportedMnemonicReturnsTranslationFailure(t *testing.T) {
	movOp := decodeOne(t, 0xA000, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}) // MOV EAX, 1
	d := newTestDispatcher()
	d.BeginFunction(0xA000, []uint64{0xA000})
	if err := d.Dispatch(movOp); err != nil {
		t.Fatalf("dispatch MOV: %v", err)
	}
	nodesBefore := len(d.block().Nodes)

	// VMXON, an instruction this budget does not lower.
	unsupported := decoder.Op{Mnemonic: decoder.Mnemonic(0xFFFF), PC: 0xA005, InstSize: 3}
	err := d.Dispatch(unsupported)
	if err == nil {
		t.Fatalf("expected ErrTranslationFailure for an unsupported mnemonic")
	}
	if len(d.block().Nodes) != nodesBefore {
		t.Fatalf("expected no IR to be emitted for a translation failure, block grew from %d to %d nodes", nodesBefore, len(d.block().Nodes))
	}
}

// ADD EAX, EBX; JE +5 with EAX=1, EBX=0xFFFFFFFF wraps the sum to zero, so
// ZF is set and JE must branch. dst==src ("1 == 0xFFFFFFFF") is false, so the
// fast path must zero-test the ADD's result rather than compare dst/src
// directly, or this takes the wrong branch.
func TestFlagElisionFastPath_AddZeroTestsResultNotOperands(t *testing.T) {
	bytes := []byte{0x01, 0xD8, 0x74, 0x05} // ADD EAX, EBX; JE +5
	addOp := decodeOne(t, 0x2000, bytes)
	jccOp := decodeOne(t, 0x2000+uint64(addOp.InstSize), bytes[addOp.InstSize:])

	d := newTestDispatcher()
	fallPC := jccOp.PC + uint64(jccOp.InstSize)
	takenPC, _ := branchTargets(jccOp)
	d.BeginFunction(0x2000, []uint64{0x2000, fallPC, takenPC})

	if err := d.Dispatch(addOp); err != nil {
		t.Fatalf("dispatch ADD: %v", err)
	}
	if !d.haveFlag || d.lastFlag.kind != ir.ALUAdd {
		t.Fatalf("expected an ALUAdd flag record after ADD")
	}
	wantResult := d.lastFlag.result

	if err := d.Dispatch(jccOp); err != nil {
		t.Fatalf("dispatch JE: %v", err)
	}
	blk := d.block()
	condNode := blk.Node(blk.CondArg)
	if condNode.Op != ir.OpCmpEQ {
		t.Fatalf("expected CmpEQ condition, got %v", condNode.Op)
	}
	if condNode.Args[0] != wantResult {
		t.Fatalf("expected the condition to zero-test the ADD's result (ref %v), got ref %v compared", wantResult, condNode.Args[0])
	}
	zeroNode := blk.Node(condNode.Args[1])
	if zeroNode.Op != ir.OpConstant || zeroNode.Imm != 0 {
		t.Fatalf("expected the condition's second operand to be the constant zero, got %+v", zeroNode)
	}
}

// TEST EAX, EBX; JE +5 with EAX==EBX==5 computes AND=5, a nonzero result, so
// ZF is clear and JE must not branch. dst==src ("5 == 5") is true, so the
// fast path must zero-test TEST's computed AND result rather than compare
// dst/src directly, or this takes a branch that must not be taken.
func TestFlagElisionFastPath_TestZeroTestsResultNotOperands(t *testing.T) {
	bytes := []byte{0x85, 0xD8, 0x74, 0x05} // TEST EAX, EBX; JE +5
	testOp := decodeOne(t, 0x3000, bytes)
	jccOp := decodeOne(t, 0x3000+uint64(testOp.InstSize), bytes[testOp.InstSize:])

	d := newTestDispatcher()
	fallPC := jccOp.PC + uint64(jccOp.InstSize)
	takenPC, _ := branchTargets(jccOp)
	d.BeginFunction(0x3000, []uint64{0x3000, fallPC, takenPC})

	if err := d.Dispatch(testOp); err != nil {
		t.Fatalf("dispatch TEST: %v", err)
	}
	if !d.haveFlag || d.lastFlag.kind != ir.ALUTest {
		t.Fatalf("expected an ALUTest flag record after TEST")
	}
	wantResult := d.lastFlag.result

	if err := d.Dispatch(jccOp); err != nil {
		t.Fatalf("dispatch JE: %v", err)
	}
	blk := d.block()
	condNode := blk.Node(blk.CondArg)
	if condNode.Op != ir.OpCmpEQ {
		t.Fatalf("expected CmpEQ condition, got %v", condNode.Op)
	}
	if condNode.Args[0] != wantResult {
		t.Fatalf("expected the condition to zero-test TEST's AND result (ref %v), not its dst/src operands", wantResult)
	}
}
