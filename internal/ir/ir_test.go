package ir

import "testing"

func TestBeginFunctionRegistersBlocks(t *testing.T) {
	f := BeginFunction(0x1000, []uint64{0x1000, 0x1010, 0x1020})
	if len(f.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(f.Blocks))
	}
	id, ok := f.BlockAt(0x1010)
	if !ok {
		t.Fatalf("expected 0x1010 to be a known block entry")
	}
	if f.Block(id).EntryPC != 0x1010 {
		t.Fatalf("block entry PC mismatch")
	}
}

func TestAppendRefsAreOneBased(t *testing.T) {
	b := &Block{}
	r1 := b.Append(Node{Op: OpConstant, Imm: 1})
	r2 := b.Append(Node{Op: OpConstant, Imm: 2})
	if r1 == NoRef || r2 == NoRef {
		t.Fatalf("valid refs must never equal NoRef")
	}
	if b.Node(r1).Imm != 1 || b.Node(r2).Imm != 2 {
		t.Fatalf("node resolution mismatch")
	}
}

func TestAppendPanicsOnSealedBlock(t *testing.T) {
	b := &Block{Sealed: true}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic appending to a sealed block")
		}
	}()
	b.Append(Node{Op: OpConstant})
}

func TestFinalizeClosesOpenBlocks(t *testing.T) {
	f := BeginFunction(0x2000, []uint64{0x2000})
	f.Finalize()
	blk := f.Block(0)
	if !blk.Sealed {
		t.Fatalf("expected block to be sealed after Finalize")
	}
	if blk.Term != OpExitFunction || blk.ExitPC != 0x2000 {
		t.Fatalf("expected fallback ExitFunction to own entry PC")
	}
}

func TestSynthesizeExitBlockIsSealed(t *testing.T) {
	f := BeginFunction(0x3000, []uint64{0x3000})
	id := f.SynthesizeExitBlock(0x4000)
	blk := f.Block(id)
	if !blk.Sealed || blk.Term != OpExitFunction || blk.ExitPC != 0x4000 {
		t.Fatalf("synthesized exit block malformed: %+v", blk)
	}
}
