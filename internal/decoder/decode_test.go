package decoder

import "testing"

// Scenario A (spec §8.A): MOV EAX, [RBP-8]; CMP EAX, 0; JE +5.
func TestScenarioA_MovCmpJcc(t *testing.T) {
	bytes1 := []byte{0x8B, 0x45, 0xF8, 0x83, 0xF8, 0x00, 0x74, 0x05}

	op1, err := Decode(0x1000, bytes1, Mode64)
	if err != nil {
		t.Fatalf("decode MOV: %v", err)
	}
	if op1.InstSize != 3 {
		t.Fatalf("expected MOV to consume 3 bytes, got %d", op1.InstSize)
	}
	if op1.Mnemonic != MnMovRM {
		t.Fatalf("expected MovRM, got %v", op1.Mnemonic)
	}
	if op1.Dest.Kind != OperandGPR || op1.Dest.Reg != 0 {
		t.Fatalf("expected dest EAX, got %+v", op1.Dest)
	}
	if op1.Src[0].Kind != OperandMemIndirect || op1.Src[0].BaseReg != 5 || op1.Src[0].Disp != -8 {
		t.Fatalf("expected src [RBP-8], got %+v", op1.Src[0])
	}

	off2 := int(op1.InstSize)
	op2, err := Decode(0x1000+uint64(off2), bytes1[off2:], Mode64)
	if err != nil {
		t.Fatalf("decode CMP: %v", err)
	}
	if op2.InstSize != 3 {
		t.Fatalf("expected CMP to consume 3 bytes, got %d", op2.InstSize)
	}
	if op2.Mnemonic != MnCmp {
		t.Fatalf("expected Cmp, got %v", op2.Mnemonic)
	}
	if op2.Src[1].Kind != OperandImmediate || op2.Src[1].Imm != 0 {
		t.Fatalf("expected immediate 0, got %+v", op2.Src[1])
	}

	off3 := off2 + int(op2.InstSize)
	op3, err := Decode(0x1000+uint64(off3), bytes1[off3:], Mode64)
	if err != nil {
		t.Fatalf("decode JE: %v", err)
	}
	if op3.InstSize != 2 {
		t.Fatalf("expected JE to consume 2 bytes, got %d", op3.InstSize)
	}
	if op3.Mnemonic != MnJcc {
		t.Fatalf("expected Jcc, got %v", op3.Mnemonic)
	}
	if op3.Src[0].Imm != 5 {
		t.Fatalf("expected rel8 +5, got %+v", op3.Src[0])
	}

	total := off3 + int(op3.InstSize)
	if total != 8 {
		t.Fatalf("expected total instruction stream length 8, got %d (no gap/overlap property)", total)
	}
}

// Scenario B (spec §8.B): SHL EAX, CL.
func TestScenarioB_ShiftMaskedCount(t *testing.T) {
	op, err := Decode(0x2000, []byte{0xD3, 0xE0}, Mode64)
	if err != nil {
		t.Fatalf("decode SHL: %v", err)
	}
	if op.Mnemonic != MnShl {
		t.Fatalf("expected Shl, got %v", op.Mnemonic)
	}
	if op.Dest.Kind != OperandGPR || op.Dest.Reg != 0 {
		t.Fatalf("expected dest EAX, got %+v", op.Dest)
	}
	if op.InstSize != 2 {
		t.Fatalf("expected 2 bytes consumed, got %d", op.InstSize)
	}
}

// Scenario C (spec §8.C): XCHG EAX, EAX aka NOP.
func TestScenarioC_CanonicalNop(t *testing.T) {
	op, err := Decode(0x3000, []byte{0x90}, Mode64)
	if err != nil {
		t.Fatalf("decode NOP: %v", err)
	}
	if op.Mnemonic != MnNop {
		t.Fatalf("expected Nop for bare 0x90, got %v", op.Mnemonic)
	}
}

func TestScenarioC_REXBMakesXchgNotNop(t *testing.T) {
	// REX.B (0x41) + 0x90 is XCHG r8d, eax, not NOP.
	op, err := Decode(0x3000, []byte{0x41, 0x90}, Mode64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.Mnemonic != MnXchg {
		t.Fatalf("expected Xchg with REX.B present, got %v", op.Mnemonic)
	}
}

// Scenario D (spec §8.D): LOCK CMPXCHG [RDI], ECX.
func TestScenarioD_LockCmpxchg(t *testing.T) {
	op, err := Decode(0x4000, []byte{0xF0, 0x0F, 0xB1, 0x0F}, Mode64)
	if err != nil {
		t.Fatalf("decode LOCK CMPXCHG: %v", err)
	}
	if op.Mnemonic != MnCmpxchg {
		t.Fatalf("expected Cmpxchg, got %v", op.Mnemonic)
	}
	if op.Prefixes&PfxLock == 0 {
		t.Fatalf("expected LOCK prefix recorded")
	}
	if op.Dest.Kind != OperandMemDirect && op.Dest.Kind != OperandMemIndirect {
		t.Fatalf("expected memory destination, got %+v", op.Dest)
	}
	if op.Dest.BaseReg != 7 { // RDI
		t.Fatalf("expected [RDI], got base reg %d", op.Dest.BaseReg)
	}
	if op.Src[0].Kind != OperandGPR || op.Src[0].Reg != 1 { // ECX
		t.Fatalf("expected src ECX, got %+v", op.Src[0])
	}
	if op.InstSize != 4 {
		t.Fatalf("expected 4 bytes consumed, got %d", op.InstSize)
	}
}

func TestTruncatedInstructionFails(t *testing.T) {
	_, err := Decode(0x5000, []byte{0x8B}, Mode64)
	if err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestUndefinedOpcodeFails(t *testing.T) {
	_, err := Decode(0x6000, []byte{0x0F, 0x04}, Mode64) // reserved 0F 04
	if err == nil {
		t.Fatalf("expected undefined-opcode error")
	}
}

func TestRexMustImmediatelyPrecedeOpcode(t *testing.T) {
	// REX (0x48) followed by a legacy prefix (0x66) then the opcode: the
	// REX no longer "immediately precedes" the opcode and is void as a
	// REX (consumed as if it were a stray prefix byte sequence boundary).
	// The first decode checks that REX.W *does* apply when genuinely
	// adjacent; the second, that a 66 between REX and opcode voids it.
	op, err := Decode(0x7000, []byte{0x48, 0x89, 0xC0}, Mode64) // REX.W MOV RAX, RAX
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.Dest.Size != 8 {
		t.Fatalf("expected 64-bit operand size under REX.W, got %d", op.Dest.Size)
	}

	op, err = Decode(0x7000, []byte{0x48, 0x66, 0x89, 0xC0}, Mode64) // REX.W, 66, MOV
	if err != nil {
		t.Fatalf("decode with a prefix after REX: %v", err)
	}
	if op.Dest.Size != 2 {
		t.Fatalf("expected the REX voided and a 16-bit operand size from 66, got %d", op.Dest.Size)
	}
}
