package decoder

// Mnemonic names the decoded operation the OpDispatcher must lower. It is
// deliberately coarser than a full ISA reference mnemonic list: the
// decoder's job is to hand the dispatcher enough structure (table,
// primary, sub, prefixes, operands) to select a handler, and Mnemonic is
// that handler-selection key, matching spec §9's "(table, opcode, sub)"
// guidance: a dense enum value rather than a macro-built composite key.
type Mnemonic int

const (
	MnUndefined Mnemonic = iota

	MnNop
	MnMovRM
	MnMovMR
	MnMovImm
	MnLea

	MnAdd
	MnOr
	MnAdc
	MnSbb
	MnAnd
	MnSub
	MnXor
	MnCmp
	MnTest

	MnInc
	MnDec
	MnNot
	MnNeg
	MnMul
	MnImul
	MnDiv
	MnIdiv

	MnPush
	MnPop

	MnShl
	MnShr
	MnSar
	MnRol
	MnRor
	MnRcl
	MnRcr
	MnShld
	MnShrd

	MnJmpRel
	MnJmpIndirect
	MnJcc
	MnCallRel
	MnCallIndirect
	MnRet
	MnLoop
	MnLoopE
	MnLoopNE
	MnJcxz

	MnXchg
	MnCmpxchg
	MnCmpxchg8b
	MnCmpxchg16b
	MnXadd

	MnMovsx
	MnMovzx

	MnMovs
	MnStos
	MnCmps
	MnScas
	MnLods

	MnPushf
	MnPopf
	MnLahf
	MnSahf
	MnIret

	MnFld
	MnFst
	MnFcomi
	MnFucomi

	MnMovss
	MnMovsd
	MnAddps
	MnMulps
	MnCmpeqps

	MnCpuid
	MnSyscall
	MnInt
	MnRdtsc
	MnThunk
	MnUd2

	MnBswap
)
