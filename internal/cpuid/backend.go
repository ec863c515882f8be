package cpuid

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// HostBackend answers CPUID queries from the feature bits golang.org/x/sys/cpu
// already detected at process start, repacked into the raw register layout
// a guest CPUID instruction expects. It does not shell out to an asm CPUID
// stub: x/sys/cpu's own init-time detection is the CPUID call, and
// resynthesizing the bits it already exposes keeps the dependency surface to
// one package instead of two.
type HostBackend struct {
	VendorString string
	BrandString  string
}

// NewHostBackend builds a HostBackend reporting the GenuineIntel vendor and
// a FEXCore brand string, so that guest brand-string probes see the
// translator, not the host silicon, the way FEXCore's real frontend always
// presents its own brand string regardless of host CPU.
func NewHostBackend() *HostBackend {
	return &HostBackend{
		VendorString: "GenuineIntel",
		BrandString:  "FEXCore Translated x86-64 Processor",
	}
}

func (h *HostBackend) RunCPUID(leaf Leaf, subleaf uint32) Result {
	switch leaf {
	case LeafVendor:
		ebx, edx, ecx := vendorRegisters(h.VendorString)
		return Result{EAX: 0x10, EBX: ebx, ECX: ecx, EDX: edx}
	case LeafFeatures:
		return Result{EAX: 0x000306A9, EBX: 0, ECX: uint32(f1Ecx()), EDX: uint32(f1Edx())}
	case LeafExtFeatures:
		if subleaf == 0 {
			return Result{EBX: uint32(f7_0Ebx())}
		}
		return Result{}
	case LeafExtendedFunc:
		return Result{EAX: uint32(LeafBrandString2)}
	case LeafExtendedProcs:
		return Result{}
	case LeafBrandString0, LeafBrandString1, LeafBrandString2:
		return brandRegisters(h.BrandString, int(leaf-LeafBrandString0))
	default:
		return Result{}
	}
}

func vendorRegisters(vendor string) (ebx, edx, ecx uint32) {
	var b [12]byte
	copy(b[:], vendor)
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), binary.LittleEndian.Uint32(b[8:12])
}

// brandRegisters packs 16 bytes of the brand string starting at chunk*16
// into EAX/EBX/ECX/EDX, as the three LeafBrandString* leaves require.
func brandRegisters(brand string, chunk int) Result {
	var b [48]byte
	copy(b[:], brand)
	off := chunk * 16
	if off+16 > len(b) {
		return Result{}
	}
	c := b[off : off+16]
	return Result{
		EAX: binary.LittleEndian.Uint32(c[0:4]),
		EBX: binary.LittleEndian.Uint32(c[4:8]),
		ECX: binary.LittleEndian.Uint32(c[8:12]),
		EDX: binary.LittleEndian.Uint32(c[12:16]),
	}
}

func f1Edx() F1Edx {
	var v uint32
	set := func(f F1Edx) { v |= 1 << uint32(f) }
	set(FPU)
	set(TSC)
	set(MSR)
	set(CMOV)
	set(MMX)
	set(FXSR)
	if cpu.X86.HasSSE2 {
		set(SSE)
		set(SSE2)
	}
	return F1Edx(v)
}

func f1Ecx() F1Ecx {
	var v uint32
	set := func(f F1Ecx) { v |= 1 << uint32(f) }
	if cpu.X86.HasSSE3 {
		set(SSE3)
	}
	if cpu.X86.HasPCLMULQDQ {
		set(PCLMUL)
	}
	if cpu.X86.HasSSSE3 {
		set(SSSE3)
	}
	if cpu.X86.HasSSE41 {
		set(SSE41)
	}
	if cpu.X86.HasSSE42 {
		set(SSE42)
	}
	if cpu.X86.HasPOPCNT {
		set(POPCNT)
	}
	if cpu.X86.HasAVX {
		set(AVX)
	}
	return F1Ecx(v)
}

func f7_0Ebx() F7_0Ebx {
	var v uint32
	set := func(f F7_0Ebx) { v |= 1 << uint32(f) }
	if cpu.X86.HasBMI1 {
		set(BMI1)
	}
	if cpu.X86.HasAVX2 {
		set(AVX2)
	}
	if cpu.X86.HasBMI2 {
		set(BMI2)
	}
	if cpu.X86.HasRDSEED {
		set(RDSEED)
	}
	return F7_0Ebx(v)
}

// FixedBackend reports a hardcoded, host-independent feature profile. The
// dispatcher's tests and any deployment wanting reproducible guest behavior
// across different host machines use this instead of HostBackend.
type FixedBackend struct {
	Profile Result
}

func (f FixedBackend) RunCPUID(leaf Leaf, subleaf uint32) Result {
	if leaf == LeafFeatures {
		return f.Profile
	}
	return Result{}
}

// DefaultFixedProfile matches a generic SSE2-baseline x86-64 guest, the
// minimum FEXCore's decoder and dispatcher assume is always present.
var DefaultFixedProfile = Result{
	EDX: 1<<uint32(FPU) | 1<<uint32(TSC) | 1<<uint32(CMOV) | 1<<uint32(MMX) |
		1<<uint32(FXSR) | 1<<uint32(SSE) | 1<<uint32(SSE2),
}
