package cpuid

import "testing"

func TestFixedBackendReportsBaselineFeatures(t *testing.T) {
	b := FixedBackend{Profile: DefaultFixedProfile}
	r := b.RunCPUID(LeafFeatures, 0)
	if !r.HasF1Edx(SSE2) {
		t.Fatalf("expected SSE2 in default fixed profile")
	}
	if r.HasF1Ecx(AVX) {
		t.Fatalf("did not expect AVX in baseline profile")
	}
}

func TestFixedBackendIgnoresOtherLeaves(t *testing.T) {
	b := FixedBackend{Profile: DefaultFixedProfile}
	r := b.RunCPUID(LeafVendor, 0)
	if r.EAX != 0 || r.EBX != 0 {
		t.Fatalf("expected zeroed result for unmodeled leaf, got %+v", r)
	}
}

func TestHostBackendVendorString(t *testing.T) {
	h := NewHostBackend()
	r := h.RunCPUID(LeafVendor, 0)
	var b [12]byte
	putLE(b[0:4], r.EBX)
	putLE(b[4:8], r.EDX)
	putLE(b[8:12], r.ECX)
	if string(b[:]) != "GenuineIntel" {
		t.Fatalf("expected GenuineIntel vendor string, got %q", b[:])
	}
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestHostBackendBrandStringRoundTrip(t *testing.T) {
	h := NewHostBackend()
	var out []byte
	for chunk := 0; chunk < 3; chunk++ {
		r := h.RunCPUID(Leaf(int(LeafBrandString0)+chunk), 0)
		var b [16]byte
		putLE(b[0:4], r.EAX)
		putLE(b[4:8], r.EBX)
		putLE(b[8:12], r.ECX)
		putLE(b[12:16], r.EDX)
		out = append(out, b[:]...)
	}
	got := string(out[:len(h.BrandString)])
	if got != h.BrandString {
		t.Fatalf("expected brand string %q, got %q", h.BrandString, got)
	}
}

func TestFeatureStringer(t *testing.T) {
	if SSE2.String() != "sse2" {
		t.Fatalf("expected sse2, got %s", SSE2.String())
	}
	if F1Edx(31).String() != "bit31" {
		t.Fatalf("expected fallback name for unmapped bit, got %s", F1Edx(31).String())
	}
}
