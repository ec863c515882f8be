package redirect

import "testing"

type fakeCPUInfo struct{ text string }

func (f fakeCPUInfo) CPUInfoText() string { return f.text }

func newTestRedirector(rootFS string) *Redirector {
	return New(rootFS, "/opt/guest/bin/app", 4242, []string{"app", "-x"},
		fakeCPUInfo{text: "vendor_id\t: GenuineIntel\n"},
		KernelInfo{OSRelease: "5.15.0", Version: "Linux version 5.15.0 (fex)", NumCPUs: 4})
}

func TestResolve_RejectsRelativePaths(t *testing.T) {
	r := newTestRedirector("/rootfs")
	if _, err := r.Resolve("relative/path"); err == nil {
		t.Fatalf("expected an error for a non-absolute guest path")
	}
}

// TestResolve_RootFSOverlayPrependsPrefix verifies a plain absolute guest
// path resolves inside the overlay root (spec §4.5 "prepends the RootFS to
// absolute guest paths").
func TestResolve_RootFSOverlayPrependsPrefix(t *testing.T) {
	r := newTestRedirector("/rootfs")
	res, err := r.Resolve("/usr/lib/libc.so.6")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindRootFS || res.HostPath != "/rootfs/usr/lib/libc.so.6" {
		t.Fatalf("expected RootFS overlay resolution, got %+v", res)
	}
}

// TestResolve_StripsAlreadyRootedPrefix verifies a guest path that already
// carries the RootFS prefix (e.g. round-tripped through a prior readlink)
// is not doubled (spec §4.5 "strips a configured RootFS prefix... to avoid
// leaking host paths").
func TestResolve_StripsAlreadyRootedPrefix(t *testing.T) {
	r := newTestRedirector("/rootfs")
	res, err := r.Resolve("/rootfs/usr/lib/libc.so.6")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.HostPath != "/rootfs/usr/lib/libc.so.6" {
		t.Fatalf("expected the prefix not to be doubled, got %q", res.HostPath)
	}
}

// TestResolve_NoRootFSPassesThrough verifies the "no RootFS overlay"
// baseline configuration resolves straight to the host filesystem.
func TestResolve_NoRootFSPassesThrough(t *testing.T) {
	r := newTestRedirector("")
	res, err := r.Resolve("/etc/hosts")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindHostFS || res.HostPath != "/etc/hosts" {
		t.Fatalf("expected an unmodified host-fs resolution, got %+v", res)
	}
}

// TestResolve_ExePathsRedirectToGuestExecutable covers /proc/self/exe,
// /proc/thread-self/exe, and /proc/<pid>/exe (spec §4.5).
func TestResolve_ExePathsRedirectToGuestExecutable(t *testing.T) {
	r := newTestRedirector("/rootfs")
	for _, p := range []string{"/proc/self/exe", "/proc/thread-self/exe", "/proc/4242/exe"} {
		res, err := r.Resolve(p)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", p, err)
		}
		if res.Kind != KindHostFS || res.HostPath != "/opt/guest/bin/app" {
			t.Fatalf("Resolve(%q) = %+v, want guest executable path", p, res)
		}
	}
}

// TestResolve_ThunkOverlayWinsOverRootFS verifies the ordering rule: thunk
// overlay > RootFS overlay > host filesystem (spec §4.5).
func TestResolve_ThunkOverlayWinsOverRootFS(t *testing.T) {
	r := newTestRedirector("/rootfs")
	r.RegisterThunk("libGLESv2.so", "/opt/fex-thunks/libGLESv2.so")

	res, err := r.Resolve("/usr/lib/libGLESv2.so")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindThunk || res.HostPath != "/opt/fex-thunks/libGLESv2.so" {
		t.Fatalf("expected the thunk overlay to win, got %+v", res)
	}
}

// TestResolve_SynthesizedPathsTakeHighestPrecedence verifies the
// /proc/cpuinfo-style interception applies even over a registered thunk of
// the same basename.
func TestResolve_SynthesizedPathsTakeHighestPrecedence(t *testing.T) {
	r := newTestRedirector("/rootfs")
	r.RegisterThunk("cpuinfo", "/opt/fex-thunks/cpuinfo")
	res, err := r.Resolve("/proc/cpuinfo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindSynthesized || res.Synth != SynthCPUInfo {
		t.Fatalf("expected a synthesized cpuinfo resolution, got %+v", res)
	}
}

func TestContent_CPUInfoDelegatesToSource(t *testing.T) {
	r := newTestRedirector("/rootfs")
	b, err := r.Content(SynthCPUInfo, nil)
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(b) != "vendor_id\t: GenuineIntel\n" {
		t.Fatalf("unexpected cpuinfo content: %q", b)
	}
}

func TestContent_CPUOnlinePresentRenderAsRange(t *testing.T) {
	r := newTestRedirector("/rootfs")
	b, err := r.Content(SynthCPUOnline, nil)
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(b) != "0-3\n" {
		t.Fatalf("expected \"0-3\\n\" for 4 CPUs, got %q", b)
	}
}

func TestContent_SelfCmdlineNULSeparated(t *testing.T) {
	r := newTestRedirector("/rootfs")
	b, err := r.Content(SynthSelfCmdline, nil)
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(b) != "app\x00-x\x00" {
		t.Fatalf("expected NUL-separated argv, got %q", b)
	}
}

func TestContent_SelfAuxvEncodesAndTerminates(t *testing.T) {
	r := newTestRedirector("/rootfs")
	b, err := r.Content(SynthSelfAuxv, []AuxEntry{{Type: 6, Value: 0x1000}})
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if len(b) != 32 {
		t.Fatalf("expected one entry plus AT_NULL terminator (32 bytes), got %d", len(b))
	}
	for i := 16; i < 32; i++ {
		if b[i] != 0 {
			t.Fatalf("expected the AT_NULL terminator pair to be all zero, got byte %d = %d", i, b[i])
		}
	}
}
