// Package redirect implements the File Redirector (spec §4.5): it presents
// a guest-consistent view of the filesystem by rewriting guest paths
// through a RootFS overlay, intercepting a handful of well-known
// /proc and /sys paths, and layering hash-identified thunk overlays on
// top, grounded on original_source/Source/Tools/LinuxEmulation/
// LinuxSyscalls/FileManagement.cpp's overlay-resolution order.
package redirect

import (
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Kind reports which overlay (if any) resolved a guest path.
type Kind int

const (
	// KindHostFS: the path resolves straight through, unmodified, to the
	// host filesystem (neither RootFS nor a thunk claimed it).
	KindHostFS Kind = iota
	// KindRootFS: the path was rewritten under the RootFS overlay root.
	KindRootFS
	// KindThunk: a registered thunk stub library answered the open.
	KindThunk
	// KindSynthesized: the path is one of the special /proc or /sys
	// entries the redirector fabricates in-memory content for.
	KindSynthesized
)

// Resolution is the redirector's answer for a single guest path.
type Resolution struct {
	Kind Kind
	// HostPath is the real filesystem path to open, valid for KindHostFS,
	// KindRootFS, and KindThunk.
	HostPath string
	// Synth names which synthesized file this is (SynthCPUInfo etc.),
	// valid for KindSynthesized.
	Synth SynthKind
}

// Redirector owns the RootFS prefix, the guest executable's identity (for
// /proc/self/exe and friends), and the thunk overlay table.
type Redirector struct {
	rootFS   string
	exePath  string
	pid      int
	cmdline  []string

	mu     sync.RWMutex
	thunks map[string]string // library soname -> host stub path

	cpuInfo CPUInfoSource
	kernel  KernelInfo
}

// CPUInfoSource synthesizes the architectural feature content
// /proc/cpuinfo reports; kept as an interface since internal/cpuid owns the
// actual leaf decoding (spec §6 "CPUID backend... used by the File
// Redirector to synthesize /proc/cpuinfo").
type CPUInfoSource interface {
	CPUInfoText() string
}

// KernelInfo supplies the synthesized kernel identity strings spec.md's
// expansion names (osrelease, version, online/present CPU masks).
type KernelInfo struct {
	OSRelease string // e.g. "5.15.0"
	Version   string // e.g. "Linux version 5.15.0 (fex) ..."
	NumCPUs   int
}

// New builds a Redirector. rootFS may be empty, disabling the RootFS
// overlay entirely (spec's "no RootFS overlay" baseline configuration).
func New(rootFS, exePath string, pid int, cmdline []string, cpuInfo CPUInfoSource, kernel KernelInfo) *Redirector {
	return &Redirector{
		rootFS:  rootFS,
		exePath: exePath,
		pid:     pid,
		cmdline: cmdline,
		thunks:  make(map[string]string),
		cpuInfo: cpuInfo,
		kernel:  kernel,
	}
}

// RegisterThunk installs a thunk overlay entry: subsequent opens of
// libraryName resolve to the stub at hostStubPath instead of the RootFS or
// host filesystem (spec §4.5 "hash-identified thunks register as virtual
// overlays").
func (r *Redirector) RegisterThunk(libraryName, hostStubPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thunks[libraryName] = hostStubPath
}

// Resolve maps a guest-visible path to its real source, honoring the
// overlay ordering: thunk overlay > RootFS overlay > host filesystem (spec
// §4.5).
func (r *Redirector) Resolve(guestPath string) (Resolution, error) {
	if !strings.HasPrefix(guestPath, "/") {
		return Resolution{}, errors.Errorf("redirect: path %q is not absolute", guestPath)
	}

	if synth, ok := r.matchSynthesized(guestPath); ok {
		return Resolution{Kind: KindSynthesized, Synth: synth}, nil
	}

	if exe, ok := r.matchExe(guestPath); ok {
		return Resolution{Kind: KindHostFS, HostPath: exe}, nil
	}

	r.mu.RLock()
	if stub, ok := r.thunks[path.Base(guestPath)]; ok {
		r.mu.RUnlock()
		return Resolution{Kind: KindThunk, HostPath: stub}, nil
	}
	r.mu.RUnlock()

	if r.rootFS == "" {
		return Resolution{Kind: KindHostFS, HostPath: guestPath}, nil
	}

	// A guest query that is already an absolute RootFS-rooted host path
	// (as can happen when a readlink result round-trips back in) must have
	// that prefix stripped before being re-prepended, so the guest never
	// observes its own RootFS being doubled or leaking a host path (spec
	// §4.5 "strips a configured RootFS prefix... to avoid leaking host
	// paths through readlink").
	trimmed := strings.TrimPrefix(guestPath, r.rootFS)
	return Resolution{Kind: KindRootFS, HostPath: path.Join(r.rootFS, trimmed)}, nil
}

func (r *Redirector) matchExe(guestPath string) (string, bool) {
	switch guestPath {
	case "/proc/self/exe", "/proc/thread-self/exe":
		return r.exePath, true
	}
	if r.pid != 0 && guestPath == "/proc/"+strconv.Itoa(r.pid)+"/exe" {
		return r.exePath, true
	}
	return "", false
}
