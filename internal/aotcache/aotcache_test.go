package aotcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fexcore/fexcore-go/internal/ir"
)

func TestComputeConfigID_DiffersAcrossOptions(t *testing.T) {
	a := ComputeConfigID(CodeGenOptions{TSOEnabled: true})
	b := ComputeConfigID(CodeGenOptions{TSOEnabled: false})
	if a == b {
		t.Fatalf("expected distinct configids for differing TSOEnabled, got %q for both", a)
	}
}

func TestComputeConfigID_StableForSameOptions(t *testing.T) {
	opts := CodeGenOptions{TSOEnabled: true, Multiblock: true, ABILocalFlags: 3}
	a := ComputeConfigID(opts)
	b := ComputeConfigID(opts)
	if a != b {
		t.Fatalf("expected a stable configid for identical options, got %q vs %q", a, b)
	}
}

func TestLoadData_MissingFileIsNotAnError(t *testing.T) {
	s := New(t.TempDir())
	entries, err := s.LoadData("deadbeef", "cafef00d")
	if err != nil {
		t.Fatalf("expected a missing cache file to be treated as empty, got %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries, got %v", entries)
	}
}

func TestStoreThenLoadData_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	fn := ir.BeginFunction(0x401000, []uint64{0x401000})
	entries := []*Entry{{EntryPC: 0x401000, Func: fn}}

	if err := s.StoreData("fileid", "configid", entries); err != nil {
		t.Fatalf("StoreData: %v", err)
	}

	got, err := s.LoadData("fileid", "configid")
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if len(got) != 1 || got[0].EntryPC != 0x401000 {
		t.Fatalf("expected the round-tripped entry to preserve EntryPC, got %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "cache", "fileid-configid.aotir")); err != nil {
		t.Fatalf("expected the cache file to exist at the documented layout path: %v", err)
	}
}

func TestComputeCodeMapID_SameContentSameID(t *testing.T) {
	s := New(t.TempDir())
	f, err := os.CreateTemp(t.TempDir(), "bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("guest executable bytes"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	id, err := s.ComputeCodeMapID(f.Name(), int(f.Fd()))
	if err != nil {
		t.Fatalf("ComputeCodeMapID: %v", err)
	}
	if len(id) != 16 {
		t.Fatalf("expected a 16-hex-char id, got %q", id)
	}

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	again, err := s.ComputeCodeMapID(f.Name(), int(f.Fd()))
	if err != nil {
		t.Fatalf("ComputeCodeMapID (second call): %v", err)
	}
	if again != id {
		t.Fatalf("expected the same content to give the same id, got %q then %q", id, again)
	}
}
