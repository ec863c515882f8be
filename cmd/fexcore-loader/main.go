// Command fexcore-loader is a minimal harness that exercises the
// translation core end to end: it loads a flat guest code blob, decodes
// and dispatches it into an IR unit, and prints the resulting block count,
// in the style of the teacher's own std/compiler/main.go argv-parsing
// driver (a hand-rolled option loop, no flag library).
package main

import (
	"fmt"
	"os"

	"github.com/fexcore/fexcore-go/internal/aotcache"
	"github.com/fexcore/fexcore-go/internal/config"
	"github.com/fexcore/fexcore-go/internal/cpustate"
	"github.com/fexcore/fexcore-go/internal/decoder"
	"github.com/fexcore/fexcore-go/internal/dispatcher"
	"github.com/fexcore/fexcore-go/internal/fexlog"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-rootfs path] [-32] [-entry pc] <flat-code-blob>\n", os.Args[0])
		os.Exit(1)
	}

	cfg := config.Default()
	entry := uint64(0)
	var blobPath string

	i := 1
	for i < len(os.Args) {
		switch {
		case os.Args[i] == "-rootfs" && i+1 < len(os.Args):
			cfg.RootFS = os.Args[i+1]
			i += 2
		case os.Args[i] == "-32":
			cfg.Is64BitMode = false
			i++
		case os.Args[i] == "-entry" && i+1 < len(os.Args):
			v, err := parseHexOrDec(os.Args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: invalid -entry value: %v\n", os.Args[0], err)
				os.Exit(1)
			}
			entry = v
			i += 2
		default:
			blobPath = os.Args[i]
			i++
		}
	}
	if blobPath == "" {
		fmt.Fprintf(os.Stderr, "%s: missing guest code blob path\n", os.Args[0])
		os.Exit(1)
	}

	code, err := os.ReadFile(blobPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: reading %q: %v\n", os.Args[0], blobPath, err)
		os.Exit(1)
	}

	log := fexlog.Default.WithPrefix("loader")
	mode := decoder.Mode64
	if !cfg.Is64BitMode {
		mode = decoder.Mode32
	}

	d := dispatcher.New(cfg, &cpustate.DefaultLayout)
	d.BeginFunction(entry, []uint64{entry})

	pc := entry
	for int(pc-entry) < len(code) {
		op, err := decoder.Decode(pc, code[pc-entry:], mode)
		if err != nil {
			log.Debugf("decode failed at pc=%#x: %v", pc, err)
			break
		}
		if err := d.Dispatch(op); err != nil {
			log.Debugf("dispatch failed at pc=%#x: %v", pc, err)
			break
		}
		pc += uint64(op.InstSize)
		if d.Function().Block(0).Sealed {
			break
		}
	}

	fn := d.Function()
	fmt.Printf("translated %d block(s) from %q starting at pc=%#x\n", len(fn.Blocks), blobPath, entry)

	cacheDir := os.Getenv("FEX_DATA")
	if cacheDir == "" {
		cacheDir = "."
	}
	store := aotcache.New(cacheDir)
	abiLocalFlags := uint32(0)
	if cfg.ABILocalFlags {
		abiLocalFlags = 1
	}
	configID := aotcache.ComputeConfigID(aotcache.CodeGenOptions{
		TSOEnabled:            cfg.TSOEnabled,
		ParanoidTSO:           cfg.ParanoidTSO,
		HalfBarrierTSOEnabled: cfg.HalfBarrierTSOEnabled,
		ABILocalFlags:         abiLocalFlags,
		Is64BitMode:           cfg.Is64BitMode,
		Multiblock:            cfg.Multiblock,
	})
	if err := store.StoreData(fileIDFor(blobPath), configID, []*aotcache.Entry{{EntryPC: entry, Func: fn}}); err != nil {
		log.Warnf("failed to persist AOT cache entry: %v", err)
	}
}

func fileIDFor(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()
	store := aotcache.New(".")
	id, err := store.ComputeCodeMapID(path, int(f.Fd()))
	if err != nil {
		return "unknown"
	}
	return id
}

func parseHexOrDec(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}
	_, err = fmt.Sscanf(s, "%d", &v)
	return v, err
}
