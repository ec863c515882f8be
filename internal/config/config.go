// Package config holds the static configuration struct the core reads once
// at init, per spec §6. Parsing is a small hand-rolled argv/env walker in
// the style of the teacher's main.go argument loop rather than a flag
// library, since the option set is small and closed.
package config

import (
	"strconv"

	"github.com/pkg/errors"
)

// UnalignedHandler selects how the dispatcher handles unaligned atomic
// accesses when the host lacks hardware TSO (spec §5).
type UnalignedHandler int

const (
	NonAtomic UnalignedHandler = iota
	HalfBarrier
	Paranoid
)

func (h UnalignedHandler) String() string {
	switch h {
	case NonAtomic:
		return "NonAtomic"
	case HalfBarrier:
		return "HalfBarrier"
	case Paranoid:
		return "Paranoid"
	default:
		return "Unknown"
	}
}

// Config is the static configuration struct consumed by the dispatcher,
// tracker and redirector. It is read once at init and never mutated after
// that; components that need it take a *Config (or the derived
// UnalignedHandler/ABI fields) explicitly rather than through a global.
type Config struct {
	// TSOEnabled requests hardware TSO; if the host doesn't support it the
	// dispatcher falls back to explicit barriers per HalfBarrierTSOEnabled
	// / ParanoidTSO.
	TSOEnabled bool
	// ParanoidTSO selects the Paranoid unaligned-access handler.
	ParanoidTSO bool
	// HalfBarrierTSOEnabled selects the HalfBarrier unaligned-access handler.
	HalfBarrierTSOEnabled bool
	// ABILocalFlags allows flag invalidation across CALL/RET (SysV AMD64
	// ABI does not preserve flags across calls).
	ABILocalFlags bool
	// Is64BitMode picks operand-size and syscall conventions.
	Is64BitMode bool
	// Multiblock allows the dispatcher to form multi-block IR units;
	// otherwise every block terminates with ExitFunction.
	Multiblock bool
	// RootFS is the overlay root for the File Redirector.
	RootFS string
}

// Handler derives the configured UnalignedHandler from the three TSO
// booleans. Paranoid takes priority over HalfBarrier, which takes priority
// over plain TSO/NonAtomic, mirroring the source's layered fallback.
func (c *Config) Handler() UnalignedHandler {
	switch {
	case c.ParanoidTSO:
		return Paranoid
	case c.HalfBarrierTSOEnabled:
		return HalfBarrier
	default:
		return NonAtomic
	}
}

// Default returns the zero-value-safe default configuration: 64-bit mode,
// multiblock translation enabled, no RootFS overlay.
func Default() *Config {
	return &Config{
		Is64BitMode: true,
		Multiblock:  true,
	}
}

// ParseEnv parses a small "KEY=VALUE" option list (as produced by splitting
// an env-var or config-file line) into a Config seeded from Default(). It
// is deliberately not a general-purpose flag parser: the recognized key set
// is exactly the seven options in spec §6.
func ParseEnv(pairs []string) (*Config, error) {
	cfg := Default()
	for _, p := range pairs {
		key, val, ok := splitPair(p)
		if !ok {
			return nil, errors.Errorf("config: malformed option %q, expected KEY=VALUE", p)
		}
		var err error
		switch key {
		case "TSOEnabled":
			cfg.TSOEnabled, err = parseBool(val)
		case "ParanoidTSO":
			cfg.ParanoidTSO, err = parseBool(val)
		case "HalfBarrierTSOEnabled":
			cfg.HalfBarrierTSOEnabled, err = parseBool(val)
		case "ABILocalFlags":
			cfg.ABILocalFlags, err = parseBool(val)
		case "Is64BitMode":
			cfg.Is64BitMode, err = parseBool(val)
		case "Multiblock":
			cfg.Multiblock, err = parseBool(val)
		case "RootFS":
			cfg.RootFS = val
		default:
			return nil, errors.Errorf("config: unrecognized option %q", key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "config: option %q", key)
		}
	}
	return cfg, nil
}

func splitPair(s string) (key, val string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func parseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid boolean %q", s)
	}
	return b, nil
}
