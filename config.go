package prelink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
)

const DefaultCachePath = "/etc/prelink.cache.json"

var DefaultLibraryPaths = []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}

// Config controls one run.
type Config struct {
	// MmapBase and MmapEnd replace the architecture's window when nonzero.
	MmapBase uint64
	MmapEnd  uint64

	Random bool
	Seed   *uint64

	ConserveMemory bool
	ExecShield     bool

	CachePath    string
	LibraryPaths []string

	DryRun  bool
	Verbose bool
}

// ConfigFromEnv returns the defaults, overridden by the PRELINK_*
// environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Random:         env.Bool("PRELINK_RANDOM"),
		ConserveMemory: env.Bool("PRELINK_CONSERVE_MEMORY"),
		ExecShield:     env.Bool("PRELINK_EXEC_SHIELD"),
		Verbose:        env.Bool("PRELINK_VERBOSE"),
		CachePath:      env.Str("PRELINK_CACHE", DefaultCachePath),
		LibraryPaths:   DefaultLibraryPaths,
	}
	if env.Has("PRELINK_LIBRARY_PATH") {
		cfg.LibraryPaths = nil
		for _, dir := range strings.Split(env.Str("PRELINK_LIBRARY_PATH"), ":") {
			if dir != "" {
				cfg.LibraryPaths = append(cfg.LibraryPaths, dir)
			}
		}
	}

	var err error
	if cfg.MmapBase, err = envAddr("PRELINK_MMAP_BASE"); err != nil {
		return Config{}, err
	}
	if cfg.MmapEnd, err = envAddr("PRELINK_MMAP_END"); err != nil {
		return Config{}, err
	}
	if env.Has("PRELINK_SEED") {
		seed, err := ParseAddr(env.Str("PRELINK_SEED"))
		if err != nil {
			return Config{}, fmt.Errorf("PRELINK_SEED: %w", err)
		}
		cfg.Seed = &seed
		cfg.Random = true
	}
	return cfg, nil
}

func envAddr(name string) (uint64, error) {
	if !env.Has(name) {
		return 0, nil
	}
	v, err := ParseAddr(env.Str(name))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// ParseAddr accepts decimal, 0x hex and 0 octal numbers.
func ParseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	if c.MmapBase != 0 && c.MmapEnd != 0 && c.MmapBase >= c.MmapEnd {
		return fmt.Errorf("prelink: empty mmap window [%#x, %#x)", c.MmapBase, c.MmapEnd)
	}
	if c.Seed != nil && !c.Random {
		return fmt.Errorf("prelink: a seed only applies to randomized layouts")
	}
	return nil
}
