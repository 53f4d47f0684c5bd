package alloc

import (
	"os"
	"strconv"
)

// Option configures a Map or a Pool
type Option = func(*config)

type config struct {
	leafBits      int
	poolLevel0Cap int
	poolLevelNCap int
	poolReserved  int
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("SNAPSTORE_ALLOC_LEAFBITS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.leafBits = val
		}
	}
	if cfg.leafBits <= 0 {
		cfg.leafBits = 4096
	}
	if env := os.Getenv("SNAPSTORE_ALLOC_POOLLEVEL0"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.poolLevel0Cap = val
		}
	}
	if cfg.poolLevel0Cap <= 0 {
		cfg.poolLevel0Cap = 64
	}
	if env := os.Getenv("SNAPSTORE_ALLOC_POOLLEVELN"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.poolLevelNCap = val
		}
	}
	if cfg.poolLevelNCap <= 0 {
		cfg.poolLevelNCap = 4
	}
	if env := os.Getenv("SNAPSTORE_ALLOC_POOLRESERVED"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.poolReserved = val
		}
	}
	if cfg.poolReserved <= 0 {
		cfg.poolReserved = 32
	}
	for _, opt := range opts {
		opt(cfg)
	}
	// Level 8 entries must never straddle two leaves.
	const unit = 1 << (Levels - 1)
	if cfg.leafBits < unit {
		cfg.leafBits = unit
	}
	if rem := cfg.leafBits % unit; rem != 0 {
		cfg.leafBits += unit - rem
	}
	if cfg.poolLevel0Cap < 1 {
		cfg.poolLevel0Cap = 1
	}
	if cfg.poolLevelNCap < 1 {
		cfg.poolLevelNCap = 1
	}
	if cfg.poolReserved < 0 {
		cfg.poolReserved = 0
	}
	if cfg.poolReserved > cfg.poolLevel0Cap {
		cfg.poolReserved = cfg.poolLevel0Cap
	}
	return cfg
}

// OptList returns a slice with the opts given; useful if you want to possibly
// append more options to the list before using it with NewMap(list...) or
// NewPool(list...).
func OptList(opts ...func(*config)) []func(*config) {
	return opts
}

// OptLeafBits sets the number of level-0 positions held by one map leaf.
// Defaults to env SNAPSTORE_ALLOC_LEAFBITS or 4096. Rounded up to a
// multiple of 256.
func OptLeafBits(bits int) func(*config) {
	return func(cfg *config) {
		cfg.leafBits = bits
	}
}

// OptPoolLevel0Capacity sets the number of level-0 units the pool caches.
// Defaults to env SNAPSTORE_ALLOC_POOLLEVEL0 or 64.
func OptPoolLevel0Capacity(units int) func(*config) {
	return func(cfg *config) {
		cfg.poolLevel0Cap = units
	}
}

// OptPoolLevelCapacity sets the per-level capacity for levels above 0.
// Defaults to env SNAPSTORE_ALLOC_POOLLEVELN or 4.
func OptPoolLevelCapacity(units int) func(*config) {
	return func(cfg *config) {
		cfg.poolLevelNCap = units
	}
}

// OptPoolReserved sets how many level-0 units the pool keeps back for
// AllocateReserved. Defaults to env SNAPSTORE_ALLOC_POOLRESERVED or 32.
func OptPoolReserved(units int) func(*config) {
	return func(cfg *config) {
		cfg.poolReserved = units
	}
}
