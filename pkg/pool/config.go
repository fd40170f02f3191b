package pool

import (
	"flag"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/registry"
)

// Config configures the allocator, its registry and the reclaimer.
type Config struct {
	InitialSlots  uint          `yaml:"initial_slots"`
	MaxSlots      uint          `yaml:"max_slots"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`

	FileDir      string `yaml:"file_dir"`
	ShmDir       string `yaml:"shm_dir"`
	DMAAlignment uint   `yaml:"dma_alignment"`
	GPUDevice    int    `yaml:"gpu_device"`

	// DisableReclaimer skips the background sweep. Reclaim can still be
	// driven by hand.
	DisableReclaimer bool `yaml:"disable_reclaimer"`
}

// DefaultConfig returns the configuration used when no flags are parsed.
func DefaultConfig() Config {
	return Config{
		InitialSlots:  registry.DefaultInitialSlots,
		MaxSlots:      registry.DefaultMaxSlots,
		SweepInterval: 100 * time.Millisecond,
		DMAAlignment:  4096,
	}
}

// RegisterFlags adds the flags required to configure the pool.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the pool flags to f, each name prefixed.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	if prefix != "" {
		prefix += "."
	}
	d := DefaultConfig()
	f.UintVar(&cfg.InitialSlots, prefix+"pool.initial-slots", d.InitialSlots, "Registry slots allocated up front and added on each growth.")
	f.UintVar(&cfg.MaxSlots, prefix+"pool.max-slots", d.MaxSlots, "Upper bound on registry slots.")
	f.DurationVar(&cfg.SweepInterval, prefix+"pool.sweep-interval", d.SweepInterval, "Pause between reclaimer sweeps.")
	f.DurationVar(&cfg.DefaultTTL, prefix+"pool.default-ttl", d.DefaultTTL, "Grace period applied to regions when they are drained.")
	f.StringVar(&cfg.FileDir, prefix+"pool.file-dir", d.FileDir, "Directory for file-backed regions. Empty uses the system temp dir.")
	f.StringVar(&cfg.ShmDir, prefix+"pool.shm-dir", d.ShmDir, "Directory for shared memory segments. Empty uses /dev/shm when present.")
	f.UintVar(&cfg.DMAAlignment, prefix+"pool.dma-alignment", d.DMAAlignment, "Alignment of DMA-capable regions in bytes.")
	f.IntVar(&cfg.GPUDevice, prefix+"pool.gpu-device", d.GPUDevice, "GPU device ordinal.")
}

// Validate checks the config for invalid values.
func (cfg *Config) Validate() error {
	if cfg.InitialSlots == 0 {
		return errors.New("pool.initial-slots must be greater than zero")
	}
	if cfg.MaxSlots < cfg.InitialSlots {
		return errors.Errorf("pool.max-slots (%d) is lower than pool.initial-slots (%d)", cfg.MaxSlots, cfg.InitialSlots)
	}
	if uint64(cfg.MaxSlots) > math.MaxUint32 {
		return errors.Errorf("pool.max-slots (%d) does not fit a 32-bit identity", cfg.MaxSlots)
	}
	if cfg.SweepInterval <= 0 && !cfg.DisableReclaimer {
		return errors.New("pool.sweep-interval must be positive")
	}
	if cfg.DefaultTTL < 0 {
		return errors.New("pool.default-ttl must not be negative")
	}
	if cfg.DMAAlignment == 0 || cfg.DMAAlignment&(cfg.DMAAlignment-1) != 0 {
		return errors.Errorf("pool.dma-alignment (%d) must be a power of two", cfg.DMAAlignment)
	}
	return nil
}
