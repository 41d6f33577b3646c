package cli

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/accord/internal/coord"
)

// configSchema constrains coordinator configuration files. Validation runs
// through CUE so a bad config fails with a precise message instead of a
// silently ignored field.
const configSchema = `
close({
	read_strategy?:   "snapshot" | "serialized"
	pool_readers?:    int & >=1 & <=64
	acquire_timeout?: string
	busy_timeout?:    string
	drain_timeout?:   string
})
`

// Config is the coordinator configuration loaded from YAML.
type Config struct {
	ReadStrategy   string `yaml:"read_strategy"`
	PoolReaders    int    `yaml:"pool_readers"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	BusyTimeout    string `yaml:"busy_timeout"`
	DrainTimeout   string `yaml:"drain_timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ReadStrategy: "snapshot",
		PoolReaders:  coord.DefaultReaderCount,
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateConfig(raw); err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ReadStrategy == "" {
		cfg.ReadStrategy = "snapshot"
	}
	if cfg.PoolReaders == 0 {
		cfg.PoolReaders = coord.DefaultReaderCount
	}
	return cfg, nil
}

// validateConfig unifies the raw document with the CUE schema.
func validateConfig(raw map[string]any) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	value := cctx.Encode(raw)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options converts the config into coordinator options.
func (c Config) Options() ([]coord.Option, error) {
	var opts []coord.Option

	switch c.ReadStrategy {
	case "", "snapshot":
		opts = append(opts, coord.WithSnapshotReads(c.PoolReaders))
	case "serialized":
		opts = append(opts, coord.WithSerializedReads())
	default:
		return nil, fmt.Errorf("unknown read_strategy %q", c.ReadStrategy)
	}

	for _, d := range []struct {
		value string
		opt   func(time.Duration) coord.Option
		name  string
	}{
		{c.AcquireTimeout, coord.WithAcquireTimeout, "acquire_timeout"},
		{c.BusyTimeout, coord.WithBusyTimeout, "busy_timeout"},
		{c.DrainTimeout, coord.WithDrainTimeout, "drain_timeout"},
	} {
		if d.value == "" {
			continue
		}
		dur, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		opts = append(opts, d.opt(dur))
	}

	return opts, nil
}
