// Package config loads the virtual machine's configuration from built-in
// defaults, a YAML file, and the environment: env overrides file, file
// overrides defaults. CLI flags are not read here; a command applies them
// over the Config that Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config describes the guest's memory geometry and the execution toggles.
// Zero-valued fields are filled in by Defaults.
type Config struct {
	MemorySize uint64 `yaml:"memory_size"`

	ETDynLoadBase uint32 `yaml:"et_dyn_load_base"`

	StackTop  uint32 `yaml:"stack_top"`
	StackSize uint32 `yaml:"stack_size"`

	HeapBase        uint32 `yaml:"heap_base"`
	HeapInitialSize uint32 `yaml:"heap_initial_size"`

	EnableRelocation          bool `yaml:"enable_relocation"`
	EnablePerformanceCounters bool `yaml:"enable_performance_counters"`
	EnableTrace               bool `yaml:"enable_trace"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		MemorySize:                4 * 1024 * 1024 * 1024,
		ETDynLoadBase:             0x08000000,
		StackTop:                  0xC0000000,
		StackSize:                 256 * 1024 * 1024,
		HeapBase:                  0x40000000,
		HeapInitialSize:           256 * 1024 * 1024,
		EnableRelocation:          true,
		EnablePerformanceCounters: false,
		EnableTrace:               false,
	}
}

// minMemorySize is the smallest address space a guest can be given.
const minMemorySize = 256 * 1024 * 1024

// Load reads a YAML config file, if path is non-empty and exists, layers it
// over Defaults, then layers environment variables (UVM_MEMORY_SIZE,
// UVM_ET_DYN_LOAD_BASE, UVM_STACK_TOP, UVM_STACK_SIZE, UVM_HEAP_BASE,
// UVM_HEAP_INITIAL_SIZE, UVM_ENABLE_RELOCATION, UVM_TRACE,
// UVM_PERFORMANCE_COUNTERS) over that. It never returns an error for a
// missing file; a malformed one is reported.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)

		switch {
		case os.IsNotExist(err):
			// No config file; defaults stand.
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.MemorySize < minMemorySize {
		return cfg, fmt.Errorf("config: memory_size %d below minimum %d", cfg.MemorySize, minMemorySize)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	envUint64("UVM_MEMORY_SIZE", &cfg.MemorySize)
	envUint32("UVM_ET_DYN_LOAD_BASE", &cfg.ETDynLoadBase)
	envUint32("UVM_STACK_TOP", &cfg.StackTop)
	envUint32("UVM_STACK_SIZE", &cfg.StackSize)
	envUint32("UVM_HEAP_BASE", &cfg.HeapBase)
	envUint32("UVM_HEAP_INITIAL_SIZE", &cfg.HeapInitialSize)
	envBool("UVM_ENABLE_RELOCATION", &cfg.EnableRelocation)
	envBool("UVM_PERFORMANCE_COUNTERS", &cfg.EnablePerformanceCounters)
	envBool("UVM_TRACE", &cfg.EnableTrace)
}

func envUint64(name string, dst *uint64) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return
	}

	*dst = n
}

func envUint32(name string, dst *uint32) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return
	}

	*dst = uint32(n)
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}

	*dst = b
}
