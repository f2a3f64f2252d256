// Package options holds the engine-wide configuration: redzone sizing,
// quarantine budgets, and feature toggles.  Options are resolved once at
// engine construction and are read-only afterwards.
//
// Sources, in increasing precedence: built-in defaults, an optional YAML
// file named by DEVSAN_OPTIONS_FILE, and the DEVSAN_OPTIONS environment
// string ("key:value;key:value").
package options

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable holding the inline option string.
const EnvVar = "DEVSAN_OPTIONS"

// EnvFileVar is the environment variable naming an options YAML file.
const EnvFileVar = "DEVSAN_OPTIONS_FILE"

// Redzone size bounds.  Values outside are clamped, matching the usual
// sanitizer behavior rather than rejecting the configuration.
const (
	MinRedzoneSize = 16
	MaxRedzoneSize = 2048
)

// Options is the engine configuration.
type Options struct {
	// RedzoneSize is the byte size of the poisoned zone placed on each side
	// of an allocation, before rounding up to the device alignment.
	RedzoneSize uint64 `yaml:"redzone_size"`

	// MaxQuarantineBytes bounds the total bytes a device may hold in
	// quarantine; 0 disables the byte budget.
	MaxQuarantineBytes uint64 `yaml:"quarantine_bytes"`

	// MaxQuarantineCount bounds the number of quarantined allocations per
	// device; 0 disables the count budget.
	MaxQuarantineCount int `yaml:"quarantine_count"`

	// DetectKernelArguments enables tracking of raw-pointer kernel
	// arguments in the launch payload.
	DetectKernelArguments bool `yaml:"detect_kernel_arguments"`

	// DetectLocals enables redzone injection for local (work-group)
	// kernel arguments.
	DetectLocals bool `yaml:"detect_locals"`

	// Debug selects the diagnostic log level ("off", "error", "warn",
	// "info", "verbose", "trace").
	Debug string `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Options {
	return &Options{
		RedzoneSize:           16,
		MaxQuarantineBytes:    8 * 1024 * 1024,
		MaxQuarantineCount:    512,
		DetectKernelArguments: true,
		DetectLocals:          true,
		Debug:                 "off",
	}
}

// QuarantineEnabled reports whether freed allocations are quarantined at
// all.  With both budgets disabled, frees are released immediately.
func (o *Options) QuarantineEnabled() bool {
	return o.MaxQuarantineBytes > 0 || o.MaxQuarantineCount > 0
}

// Validate normalizes the options in place.  RedzoneSize is clamped to
// [MinRedzoneSize, MaxRedzoneSize]; a non-power-of-two value is rounded up.
func (o *Options) Validate() error {
	if o.RedzoneSize < MinRedzoneSize {
		o.RedzoneSize = MinRedzoneSize
	}
	if o.RedzoneSize > MaxRedzoneSize {
		o.RedzoneSize = MaxRedzoneSize
	}
	if o.RedzoneSize&(o.RedzoneSize-1) != 0 {
		p := uint64(MinRedzoneSize)
		for p < o.RedzoneSize {
			p <<= 1
		}
		o.RedzoneSize = p
	}
	if o.MaxQuarantineCount < 0 {
		return fmt.Errorf("options: quarantine_count must be >= 0, got %d", o.MaxQuarantineCount)
	}
	return nil
}

// ApplyString applies an inline "key:value;key:value" option string.
func (o *Options) ApplyString(spec string) error {
	for _, field := range strings.Split(spec, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return fmt.Errorf("options: malformed field %q, want key:value", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := o.applyField(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) applyField(key, value string) error {
	switch key {
	case "redzone_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		o.RedzoneSize = n
	case "quarantine_bytes":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		o.MaxQuarantineBytes = n
	case "quarantine_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		o.MaxQuarantineCount = n
	case "detect_kernel_arguments":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		o.DetectKernelArguments = b
	case "detect_locals":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		o.DetectLocals = b
	case "debug":
		o.Debug = value
	default:
		return fmt.Errorf("options: unknown key %q", key)
	}
	return nil
}

// ApplyFile overlays options from a YAML file.
func (o *Options) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("options: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("options: parse %s: %w", path, err)
	}
	return nil
}

// Load resolves the effective options from defaults, the file named by
// EnvFileVar (if set), and the EnvVar string (if set), then validates.
// getenv may be nil, in which case os.Getenv is used.
func Load(getenv func(string) string) (*Options, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	o := Default()
	if path := getenv(EnvFileVar); path != "" {
		if err := o.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if spec := getenv(EnvVar); spec != "" {
		if err := o.ApplyString(spec); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
