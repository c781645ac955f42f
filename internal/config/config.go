// Package config holds engine options. Values come from built-in defaults,
// PLUMBGATE_* environment variables, an optional YAML file and finally CLI
// flags, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	envutil "github.com/projectdiscovery/utils/env"
	fileutil "github.com/projectdiscovery/utils/file"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConcurrency    = 10
	DefaultTimeout        = 5 * time.Minute
	DefaultConnectTimeout = 10 * time.Second
)

// Options configures a run.
type Options struct {
	Inventory      string        `yaml:"inventory"`
	Limit          []string      `yaml:"limit"`
	ModuleDirs     []string      `yaml:"module_dirs"`
	Concurrency    int           `yaml:"concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	Deadline       time.Duration `yaml:"deadline"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRate    int           `yaml:"connect_rate"`
	Interpreter    string        `yaml:"interpreter"`
	Requirements   []string      `yaml:"requirements"`

	// CacheDir holds gate executables built for remote platforms.
	CacheDir string `yaml:"cache_dir"`

	// GatePath runs local targets through a gate executable instead of in-process.
	GatePath string `yaml:"gate_path"`

	// PrebuiltGate is uploaded to remote targets instead of building one.
	PrebuiltGate string `yaml:"prebuilt_gate"`

	// SourceDir is the module root gates are built from.
	SourceDir  string `yaml:"source_dir"`
	ForceBuild bool   `yaml:"force_build"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns built-in defaults overridden by the environment.
func Default() (Options, error) {
	opts := Options{
		Concurrency:    DefaultConcurrency,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		ModuleDirs:     []string{"modules"},
		SourceDir:      ".",
	}
	var errs []error

	if v := envutil.GetEnvOrDefault("PLUMBGATE_CONCURRENCY", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PLUMBGATE_CONCURRENCY: %w", err))
		} else {
			opts.Concurrency = n
		}
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"PLUMBGATE_TIMEOUT", &opts.Timeout},
		{"PLUMBGATE_DEADLINE", &opts.Deadline},
		{"PLUMBGATE_CONNECT_TIMEOUT", &opts.ConnectTimeout},
	} {
		if v := envutil.GetEnvOrDefault(d.env, ""); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.env, err))
				continue
			}
			*d.dst = parsed
		}
	}
	if v := envutil.GetEnvOrDefault("PLUMBGATE_MODULE_DIRS", ""); v != "" {
		opts.ModuleDirs = strings.Split(v, ",")
	}
	opts.Inventory = envutil.GetEnvOrDefault("PLUMBGATE_INVENTORY", opts.Inventory)
	opts.CacheDir = envutil.GetEnvOrDefault("PLUMBGATE_CACHE_DIR", opts.CacheDir)
	opts.GatePath = envutil.GetEnvOrDefault("PLUMBGATE_GATE_PATH", opts.GatePath)
	opts.PrebuiltGate = envutil.GetEnvOrDefault("PLUMBGATE_PREBUILT_GATE", opts.PrebuiltGate)
	opts.Interpreter = envutil.GetEnvOrDefault("PLUMBGATE_INTERPRETER", opts.Interpreter)

	return opts, errors.Join(errs...)
}

// LoadFile overlays the keys present in a YAML file onto opts.
func (o *Options) LoadFile(path string) error {
	if !fileutil.FileExists(path) {
		return fmt.Errorf("config file %s does not exist", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects option combinations a run cannot start with.
func (o Options) Validate() error {
	switch {
	case o.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency)
	case o.Timeout < 0 || o.Deadline < 0 || o.ConnectTimeout < 0:
		return errors.New("timeouts must not be negative")
	case o.ConnectRate < 0:
		return errors.New("connect rate must not be negative")
	}
	return nil
}

// ConfigArg finds the value of -config or --config in args without parsing
// the other flags, so the file can be applied before flag defaults are set.
func ConfigArg(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
