// Package config loads the YAML job specification driving an LRA run: the
// target resolution and frequency, the directory layout, and the catalog of
// model/experiment/source combinations to process.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config holds all job settings, populated from the YAML job file with
// environment overrides for the service-level knobs.
type Config struct {
	Target  Target                                      `yaml:"target"`
	Paths   Paths                                       `yaml:"paths"`
	Options RunOptions                                  `yaml:"options"`
	Data    map[string]map[string]map[string]SourceSpec `yaml:"data"`
}

// Target is the archive the run produces.
type Target struct {
	Resolution string `yaml:"resolution"`
	// Frequency of the time averaging; empty keeps the native frequency.
	Frequency string `yaml:"frequency"`
}

// Paths is the directory layout of a run.
type Paths struct {
	DataDir    string `yaml:"datadir"`
	OutDir     string `yaml:"outdir"`
	TmpDir     string `yaml:"tmpdir"`
	CatalogDir string `yaml:"catalogdir"`
	// Fixes points at the fix-rule YAML file; empty disables fixing.
	Fixes string `yaml:"fixes"`
}

// RunOptions are the service-level knobs.
type RunOptions struct {
	LogLevel  string `yaml:"loglevel"`
	LogFormat string `yaml:"logformat"`
	Workers   int    `yaml:"workers"`
	// DataModel is the destination coordinate convention.
	DataModel string `yaml:"data_model"`
	HTTPAddr  string `yaml:"http_addr"`
}

// SourceSpec configures one model/experiment/source combination.
type SourceSpec struct {
	Vars []string `yaml:"vars"`
	// Workers overrides the global worker count for this source.
	Workers   int  `yaml:"workers"`
	Streaming bool `yaml:"streaming"`
	// NoFix disables the fixer for this source.
	NoFix bool `yaml:"nofix"`
}

// Combination is one resolved unit of configuration.
type Combination struct {
	Model  string
	Exp    string
	Source string
	Spec   SourceSpec
}

// Load reads the job file, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Options.LogLevel == "" {
		cfg.Options.LogLevel = envOrDefault("LOG_LEVEL", "info")
	}
	if cfg.Options.LogFormat == "" {
		cfg.Options.LogFormat = envOrDefault("LOG_FORMAT", "json")
	}
	if cfg.Options.HTTPAddr == "" {
		cfg.Options.HTTPAddr = envOrDefault("HTTP_ADDR", "")
	}
	if cfg.Options.Workers < 1 {
		cfg.Options.Workers = 1
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Target.Resolution == "" {
		return errors.New("config: target.resolution is required")
	}
	if c.Paths.OutDir == "" {
		return errors.New("config: paths.outdir is required")
	}
	if c.Paths.DataDir == "" {
		return errors.New("config: paths.datadir is required")
	}
	if len(c.Data) == 0 {
		return errors.New("config: no data combinations configured")
	}
	for model, exps := range c.Data {
		for exp, sources := range exps {
			for source, spec := range sources {
				if len(spec.Vars) == 0 {
					return fmt.Errorf("config: no variables for %s/%s/%s", model, exp, source)
				}
				workers := spec.Workers
				if workers == 0 {
					workers = c.Options.Workers
				}
				if workers > 1 && c.Paths.TmpDir == "" {
					return fmt.Errorf("config: paths.tmpdir is required for %s/%s/%s with %d workers",
						model, exp, source, workers)
				}
			}
		}
	}
	return nil
}

// Combinations lists the configured units of work in a stable order.
func (c *Config) Combinations() []Combination {
	var out []Combination
	for _, model := range sortedKeys(c.Data) {
		exps := c.Data[model]
		for _, exp := range sortedKeys(exps) {
			sources := exps[exp]
			for _, source := range sortedKeys(sources) {
				out = append(out, Combination{
					Model:  model,
					Exp:    exp,
					Source: source,
					Spec:   sources[source],
				})
			}
		}
	}
	return out
}

// WorkersFor resolves the worker count for one combination.
func (c *Config) WorkersFor(spec SourceSpec) int {
	if spec.Workers > 0 {
		return spec.Workers
	}
	return c.Options.Workers
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
