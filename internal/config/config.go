package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-pagedattn/internal/paged"
)

// Config holds the launch parameters of the kernel together with the
// service settings of the command line tool.
type Config struct {
	PagesPerComputeBlock int     `yaml:"pages_per_compute_block"`
	Megacore             string  `yaml:"megacore"`
	InlineSeqDim         bool    `yaml:"inline_seq_dim"`
	ChainCells           bool    `yaml:"chain_cells"`
	MaskValue            float32 `yaml:"mask_value"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	FlightAddr            string `yaml:"flight_addr"`
	MonitorAddr           string `yaml:"monitor_addr"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
}

func (c *Config) Validate() error {
	if c.PagesPerComputeBlock <= 0 {
		return fmt.Errorf("invalid pages_per_compute_block: %d (must be positive)", c.PagesPerComputeBlock)
	}
	if _, err := paged.ParseMegacoreMode(c.Megacore); err != nil {
		return fmt.Errorf("invalid megacore: %q (must be none, batch or kv_head)", c.Megacore)
	}
	if c.MaskValue > 0 || math.IsNaN(float64(c.MaskValue)) {
		return fmt.Errorf("invalid mask_value: %g (must be negative, or 0 for the default)", c.MaskValue)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("invalid log_format: %q (must be json or console)", c.LogFormat)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("invalid max_concurrent_requests: %d (must be positive)", c.MaxConcurrentRequests)
	}
	return nil
}

// Options converts the kernel settings. The config must be valid.
func (c *Config) Options() paged.Options {
	mode, _ := paged.ParseMegacoreMode(c.Megacore)
	return paged.Options{
		PagesPerComputeBlock: c.PagesPerComputeBlock,
		Megacore:             mode,
		MaskValue:            c.MaskValue,
		InlineSeqDim:         c.InlineSeqDim,
		ChainCells:           c.ChainCells,
	}
}

func Default() Config {
	return Config{
		PagesPerComputeBlock:  4,
		Megacore:              "none",
		InlineSeqDim:          true,
		MaskValue:             paged.DefaultMaskValue,
		LogLevel:              "info",
		LogFormat:             "json",
		FlightAddr:            "localhost:8815",
		MonitorAddr:           ":9090",
		MaxConcurrentRequests: 4,
	}
}

// Load reads a YAML file over Default. An empty path or a missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
