package nnfx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/nnfx/internal/gpu"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("nnfx: invalid config")

// Config defaults.
const (
	DefaultBackend  = gpu.BackendVulkan
	DefaultTopology = "single"
	DefaultWidth    = 256
	DefaultHeight   = 256
)

// Config holds the parameters of a Context. Zero values mean "unspecified"
// and are replaced by defaults in Validate.
type Config struct {
	Backend  string `json:"backend" yaml:"backend" toml:"backend"`
	Topology string `json:"topology" yaml:"topology" toml:"topology"`
	Model    string `json:"model" yaml:"model" toml:"model"`

	Width       int `json:"width" yaml:"width" toml:"width"`
	Height      int `json:"height" yaml:"height" toml:"height"`
	StyleWidth  int `json:"style_width" yaml:"style_width" toml:"style_width"`
	StyleHeight int `json:"style_height" yaml:"style_height" toml:"style_height"`

	// StyleImage is decoded into the style input after PrepareIO.
	StyleImage string `json:"style_image" yaml:"style_image" toml:"style_image"`

	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	FlushTimeoutMS int `json:"flush_timeout_ms" yaml:"flush_timeout_ms" toml:"flush_timeout_ms"`

	// Inputs maps a role ("content", "style") to the model tensor bound to it.
	Inputs map[string]string `json:"inputs" yaml:"inputs" toml:"inputs"`

	ValidateKernels bool   `json:"validate_kernels" yaml:"validate_kernels" toml:"validate_kernels"`
	MetricsAddr     string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
}

// LoadConfig reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	// Relative model and style paths are relative to the config file.
	dir := filepath.Dir(path)
	if cfg.Model != "" && !filepath.IsAbs(cfg.Model) {
		cfg.Model = filepath.Join(dir, cfg.Model)
	}
	if cfg.StyleImage != "" && !filepath.IsAbs(cfg.StyleImage) {
		cfg.StyleImage = filepath.Join(dir, cfg.StyleImage)
	}
	return cfg, nil
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Topology == "" {
		c.Topology = DefaultTopology
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.FlushTimeoutMS == 0 {
		c.FlushTimeoutMS = int(gpu.DefaultFlushTimeout / time.Millisecond)
	}

	t, err := ParseTopology(c.Topology)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch {
	case c.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	case c.Width < 0 || c.Height < 0:
		return fmt.Errorf("%w: negative size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.StyleWidth < 0 || c.StyleHeight < 0:
		return fmt.Errorf("%w: negative style size %dx%d", ErrInvalidConfig, c.StyleWidth, c.StyleHeight)
	case c.MemoryBudgetMB < 0:
		return fmt.Errorf("%w: negative memory budget", ErrInvalidConfig)
	case c.FlushTimeoutMS < 0:
		return fmt.Errorf("%w: negative flush timeout", ErrInvalidConfig)
	}
	if t.HasStyle() && (c.StyleWidth == 0 || c.StyleHeight == 0) && c.StyleImage == "" {
		return fmt.Errorf("%w: topology %s needs style_width and style_height or style_image",
			ErrInvalidConfig, t)
	}
	if _, err := c.inputNames(); err != nil {
		return err
	}
	return nil
}

// TopologyValue returns the parsed topology.
func (c Config) TopologyValue() (Topology, error) {
	return ParseTopology(c.Topology)
}

// IOSize returns the configured target and style sizes.
func (c Config) IOSize() IOSize {
	return IOSize{
		Width:       c.Width,
		Height:      c.Height,
		StyleWidth:  c.StyleWidth,
		StyleHeight: c.StyleHeight,
	}
}

// FlushTimeout returns the configured fence wait.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMS) * time.Millisecond
}

// BudgetBytes returns the memory budget in bytes, 0 for unlimited.
func (c Config) BudgetBytes() uint64 {
	return uint64(c.MemoryBudgetMB) << 20
}

func (c Config) inputNames() (map[Role]string, error) {
	if len(c.Inputs) == 0 {
		return nil, nil
	}
	out := make(map[Role]string, len(c.Inputs))
	for role, name := range c.Inputs {
		switch strings.ToLower(role) {
		case RoleContent.String():
			out[RoleContent] = name
		case RoleStyle.String():
			out[RoleStyle] = name
		default:
			return nil, fmt.Errorf("%w: unknown input role %q", ErrInvalidConfig, role)
		}
	}
	return out, nil
}
