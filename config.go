package hostif

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hostif/internal/irq"
	"github.com/tinyrange/hostif/internal/irq/sim"
)

// Backend names accepted in Config.Backend.
const (
	BackendSim    = "sim"
	BackendPIC    = "pic"
	BackendIOAPIC = "ioapic"
	BackendUIO    = "uio"
	BackendHAL    = "hal"
)

const maxConfigSize = 1024 * 1024

// SourceConfig is the controller id and line of the interrupt source.
type SourceConfig struct {
	Controller uint32 `yaml:"controller"`
	Line       uint32 `yaml:"line"`
}

func (s SourceConfig) source() irq.Source {
	return irq.Source{Controller: s.Controller, Line: s.Line}
}

type SimConfig struct {
	Policy          string `yaml:"policy"`
	Capacity        int    `yaml:"capacity"`
	PersistHandlers bool   `yaml:"persist_handlers"`
	StrictMasking   bool   `yaml:"strict_masking"`
	// Sources restricts the valid sources. Empty accepts any.
	Sources []SourceConfig `yaml:"sources"`
}

type PICConfig struct {
	VectorBase uint8 `yaml:"vector_base"`
}

type IOAPICConfig struct {
	ID         uint8 `yaml:"id"`
	Entries    int   `yaml:"entries"`
	VectorBase uint8 `yaml:"vector_base"`
}

type UIOConfig struct {
	DevRoot string `yaml:"dev_root"`
	SysRoot string `yaml:"sys_root"`
	// Name selects the device by its sysfs name instead of source.controller.
	Name string `yaml:"name"`
}

type HALConfig struct {
	Library        string `yaml:"library"`
	RegisterSymbol string `yaml:"register_symbol"`
	EnableSymbol   string `yaml:"enable_symbol"`
	DisableSymbol  string `yaml:"disable_symbol"`
	Flags          uint64 `yaml:"flags"`
}

// Config selects and configures the interrupt backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Source  SourceConfig `yaml:"source"`
	// ClearOnClose unregisters the handler on Close. Otherwise the binding
	// is left installed with delivery disabled.
	ClearOnClose bool   `yaml:"clear_on_close"`
	LogLevel     string `yaml:"log_level"`

	Sim    SimConfig    `yaml:"sim"`
	PIC    PICConfig    `yaml:"pic"`
	IOAPIC IOAPICConfig `yaml:"ioapic"`
	UIO    UIOConfig    `yaml:"uio"`
	HAL    HALConfig    `yaml:"hal"`

	// Logger is used by the interface and its backend. Nil uses
	// slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the configuration used for empty files.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendSim,
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("hostif: stat config: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return nil, fmt.Errorf("hostif: config %s is world-writable (mode %s)", path, info.Mode())
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("hostif: config %s is too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostif: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("hostif: %s: %w", path, err)
	}
	slog.Debug("loaded config", "path", path, "backend", cfg.Backend)
	return cfg, nil
}

// ParseConfig decodes YAML, applies defaults and validates the result.
// Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendSim
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that can be checked without touching the
// platform.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim:
		if _, err := sim.ParsePolicy(c.Sim.Policy); err != nil {
			return err
		}
		if c.Sim.Capacity < 0 {
			return fmt.Errorf("sim.capacity must not be negative")
		}
	case BackendPIC, BackendIOAPIC, BackendUIO:
	case BackendHAL:
		if c.HAL.Library == "" {
			return fmt.Errorf("hal.library is required for the hal backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
