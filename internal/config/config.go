// Package config loads agrivqa.yaml, the .env file and environment
// overrides into one Config. Command-line flags are applied on top by the
// caller. API keys are resolved by the keys package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultFile = "agrivqa.yaml"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`

	// Parallel of 0 runs stages one record at a time and select batches
	// at full batch width.
	Parallel           int    `yaml:"parallel"`
	ImageRoot          string `yaml:"image_root"`
	// ImageFinalTurnOnly keeps the image off the few-shot turns.
	ImageFinalTurnOnly bool   `yaml:"image_final_turn_only"`
	PromptsDir         string `yaml:"prompts_dir"`
	PricingFile        string `yaml:"pricing_file"`

	Logging LoggingConfig `yaml:"logging"`
	Ledger  LedgerConfig  `yaml:"ledger"`

	Caption CaptionConfig `yaml:"caption"`
	Refine  RefineConfig  `yaml:"refine"`
	VQA     VQAConfig     `yaml:"vqa"`
	Select  SelectConfig  `yaml:"select"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

type LedgerConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// StageConfig holds settings every stage shares. An empty Model falls back
// to the top-level model.
type StageConfig struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type CaptionConfig struct {
	StageConfig     `yaml:",inline"`
	CheckpointEvery int `yaml:"checkpoint_every"`
}

type RefineConfig struct {
	StageConfig `yaml:",inline"`
	Threshold   int `yaml:"threshold"`
}

type VQAConfig struct {
	StageConfig     `yaml:",inline"`
	ReasoningEffort string `yaml:"reasoning_effort"`
}

type SelectConfig struct {
	StageConfig    `yaml:",inline"`
	BatchSize      int    `yaml:"batch_size"`
	BatchDelay     string `yaml:"batch_delay"`
	EvaluationFile string `yaml:"evaluation_file"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider:   "openai",
		Model:      "gpt-4o",
		TimeoutSec: 120,
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
		Caption: CaptionConfig{CheckpointEvery: 10},
		Refine:  RefineConfig{Threshold: 8},
		Select: SelectConfig{
			BatchSize:      5,
			BatchDelay:     "1s",
			EvaluationFile: "evaluation_results.json",
		},
	}
}

// LoadDotEnv loads the given .env files (default ".env") without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path over the defaults, then applies environment overrides
// read through getenv. A missing file yields the defaults.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnvOverrides(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if p := getenv("AGRIVQA_PROVIDER"); p != "" {
		c.Provider = p
	}
	if m := getenv("AGRIVQA_MODEL"); m != "" {
		c.Model = m
	}
	if path := getenv("AGRIVQA_LEDGER"); path != "" {
		c.Ledger.Path = path
	}

	for _, name := range []string{"OPENAI_BASE_URL", "OPENAI_API_BASE"} {
		if url := getenv(name); url != "" && c.Provider == "openai" {
			c.BaseURL = url
			break
		}
	}
}

func (c *Config) Validate() error {
	if c.Parallel < 0 {
		return fmt.Errorf("%w: parallel must not be negative", ErrInvalid)
	}
	if c.Refine.Threshold < 0 || c.Refine.Threshold > 10 {
		return fmt.Errorf("%w: refine.threshold must be between 0 and 10", ErrInvalid)
	}
	if c.Select.BatchSize < 0 {
		return fmt.Errorf("%w: select.batch_size must not be negative", ErrInvalid)
	}
	if _, err := c.Select.Delay(); err != nil {
		return fmt.Errorf("%w: select.batch_delay: %v", ErrInvalid, err)
	}
	return nil
}

// Delay parses BatchDelay; "" means no delay.
func (s SelectConfig) Delay() (time.Duration, error) {
	if s.BatchDelay == "" {
		return 0, nil
	}
	return time.ParseDuration(s.BatchDelay)
}

// ModelFor returns the stage's model or the top-level one.
func (c *Config) ModelFor(s StageConfig) string {
	if s.Model != "" {
		return s.Model
	}
	return c.Model
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
