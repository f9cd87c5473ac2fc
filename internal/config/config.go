// Package config loads and validates the worker configuration: a YAML
// file strictly decoded (unknown fields are errors) and unified against
// an embedded CUE schema for value constraints.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/worker"
)

//go:embed schema.cue
var schemaCUE string

// Duration wraps time.Duration with YAML decoding from Go duration
// literals ("1s", "500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig configures the scheduler/peer transport.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config is the worker configuration.
type Config struct {
	// Address is the worker's own contact address, as peers and the
	// scheduler see it.
	Address string `yaml:"address"`

	Nthreads                   int   `yaml:"nthreads"`
	TransferIncomingCountLimit int   `yaml:"transfer_incoming_count_limit"`
	TargetMessageSize          int64 `yaml:"target_message_size"`
	TransitionCounterMax       int64 `yaml:"transition_counter_max"`

	FindMissingInterval Duration `yaml:"find_missing_interval"`

	// StoryPath is the SQLite story log location; empty disables
	// durable recording.
	StoryPath string `yaml:"story_path"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	NATS NATSConfig `yaml:"nats"`
}

// Default returns the configuration used when a field is absent from
// the file. Values mirror the worker package defaults.
func Default() Config {
	return Config{
		Nthreads:                   worker.DefaultNthreads,
		TransferIncomingCountLimit: worker.DefaultTransferIncomingCountLimit,
		TargetMessageSize:          worker.DefaultTargetMessageSize,
		TransitionCounterMax:       worker.DefaultTransitionCounterMax,
		FindMissingInterval:        Duration(worker.DefaultFindMissingInterval),
		LogLevel:                   "info",
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "taskmesh",
		},
	}
}

// Load reads, decodes, and validates the configuration file at path.
// Unknown YAML fields and schema constraint violations are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// Re-decode loosely for schema unification; the strict pass above
	// already rejected unknown fields and type mismatches.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(raw); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate unifies the raw document with the embedded CUE schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("lookup config schema: %w", err)
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}

	if err := def.Unify(doc).Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// MachineOptions translates the configuration into machine options.
func (c Config) MachineOptions() []worker.MachineOption {
	return []worker.MachineOption{
		worker.WithNthreads(c.Nthreads),
		worker.WithTransferIncomingCountLimit(c.TransferIncomingCountLimit),
		worker.WithTargetMessageSize(c.TargetMessageSize),
		worker.WithTransitionCounterMax(c.TransitionCounterMax),
	}
}

// SlogLevel maps the configured log level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
