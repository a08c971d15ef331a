package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	BusSystem  = "system"
	BusSession = "session"

	MetricsNone   = "none"
	MetricsStdout = "stdout"

	EnvPrefix = "ACFSHELL"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Shell   Shell   `json:"shell" yaml:"shell"`
	Dump    Dump    `json:"dump" yaml:"dump"`
	Janitor Janitor `json:"janitor" yaml:"janitor"`
	Service Service `json:"service" yaml:"service"`
}

type Shell struct {
	RootDir     string `json:"root_dir,omitempty" yaml:"root_dir"`
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter"`
	MaxActive   int    `json:"max_active,omitempty" yaml:"max_active"`
}

type Dump struct {
	RetryInterval string `json:"retry_interval,omitempty" yaml:"retry_interval"`
}

// Janitor removes leftover script directories. Schedule (cron) takes
// precedence over Interval.
type Janitor struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Interval string `json:"interval,omitempty" yaml:"interval"`
	MaxAge   string `json:"max_age,omitempty" yaml:"max_age"`
}

type Service struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose"`
	Log     string `json:"log,omitempty" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Bus     string `json:"bus,omitempty" yaml:"bus"` // "system"|"session"
	Metrics string `json:"metrics,omitempty" yaml:"metrics"`
}

func DefaultConfig(ctx context.Context) Config {
	var cfg Config
	cfg.setDefaults()
	slog.DebugContext(ctx, "using default configuration")
	return cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Fields left out get their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	out.setDefaults()
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// ApplyEnv overrides cfg with ACFSHELL_* environment variables, for example
// ACFSHELL_SHELL_ROOT_DIR or ACFSHELL_SERVICE_VERBOSE.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"shell.root_dir":      &cfg.Shell.RootDir,
		"shell.interpreter":   &cfg.Shell.Interpreter,
		"dump.retry_interval": &cfg.Dump.RetryInterval,
		"janitor.schedule":    &cfg.Janitor.Schedule,
		"janitor.interval":    &cfg.Janitor.Interval,
		"janitor.max_age":     &cfg.Janitor.MaxAge,
		"service.log":         &cfg.Service.Log,
		"service.bus":         &cfg.Service.Bus,
		"service.metrics":     &cfg.Service.Metrics,
	}
	for key, p := range strs {
		if v.IsSet(key) {
			*p = v.GetString(key)
		}
	}
	if v.IsSet("shell.max_active") {
		cfg.Shell.MaxActive = v.GetInt("shell.max_active")
	}
	if v.IsSet("janitor.enabled") {
		enabled := v.GetBool("janitor.enabled")
		cfg.Janitor.Enabled = &enabled
	}
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}
	return cfg.Validate()
}

// Validate checks the values CUE cannot, durations and cron expressions.
func (c Config) Validate() error {
	if c.Version != 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	if c.Shell.MaxActive < 1 {
		return fmt.Errorf("%w: shell.max_active must be positive", ErrInvalidConfig)
	}
	for key, d := range map[string]string{
		"dump.retry_interval": c.Dump.RetryInterval,
		"janitor.interval":    c.Janitor.Interval,
		"janitor.max_age":     c.Janitor.MaxAge,
	} {
		v, err := ParseDuration(d)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %q", ErrInvalidConfig, key, d)
		}
	}
	if c.Janitor.Schedule != "" {
		if _, err := ParseCron(c.Janitor.Schedule); err != nil {
			return fmt.Errorf("%w: janitor.schedule: %w", ErrInvalidConfig, err)
		}
	}
	switch c.Service.Bus {
	case BusSystem, BusSession:
	default:
		return fmt.Errorf("%w: service.bus: %q", ErrInvalidConfig, c.Service.Bus)
	}
	switch c.Service.Metrics {
	case MetricsNone, MetricsStdout:
	default:
		return fmt.Errorf("%w: service.metrics: %q", ErrInvalidConfig, c.Service.Metrics)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Shell.RootDir == "" {
		c.Shell.RootDir = "/tmp/acf"
	}
	if c.Shell.Interpreter == "" {
		c.Shell.Interpreter = "/usr/bin/bash"
	}
	if c.Shell.MaxActive == 0 {
		c.Shell.MaxActive = 1
	}
	if c.Dump.RetryInterval == "" {
		c.Dump.RetryInterval = "20s"
	}
	if c.Janitor.Enabled == nil {
		enabled := true
		c.Janitor.Enabled = &enabled
	}
	if c.Janitor.Interval == "" {
		c.Janitor.Interval = "1h"
	}
	if c.Janitor.MaxAge == "" {
		c.Janitor.MaxAge = "1d"
	}
	if c.Service.Log == "" {
		c.Service.Log = LogStderr
	}
	if c.Service.Bus == "" {
		c.Service.Bus = BusSystem
	}
	if c.Service.Metrics == "" {
		c.Service.Metrics = MetricsNone
	}
}

// Interval returns dump.retry_interval. The config must be valid.
func (d Dump) Interval() time.Duration {
	ret, _ := ParseDuration(d.RetryInterval)
	return ret
}

func (j Janitor) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Every returns janitor.interval. The config must be valid.
func (j Janitor) Every() time.Duration {
	ret, _ := ParseDuration(j.Interval)
	return ret
}

// Age returns janitor.max_age. The config must be valid.
func (j Janitor) Age() time.Duration {
	ret, _ := ParseDuration(j.MaxAge)
	return ret
}
