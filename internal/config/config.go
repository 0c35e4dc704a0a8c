// Package config loads timebomb settings from defaults, a YAML file and
// TIMEBOMB_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "TIMEBOMB"

	ControllerEC2  = "ec2"
	ControllerExec = "exec"
)

// Config is the effective configuration.
type Config struct {
	StateDir        string        `mapstructure:"state_dir"`
	LogLevel        string        `mapstructure:"log_level"`
	LogJSON         bool          `mapstructure:"log_json"`
	WatchTimeout    time.Duration `mapstructure:"watch_timeout"`
	ArmWaitTimeout  time.Duration `mapstructure:"arm_wait_timeout"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout"`
	FailureDelay    time.Duration `mapstructure:"failure_delay"`
	FailureMaxDelay time.Duration `mapstructure:"failure_max_delay"`
	RareThreshold   int           `mapstructure:"rare_threshold"`
	Controller      string        `mapstructure:"controller"`
	ExecCommand     string        `mapstructure:"exec_command"`
	AWS             AWSConfig     `mapstructure:"aws"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
	Tracing         TracingConfig `mapstructure:"tracing"`
}

type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	// Addr serves /metrics from each watchdog when set. Only useful with a
	// single watchdog per host, or with port 0 and service discovery.
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Dir is $HOME/.timebomb.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timebomb"
	}
	return filepath.Join(home, ".timebomb")
}

// DefaultFile is the config file read when none is given.
func DefaultFile() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:        filepath.Join(Dir(), "state"),
		LogLevel:        "info",
		WatchTimeout:    5 * time.Minute,
		ArmWaitTimeout:  30 * time.Second,
		KillTimeout:     15 * time.Second,
		FailureDelay:    30 * time.Second,
		FailureMaxDelay: 5 * time.Minute,
		RareThreshold:   100,
		Controller:      ControllerEC2,
		Tracing:         TracingConfig{Endpoint: "localhost:4318"},
	}
}

// SetDefaults registers every key with viper so environment variables are
// picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("watch_timeout", d.WatchTimeout)
	v.SetDefault("arm_wait_timeout", d.ArmWaitTimeout)
	v.SetDefault("kill_timeout", d.KillTimeout)
	v.SetDefault("failure_delay", d.FailureDelay)
	v.SetDefault("failure_max_delay", d.FailureMaxDelay)
	v.SetDefault("rare_threshold", d.RareThreshold)
	v.SetDefault("controller", d.Controller)
	v.SetDefault("exec_command", d.ExecCommand)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.profile", d.AWS.Profile)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
}

// NewViper prepares a viper instance. An explicit cfgFile must exist; the
// default file is optional.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The SDK names are honoured too.
	_ = v.BindEnv("aws.region", EnvPrefix+"_AWS_REGION", "AWS_REGION")
	_ = v.BindEnv("aws.profile", EnvPrefix+"_AWS_PROFILE", "AWS_PROFILE")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and controller settings.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("state_dir must be set")
	}
	durations := map[string]time.Duration{
		"watch_timeout":     c.WatchTimeout,
		"arm_wait_timeout":  c.ArmWaitTimeout,
		"kill_timeout":      c.KillTimeout,
		"failure_delay":     c.FailureDelay,
		"failure_max_delay": c.FailureMaxDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.RareThreshold <= 0 {
		return fmt.Errorf("rare_threshold must be positive, got %d", c.RareThreshold)
	}
	switch c.Controller {
	case ControllerEC2:
	case ControllerExec:
		if strings.TrimSpace(c.ExecCommand) == "" {
			return errors.New("exec_command is required with controller exec")
		}
	default:
		return fmt.Errorf("unknown controller %q (want %s or %s)", c.Controller, ControllerEC2, ControllerExec)
	}
	return nil
}

// LogDir holds one log file per watchdog.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// HistoryPath is the SQLite event history.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// RecordDir holds the watchdog records.
func (c *Config) RecordDir() string {
	return filepath.Join(c.StateDir, "records")
}

// LockDir holds the per-key arm locks.
func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// Settings renders the configuration as nested maps with human-readable
// durations, for display and for writing config files.
func (c *Config) Settings() map[string]interface{} {
	return map[string]interface{}{
		"state_dir":         c.StateDir,
		"log_level":         c.LogLevel,
		"log_json":          c.LogJSON,
		"watch_timeout":     c.WatchTimeout.String(),
		"arm_wait_timeout":  c.ArmWaitTimeout.String(),
		"kill_timeout":      c.KillTimeout.String(),
		"failure_delay":     c.FailureDelay.String(),
		"failure_max_delay": c.FailureMaxDelay.String(),
		"rare_threshold":    c.RareThreshold,
		"controller":        c.Controller,
		"exec_command":      c.ExecCommand,
		"aws": map[string]interface{}{
			"region":  c.AWS.Region,
			"profile": c.AWS.Profile,
		},
		"metrics": map[string]interface{}{
			"addr": c.Metrics.Addr,
		},
		"tracing": map[string]interface{}{
			"enabled":  c.Tracing.Enabled,
			"endpoint": c.Tracing.Endpoint,
		},
	}
}

// WriteFile writes c as YAML to path. It refuses to replace an existing file
// unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(c.Settings())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
