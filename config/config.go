// Package config loads the kernel's top-level configuration: the
// MessageSystem.new options from spec.md §6, plus the ambient log and
// HTTP adapter sections, via github.com/spf13/viper.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/thrasher-corp/msgkernel/log"
)

const envPrefix = "MSGKERNEL"

// StrategyRoundRobin is the default schedulerStrategy. Every other
// recognized name lives in package scheduler's strategy registry;
// Validate checks only that one was named, not which, since that
// registry is open to RegisterStrategyFunc additions config knows
// nothing about.
const StrategyRoundRobin = "round-robin"

// Defaults, mirroring spec.md §6's MessageSystem.new config map.
const (
	DefaultSchedulerTimeSliceMs = 10
	DefaultQueueCapacity        = 1024
	DefaultErrorStoreCapacity   = 1000
	DefaultDeadLetterCapacity   = 1000
)

// Config is the fully-resolved configuration a system.MessageSystem is
// built from.
type Config struct {
	SchedulerTimeSliceMs int
	SchedulerStrategy    string
	DefaultQueueCapacity int
	ErrorStoreCapacity   int
	DeadLetterCapacity   int
	Debug                bool

	Logging log.Config
	HTTP    HTTPConfig
}

// HTTPConfig configures the optional transport/http adapter.
type HTTPConfig struct {
	Enabled       bool
	ListenAddress string
}

// Default returns the zero-file configuration: every MessageSystem.new
// default from spec.md §6, logging enabled with no sub-loggers configured,
// HTTP adapter disabled.
func Default() Config {
	return Config{
		SchedulerTimeSliceMs: DefaultSchedulerTimeSliceMs,
		SchedulerStrategy:    StrategyRoundRobin,
		DefaultQueueCapacity: DefaultQueueCapacity,
		ErrorStoreCapacity:   DefaultErrorStoreCapacity,
		DeadLetterCapacity:   DefaultDeadLetterCapacity,
		Debug:                false,
		Logging: log.Config{
			Enabled:    true,
			SubLoggers: map[string]log.SubLoggerConfig{},
		},
		HTTP: HTTPConfig{
			Enabled:       false,
			ListenAddress: ":8080",
		},
	}
}

// Load reads a YAML/JSON/TOML file at path and layers it over Default,
// with environment variables prefixed MSGKERNEL_ (underscore-separated,
// matching viper's key-path convention: MSGKERNEL_SCHEDULER_STRATEGY for
// "scheduler.strategy") taking highest precedence. An empty path returns
// Default with only environment overrides applied.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "config: read %q", path)
		}
	}

	cfg := Default()
	cfg.SchedulerTimeSliceMs = v.GetInt("scheduler.timeSliceMs")
	cfg.SchedulerStrategy = v.GetString("scheduler.strategy")
	cfg.DefaultQueueCapacity = v.GetInt("defaultQueueCapacity")
	cfg.ErrorStoreCapacity = v.GetInt("errorStoreCapacity")
	cfg.DeadLetterCapacity = v.GetInt("deadLetterCapacity")
	cfg.Debug = v.GetBool("debug")

	cfg.Logging.Enabled = v.GetBool("log.enabled")
	subLoggers := map[string]log.SubLoggerConfig{}
	raw := v.GetStringMap("log.subLoggers")
	for name := range raw {
		prefix := "log.subLoggers." + name + "."
		subLoggers[name] = log.SubLoggerConfig{
			Level:  v.GetString(prefix + "level"),
			Output: v.GetString(prefix + "output"),
			FileConfig: log.LoggerFileConfig{
				FileName: v.GetString(prefix + "file.fileName"),
				Rotate:   v.GetBool(prefix + "file.rotate"),
				MaxSize:  v.GetInt(prefix + "file.maxSize"),
			},
		}
	}
	if len(subLoggers) > 0 {
		cfg.Logging.SubLoggers = subLoggers
	}

	cfg.HTTP.Enabled = v.GetBool("http.enabled")
	cfg.HTTP.ListenAddress = v.GetString("http.listenAddress")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("scheduler.timeSliceMs", d.SchedulerTimeSliceMs)
	v.SetDefault("scheduler.strategy", d.SchedulerStrategy)
	v.SetDefault("defaultQueueCapacity", d.DefaultQueueCapacity)
	v.SetDefault("errorStoreCapacity", d.ErrorStoreCapacity)
	v.SetDefault("deadLetterCapacity", d.DeadLetterCapacity)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log.enabled", d.Logging.Enabled)
	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.listenAddress", d.HTTP.ListenAddress)
}

// Validate rejects a config whose numeric knobs fall outside what the
// kernel's constructors will accept.
func (c Config) Validate() error {
	if c.SchedulerTimeSliceMs <= 0 {
		return errors.New("config: scheduler.timeSliceMs must be positive")
	}
	if c.SchedulerStrategy == "" {
		return errors.New("config: scheduler.strategy must not be empty")
	}
	if c.DefaultQueueCapacity <= 0 {
		return errors.New("config: defaultQueueCapacity must be positive")
	}
	if c.ErrorStoreCapacity <= 0 {
		return errors.New("config: errorStoreCapacity must be positive")
	}
	if c.DeadLetterCapacity <= 0 {
		return errors.New("config: deadLetterCapacity must be positive")
	}
	return nil
}
