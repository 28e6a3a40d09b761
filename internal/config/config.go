// Package config loads whaor settings from an optional YAML file, WHAOR_*
// environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/requests-whaor/internal/core/fleet"
	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	EnvPrefix   = "WHAOR"
	defaultName = "whaor"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Runtime  RuntimeConfig  `mapstructure:"runtime" yaml:"runtime"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Balancer BalancerConfig `mapstructure:"balancer" yaml:"balancer"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Fleet    FleetConfig    `mapstructure:"fleet" yaml:"fleet"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`

	settings map[string]any
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

type RuntimeConfig struct {
	// DryRun swaps Docker for the in-memory runtime.
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

type NetworkConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Driver string `mapstructure:"driver" yaml:"driver"`
}

type PoolConfig struct {
	Size        int           `mapstructure:"size" yaml:"size"`
	Image       string        `mapstructure:"image" yaml:"image"`
	NamePrefix  string        `mapstructure:"name_prefix" yaml:"name_prefix"`
	Parallel    bool          `mapstructure:"parallel" yaml:"parallel"`
	MaxWorkers  int           `mapstructure:"max_workers" yaml:"max_workers"`
	BulkTimeout time.Duration `mapstructure:"bulk_timeout" yaml:"bulk_timeout"`
	StopGrace   time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	Build       BuildConfig   `mapstructure:"build" yaml:"build"`
}

// BuildConfig builds the circuit image from a git repository before the fleet
// comes up. An empty Repo uses Image as published.
type BuildConfig struct {
	Repo       string `mapstructure:"repo" yaml:"repo"`
	Ref        string `mapstructure:"ref" yaml:"ref"`
	Dockerfile string `mapstructure:"dockerfile" yaml:"dockerfile"`
}

type BalancerConfig struct {
	Image            string        `mapstructure:"image" yaml:"image"`
	Name             string        `mapstructure:"name" yaml:"name"`
	MaxConnections   int           `mapstructure:"max_connections" yaml:"max_connections"`
	TimeoutClient    int           `mapstructure:"timeout_client" yaml:"timeout_client"`
	TimeoutConnect   int           `mapstructure:"timeout_connect" yaml:"timeout_connect"`
	TimeoutQueue     int           `mapstructure:"timeout_queue" yaml:"timeout_queue"`
	TimeoutServer    int           `mapstructure:"timeout_server" yaml:"timeout_server"`
	ListenPort       int           `mapstructure:"listen_port" yaml:"listen_port"`
	BackendName      string        `mapstructure:"backend_name" yaml:"backend_name"`
	BackendPort      int           `mapstructure:"backend_port" yaml:"backend_port"`
	DashboardPort    int           `mapstructure:"dashboard_port" yaml:"dashboard_port"`
	DashboardRefresh int           `mapstructure:"dashboard_refresh" yaml:"dashboard_refresh"`
	Scheme           string        `mapstructure:"scheme" yaml:"scheme"`
	ConfigDir        string        `mapstructure:"config_dir" yaml:"config_dir"`
	StopGrace        time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

type ClientConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RotateCount int           `mapstructure:"rotate_count" yaml:"rotate_count"`
}

type FleetConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ShowLog         bool          `mapstructure:"show_log" yaml:"show_log"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"dry-run":    "runtime.dry_run",
	"onions":     "pool.size",
	"workers":    "pool.max_workers",
	"timeout":    "client.timeout",
	"retries":    "client.max_retries",
	"listen":     "admin.listen",
}

func setDefaults(v *viper.Viper) {
	bal := fleet.DefaultBalancerOptions()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("runtime.dry_run", false)

	v.SetDefault("network.name", fleet.DefaultNetworkName)
	v.SetDefault("network.driver", fleet.DefaultNetworkDriver)

	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.image", fleet.DefaultCircuitImage)
	v.SetDefault("pool.name_prefix", "whaor-circuit")
	v.SetDefault("pool.parallel", true)
	v.SetDefault("pool.max_workers", 5)
	v.SetDefault("pool.bulk_timeout", "2m")
	v.SetDefault("pool.stop_grace", fleet.DefaultStopGrace.String())
	v.SetDefault("pool.settle_delay", fleet.DefaultRotateSettle.String())
	v.SetDefault("pool.build.repo", "")
	v.SetDefault("pool.build.ref", "")
	v.SetDefault("pool.build.dockerfile", "Dockerfile")

	v.SetDefault("balancer.image", bal.Image)
	v.SetDefault("balancer.name", bal.Name)
	v.SetDefault("balancer.max_connections", bal.MaxConnections)
	v.SetDefault("balancer.timeout_client", bal.TimeoutClient)
	v.SetDefault("balancer.timeout_connect", bal.TimeoutConnect)
	v.SetDefault("balancer.timeout_queue", bal.TimeoutQueue)
	v.SetDefault("balancer.timeout_server", bal.TimeoutServer)
	v.SetDefault("balancer.listen_port", bal.ListenPort)
	v.SetDefault("balancer.backend_name", bal.BackendName)
	v.SetDefault("balancer.backend_port", bal.BackendPort)
	v.SetDefault("balancer.dashboard_port", bal.DashboardPort)
	v.SetDefault("balancer.dashboard_refresh", bal.DashboardRefresh)
	v.SetDefault("balancer.scheme", bal.Scheme)
	v.SetDefault("balancer.config_dir", "")
	v.SetDefault("balancer.stop_grace", bal.StopGrace.String())

	v.SetDefault("client.timeout", requestor.DefaultTimeout.String())
	v.SetDefault("client.max_retries", requestor.DefaultMaxRetries)
	v.SetDefault("client.rotate_count", 0)

	v.SetDefault("fleet.settle_delay", fleet.DefaultSettleDelay.String())
	v.SetDefault("fleet.show_log", false)
	v.SetDefault("fleet.teardown_timeout", fleet.DefaultTeardownTimeout.String())

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:3000")
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path, or whaor.yaml in the working directory when path is empty
// and the file exists. Flags that were set on the command line win over
// everything else.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: bind flag %s: %w", errdefs.ErrConfig, name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read %s: %w", errdefs.ErrConfig, v.ConfigFileUsed(), err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", errdefs.ErrConfig, err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no fleet can run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Pool.Size >= 1, "pool.size must be at least 1, got %d", c.Pool.Size)
	check(!c.Pool.Parallel || c.Pool.MaxWorkers >= 1, "pool.max_workers must be at least 1, got %d", c.Pool.MaxWorkers)
	check(c.Client.MaxRetries >= 1, "client.max_retries must be at least 1, got %d", c.Client.MaxRetries)
	check(c.Client.Timeout > 0, "client.timeout must be positive, got %s", c.Client.Timeout)
	check(c.Client.RotateCount >= 0, "client.rotate_count must not be negative, got %d", c.Client.RotateCount)
	check(validPort(c.Balancer.ListenPort), "balancer.listen_port out of range: %d", c.Balancer.ListenPort)
	check(validPort(c.Balancer.DashboardPort), "balancer.dashboard_port out of range: %d", c.Balancer.DashboardPort)
	check(validPort(c.Balancer.BackendPort), "balancer.backend_port out of range: %d", c.Balancer.BackendPort)
	check(c.Balancer.ListenPort != c.Balancer.DashboardPort,
		"balancer.listen_port and balancer.dashboard_port must differ, both are %d", c.Balancer.ListenPort)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format must be console or json, got %q", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errdefs.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// YAML renders the effective settings as loaded, durations as written.
func (c *Config) YAML() ([]byte, error) {
	if c.settings != nil {
		return yaml.Marshal(c.settings)
	}
	return yaml.Marshal(c)
}
