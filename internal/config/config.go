// Package config loads the anvil application configuration.
//
// Configuration is read from an optional YAML file and then overridden by
// ANVIL_* environment variables. Values not set either way keep the defaults
// from NewDefaultConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/libvirt"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/settings"
	"github.com/jbweber/anvil/internal/vbox"
)

const (
	// ConfigPathEnvKey is the environment variable naming the config file.
	ConfigPathEnvKey = "ANVIL_CONFIG"

	// BackendVBox selects the VirtualBox backend.
	BackendVBox = "vbox"
	// BackendLibvirt selects the libvirt backend.
	BackendLibvirt = "libvirt"
)

// Log levels.
const (
	LogLevelError = "error"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
	LogLevelTrace = "trace"
)

// Config is the complete application configuration.
type Config struct {
	// Backend selects the hypervisor family: vbox or libvirt.
	Backend string `yaml:"backend"`

	// VBoxManage is the path to the VBoxManage binary.
	VBoxManage string `yaml:"vboxManage"`

	Libvirt LibvirtConfig `yaml:"libvirt"`

	// ProbeTimeout bounds a single state probe.
	ProbeTimeout time.Duration `yaml:"probeTimeout"`

	// OperationTimeout bounds every queued hypervisor operation. Zero
	// disables the bound.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// QueueMode is per-target or global.
	QueueMode string `yaml:"queueMode"`

	Settings SettingsConfig `yaml:"settings"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Serve    ServeConfig    `yaml:"serve"`
}

// LibvirtConfig configures the libvirt connection.
type LibvirtConfig struct {
	// Socket is the libvirtd UNIX socket.
	Socket string `yaml:"socket"`

	// StoragePool receives SSH seed volumes.
	StoragePool string `yaml:"storagePool"`
}

// SettingsConfig locates the build engine document.
type SettingsConfig struct {
	// SystemPath is the read-only installation-wide document.
	SystemPath string `yaml:"systemPath"`

	// UserPath is the per-user document, the only one written.
	UserPath string `yaml:"userPath"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Development switches to human-readable text output.
	Development bool `yaml:"development"`

	// Level is error, info, debug or trace.
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint served by `anvil serve`.
type MetricsConfig struct {
	Bind string `yaml:"bind"`
	Path string `yaml:"path"`
}

// ServeConfig configures `anvil serve`.
type ServeConfig struct {
	// ProbeInterval is the period between state probes of every engine.
	ProbeInterval time.Duration `yaml:"probeInterval"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	userPath := ""
	if dir, err := os.UserConfigDir(); err == nil {
		userPath = filepath.Join(dir, "anvil", settings.FileName)
	}

	return &Config{
		Backend:          BackendVBox,
		VBoxManage:       vbox.DefaultVBoxManage,
		ProbeTimeout:     10 * time.Second,
		OperationTimeout: 5 * time.Minute,
		QueueMode:        queue.PerTarget.String(),
		Libvirt: LibvirtConfig{
			Socket:      libvirt.DefaultSocket,
			StoragePool: libvirt.DefaultStoragePool,
		},
		Settings: SettingsConfig{
			SystemPath: filepath.Join("/etc/anvil", settings.FileName),
			UserPath:   userPath,
		},
		Log: LogConfig{
			Level: LogLevelInfo,
		},
		Metrics: MetricsConfig{
			Bind: ":9464",
			Path: "/metrics",
		},
		Serve: ServeConfig{
			ProbeInterval: 30 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file, then applies environment
// overrides. If configPath is empty, ANVIL_CONFIG is consulted; if that is
// empty too, only defaults and environment variables are used.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnvKey)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies ANVIL_* variables on top of the file.
func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	dur := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ANVIL_BACKEND", &c.Backend)
	str("ANVIL_VBOXMANAGE", &c.VBoxManage)
	str("ANVIL_LIBVIRT_SOCKET", &c.Libvirt.Socket)
	str("ANVIL_LIBVIRT_STORAGE_POOL", &c.Libvirt.StoragePool)
	dur("ANVIL_PROBE_TIMEOUT", &c.ProbeTimeout)
	dur("ANVIL_OPERATION_TIMEOUT", &c.OperationTimeout)
	str("ANVIL_QUEUE_MODE", &c.QueueMode)
	str("ANVIL_SETTINGS_SYSTEM_PATH", &c.Settings.SystemPath)
	str("ANVIL_SETTINGS_USER_PATH", &c.Settings.UserPath)
	str("ANVIL_LOG_LEVEL", &c.Log.Level)
	str("ANVIL_METRICS_BIND", &c.Metrics.Bind)
	str("ANVIL_METRICS_PATH", &c.Metrics.Path)
	dur("ANVIL_SERVE_PROBE_INTERVAL", &c.Serve.ProbeInterval)

	if val := os.Getenv("ANVIL_LOG_DEVELOPMENT"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANVIL_LOG_DEVELOPMENT: %w", err))
		} else {
			c.Log.Development = b
		}
	}

	return errors.Join(errs...)
}

// Normalize sanitizes user input to consistent formats.
func (c *Config) Normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.QueueMode = strings.ToLower(strings.TrimSpace(c.QueueMode))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// Validate checks the configuration for errors. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendVBox:
		if c.VBoxManage == "" {
			errs = append(errs, errors.New("vboxManage cannot be empty with the vbox backend"))
		}
	case BackendLibvirt:
		if c.Libvirt.Socket == "" {
			errs = append(errs, errors.New("libvirt.socket cannot be empty with the libvirt backend"))
		}
		if c.Libvirt.StoragePool == "" {
			errs = append(errs, errors.New("libvirt.storagePool cannot be empty with the libvirt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be %s or %s, got %q", BackendVBox, BackendLibvirt, c.Backend))
	}

	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probeTimeout must be positive"))
	}
	if c.OperationTimeout < 0 {
		errs = append(errs, errors.New("operationTimeout cannot be negative"))
	}
	if _, err := queue.ParseMode(c.QueueMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Verbosity(); err != nil {
		errs = append(errs, err)
	}
	if c.Settings.SystemPath == "" && c.Settings.UserPath == "" {
		errs = append(errs, errors.New("at least one of settings.systemPath and settings.userPath is required"))
	}
	if c.Metrics.Bind == "" {
		errs = append(errs, errors.New("metrics.bind cannot be empty"))
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	if c.Serve.ProbeInterval <= 0 {
		errs = append(errs, errors.New("serve.probeInterval must be positive"))
	}

	return errors.Join(errs...)
}

// ParsedQueueMode returns the parsed queue mode.
func (c *Config) ParsedQueueMode() queue.Mode {
	mode, _ := queue.ParseMode(c.QueueMode)
	return mode
}

// Verbosity maps Log.Level to a logr verbosity. Error is negative and
// suppresses info messages.
func (c *Config) Verbosity() (int, error) {
	return ParseLogLevel(c.Log.Level)
}

// ParseLogLevel maps a level name to a logr verbosity.
func ParseLogLevel(level string) (int, error) {
	switch strings.ToLower(level) {
	case LogLevelError:
		return -1, nil
	case "", LogLevelInfo:
		return 0, nil
	case LogLevelDebug:
		return 1, nil
	case LogLevelTrace:
		return 4, nil
	default:
		return 0, fmt.Errorf("log.level must be error, info, debug or trace, got %q", level)
	}
}
