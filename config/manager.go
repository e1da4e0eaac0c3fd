// Package config loads the driver manager's settings and its device
// topology files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-cased yaml key of every setting
// that can be overridden from the environment.
const EnvPrefix = "NX_DRIVER_MANAGER_"

// Defaults
const (
	DefaultListenAddress = "127.0.0.1:7300"
	DefaultHTTPAddress   = "127.0.0.1:8091"
	DefaultSweepInterval = 30 * time.Second
	DefaultRPCTimeout    = 10 * time.Second
	DefaultLogLevel      = "info"
)

// Manager is the driver manager daemon configuration.
type Manager struct {
	// ListenAddress serves the DriverRunner and Node gRPC services.
	ListenAddress string `yaml:"listen_address"`
	// HTTPAddress serves introspection and /metrics.
	HTTPAddress string `yaml:"http_address"`

	IndexAddress string `yaml:"index_address"`
	RealmAddress string `yaml:"realm_address"`

	DriverHostURL string `yaml:"driver_host_url"`
	LoaderAddress string `yaml:"loader_address"`
	RootDriverURL string `yaml:"root_driver_url"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`

	// Topology lists HCL files or directories of device groups and
	// bind program composites.
	Topology []string `yaml:"topology"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path loads from the environment only.
func Load(path string, getenv func(string) string) (*Manager, error) {
	m := &Manager{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if m, err = Parse(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if getenv != nil {
		if err := m.ApplyEnv(getenv); err != nil {
			return nil, err
		}
	}
	m.SetDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(r io.Reader) (*Manager, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := &Manager{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return m, nil
}

// ApplyEnv overrides settings from NX_DRIVER_MANAGER_* variables.
func (m *Manager) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	var errs error
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}

	str("LISTEN_ADDRESS", &m.ListenAddress)
	str("HTTP_ADDRESS", &m.HTTPAddress)
	str("INDEX_ADDRESS", &m.IndexAddress)
	str("REALM_ADDRESS", &m.RealmAddress)
	str("DRIVER_HOST_URL", &m.DriverHostURL)
	str("LOADER_ADDRESS", &m.LoaderAddress)
	str("ROOT_DRIVER_URL", &m.RootDriverURL)
	str("LOG_LEVEL", &m.LogLevel)
	dur("SWEEP_INTERVAL", &m.SweepInterval)
	dur("RPC_TIMEOUT", &m.RPCTimeout)
	if v := strings.TrimSpace(getenv(EnvPrefix + "TOPOLOGY")); v != "" {
		m.Topology = strings.Split(v, string(os.PathListSeparator))
	}
	return errs
}

func (m *Manager) SetDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = DefaultListenAddress
	}
	if m.HTTPAddress == "" {
		m.HTTPAddress = DefaultHTTPAddress
	}
	if m.SweepInterval <= 0 {
		m.SweepInterval = DefaultSweepInterval
	}
	if m.RPCTimeout <= 0 {
		m.RPCTimeout = DefaultRPCTimeout
	}
	if m.LogLevel == "" {
		m.LogLevel = DefaultLogLevel
	}
}

// Validate reports every problem with m at once.
func (m *Manager) Validate() error {
	var errs error
	if m.IndexAddress == "" {
		errs = multierr.Append(errs, errors.New("index_address is required"))
	}
	if m.RealmAddress == "" {
		errs = multierr.Append(errs, errors.New("realm_address is required"))
	}
	if _, err := zapcore.ParseLevel(m.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log_level: %w", err))
	}
	if m.RootDriverURL != "" && !strings.Contains(m.RootDriverURL, "://") {
		errs = multierr.Append(errs, fmt.Errorf("root_driver_url %q has no scheme", m.RootDriverURL))
	}
	return errs
}

// Level returns the zap level named by LogLevel, or info.
func (m *Manager) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(m.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
