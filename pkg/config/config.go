// Package config loads node settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

const (
	DefaultListenAddress    = "tcp://127.0.0.1:5555"
	DefaultBroadcastAddress = "tcp://127.0.0.1:5556"
)

type Config struct {
	ID               string   `yaml:"id"`
	ListenAddress    string   `yaml:"listen_address"`
	BroadcastAddress string   `yaml:"broadcast_address"`
	CertFile         string   `yaml:"cert_file"`
	KeyFile          string   `yaml:"key_file"`
	HTTPAddress      string   `yaml:"http_address"` // empty disables the status endpoint
	EtcdEndpoints    []string `yaml:"etcd_endpoints"`

	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HealthInfo        string        `yaml:"health_info"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console
}

// Load reads path, if non-empty, then applies the environment. A missing id is
// replaced by a random UUID.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:    DefaultListenAddress,
		BroadcastAddress: DefaultBroadcastAddress,
		LogLevel:         "info",
		LogFormat:        "json",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ID, "SELF_ID")
	setString(&c.ListenAddress, "SELF_ADDR")
	setString(&c.BroadcastAddress, "BROADCAST_ADDR")
	setString(&c.CertFile, "TLS_CERT")
	setString(&c.KeyFile, "TLS_KEY")
	setString(&c.HTTPAddress, "HTTP_ADDR")
	setString(&c.HealthInfo, "HEALTH_INFO")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.EtcdEndpoints = c.EtcdEndpoints[:0]
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}

	return errors.Join(
		setDuration(&c.BroadcastInterval, "BROADCAST_INTERVAL"),
		setDuration(&c.ReapInterval, "REAP_INTERVAL"),
		setDuration(&c.RequestTimeout, "REQUEST_TIMEOUT"),
	)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Node converts the settings the runtime cares about.
func (c Config) Node() node.Config {
	return node.Config{
		ID:                c.ID,
		ListenAddress:     c.ListenAddress,
		BroadcastAddress:  c.BroadcastAddress,
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		BroadcastInterval: c.BroadcastInterval,
		ReapInterval:      c.ReapInterval,
		RequestTimeout:    c.RequestTimeout,
		HealthInfo:        c.HealthInfo,
	}
}

// Logger builds a zap logger honouring LogLevel and LogFormat.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: log_level: %w", err)
	}

	var zc zap.Config
	switch c.LogFormat {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("config: log_format: unknown format %q", c.LogFormat)
	}
	zc.Level = level
	return zc.Build()
}
