package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls tls certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds an optional shared secret gating who may open a control
// channel to the relay at all. Empty disables the check; this is unrelated
// to authorizing which agent ID a controller may tunnel to.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls the control-channel websocket endpoint.
type TunnelConfig struct {
	Path             string        `yaml:"path"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Addr: "0.0.0.0:7070"},
		Tunnel: TunnelConfig{
			Path:             "/ws",
			HeartbeatTimeout: 90 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
