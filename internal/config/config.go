// Package config loads MasterConfig and AgentConfig from file, environment
// and flags with viper, the way the control plane expects every operator
// knob in spec sections 5 and 6 to be set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// MasterConfig holds everything helios-master needs to boot.
type MasterConfig struct {
	Server          ServerConfig       `mapstructure:"server"`
	Coordination    CoordinationConfig `mapstructure:"coordination"`
	Logging         LoggingConfig      `mapstructure:"logging"`
	HistoryRetention int               `mapstructure:"history_retention"`
	StrictHosts     bool               `mapstructure:"strict_hosts"`
}

// AgentConfig holds everything helios-agent needs to boot.
type AgentConfig struct {
	Hostname         string             `mapstructure:"hostname"`
	Coordination     CoordinationConfig `mapstructure:"coordination"`
	Docker           DockerConfig       `mapstructure:"docker"`
	Logging          LoggingConfig      `mapstructure:"logging"`
	Ports            PortRangeConfig    `mapstructure:"ports"`
	Consul           ConsulConfig       `mapstructure:"consul"`
	HistoryRetention int                `mapstructure:"history_retention"`
}

// ServerConfig configures the Master's HTTP RPC listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CoordinationConfig points at the coordination store ensemble.
type CoordinationConfig struct {
	ConnectString string `mapstructure:"connect_string"`
	Namespace     string `mapstructure:"namespace"`
}

// DockerConfig configures the agent's container runtime client.
type DockerConfig struct {
	Host    string `mapstructure:"host"`
	Version string `mapstructure:"version"`
}

// PortRangeConfig bounds the ephemeral host ports an agent may hand out,
// defaulting to spec section 6's 20000-32768 range.
type PortRangeConfig struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// ConsulConfig configures the agent's best-effort service registration.
type ConsulConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging configuration shared by both binaries.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultMasterConfig returns the Master's out-of-the-box configuration.
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5801,
		},
		Coordination: CoordinationConfig{
			ConnectString: "localhost:2181",
			Namespace:     "/helios",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HistoryRetention: 30,
		StrictHosts:      true,
	}
}

// DefaultAgentConfig returns the Agent's out-of-the-box configuration.
func DefaultAgentConfig() *AgentConfig {
	hostname, _ := os.Hostname()
	return &AgentConfig{
		Hostname: hostname,
		Coordination: CoordinationConfig{
			ConnectString: "localhost:2181",
			Namespace:     "/helios",
		},
		Docker: DockerConfig{
			Host:    "unix:///var/run/docker.sock",
			Version: "1.41",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Ports: PortRangeConfig{
			Start: 20000,
			End:   32768,
		},
		Consul: ConsulConfig{
			Enabled: false,
			Address: "127.0.0.1:8500",
		},
		HistoryRetention: 30,
	}
}

// LoadMaster loads MasterConfig from configPath (or the default search
// path when empty), environment variables prefixed HELIOS_MASTER, and
// applies validation.
func LoadMaster(configPath string) (*MasterConfig, error) {
	v := newViper("helios-master", "HELIOS_MASTER")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	cfg := DefaultMasterConfig()
	if err := readInto(v, configPath, cfg); err != nil {
		return nil, err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return nil, err
	}
	if cfg.HistoryRetention < 0 {
		return nil, fmt.Errorf("history_retention must be >= 0, got %d", cfg.HistoryRetention)
	}
	return cfg, nil
}

// LoadAgent loads AgentConfig from configPath (or the default search path
// when empty), environment variables prefixed HELIOS_AGENT, and applies
// validation.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := newViper("helios-agent", "HELIOS_AGENT")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	cfg := DefaultAgentConfig()
	if err := readInto(v, configPath, cfg); err != nil {
		return nil, err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return nil, err
	}
	if cfg.Ports.Start <= 0 || cfg.Ports.End <= cfg.Ports.Start {
		return nil, fmt.Errorf("invalid port range [%d, %d]", cfg.Ports.Start, cfg.Ports.End)
	}
	if cfg.HistoryRetention < 0 {
		return nil, fmt.Errorf("history_retention must be >= 0, got %d", cfg.HistoryRetention)
	}
	return cfg, nil
}

func newViper(name, envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.helios")
	v.AddConfigPath("/etc/helios")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func readInto(v *viper.Viper, configPath string, target interface{}) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
		if configPath != "" {
			return fmt.Errorf("reading config %s: %w", configPath, err)
		}
		// No config file anywhere in the search path: the defaults
		// stand. AutomaticEnv only overrides keys viper already knows
		// from a config file, so no environment variable applies here.
	}
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "fatal": true, "panic": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
	return nil
}

// ConfigDir returns the per-user Helios config directory, mirroring the
// layout the default search path of LoadMaster and LoadAgent expects.
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".helios"), nil
}
