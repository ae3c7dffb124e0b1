// Package config provides configuration management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator process.
type Config struct {
	Broker      BrokerConfig      `mapstructure:"broker"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Cosign      CosignConfig      `mapstructure:"cosign"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Docker      DockerConfig      `mapstructure:"docker"`
	VM          VMConfig          `mapstructure:"vm"`
}

// DockerConfig holds Docker client configuration for the container backend.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// VMConfig holds configuration for the VM backend.
type VMConfig struct {
	// TemplateDir holds named template VM packages that provision clones from.
	TemplateDir string `mapstructure:"templateDir"`
	// InstancesDir holds cloned VM package directories.
	InstancesDir string `mapstructure:"instancesDir"`
	// SSHUser is the guest user used for SSH exec/configure.
	SSHUser string `mapstructure:"sshUser"`
	// SSHKeyPath is the private key used to authenticate to guests.
	SSHKeyPath string `mapstructure:"sshKeyPath"`
	// Bridged indicates guests get a routable IP via a bridged NIC,
	// discovered by ARP. When false, guests are only reachable through
	// the host-forwarded SSH port.
	Bridged bool `mapstructure:"bridged"`
}

// BrokerConfig holds external command-channel (NATS) configuration.
type BrokerConfig struct {
	// URL is the NATS server URL. Empty disables the external channel entirely,
	// falling back to the in-guest terminal bridge for every session.
	URL           string `mapstructure:"url"`
	TopicPrefix   string `mapstructure:"topicPrefix"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentsConfig holds agent-catalog loading configuration.
type AgentsConfig struct {
	// Directory holds one agent-definition file per agent.
	Directory string `mapstructure:"directory"`
}

// LifecycleConfig holds session-lifecycle defaults.
type LifecycleConfig struct {
	// PortRangeStart is the first host port scanned for container sessions.
	PortRangeStart int `mapstructure:"portRangeStart"`
	// SecretsRoot is loaded from configuration but not read by any component;
	// hardened container sessions receive their secrets as one env file at
	// /run/secrets/session.env inside the container, not as per-secret files.
	SecretsRoot string `mapstructure:"secretsRoot"`
	// HardenedByDefault controls whether sessions are hardened unless overridden.
	HardenedByDefault bool `mapstructure:"hardenedByDefault"`
	// DefaultTTLSeconds is used when a session is provisioned without an explicit TTL.
	DefaultTTLSeconds int64 `mapstructure:"defaultTTLSeconds"`
	// TokenTTLSeconds is the default lifetime of a token issued for a task.
	TokenTTLSeconds int64 `mapstructure:"tokenTTLSeconds"`
}

// MonitorConfig holds health-monitor tick/timeout configuration.
type MonitorConfig struct {
	TickIntervalSeconds   int `mapstructure:"tickIntervalSeconds"`
	HealthTimeoutSeconds  int `mapstructure:"healthTimeoutSeconds"`
}

// PersistenceConfig holds snapshot flush configuration.
type PersistenceConfig struct {
	SnapshotPath            string `mapstructure:"snapshotPath"`
	FlushIntervalSeconds     int    `mapstructure:"flushIntervalSeconds"`
	AuditLogRetention        int    `mapstructure:"auditLogRetention"`
}

// CosignConfig holds image-verification policy configuration (the core calls
// the verification port with these settings; it does not implement verification).
type CosignConfig struct {
	// Mode is one of "off", "warn", "enforce".
	Mode     string `mapstructure:"mode"`
	Strategy string `mapstructure:"strategy"` // "keyless" or "key"
	Issuer   string `mapstructure:"issuer"`
	Identity string `mapstructure:"identity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (m *MonitorConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalSeconds) * time.Second
}

func (m *MonitorConfig) HealthTimeout() time.Duration {
	return time.Duration(m.HealthTimeoutSeconds) * time.Second
}

func (p *PersistenceConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalSeconds) * time.Second
}

func (l *LifecycleConfig) DefaultTTL() time.Duration {
	return time.Duration(l.DefaultTTLSeconds) * time.Second
}

func (l *LifecycleConfig) TokenTTL() time.Duration {
	return time.Duration(l.TokenTTLSeconds) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.topicPrefix", "brainbox")
	v.SetDefault("broker.clientName", "orchestrator")
	v.SetDefault("broker.maxReconnects", 10)

	v.SetDefault("agents.directory", "./agents")

	v.SetDefault("lifecycle.portRangeStart", 7681)
	v.SetDefault("lifecycle.secretsRoot", "/var/run/orchestrator/secrets")
	v.SetDefault("lifecycle.hardenedByDefault", false)
	v.SetDefault("lifecycle.defaultTTLSeconds", 0)
	v.SetDefault("lifecycle.tokenTTLSeconds", 3600)

	v.SetDefault("monitor.tickIntervalSeconds", 5)
	v.SetDefault("monitor.healthTimeoutSeconds", 10)

	v.SetDefault("persistence.snapshotPath", "./orchestrator-state.json")
	v.SetDefault("persistence.flushIntervalSeconds", 30)
	v.SetDefault("persistence.auditLogRetention", 1000)

	v.SetDefault("cosign.mode", "off")
	v.SetDefault("cosign.strategy", "keyless")
	v.SetDefault("cosign.issuer", "")
	v.SetDefault("cosign.identity", "")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("vm.templateDir", "/var/lib/orchestrator/vm-templates")
	v.SetDefault("vm.instancesDir", "/var/lib/orchestrator/vm-instances")
	v.SetDefault("vm.sshUser", "orchestrator")
	v.SetDefault("vm.sshKeyPath", "")
	v.SetDefault("vm.bridged", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHESTRATOR_ followed by the key
// upper-cased with dots replaced by underscores (broker.topicPrefix is read
// from ORCHESTRATOR_BROKER_TOPICPREFIX).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Lifecycle.PortRangeStart <= 0 || cfg.Lifecycle.PortRangeStart > 65535 {
		errs = append(errs, "lifecycle.portRangeStart must be between 1 and 65535")
	}
	if cfg.Lifecycle.TokenTTLSeconds <= 0 {
		errs = append(errs, "lifecycle.tokenTTLSeconds must be positive")
	}
	if cfg.Persistence.AuditLogRetention <= 0 {
		errs = append(errs, "persistence.auditLogRetention must be positive")
	}

	validModes := map[string]bool{"off": true, "warn": true, "enforce": true}
	if !validModes[strings.ToLower(cfg.Cosign.Mode)] {
		errs = append(errs, "cosign.mode must be one of: off, warn, enforce")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
