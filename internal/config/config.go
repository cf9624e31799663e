package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion         = 1
	DefaultPath           = "/etc/fusionsolar/config.yaml"
	DefaultGRPCAddr       = "0.0.0.0:9000"
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultDashboardDir   = "/var/lib/fusionsolar/dashboards"
	DefaultStateDir       = "/var/lib/fusionsolar/state"
	DefaultBlobPrefix     = "fusionsolar/state"
	DefaultDiscoveryTopic = "homeassistant"
	DefaultTopicPrefix    = "fusionsolar"
	DefaultHistoryTable   = "fusionsolar_readings"

	DefaultHost                  = "la5.fusionsolar.huawei.com"
	DefaultPollIntervalSeconds   = 60
	DefaultRequestTimeoutSeconds = 15

	MinPollIntervalSeconds   = 30
	MaxPollIntervalSeconds   = 3600
	MinRequestTimeoutSeconds = 5
	MaxRequestTimeoutSeconds = 120
)

// Config is the root of the YAML config file.
type Config struct {
	SchemaVersion int                `yaml:"schema_version"`
	Core          *CoreConfig        `yaml:"core,omitempty"`
	State         *StateConfig       `yaml:"state,omitempty"`
	MQTT          *MQTTConfig        `yaml:"mqtt,omitempty"`
	History       *HistoryConfig     `yaml:"history,omitempty"`
	FusionSolar   *FusionSolarConfig `yaml:"fusionsolar,omitempty"`
}

type CoreConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	DashboardDir string `yaml:"dashboard_dir"`
}

// StateConfig controls where session state is persisted. Blob fields are
// optional; when set, state is mirrored to S3-compatible storage.
type StateConfig struct {
	Dir               string `yaml:"dir"`
	BlobEndpoint      string `yaml:"blob_endpoint,omitempty"`
	BlobBucket        string `yaml:"blob_bucket,omitempty"`
	BlobPrefix        string `yaml:"blob_prefix,omitempty"`
	BlobRegion        string `yaml:"blob_region,omitempty"`
	BlobAccessKeyFile string `yaml:"blob_access_key_file,omitempty"`
	BlobSecretKeyFile string `yaml:"blob_secret_key_file,omitempty"`
}

func (s *StateConfig) BlobEnabled() bool {
	return s != nil && s.BlobEndpoint != ""
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username,omitempty"`
	PasswordFile    string `yaml:"password_file,omitempty"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

type HistoryConfig struct {
	ClickHouseAddr string `yaml:"clickhouse_addr"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username,omitempty"`
	PasswordFile   string `yaml:"password_file,omitempty"`
	Table          string `yaml:"table"`
}

type FusionSolarConfig struct {
	Accounts []Account `yaml:"accounts"`
}

// Account holds one FusionSolar login plus its polling options.
type Account struct {
	Username              string            `yaml:"username"`
	PasswordFile          string            `yaml:"password_file,omitempty"`
	PasswordEnv           string            `yaml:"password_env,omitempty"`
	HostOverride          string            `yaml:"host_override,omitempty"`
	EffectiveHost         string            `yaml:"effective_host,omitempty"`
	VerifySSL             *bool             `yaml:"verify_ssl,omitempty"`
	PollIntervalSeconds   int               `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds int               `yaml:"request_timeout_seconds"`
	EnabledPlantIDs       []string          `yaml:"enabled_plant_ids,omitempty"`
	PlantIndex            map[string]string `yaml:"plant_index,omitempty"`
}

// UniqueID identifies an account by normalized username and host.
func (a Account) UniqueID() string {
	host := NormalizeHost(a.EffectiveHost)
	if host == "" {
		host = NormalizeHost(a.HostOverride)
	}
	if host == "" {
		host = DefaultHost
	}
	return strings.ToLower(strings.TrimSpace(a.Username)) + "@" + host
}

func (a Account) VerifySSLEnabled() bool {
	return a.VerifySSL == nil || *a.VerifySSL
}

// Password resolves the account password from its file or environment.
func (a Account) Password() (string, error) {
	if a.PasswordFile != "" {
		return ReadSecretFile(a.PasswordFile)
	}
	if a.PasswordEnv != "" {
		value := strings.TrimSpace(os.Getenv(a.PasswordEnv))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", a.PasswordEnv)
		}
		return value, nil
	}
	return "", errors.New("password_file or password_env is required")
}

// NormalizeHost lowercases a host and strips scheme and trailing slashes.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg at path, creating the parent directory.
func Write(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyDefaults fills unset fields, exported for programmatic configs.
func ApplyDefaults(cfg *Config) {
	applyDefaults(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = SchemaVersion
	}
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}

	if cfg.State == nil {
		cfg.State = &StateConfig{}
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = DefaultStateDir
	}
	if cfg.State.BlobEnabled() && cfg.State.BlobPrefix == "" {
		cfg.State.BlobPrefix = DefaultBlobPrefix
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.DiscoveryPrefix == "" {
			cfg.MQTT.DiscoveryPrefix = DefaultDiscoveryTopic
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
	}

	if cfg.History != nil && cfg.History.Table == "" {
		cfg.History.Table = DefaultHistoryTable
	}

	if cfg.FusionSolar != nil {
		for i := range cfg.FusionSolar.Accounts {
			account := &cfg.FusionSolar.Accounts[i]
			account.HostOverride = NormalizeHost(account.HostOverride)
			if account.PollIntervalSeconds == 0 {
				account.PollIntervalSeconds = DefaultPollIntervalSeconds
			}
			if account.RequestTimeoutSeconds == 0 {
				account.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
			}
		}
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core == nil {
		return fmt.Errorf("core config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	if cfg.State != nil && cfg.State.BlobEnabled() {
		if cfg.State.BlobBucket == "" {
			return fmt.Errorf("state.blob_bucket is required")
		}
		if cfg.State.BlobAccessKeyFile == "" {
			return fmt.Errorf("state.blob_access_key_file is required")
		}
		if cfg.State.BlobSecretKeyFile == "" {
			return fmt.Errorf("state.blob_secret_key_file is required")
		}
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.History != nil && cfg.History.ClickHouseAddr == "" {
		return fmt.Errorf("history.clickhouse_addr is required")
	}

	if cfg.FusionSolar != nil {
		seen := make(map[string]bool)
		for i, account := range cfg.FusionSolar.Accounts {
			if err := ValidateAccount(account); err != nil {
				return fmt.Errorf("fusionsolar.accounts[%d]: %w", i, err)
			}
			id := account.UniqueID()
			if seen[id] {
				return fmt.Errorf("fusionsolar.accounts[%d]: duplicate account %s", i, id)
			}
			seen[id] = true
		}
	}

	return nil
}

// ValidateAccount checks credentials presence and option ranges.
func ValidateAccount(account Account) error {
	if strings.TrimSpace(account.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if account.PasswordFile == "" && account.PasswordEnv == "" {
		return fmt.Errorf("password_file or password_env is required")
	}
	if account.PollIntervalSeconds < MinPollIntervalSeconds || account.PollIntervalSeconds > MaxPollIntervalSeconds {
		return fmt.Errorf("poll_interval_seconds must be between %d and %d", MinPollIntervalSeconds, MaxPollIntervalSeconds)
	}
	if account.RequestTimeoutSeconds < MinRequestTimeoutSeconds || account.RequestTimeoutSeconds > MaxRequestTimeoutSeconds {
		return fmt.Errorf("request_timeout_seconds must be between %d and %d", MinRequestTimeoutSeconds, MaxRequestTimeoutSeconds)
	}
	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	// Enabled without accounts too; a reload may add them.
	if cfg.FusionSolar != nil {
		enabled["fusionsolar"] = true
	}
	return enabled
}

// FindAccount returns the index of the account with the given unique ID.
func (c *Config) FindAccount(uniqueID string) int {
	if c == nil || c.FusionSolar == nil {
		return -1
	}
	for i, account := range c.FusionSolar.Accounts {
		if account.UniqueID() == uniqueID {
			return i
		}
	}
	return -1
}

func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	// Only the line ending is dropped; spaces can be part of a password.
	value := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return value, nil
}
