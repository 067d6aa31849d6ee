// Package config loads the lmn-authority configuration from file,
// environment and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// Config is the full lmn-authority configuration, covering both the API
// server and the DC worker.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (LINBO_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP API listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Paths locates the filesystem sources of truth.
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`

	// Auth configures bearer token and network access control.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// RateLimit configures per-token request limiting.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Watcher configures filesystem change detection.
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`

	// Network holds the site network layout used for DHCP export.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// School is the sophomorix school identifier stamped into host records.
	School string `mapstructure:"school" yaml:"school"`

	// Redis configures the job stream connection.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Worker configures the DC worker process.
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec" validate:"min=0" yaml:"shutdown_timeout_sec"`
}

// PathsConfig locates the filesystem sources read by the API.
type PathsConfig struct {
	// DevicesCSV is the sophomorix master inventory file.
	DevicesCSV string `mapstructure:"devices_csv" validate:"required" yaml:"devices_csv"`

	// StartConfDir holds the start.conf.<group> files.
	StartConfDir string `mapstructure:"start_conf_dir" validate:"required" yaml:"start_conf_dir"`

	// DeltaDB is the SQLite changelog database.
	DeltaDB string `mapstructure:"delta_db" validate:"required" yaml:"delta_db"`

	// ImagesDir holds the LINBO image store.
	ImagesDir string `mapstructure:"images_dir" yaml:"images_dir"`
}

// AuthConfig configures API access control.
type AuthConfig struct {
	// BearerTokensFile is a file with one token per line (preferred source).
	BearerTokensFile string `mapstructure:"bearer_tokens_file" yaml:"bearer_tokens_file"`

	// BearerTokens is a comma-separated fallback when no file is set.
	BearerTokens string `mapstructure:"bearer_tokens" yaml:"bearer_tokens"`

	// IPAllowlist is a comma-separated CIDR list. Empty allows everything.
	IPAllowlist string `mapstructure:"ip_allowlist" yaml:"ip_allowlist"`

	// TrustProxyHeaders honors X-Forwarded-For for client IP resolution.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// RateLimitConfig configures per-token rate limiting.
type RateLimitConfig struct {
	// RequestsPerMinute per bearer token. 0 disables limiting.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"min=0" yaml:"requests_per_minute"`
}

// WatcherConfig configures filesystem change detection.
type WatcherConfig struct {
	DebounceMS int `mapstructure:"debounce_ms" validate:"min=0" yaml:"debounce_ms"`
}

// NetworkConfig is the site network layout used for DHCP export.
type NetworkConfig struct {
	ServerIP      string `mapstructure:"server_ip" yaml:"server_ip"`
	Subnet        string `mapstructure:"subnet" yaml:"subnet"`
	Netmask       string `mapstructure:"netmask" yaml:"netmask"`
	Gateway       string `mapstructure:"gateway" yaml:"gateway"`
	DNS           string `mapstructure:"dns" yaml:"dns"`
	Domain        string `mapstructure:"domain" yaml:"domain"`
	DHCPInterface string `mapstructure:"dhcp_interface" yaml:"dhcp_interface"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RedisConfig configures the Redis connection for the job stream.
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" validate:"min=0" yaml:"db"`
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerConfig configures the DC worker.
type WorkerConfig struct {
	// APIURL is the base URL of the ops API the worker reports to.
	APIURL string `mapstructure:"api_url" yaml:"api_url"`

	// APIKey authenticates worker callbacks via X-Internal-Key.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// ConsumerName identifies this worker in the consumer group.
	// Defaults to the hostname.
	ConsumerName string `mapstructure:"consumer_name" yaml:"consumer_name"`

	// LogDir receives per-operation repair script logs.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// RepairScript is the machine account repair tool.
	RepairScript string `mapstructure:"repair_script" yaml:"repair_script"`

	// MaxRetries bounds per-job retry attempts before the DLQ.
	MaxRetries int `mapstructure:"max_retries" validate:"min=1" yaml:"max_retries"`

	// Provisioning settings.
	DevicesCSVMaster  string `mapstructure:"devices_csv_master" yaml:"devices_csv_master"`
	DevicesCSVDelta   string `mapstructure:"devices_csv_delta" yaml:"devices_csv_delta"`
	ImportScript      string `mapstructure:"import_script" yaml:"import_script"`
	ProvisionLockFile string `mapstructure:"provision_lock_file" yaml:"provision_lock_file"`
	Domain            string `mapstructure:"domain" yaml:"domain"`
	DHCPVerifyFile    string `mapstructure:"dhcp_verify_file" yaml:"dhcp_verify_file"`
	SambaToolAuth     string `mapstructure:"samba_tool_auth" yaml:"samba_tool_auth"`
	RevDNSOctets      int    `mapstructure:"rev_dns_octets" validate:"min=1,max=3" yaml:"rev_dns_octets"`

	ProvisionBatchSize   int `mapstructure:"provision_batch_size" validate:"min=1" yaml:"provision_batch_size"`
	ProvisionDebounceSec int `mapstructure:"provision_debounce_sec" validate:"min=0" yaml:"provision_debounce_sec"`
}

// Load loads configuration from file, environment and defaults.
// An empty configPath skips the file and uses environment plus defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Environment variables use the LINBO_ prefix with underscores,
	// e.g. LINBO_LOGGING_LEVEL=DEBUG or LINBO_AUTH_BEARER_TOKENS=t1,t2.
	v.SetEnvPrefix("LINBO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// bindKeys registers every config key with viper so AutomaticEnv can see
// keys that never appear in a config file.
func bindKeys(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.host", "server.port", "server.shutdown_timeout_sec",
		"paths.devices_csv", "paths.start_conf_dir", "paths.delta_db", "paths.images_dir",
		"auth.bearer_tokens_file", "auth.bearer_tokens", "auth.ip_allowlist", "auth.trust_proxy_headers",
		"rate_limit.requests_per_minute",
		"watcher.debounce_ms",
		"network.server_ip", "network.subnet", "network.netmask", "network.gateway",
		"network.dns", "network.domain", "network.dhcp_interface",
		"metrics.enabled",
		"school",
		"redis.host", "redis.port", "redis.password", "redis.db",
		"worker.api_url", "worker.api_key", "worker.consumer_name", "worker.log_dir",
		"worker.repair_script", "worker.max_retries",
		"worker.devices_csv_master", "worker.devices_csv_delta", "worker.import_script",
		"worker.provision_lock_file", "worker.domain", "worker.dhcp_verify_file",
		"worker.samba_tool_auth", "worker.rev_dns_octets",
		"worker.provision_batch_size", "worker.provision_debounce_sec",
	} {
		v.SetDefault(key, nil)
	}
}

// Validate checks the configuration against the struct validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// ResolveTokens loads the bearer token set: file lines first (comments and
// blanks skipped), falling back to the comma-separated env value.
func (c *AuthConfig) ResolveTokens() map[string]struct{} {
	tokens := map[string]struct{}{}

	if c.BearerTokensFile != "" {
		data, err := os.ReadFile(c.BearerTokensFile)
		if err != nil {
			logger.Warn("token file not readable, falling back to inline tokens",
				logger.KeyPath, c.BearerTokensFile, logger.KeyError, err)
		} else {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" && !strings.HasPrefix(line, "#") {
					tokens[line] = struct{}{}
				}
			}
			if len(tokens) > 0 {
				logger.Info("loaded bearer tokens from file",
					logger.KeyPath, c.BearerTokensFile, logger.KeyCount, len(tokens))
				return tokens
			}
		}
	}

	for _, t := range strings.Split(c.BearerTokens, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens[t] = struct{}{}
		}
	}
	if len(tokens) > 0 {
		logger.Info("loaded bearer tokens from environment", logger.KeyCount, len(tokens))
	}
	return tokens
}

// ParseAllowlist parses the comma-separated CIDR allowlist. Invalid
// entries are logged and skipped. An empty result means allow all.
func (c *AuthConfig) ParseAllowlist() []*net.IPNet {
	var networks []*net.IPNet
	for _, entry := range strings.Split(c.IPAllowlist, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn("invalid network in allowlist", "entry", entry)
			continue
		}
		networks = append(networks, network)
	}
	return networks
}
