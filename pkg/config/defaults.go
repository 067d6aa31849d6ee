package config

import (
	"os"
	"strings"
)

// ApplyDefaults fills unspecified fields with the linuxmuster defaults.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyPathsDefaults(&cfg.Paths)
	applyAuthDefaults(&cfg.Auth)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyWatcherDefaults(&cfg.Watcher)
	applyNetworkDefaults(&cfg.Network)
	if cfg.School == "" {
		cfg.School = "default-school"
	}
	applyRedisDefaults(&cfg.Redis)
	applyWorkerDefaults(&cfg.Worker, cfg.School)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.ShutdownTimeoutSec == 0 {
		cfg.ShutdownTimeoutSec = 30
	}
}

func applyPathsDefaults(cfg *PathsConfig) {
	if cfg.DevicesCSV == "" {
		cfg.DevicesCSV = "/etc/linuxmuster/sophomorix/default-school/devices.csv"
	}
	if cfg.StartConfDir == "" {
		cfg.StartConfDir = "/srv/linbo"
	}
	if cfg.DeltaDB == "" {
		cfg.DeltaDB = "/var/lib/lmn-authority/delta.db"
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = "/srv/linbo/images"
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.IPAllowlist == "" {
		cfg.IPAllowlist = "10.0.0.0/16,127.0.0.0/8,::1/128"
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
}

func applyWatcherDefaults(cfg *WatcherConfig) {
	if cfg.DebounceMS == 0 {
		cfg.DebounceMS = 500
	}
}

func applyNetworkDefaults(cfg *NetworkConfig) {
	if cfg.ServerIP == "" {
		cfg.ServerIP = "10.0.0.1"
	}
	if cfg.Subnet == "" {
		cfg.Subnet = "10.0.0.0"
	}
	if cfg.Netmask == "" {
		cfg.Netmask = "255.255.0.0"
	}
	if cfg.Gateway == "" {
		cfg.Gateway = "10.0.0.254"
	}
	if cfg.DNS == "" {
		cfg.DNS = "10.0.0.1"
	}
	if cfg.Domain == "" {
		cfg.Domain = "linuxmuster.lan"
	}
	if cfg.DHCPInterface == "" {
		cfg.DHCPInterface = "eth0"
	}
}

func applyRedisDefaults(cfg *RedisConfig) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
}

func applyWorkerDefaults(cfg *WorkerConfig, school string) {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:3000/api/v1"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "linbo-internal-secret"
	}
	if cfg.ConsumerName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.ConsumerName = host
		} else {
			cfg.ConsumerName = "dc-worker"
		}
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "/var/log/macct"
	}
	if cfg.RepairScript == "" {
		cfg.RepairScript = "/usr/share/linuxmuster/linbo/repair_macct.py"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	sophomorixBase := "/etc/linuxmuster/sophomorix/" + school
	if cfg.DevicesCSVMaster == "" {
		cfg.DevicesCSVMaster = sophomorixBase + "/devices.csv"
	}
	if cfg.DevicesCSVDelta == "" {
		cfg.DevicesCSVDelta = sophomorixBase + "/linbo-docker.devices.csv"
	}
	if cfg.ImportScript == "" {
		cfg.ImportScript = "/usr/sbin/linuxmuster-import-devices"
	}
	if cfg.ProvisionLockFile == "" {
		cfg.ProvisionLockFile = "/var/lock/linbo-provision.lock"
	}
	if cfg.Domain == "" {
		cfg.Domain = "linuxmuster.lan"
	}
	cfg.DHCPVerifyFile = strings.ReplaceAll(cfg.DHCPVerifyFile, "{school}", school)
	if cfg.RevDNSOctets == 0 {
		cfg.RevDNSOctets = 3
	}
	if cfg.ProvisionBatchSize == 0 {
		cfg.ProvisionBatchSize = 50
	}
	if cfg.ProvisionDebounceSec == 0 {
		cfg.ProvisionDebounceSec = 5
	}
}
