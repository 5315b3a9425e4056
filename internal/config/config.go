// Package config loads collector configuration from the environment.
//
// Instances are declared with indexed variables (PVE_HOST_1, PVE_HOST_2,
// PBS_HOST_1, ...); the unindexed form (PVE_HOST) declares a single
// instance. A .env file in the data directory or the working directory is
// loaded first so deployments can override without touching the unit file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the full collector configuration.
type Config struct {
	PVEInstances []PVEInstance
	PBSInstances []PBSInstance

	DataDir           string
	LogLevel          string
	LogFormat         string // json, console or auto
	ConnectionTimeout time.Duration

	DiscoveryInterval time.Duration // full inventory + backup discovery
	MetricsInterval   time.Duration // lightweight node/guest metrics
	BackupHistoryDays int           // how far back to reconstruct backup runs

	MetricsListen string // prometheus endpoint, empty disables
}

// PVEInstance represents one configured Proxmox VE connection.
type PVEInstance struct {
	Name        string
	Host        string // Primary endpoint (user-provided)
	User        string
	Password    string
	TokenName   string
	TokenValue  string
	Fingerprint string
	VerifySSL   bool

	// MonitorBackups controls whether vzdump history, backup volumes and
	// guest snapshots are collected from this endpoint.
	MonitorBackups bool
}

// PBSInstance represents a Proxmox Backup Server connection.
type PBSInstance struct {
	Name        string
	Host        string
	User        string
	Password    string
	TokenName   string
	TokenValue  string
	Fingerprint string
	VerifySSL   bool

	// NamespaceAuto enables recursive namespace discovery. When false only
	// the namespaces listed in Namespaces are polled (root if empty).
	NamespaceAuto bool
	Namespaces    []string
	// Include/exclude glob patterns applied to discovered namespace paths.
	// Exclude wins over include.
	NamespaceInclude []string
	NamespaceExclude []string
}

// Load reads configuration from .env files and the environment.
func Load() (*Config, error) {
	dataDir := "/etc/pulse"
	if dir := os.Getenv("PULSE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try the working directory for development.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:           dataDir,
		LogLevel:          "info",
		LogFormat:         "auto",
		ConnectionTimeout: 10 * time.Second,
		DiscoveryInterval: 5 * time.Minute,
		MetricsInterval:   10 * time.Second,
		BackupHistoryDays: 365,
		MetricsListen:     ":9091",
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("CONNECTION_TIMEOUT"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			cfg.ConnectionTimeout = time.Duration(seconds) * time.Second
		} else {
			log.Warn().Str("value", v).Msg("Invalid CONNECTION_TIMEOUT, using default")
		}
	}
	if v := os.Getenv("DISCOVERY_INTERVAL"); v != "" {
		if d, err := parseInterval(v); err == nil {
			cfg.DiscoveryInterval = d
		} else {
			log.Warn().Str("value", v).Msg("Invalid DISCOVERY_INTERVAL, using default")
		}
	}
	if v := os.Getenv("METRICS_INTERVAL"); v != "" {
		if d, err := parseInterval(v); err == nil {
			cfg.MetricsInterval = d
		} else {
			log.Warn().Str("value", v).Msg("Invalid METRICS_INTERVAL, using default")
		}
	}
	if v := os.Getenv("BACKUP_HISTORY_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.BackupHistoryDays = days
		} else {
			log.Warn().Str("value", v).Msg("Invalid BACKUP_HISTORY_DAYS, using default")
		}
	}
	if v, ok := os.LookupEnv("METRICS_LISTEN"); ok {
		cfg.MetricsListen = v
	}

	cfg.PVEInstances = loadPVEInstances()
	cfg.PBSInstances = loadPBSInstances()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Int("pveInstances", len(cfg.PVEInstances)).
		Int("pbsInstances", len(cfg.PBSInstances)).
		Int("backupHistoryDays", cfg.BackupHistoryDays).
		Msg("Configuration loaded")

	return cfg, nil
}

// parseInterval accepts either a bare seconds count or a Go duration string.
func parseInterval(v string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("interval must be positive")
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

// envIndexed looks up KEY_N, falling back to the bare KEY for index 1 so a
// single-instance setup needs no suffix.
func envIndexed(key string, index int) string {
	if v := os.Getenv(fmt.Sprintf("%s_%d", key, index)); v != "" {
		return v
	}
	if index == 1 {
		return os.Getenv(key)
	}
	return ""
}

func envBoolIndexed(key string, index int, def bool) bool {
	v := envIndexed(key, index)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean value, using default")
	return def
}

func splitPatterns(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadPVEInstances() []PVEInstance {
	var instances []PVEInstance
	for i := 1; ; i++ {
		host := envIndexed("PVE_HOST", i)
		if host == "" {
			break
		}

		name := envIndexed("PVE_NAME", i)
		if name == "" {
			name = fmt.Sprintf("pve-%d", i)
		}

		instances = append(instances, PVEInstance{
			Name:           name,
			Host:           host,
			User:           envIndexed("PVE_USER", i),
			Password:       envIndexed("PVE_PASSWORD", i),
			TokenName:      envIndexed("PVE_TOKEN_NAME", i),
			TokenValue:     envIndexed("PVE_TOKEN_VALUE", i),
			Fingerprint:    envIndexed("PVE_FINGERPRINT", i),
			VerifySSL:      envBoolIndexed("PVE_VERIFY_SSL", i, false),
			MonitorBackups: envBoolIndexed("PVE_MONITOR_BACKUPS", i, true),
		})
	}
	return instances
}

func loadPBSInstances() []PBSInstance {
	var instances []PBSInstance
	for i := 1; ; i++ {
		host := envIndexed("PBS_HOST", i)
		if host == "" {
			break
		}

		name := envIndexed("PBS_NAME", i)
		if name == "" {
			name = fmt.Sprintf("pbs-%d", i)
		}

		instances = append(instances, PBSInstance{
			Name:             name,
			Host:             host,
			User:             envIndexed("PBS_USER", i),
			Password:         envIndexed("PBS_PASSWORD", i),
			TokenName:        envIndexed("PBS_TOKEN_NAME", i),
			TokenValue:       envIndexed("PBS_TOKEN_VALUE", i),
			Fingerprint:      envIndexed("PBS_FINGERPRINT", i),
			VerifySSL:        envBoolIndexed("PBS_VERIFY_SSL", i, false),
			NamespaceAuto:    envBoolIndexed("PBS_NAMESPACE_AUTO", i, true),
			Namespaces:       splitPatterns(envIndexed("PBS_NAMESPACE", i)),
			NamespaceInclude: splitPatterns(envIndexed("PBS_NAMESPACE_INCLUDE", i)),
			NamespaceExclude: splitPatterns(envIndexed("PBS_NAMESPACE_EXCLUDE", i)),
		})
	}
	return instances
}

// Validate checks that every instance has usable credentials.
func (c *Config) Validate() error {
	if len(c.PVEInstances) == 0 && len(c.PBSInstances) == 0 {
		return fmt.Errorf("no PVE or PBS instances configured (set PVE_HOST or PBS_HOST)")
	}

	seen := make(map[string]bool)
	for _, pve := range c.PVEInstances {
		if seen["pve:"+pve.Name] {
			return fmt.Errorf("duplicate PVE instance name: %s", pve.Name)
		}
		seen["pve:"+pve.Name] = true

		hasToken := pve.TokenName != "" && pve.TokenValue != ""
		hasPassword := pve.User != "" && pve.Password != ""
		if !hasToken && !hasPassword {
			return fmt.Errorf("PVE instance %s: need either token credentials or user+password", pve.Name)
		}
	}
	for _, pbs := range c.PBSInstances {
		if seen["pbs:"+pbs.Name] {
			return fmt.Errorf("duplicate PBS instance name: %s", pbs.Name)
		}
		seen["pbs:"+pbs.Name] = true

		hasToken := pbs.TokenName != "" && pbs.TokenValue != ""
		hasPassword := pbs.User != "" && pbs.Password != ""
		if !hasToken && !hasPassword {
			return fmt.Errorf("PBS instance %s: need either token credentials or user+password", pbs.Name)
		}
	}
	return nil
}
