// Package config loads the daemon's immutable configuration struct.
//
// There is no package-level mutable config variable anywhere in this
// module; every constructor that needs configuration takes a *Config
// explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the daemon needs at startup. Fields are
// populated from a YAML file and then overridden by environment variables,
// in that order, by Load; command-line flags are applied on top of Load's
// result by the daemon entrypoint.
type Config struct {
	NodeID  string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir string `yaml:"data_dir"`

	Coordinator bool     `yaml:"coordinator"`
	JoinAddrs   []string `yaml:"join_addrs"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	FloatingClusterAddr string `yaml:"floating_cluster_addr"`
	FloatingUpstreamAddr string `yaml:"floating_upstream_addr"`
	FloatingStorageAddr string `yaml:"floating_storage_addr"`

	APIKey string `yaml:"api_key"`

	// StorageSafeToDestroyTimeout bounds how long OSD remove/replace wait
	// for Ceph to report an OSD safe-to-destroy before proceeding anyway.
	StorageSafeToDestroyTimeout time.Duration `yaml:"storage_safe_to_destroy_timeout"`

	// LivenessInterval is how often a node refreshes its ephemeral
	// liveness marker; LivenessConfirmDelay is how long the primary waits
	// after a marker disappears before declaring the node dead.
	LivenessInterval     time.Duration `yaml:"liveness_interval"`
	LivenessConfirmDelay time.Duration `yaml:"liveness_confirm_delay"`

	BackupPath string `yaml:"backup_path"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		BindAddr:                    "0.0.0.0:7373",
		DataDir:                     "/var/lib/meridian",
		LogLevel:                    "info",
		MetricsAddr:                 "127.0.0.1:9273",
		StorageSafeToDestroyTimeout: 60 * time.Second,
		LivenessInterval:            2 * time.Second,
		LivenessConfirmDelay:        5 * time.Second,
		BackupPath:                  "/var/lib/meridian/backups",
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: determine node id: %w", err)
		}
		cfg.NodeID = hostname
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MERIDIAN_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("MERIDIAN_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("MERIDIAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MERIDIAN_API_KEY"); v != "" {
		cfg.APIKey = v
	}
}
