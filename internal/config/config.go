package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete cache layer configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents local cache placement settings
type CacheConfig struct {
	RootDirectory string `yaml:"root_directory"`
	DefaultScheme string `yaml:"default_scheme"`
	DefaultHost   string `yaml:"default_host"`
	DefaultPort   int    `yaml:"default_port"`
}

// TransferConfig represents per-file transfer settings
type TransferConfig struct {
	// AssumedBandwidth is the bandwidth assumption, in bytes per second,
	// used to turn a remote size into a time estimate.
	AssumedBandwidth int64         `yaml:"assumed_bandwidth"`
	ChunkSize        int           `yaml:"chunk_size"`
	ValidateParallel int           `yaml:"validate_parallel"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

// DispatchConfig represents dispatcher and worker pool settings
type DispatchConfig struct {
	ShortPoolWorkers int `yaml:"short_pool_workers"`
	LongPoolWorkers  int `yaml:"long_pool_workers"`
	HistoryCapacity  int `yaml:"history_capacity"`
}

// NetworkConfig represents remote connection settings
type NetworkConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig represents connect retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// MonitoringConfig represents metrics settings
type MonitoringConfig struct {
	Enabled      bool              `yaml:"enabled"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
		},
		Cache: CacheConfig{
			RootDirectory: "/var/cache/dfscache",
			DefaultScheme: "hdfs",
			DefaultHost:   "localhost",
			DefaultPort:   8020,
		},
		Transfer: TransferConfig{
			AssumedBandwidth: 64 * 1024 * 1024, // 64 MB/s
			ChunkSize:        4 * 1024 * 1024,  // 4 MB
			ValidateParallel: 8,
			ReadTimeout:      30 * time.Second,
		},
		Dispatch: DispatchConfig{
			ShortPoolWorkers: 4,
			LongPoolWorkers:  4,
			HistoryCapacity:  1024,
		},
		Network: NetworkConfig{
			ConnectTimeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			CustomLabels: map[string]string{
				"service": "dfscache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DFSCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DFSCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DFSCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("DFSCACHE_ROOT_DIRECTORY"); val != "" {
		c.Cache.RootDirectory = val
	}
	if val := os.Getenv("DFSCACHE_ASSUMED_BANDWIDTH"); val != "" {
		if bw, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Transfer.AssumedBandwidth = bw
		}
	}
	if val := os.Getenv("DFSCACHE_CHUNK_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Transfer.ChunkSize = size
		}
	}

	if val := os.Getenv("DFSCACHE_SHORT_POOL_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatch.ShortPoolWorkers = n
		}
	}
	if val := os.Getenv("DFSCACHE_LONG_POOL_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatch.LongPoolWorkers = n
		}
	}
	if val := os.Getenv("DFSCACHE_HISTORY_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatch.HistoryCapacity = n
		}
	}

	if val := os.Getenv("DFSCACHE_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.ConnectTimeout = d
		}
	}
	if val := os.Getenv("DFSCACHE_METRICS_ENABLED"); val != "" {
		c.Monitoring.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Cache.RootDirectory == "" {
		return fmt.Errorf("root_directory must be set")
	}

	if c.Transfer.AssumedBandwidth <= 0 {
		return fmt.Errorf("assumed_bandwidth must be greater than 0")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be greater than 0")
	}

	if c.Dispatch.ShortPoolWorkers <= 0 || c.Dispatch.LongPoolWorkers <= 0 {
		return fmt.Errorf("pool worker counts must be greater than 0")
	}

	if c.Dispatch.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
