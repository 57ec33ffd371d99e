// Package config is the sealed configuration schema consumed by the
// replication core. Loading/validation is deliberately thin (spec.md §1
// treats the loader as an external collaborator) but the schema itself,
// its defaults, and its FC_-prefixed environment overrides are concrete
// so every other package can depend on a single typed source of truth.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Target is one replication destination.
type Target struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

type Directories struct {
	Source     string            `yaml:"source"`
	Targets    map[string]Target `yaml:"targets"`
	Quarantine string            `yaml:"quarantine"`
}

type Monitoring struct {
	IncludeSubdirectories   bool     `yaml:"includeSubdirectories"`
	FileFilters             []string `yaml:"fileFilters"`
	ExcludeExtensions       []string `yaml:"excludeExtensions"`
	MinimumFileAgeSec       int      `yaml:"minimumFileAgeSec"`
	StabilityCheckIntervalSec int    `yaml:"stabilityCheckIntervalSec"`
	MaxStabilityChecks      int      `yaml:"maxStabilityChecks"`
	RescanIntervalSec       int      `yaml:"rescanIntervalSec"`

	// MaxRescanDirBytes bounds the rescan's in-flight directory backlog,
	// mirroring the teacher's DirectoryInfoStore byte cap. <= 0 disables
	// the bound.
	MaxRescanDirBytes int `yaml:"maxRescanDirBytes"`
}

type Copying struct {
	ChunkSizeBytes       int     `yaml:"chunkSizeBytes"`
	PreserveTimestamps   bool    `yaml:"preserveTimestamps"`
	MaxConcurrentCopies  int     `yaml:"maxConcurrentCopies"`
	RetryDelaySeconds    []int   `yaml:"retryDelaySeconds"`
	MaxRetries           int     `yaml:"maxRetries"`
	MaxBytesPerSecond    int64   `yaml:"maxBytesPerSecond"`
	MaxConcurrentReads   int     `yaml:"maxConcurrentReads"`
}

type Verification struct {
	Method                 string `yaml:"method"`
	HashAlgorithm          string `yaml:"hashAlgorithm"`
	LargeFileThresholdMB   int    `yaml:"largeFileThresholdMB"`
	EnableLargeFileHashing bool   `yaml:"enableLargeFileHashing"`
	TimestampToleranceSec  int    `yaml:"timestampToleranceSec"`
	HashRetryAttempts      int    `yaml:"hashRetryAttempts"`
}

type RetryStrategyConfig struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	BaseDelayMs       int      `yaml:"baseDelayMs"`
	MaxDelayMs        int      `yaml:"maxDelayMs"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	UseJitter         bool     `yaml:"useJitter"`
	RetriablePatterns []string `yaml:"retriablePatterns"`
}

type ErrorHandler struct {
	EscalationThreshold  int `yaml:"escalationThreshold"`
	HistoryRetentionDays int `yaml:"historyRetentionDays"`
}

type Processing struct {
	OperationTimeoutMinutes     int `yaml:"operationTimeoutMinutes"`
	RetryDelayMinutes           int `yaml:"retryDelayMinutes"`
	ShutdownTimeoutSeconds      int `yaml:"shutdownTimeoutSeconds"`
	HighQueueThreshold          int `yaml:"highQueueThreshold"`
	MaxCompletedItems           int `yaml:"maxCompletedItems"`
	CompletedItemRetentionHours int `yaml:"completedItemRetentionHours"`
	ProcessingIntervalSec       int `yaml:"processingIntervalSec"`
}

type Logging struct {
	Level         string `yaml:"level"`
	FilePath      string `yaml:"filePath"`
	AuditDirectory string `yaml:"auditDirectory"`
}

// Config is the complete sealed schema, spec.md §6.
type Config struct {
	Directories  Directories                     `yaml:"directories"`
	Monitoring   Monitoring                      `yaml:"monitoring"`
	Copying      Copying                         `yaml:"copying"`
	Verification Verification                    `yaml:"verification"`
	Retry        struct {
		Strategies map[string]RetryStrategyConfig `yaml:"strategies"`
	} `yaml:"retry"`
	ErrorHandler ErrorHandler `yaml:"errorHandler"`
	Processing   Processing   `yaml:"processing"`
	Logging      Logging      `yaml:"logging"`
}

// Default returns a Config populated with the defaults spec.md §4/§6 calls
// out explicitly.
func Default() *Config {
	c := &Config{}
	c.Monitoring.StabilityCheckIntervalSec = 5
	c.Monitoring.MaxStabilityChecks = 3
	c.Monitoring.MinimumFileAgeSec = 5
	c.Monitoring.RescanIntervalSec = 60
	c.Monitoring.MaxRescanDirBytes = 10 * 1024 * 1024
	c.Copying.ChunkSizeBytes = 65536
	c.Copying.MaxConcurrentCopies = 4
	c.Copying.MaxRetries = 3
	c.Copying.MaxConcurrentReads = -1
	c.Verification.Method = "Auto"
	c.Verification.HashAlgorithm = "SHA-256"
	c.Verification.LargeFileThresholdMB = 1024
	c.Verification.TimestampToleranceSec = 2
	c.Verification.HashRetryAttempts = 3
	c.ErrorHandler.EscalationThreshold = 5
	c.ErrorHandler.HistoryRetentionDays = 30
	c.Processing.OperationTimeoutMinutes = 30
	c.Processing.RetryDelayMinutes = 1
	c.Processing.ShutdownTimeoutSeconds = 30
	c.Processing.HighQueueThreshold = 100
	c.Processing.MaxCompletedItems = 1000
	c.Processing.CompletedItemRetentionHours = 24
	c.Processing.ProcessingIntervalSec = 10
	c.Logging.Level = "info"
	return c
}

// Load reads and decodes path into a Config seeded with Default(), rejecting
// unknown keys, then applies FC_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the FC_-prefixed scalar overrides spec.md §6
// describes. Empty or whitespace-only values are ignored.
func applyEnvOverrides(c *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := lookupTrimmed(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookupTrimmed(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("FC_SOURCE_PATH", &c.Directories.Source)
	setStr("FC_LOG_LEVEL", &c.Logging.Level)
	setInt("FC_MAX_CONCURRENT", &c.Copying.MaxConcurrentCopies)
	setInt("FC_STABILITY_INTERVAL_SEC", &c.Monitoring.StabilityCheckIntervalSec)

	if v, ok := lookupTrimmed("FC_TARGET_PATHS"); ok {
		for _, pair := range strings.Split(v, ";") {
			nameAndPath := strings.SplitN(pair, "=", 2)
			if len(nameAndPath) != 2 {
				continue
			}
			name, path := strings.TrimSpace(nameAndPath[0]), strings.TrimSpace(nameAndPath[1])
			if name == "" || path == "" {
				continue
			}
			if c.Directories.Targets == nil {
				c.Directories.Targets = map[string]Target{}
			}
			t := c.Directories.Targets[name]
			t.Path = path
			t.Enabled = true
			c.Directories.Targets[name] = t
		}
	}
}

func lookupTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// BaseDelay and MaxDelay convert the millisecond-based YAML fields to
// time.Duration for convenient consumption by internal/retry.
func (r RetryStrategyConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r RetryStrategyConfig) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMs) * time.Millisecond }
