// Package config holds the repository and server configuration and the
// loaders that fill it from YAML files and OVCS_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"

	DefaultBranch      = "main"
	DefaultCacheSize   = 1024
	DefaultLockTimeout = 5 * time.Second
	DefaultSyncRetries = 3
	DefaultBatchSize   = 256
)

var ErrInvalidConfig = errors.New("invalid config")

// Config configures one repository: one chunk store and one branch log.
type Config struct {
	Paths            []string       `yaml:"paths" envconfig:"PATHS"`
	MinimumFreeSpace int            `yaml:"minimum_free_space" envconfig:"MINIMUM_FREE_SPACE"` // GB
	Logger           *logrus.Logger `yaml:"-" ignored:"true"`

	Branch        string        `yaml:"branch" envconfig:"BRANCH"`
	Backend       string        `yaml:"backend" envconfig:"BACKEND"`
	HashAlgorithm string        `yaml:"hash_algorithm" envconfig:"HASH_ALGORITHM"`
	EncryptionKey string        `yaml:"encryption_key" envconfig:"ENCRYPTION_KEY"` // hex, 32 bytes key followed by 16 bytes base IV
	Compression   bool          `yaml:"compression" envconfig:"COMPRESSION"`
	CacheSize     int           `yaml:"cache_size" envconfig:"CACHE_SIZE"`
	LockTimeout   time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
	MergeStrategy string        `yaml:"merge_strategy" envconfig:"MERGE_STRATEGY"` // ours | theirs
	SyncRetries   int           `yaml:"sync_retries" envconfig:"SYNC_RETRIES"`
	BatchSize     int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
}

// Check validates the config and fills in defaults.
func (c *Config) Check() error {
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.ErrorLevel)
	}
	if c.Backend == "" {
		c.Backend = BackendBadger
	}
	switch c.Backend {
	case BackendBadger, BackendLevelDB:
		if len(c.Paths) == 0 || c.Paths[0] == "" {
			return fmt.Errorf("%w: backend %s needs at least one path", ErrInvalidConfig, c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.MinimumFreeSpace < 0 {
		return fmt.Errorf("%w: minimum free space must not be negative", ErrInvalidConfig)
	}
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if err := CheckBranchName(c.Branch); err != nil {
		return err
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.SyncRetries <= 0 {
		c.SyncRetries = DefaultSyncRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	switch c.MergeStrategy {
	case "":
		c.MergeStrategy = "ours"
	case "ours", "theirs":
	default:
		return fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidConfig, c.MergeStrategy)
	}
	if c.EncryptionKey != "" {
		if _, _, err := c.EncryptionMaterial(); err != nil {
			return err
		}
	}
	return nil
}

// EncryptionMaterial decodes EncryptionKey into an AES-256 key and a base IV.
func (c *Config) EncryptionMaterial() (key []byte, iv []byte, err error) {
	raw, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encryption key is not hex: %v", ErrInvalidConfig, err)
	}
	if len(raw) != 48 {
		return nil, nil, fmt.Errorf("%w: encryption key must be 48 bytes (key + iv), got %d", ErrInvalidConfig, len(raw))
	}
	return raw[:32], raw[32:], nil
}

// CheckBranchName rejects names that cannot be used as a directory or log file name.
func CheckBranchName(name string) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: branch name length must be 1..128", ErrInvalidConfig)
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("%w: branch name %q contains %q", ErrInvalidConfig, name, r)
		}
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: branch name %q is reserved", ErrInvalidConfig, name)
	}
	return nil
}

// Load reads a YAML config file (optional, empty path skips it) and applies
// OVCS_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process("OVCS", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
