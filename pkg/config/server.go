package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// ServerConfig configures the sync server.
type ServerConfig struct {
	Listen        string         `yaml:"listen" envconfig:"LISTEN"`
	DataDir       string         `yaml:"data_dir" envconfig:"DATA_DIR"`
	Backend       string         `yaml:"backend" envconfig:"BACKEND"`
	HashAlgorithm string         `yaml:"hash_algorithm" envconfig:"HASH_ALGORITHM"`
	Logger        *logrus.Logger `yaml:"-" ignored:"true"`

	// DisableAccessControl turns every capability check into a pass. Tests only.
	DisableAccessControl bool `yaml:"disable_access_control" envconfig:"DISABLE_ACCESS_CONTROL"`
	// DefaultRights is the capability bitmask granted by the static authenticator.
	// Zero means all rights.
	DefaultRights int32 `yaml:"default_rights" envconfig:"DEFAULT_RIGHTS"`

	MaxChunkSize  int `yaml:"max_chunk_size" envconfig:"MAX_CHUNK_SIZE"`
	MaxStringSize int `yaml:"max_string_size" envconfig:"MAX_STRING_SIZE"`
	MaxBatch      int `yaml:"max_batch" envconfig:"MAX_BATCH"`
}

const (
	DefaultMaxChunkSize  = 8 << 20
	DefaultMaxStringSize = 64 << 10
	DefaultMaxBatch      = 1 << 20
)

// Check validates the server config and fills in defaults.
func (c *ServerConfig) Check() error {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Backend == "" {
		c.Backend = BackendBadger
	}
	if c.Backend != BackendMemory && c.DataDir == "" {
		return fmt.Errorf("%w: data dir is required for backend %s", ErrInvalidConfig, c.Backend)
	}
	if c.Listen == "" {
		c.Listen = ":7448"
	}
	if c.DefaultRights == 0 {
		c.DefaultRights = 7
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxStringSize <= 0 {
		c.MaxStringSize = DefaultMaxStringSize
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	return nil
}

// LoadServer reads the server config from a YAML file and OVCS_SERVER_* variables.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process("OVCS_SERVER", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}
