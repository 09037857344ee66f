package internal

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. CONTENTINSTALLER_BLOCK_SIZE
const EnvPrefix = "CONTENTINSTALLER_"

// Config is the runtime configuration of an install batch
type Config struct {
	StoreRoot       string `koanf:"store_root"`
	SystemStoreRoot string `koanf:"system_store_root"`
	StagingDir      string `koanf:"staging_dir"`

	BlockSize             int    `koanf:"block_size"`
	InstallIntoSystemArea bool   `koanf:"install_into_system_area"`
	SystemTitleThreshold  uint64 `koanf:"system_title_threshold"`
	StrictBase            bool   `koanf:"strict_base"`

	RetryAttempts int           `koanf:"retry_attempts"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	PollInterval  time.Duration `koanf:"poll_interval"`

	MaxWriteBytesPerSecond int64 `koanf:"max_write_bytes_per_second"`
	QuotaBytes             int64 `koanf:"quota_bytes"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		StoreRoot:            filepath.Join("nand", "user"),
		SystemStoreRoot:      filepath.Join("nand", "system"),
		StagingDir:           filepath.Join(os.TempDir(), "contentinstaller"),
		BlockSize:            DefaultBlockSize,
		SystemTitleThreshold: DefaultSystemTitleThreshold,
		RetryAttempts:        DefaultRetryAttempt,
		RetryDelay:           time.Second,
		PollInterval:         10 * time.Millisecond,
	}
}

func defaultConfigMap() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"store_root":                 d.StoreRoot,
		"system_store_root":          d.SystemStoreRoot,
		"staging_dir":                d.StagingDir,
		"block_size":                 d.BlockSize,
		"install_into_system_area":   d.InstallIntoSystemArea,
		"system_title_threshold":     d.SystemTitleThreshold,
		"strict_base":                d.StrictBase,
		"retry_attempts":             d.RetryAttempts,
		"retry_delay":                d.RetryDelay,
		"poll_interval":              d.PollInterval,
		"max_write_bytes_per_second": d.MaxWriteBytesPerSecond,
		"quota_bytes":                d.QuotaBytes,
	}
}

// LoadConfig merges the defaults, the TOML file at path and CONTENTINSTALLER_* environment
// variables, in that order. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return nil, WrapInstallError(err, CodeConfig, "failed to load default config")
	}

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, WrapInstallError(err, CodeConfig, "config file %s does not exist", path)
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, WrapInstallError(err, CodeConfig, "failed to load config from %s", path)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, WrapInstallError(err, CodeConfig, "failed to load env vars")
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, WrapInstallError(err, CodeConfig, "failed to unmarshal configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the installer cannot run with
func (c *Config) Validate() error {
	switch {
	case c.StoreRoot == "":
		return NewInstallError(CodeConfig, "store_root must be set")
	case c.SystemStoreRoot == "":
		return NewInstallError(CodeConfig, "system_store_root must be set")
	case c.BlockSize <= 0:
		return NewInstallError(CodeConfig, "block_size must be positive, got %d", c.BlockSize)
	case c.RetryAttempts < 1:
		return NewInstallError(CodeConfig, "retry_attempts must be at least 1, got %d", c.RetryAttempts)
	case c.RetryDelay < 0:
		return NewInstallError(CodeConfig, "retry_delay cannot be negative")
	case c.PollInterval <= 0:
		return NewInstallError(CodeConfig, "poll_interval must be positive")
	case c.MaxWriteBytesPerSecond < 0:
		return NewInstallError(CodeConfig, "max_write_bytes_per_second cannot be negative")
	case c.QuotaBytes < 0:
		return NewInstallError(CodeConfig, "quota_bytes cannot be negative")
	}
	return nil
}

// Policy derives the conflict policy of c
func (c *Config) Policy() Policy {
	return Policy{
		InstallIntoSystemArea: c.InstallIntoSystemArea,
		SystemTitleThreshold:  c.SystemTitleThreshold,
	}
}
