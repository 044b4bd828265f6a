// Package config loads and validates grid configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlgrid/internal/dialect"
	"github.com/JakeFAU/crawlgrid/internal/embedded"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/logging"
	"github.com/JakeFAU/crawlgrid/internal/pipeline"
	"github.com/JakeFAU/crawlgrid/internal/sqlstore"
)

// Backend names accepted by grid.backend.
const (
	BackendEmbedded   = "embedded"
	BackendRelational = "relational"
)

// EnvPrefix prefixes environment overrides, e.g. GRID_GRID_BACKEND.
const EnvPrefix = "GRID"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Grid    GridConfig     `mapstructure:"grid"`
	Server  ServerConfig   `mapstructure:"server"`
	Logging logging.Config `mapstructure:"logging"`
}

// GridConfig selects and tunes the storage backend.
type GridConfig struct {
	Backend    string           `mapstructure:"backend"`
	Relational RelationalConfig `mapstructure:"relational"`
	Embedded   EmbeddedConfig   `mapstructure:"embedded"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
}

// RelationalConfig configures the database/sql backend.
type RelationalConfig struct {
	Driver      string              `mapstructure:"driver"`
	Dialect     string              `mapstructure:"dialect"`
	DSN         string              `mapstructure:"dsn"`
	TablePrefix string              `mapstructure:"table_prefix"`
	Properties  map[string]string   `mapstructure:"properties"`
	ColumnTypes dialect.ColumnTypes `mapstructure:"column_types"`
}

// EmbeddedConfig configures the badger backend.
type EmbeddedConfig struct {
	Dir                string        `mapstructure:"dir"`
	Ephemeral          bool          `mapstructure:"ephemeral"`
	PageSize           int           `mapstructure:"page_size"`
	CompressionLevel   int           `mapstructure:"compression_level"`
	CacheSizeMB        int           `mapstructure:"cache_size_mb"`
	CacheConcurrency   int           `mapstructure:"cache_concurrency"`
	AutoCommitBufferKB int           `mapstructure:"autocommit_buffer_kb"`
	AutoCommitDelay    time.Duration `mapstructure:"autocommit_delay"`
	SyncWrites         bool          `mapstructure:"sync_writes"`
}

// PipelineConfig tunes the pipeline coordinator.
type PipelineConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// ServerConfig controls the inspection API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", grid.ErrConfig, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates an already populated Viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", grid.ErrConfig, err)
	}
	cfg.Grid.Backend = strings.ToLower(strings.TrimSpace(cfg.Grid.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("grid.backend", BackendEmbedded)
	v.SetDefault("grid.relational.driver", "sqlite")
	v.SetDefault("grid.relational.dsn", "data/grid.db")
	v.SetDefault("grid.relational.table_prefix", dialect.DefaultTablePrefix)
	v.SetDefault("grid.embedded.dir", "data/grid")
	v.SetDefault("grid.embedded.ephemeral", false)
	v.SetDefault("grid.embedded.page_size", 4096)
	v.SetDefault("grid.embedded.compression_level", 1)
	v.SetDefault("grid.embedded.cache_size_mb", 64)
	v.SetDefault("grid.embedded.cache_concurrency", 8)
	v.SetDefault("grid.embedded.autocommit_buffer_kb", 64<<10)
	v.SetDefault("grid.embedded.autocommit_delay", "1s")
	v.SetDefault("grid.pipeline.monitor_interval", pipeline.DefaultMonitorInterval.String())
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Grid.Backend {
	case BackendEmbedded:
		e := c.Grid.Embedded
		if !e.Ephemeral && strings.TrimSpace(e.Dir) == "" {
			return fmt.Errorf("%w: grid.embedded.dir is required unless ephemeral", grid.ErrConfig)
		}
		if e.CompressionLevel < 0 || e.CacheSizeMB < 0 || e.PageSize < 0 || e.AutoCommitBufferKB < 0 {
			return fmt.Errorf("%w: grid.embedded sizes must be >= 0", grid.ErrConfig)
		}
		if e.CompressionLevel > 0 && e.CacheSizeMB == 0 {
			return fmt.Errorf("%w: grid.embedded.cache_size_mb must be > 0 when compression is enabled", grid.ErrConfig)
		}
	case BackendRelational:
		r := c.Grid.Relational
		if strings.TrimSpace(r.Driver) == "" {
			return fmt.Errorf("%w: grid.relational.driver is required", grid.ErrConfig)
		}
		if r.Dialect != "" {
			if _, err := dialect.ParseName(r.Dialect); err != nil {
				return fmt.Errorf("%w: grid.relational.dialect: %w", grid.ErrConfig, err)
			}
		}
	default:
		return fmt.Errorf("%w: grid.backend must be %q or %q, got %q",
			grid.ErrConfig, BackendEmbedded, BackendRelational, c.Grid.Backend)
	}
	if c.Grid.Pipeline.MonitorInterval < 0 {
		return fmt.Errorf("%w: grid.pipeline.monitor_interval must be >= 0", grid.ErrConfig)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("%w: server.port must be > 0", grid.ErrConfig)
	}
	return nil
}

// SQLStore converts the relational section into backend config.
func (c Config) SQLStore() sqlstore.Config {
	r := c.Grid.Relational
	return sqlstore.Config{
		Driver:      r.Driver,
		Dialect:     r.Dialect,
		DSN:         r.DSN,
		TablePrefix: r.TablePrefix,
		Properties:  r.Properties,
		ColumnTypes: r.ColumnTypes,
	}
}

// EmbeddedOptions converts the embedded section into backend options.
func (c Config) EmbeddedOptions() embedded.Options {
	e := c.Grid.Embedded
	return embedded.Options{
		Dir:                e.Dir,
		Ephemeral:          e.Ephemeral,
		PageSize:           e.PageSize,
		CompressionLevel:   e.CompressionLevel,
		CacheSizeMB:        e.CacheSizeMB,
		CacheConcurrency:   e.CacheConcurrency,
		AutoCommitBufferKB: e.AutoCommitBufferKB,
		AutoCommitDelay:    e.AutoCommitDelay,
		SyncWrites:         e.SyncWrites,
	}
}
