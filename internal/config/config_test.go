package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendEmbedded, cfg.Grid.Backend)
	assert.Equal(t, "data/grid", cfg.Grid.Embedded.Dir)
	assert.Equal(t, 64, cfg.Grid.Embedded.CacheSizeMB)
	assert.Equal(t, time.Second, cfg.Grid.Embedded.AutoCommitDelay)
	assert.Equal(t, time.Second, cfg.Grid.Pipeline.MonitorInterval)
	assert.Equal(t, "grid_", cfg.Grid.Relational.TablePrefix)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
grid:
  backend: Relational
  relational:
    driver: pgx
    dialect: cockroachdb
    dsn: postgres://grid@localhost:26257/grid
    table_prefix: crawl_
    properties:
      max_open_conns: 10
      conn_max_lifetime: 30m
      application_name: gridctl
    column_types:
      text: STRING
  pipeline:
    monitor_interval: 250ms
server:
  port: 9090
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRelational, cfg.Grid.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Grid.Pipeline.MonitorInterval)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)

	sc := cfg.SQLStore()
	assert.Equal(t, "pgx", sc.Driver)
	assert.Equal(t, "cockroachdb", sc.Dialect)
	assert.Equal(t, "crawl_", sc.TablePrefix)
	assert.Equal(t, "STRING", sc.ColumnTypes.Text)
	assert.Equal(t, map[string]string{
		"max_open_conns":    "10",
		"conn_max_lifetime": "30m",
		"application_name":  "gridctl",
	}, sc.Properties)
}

func TestEmbeddedOptions(t *testing.T) {
	t.Parallel()

	v := viper.New()
	SetDefaults(v)
	v.Set("grid.embedded.ephemeral", true)
	v.Set("grid.embedded.compression_level", 3)
	v.Set("grid.embedded.sync_writes", true)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	opts := cfg.EmbeddedOptions()
	assert.True(t, opts.Ephemeral)
	assert.True(t, opts.SyncWrites)
	assert.Equal(t, 3, opts.CompressionLevel)
	assert.Equal(t, 4096, opts.PageSize)
	assert.Equal(t, 64<<10, opts.AutoCommitBufferKB)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]func(v *viper.Viper){
		"unknown backend": func(v *viper.Viper) { v.Set("grid.backend", "cassandra") },
		"missing dir":     func(v *viper.Viper) { v.Set("grid.embedded.dir", "") },
		"negative sizes":  func(v *viper.Viper) { v.Set("grid.embedded.cache_size_mb", -1) },
		"compressed no cache": func(v *viper.Viper) {
			v.Set("grid.embedded.cache_size_mb", 0)
		},
		"missing driver": func(v *viper.Viper) {
			v.Set("grid.backend", BackendRelational)
			v.Set("grid.relational.driver", "")
		},
		"unknown dialect": func(v *viper.Viper) {
			v.Set("grid.backend", BackendRelational)
			v.Set("grid.relational.dialect", "informix")
		},
		"negative monitor": func(v *viper.Viper) { v.Set("grid.pipeline.monitor_interval", "-1s") },
		"bad port":         func(v *viper.Viper) { v.Set("server.port", 0) },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			SetDefaults(v)
			mutate(v)
			_, err := FromViper(v)
			assert.ErrorIs(t, err, grid.ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, grid.ErrConfig)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("GRID_SERVER_PORT", "7070")
	t.Setenv("GRID_GRID_EMBEDDED_EPHEMERAL", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Grid.Embedded.Ephemeral)
}
