package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crawlgrid/internal/dialect"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Config describes the relational connection.
type Config struct {
	// Driver is a database/sql driver name. "pgx", "sqlite" and "mysql" are
	// built in; any other registered driver is opened with sql.Open.
	Driver string
	// Dialect selects the SQL flavour. Empty means "guess from Driver".
	Dialect string
	DSN     string
	// TablePrefix is prepended to store table names.
	TablePrefix string
	// Properties are connection pool settings. max_open_conns,
	// max_idle_conns, conn_max_lifetime and conn_max_idle_time tune the pool;
	// every other entry is passed to the driver.
	Properties  map[string]string
	ColumnTypes dialect.ColumnTypes
}

// Pool property names understood by OpenDB.
const (
	PropMaxOpenConns    = "max_open_conns"
	PropMaxIdleConns    = "max_idle_conns"
	PropConnMaxLifetime = "conn_max_lifetime"
	PropConnMaxIdleTime = "conn_max_idle_time"
)

type poolSettings struct {
	maxOpen, maxIdle         int
	maxLifetime, maxIdleTime time.Duration
	passThrough              map[string]string
}

func parseProperties(props map[string]string) (poolSettings, error) {
	ps := poolSettings{maxOpen: -1, maxIdle: -1, passThrough: map[string]string{}}
	for k, v := range props {
		var err error
		switch strings.ToLower(k) {
		case PropMaxOpenConns:
			ps.maxOpen, err = strconv.Atoi(v)
		case PropMaxIdleConns:
			ps.maxIdle, err = strconv.Atoi(v)
		case PropConnMaxLifetime:
			ps.maxLifetime, err = time.ParseDuration(v)
		case PropConnMaxIdleTime:
			ps.maxIdleTime, err = time.ParseDuration(v)
		default:
			ps.passThrough[k] = v
		}
		if err != nil {
			return ps, fmt.Errorf("%w: property %s=%q: %v", grid.ErrConfig, k, v, err)
		}
	}
	return ps, nil
}

func (ps poolSettings) apply(db *sql.DB) {
	if ps.maxOpen >= 0 {
		db.SetMaxOpenConns(ps.maxOpen)
	}
	if ps.maxIdle >= 0 {
		db.SetMaxIdleConns(ps.maxIdle)
	}
	if ps.maxLifetime > 0 {
		db.SetConnMaxLifetime(ps.maxLifetime)
	}
	if ps.maxIdleTime > 0 {
		db.SetConnMaxIdleTime(ps.maxIdleTime)
	}
}

// OpenDB opens the configured database. The returned close function releases
// the handle and any pool behind it.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, func() error, error) {
	if strings.TrimSpace(cfg.Driver) == "" {
		return nil, nil, fmt.Errorf("%w: grid.relational.driver is required", grid.ErrConfig)
	}
	ps, err := parseProperties(cfg.Properties)
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Driver {
	case "pgx":
		return openPgx(ctx, cfg.DSN, ps)
	case "sqlite":
		return openSQLite(ctx, cfg.DSN, ps)
	case "mysql":
		return openMySQL(ctx, cfg.DSN, ps)
	default:
		dsn, err := withQueryParams(cfg.DSN, ps.passThrough)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
		}
		ps.apply(db)
		return db, db.Close, ping(ctx, db)
	}
}

func openPgx(ctx context.Context, dsn string, ps poolSettings) (*sql.DB, func() error, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if ps.maxOpen > 0 {
		poolCfg.MaxConns = int32(ps.maxOpen) //nolint:gosec // bounded by configuration
	}
	if ps.maxIdle > 0 {
		poolCfg.MinConns = int32(ps.maxIdle) //nolint:gosec // bounded by configuration
	}
	if ps.maxLifetime > 0 {
		poolCfg.MaxConnLifetime = ps.maxLifetime
	}
	if ps.maxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = ps.maxIdleTime
	}
	for k, v := range ps.passThrough {
		poolCfg.ConnConfig.RuntimeParams[k] = v
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	closeFn := func() error {
		err := db.Close()
		pool.Close()
		return err
	}
	if err := ping(ctx, db); err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return db, closeFn, nil
}

func openSQLite(ctx context.Context, dsn string, ps poolSettings) (*sql.DB, func() error, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	dsn, err := withQueryParams(dsn, ps.passThrough)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if !strings.Contains(dsn, ":memory:") {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		var busyTimeout int
		if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	return db, db.Close, nil
}

func openMySQL(ctx context.Context, dsn string, ps poolSettings) (*sql.DB, func() error, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if mcfg.Params == nil {
		mcfg.Params = map[string]string{}
	}
	for k, v := range ps.passThrough {
		mcfg.Params[k] = v
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	ps.apply(db)
	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, db.Close, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// withQueryParams appends params to a URL or key=value DSN.
func withQueryParams(dsn string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return dsn, nil
	}
	base, query, _ := strings.Cut(dsn, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("%w: dsn query: %v", grid.ErrConfig, err)
	}
	for k, v := range params {
		values.Set(k, v)
	}
	return base + "?" + values.Encode(), nil
}
