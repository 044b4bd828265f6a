package dialect

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Name identifies a supported SQL dialect.
type Name string

// Supported dialects.
const (
	ANSI        Name = "ansi"
	Postgres    Name = "postgres"
	CockroachDB Name = "cockroachdb"
	MySQL       Name = "mysql"
	MariaDB     Name = "mariadb"
	SQLite      Name = "sqlite"
	SQLServer   Name = "sqlserver"
	Oracle      Name = "oracle"
	DB2         Name = "db2"
	DuckDB      Name = "duckdb"
)

// Names lists every supported dialect.
func Names() []Name {
	return []Name{ANSI, Postgres, CockroachDB, MySQL, MariaDB, SQLite, SQLServer, Oracle, DB2, DuckDB}
}

// ParseName resolves a dialect by name. An empty name selects ANSI.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case "":
		return ANSI, nil
	case "postgresql", "pg":
		return Postgres, nil
	case "cockroach", "crdb":
		return CockroachDB, nil
	case "mssql":
		return SQLServer, nil
	}
	if _, ok := traitsByName[n]; ok {
		return n, nil
	}
	return "", fmt.Errorf("%w: unknown dialect %q", grid.ErrConfig, s)
}

// FromDriver guesses the dialect for a database/sql driver name.
func FromDriver(driver string) Name {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "pq":
		return Postgres
	case "mysql":
		return MySQL
	case "sqlite", "sqlite3":
		return SQLite
	case "sqlserver", "mssql":
		return SQLServer
	case "oracle", "godror":
		return Oracle
	case "go_ibm_db", "db2":
		return DB2
	case "duckdb":
		return DuckDB
	default:
		return ANSI
	}
}

// Layout is the column set of a store table.
type Layout int

// Table layouts.
const (
	// LayoutMap is (id, json).
	LayoutMap Layout = iota + 1
	// LayoutQueue is (id, json, created_at).
	LayoutQueue
	// LayoutSet is (id).
	LayoutSet
)

// LayoutFor maps a store kind to its table layout.
func LayoutFor(k grid.Kind) Layout {
	switch k {
	case grid.KindQueue:
		return LayoutQueue
	case grid.KindSet:
		return LayoutSet
	default:
		return LayoutMap
	}
}

// Table is a store table as seen by the adapter. Name is the unquoted table
// name returned by Adapter.TableName.
type Table struct {
	Name   string
	Layout Layout
}

// ColumnTypes overrides the generic column types. Varchar may contain a %d
// verb for the key length.
type ColumnTypes struct {
	Varchar string `mapstructure:"varchar"`
	Text    string `mapstructure:"text"`
	Bigint  string `mapstructure:"bigint"`
}

// Options tune an Adapter.
type Options struct {
	// TablePrefix is prepended to every table name. Defaults to "grid_".
	TablePrefix string
	ColumnTypes ColumnTypes
	// RetryDelay is the pause before re-checking a failed write.
	RetryDelay time.Duration
	// PollAttempts bounds how often Poll retries after losing a race.
	PollAttempts int
	Logger       *zap.Logger
}

// Default option values.
const (
	DefaultTablePrefix  = "grid_"
	DefaultRetryDelay   = 50 * time.Millisecond
	DefaultPollAttempts = 5
	DefaultKeyBudget    = 2048
	pageSize            = 256
)

// Adapter generates and runs dialect specific SQL.
type Adapter struct {
	name   Name
	tr     traits
	prefix string
	types  ColumnTypes
	delay  time.Duration
	polls  int
	logger *zap.Logger

	cID, cJSON, cCreated string
}

// New returns the adapter for dialect name.
func New(name Name, opts Options) (*Adapter, error) {
	tr, ok := traitsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dialect %q", grid.ErrConfig, name)
	}
	a := &Adapter{
		name:   name,
		tr:     tr,
		prefix: opts.TablePrefix,
		types:  ColumnTypes{Varchar: tr.varchar, Text: tr.text, Bigint: tr.bigint},
		delay:  opts.RetryDelay,
		polls:  opts.PollAttempts,
		logger: opts.Logger,
	}
	if a.prefix == "" {
		a.prefix = DefaultTablePrefix
	}
	if opts.ColumnTypes.Varchar != "" {
		a.types.Varchar = opts.ColumnTypes.Varchar
	}
	if opts.ColumnTypes.Text != "" {
		a.types.Text = opts.ColumnTypes.Text
	}
	if opts.ColumnTypes.Bigint != "" {
		a.types.Bigint = opts.ColumnTypes.Bigint
	}
	if a.delay <= 0 {
		a.delay = DefaultRetryDelay
	}
	if a.polls <= 0 {
		a.polls = DefaultPollAttempts
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("dialect").With(zap.String("dialect", string(name)))
	a.cID, a.cJSON, a.cCreated = a.Quote("id"), a.Quote("json"), a.Quote("created_at")
	return a, nil
}

// Name returns the dialect name.
func (a *Adapter) Name() Name { return a.name }

// KeyBudget returns the maximum stored key length in bytes.
func (a *Adapter) KeyBudget() int { return a.tr.keyBudget }

// Quote escapes an identifier.
func (a *Adapter) Quote(ident string) string {
	open, closing := a.tr.quote[0], a.tr.quote[1]
	return open + strings.ReplaceAll(ident, closing, closing+closing) + closing
}

func (a *Adapter) placeholder(i int) string {
	switch a.tr.params {
	case paramDollar:
		return fmt.Sprintf("$%d", i)
	case paramAtP:
		return fmt.Sprintf("@p%d", i)
	case paramColon:
		return fmt.Sprintf(":%d", i)
	default:
		return "?"
	}
}

func (a *Adapter) keyType() string {
	if strings.Contains(a.types.Varchar, "%d") {
		return fmt.Sprintf(a.types.Varchar, a.tr.keyBudget)
	}
	return a.types.Varchar
}
