package dialect

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mapTable   = Table{Name: "grid_docs", Layout: LayoutMap}
	queueTable = Table{Name: "grid_q", Layout: LayoutQueue}
	setTable   = Table{Name: "grid_s", Layout: LayoutSet}
)

func mustAdapter(t *testing.T, name Name) *Adapter {
	t.Helper()
	a, err := New(name, Options{})
	require.NoError(t, err)
	return a
}

func TestInsertIfAbsentSQL(t *testing.T) {
	t.Parallel()

	const v = `{"a":1}`
	cases := []struct {
		dialect Name
		want    string
		args    []any
	}{
		{Postgres, `INSERT INTO "grid_docs" ("id", "json") VALUES ($1, $2) ON CONFLICT ("id") DO NOTHING`, []any{"k", v}},
		{SQLite, `INSERT INTO "grid_docs" ("id", "json") VALUES (?, ?) ON CONFLICT ("id") DO NOTHING`, []any{"k", v}},
		{MySQL, "INSERT IGNORE INTO `grid_docs` (`id`, `json`) VALUES (?, ?)", []any{"k", v}},
		{SQLServer, `MERGE INTO [grid_docs] WITH (HOLDLOCK) AS tgt USING (SELECT @p1 AS [id]) AS src ON tgt.[id] = src.[id] WHEN NOT MATCHED THEN INSERT ([id], [json]) VALUES (@p2, @p3);`, []any{"k", "k", v}},
		{Oracle, `MERGE INTO "grid_docs" tgt USING (SELECT :1 AS "id" FROM DUAL) src ON (tgt."id" = src."id") WHEN NOT MATCHED THEN INSERT ("id", "json") VALUES (:2, :3)`, []any{"k", "k", v}},
		{DB2, `MERGE INTO "grid_docs" AS tgt USING (VALUES (CAST(? AS VARCHAR(1024)))) AS src ("id") ON tgt."id" = src."id" WHEN NOT MATCHED THEN INSERT ("id", "json") VALUES (?, ?)`, []any{"k", "k", v}},
		{ANSI, `INSERT INTO "grid_docs" ("id", "json") SELECT CAST(? AS VARCHAR(2048)), CAST(? AS CLOB) FROM (VALUES (0)) AS d (x) WHERE NOT EXISTS (SELECT 1 FROM "grid_docs" WHERE "id" = ?)`, []any{"k", v, "k"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.dialect), func(t *testing.T) {
			t.Parallel()
			got, args := mustAdapter(t, tc.dialect).insertIfAbsentSQL(mapTable, "k", []byte(v), 0)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestInsertIfAbsentSQLLayouts(t *testing.T) {
	t.Parallel()

	a := mustAdapter(t, Postgres)
	got, args := a.insertIfAbsentSQL(setTable, "k", nil, 0)
	assert.Equal(t, `INSERT INTO "grid_s" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`, got)
	assert.Equal(t, []any{"k"}, args)

	got, args = a.insertIfAbsentSQL(queueTable, "k", []byte(`"v"`), 42)
	assert.Equal(t, `INSERT INTO "grid_q" ("id", "json", "created_at") VALUES ($1, $2, $3) ON CONFLICT ("id") DO NOTHING`, got)
	assert.Equal(t, []any{"k", `"v"`, int64(42)}, args)

	_, args = a.insertIfAbsentSQL(mapTable, "k", nil, 0)
	assert.Equal(t, []any{"k", nil}, args, "nil value binds NULL")
}

func TestUpsertSQL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dialect Name
		want    string
		nargs   int
	}{
		{Postgres, `INSERT INTO "grid_docs" ("id", "json") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "json" = excluded."json" WHERE ("grid_docs"."json" IS NULL OR "grid_docs"."json" <> excluded."json")`, 2},
		{MariaDB, "INSERT INTO `grid_docs` (`id`, `json`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `json` = VALUES(`json`)", 2},
		{SQLServer, `MERGE INTO [grid_docs] WITH (HOLDLOCK) AS tgt USING (SELECT @p1 AS [id]) AS src ON tgt.[id] = src.[id] WHEN MATCHED AND (tgt.[json] IS NULL OR tgt.[json] <> @p2) THEN UPDATE SET [json] = @p3 WHEN NOT MATCHED THEN INSERT ([id], [json]) VALUES (@p4, @p5);`, 5},
		{Oracle, `MERGE INTO "grid_docs" tgt USING (SELECT :1 AS "id" FROM DUAL) src ON (tgt."id" = src."id") WHEN MATCHED THEN UPDATE SET tgt."json" = :2 WHERE (tgt."json" IS NULL OR DBMS_LOB.COMPARE(tgt."json", TO_CLOB(:3)) <> 0) WHEN NOT MATCHED THEN INSERT ("id", "json") VALUES (:4, :5)`, 5},
		{DB2, `MERGE INTO "grid_docs" AS tgt USING (VALUES (CAST(? AS VARCHAR(1024)))) AS src ("id") ON tgt."id" = src."id" WHEN MATCHED THEN UPDATE SET "json" = ? WHEN NOT MATCHED THEN INSERT ("id", "json") VALUES (?, ?)`, 4},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.dialect), func(t *testing.T) {
			t.Parallel()
			got, args := mustAdapter(t, tc.dialect).upsertSQL(mapTable, "k", []byte(`1`))
			assert.Equal(t, tc.want, got)
			assert.Len(t, args, tc.nargs)
		})
	}
}

func TestUpdateChangedSQL(t *testing.T) {
	t.Parallel()

	got, args := mustAdapter(t, ANSI).updateChangedSQL(mapTable, "k", []byte(`1`))
	assert.Equal(t, `UPDATE "grid_docs" SET "json" = ? WHERE "id" = ? AND ("json" IS NULL OR "json" <> ?)`, got)
	assert.Equal(t, []any{"1", "k", "1"}, args)
}

func TestPollSQL(t *testing.T) {
	t.Parallel()

	cases := map[Name]string{
		Postgres:    `DELETE FROM "grid_q" WHERE "id" = (SELECT "id" FROM "grid_q" ORDER BY "created_at", "id" LIMIT 1 FOR UPDATE SKIP LOCKED) RETURNING "id", "json"`,
		CockroachDB: `DELETE FROM "grid_q" ORDER BY "created_at", "id" LIMIT 1 RETURNING "id", "json"`,
		MariaDB:     "DELETE FROM `grid_q` ORDER BY `created_at`, `id` LIMIT 1 RETURNING `id`, `json`",
		SQLite:      `DELETE FROM "grid_q" WHERE "id" = (SELECT "id" FROM "grid_q" ORDER BY "created_at", "id" LIMIT 1) RETURNING "id", "json"`,
		SQLServer:   `WITH oldest AS (SELECT TOP 1 [id], [json] FROM [grid_q] WITH (UPDLOCK, ROWLOCK, READPAST) ORDER BY [created_at], [id]) DELETE FROM oldest OUTPUT DELETED.[id], DELETED.[json];`,
		Oracle:      `SELECT "id", "json" FROM "grid_q" WHERE "id" = (SELECT "id" FROM "grid_q" ORDER BY "created_at", "id" FETCH FIRST 1 ROWS ONLY) FOR UPDATE`,
		MySQL:       "SELECT `id`, `json` FROM `grid_q` WHERE `id` = (SELECT `id` FROM `grid_q` ORDER BY `created_at`, `id` LIMIT 1) FOR UPDATE",
	}
	for name, want := range cases {
		name := name
		want := want
		t.Run(string(name), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, want, mustAdapter(t, name).pollSQL(queueTable))
		})
	}
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		`CREATE TABLE IF NOT EXISTS "grid_q" ("id" VARCHAR(2048) NOT NULL PRIMARY KEY, "json" TEXT, "created_at" BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS "grid_q_created_at" ON "grid_q" ("created_at")`,
	}, mustAdapter(t, Postgres).createTableSQL(queueTable))

	assert.Equal(t, []string{
		"CREATE TABLE IF NOT EXISTS `grid_q` (`id` VARCHAR(768) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL PRIMARY KEY, `json` LONGTEXT, `created_at` BIGINT NOT NULL, INDEX `grid_q_created_at` (`created_at`))",
	}, mustAdapter(t, MySQL).createTableSQL(queueTable))

	assert.Equal(t, []string{
		`CREATE TABLE [grid_s] ([id] NVARCHAR(450) NOT NULL PRIMARY KEY)`,
	}, mustAdapter(t, SQLServer).createTableSQL(setTable))

	assert.Equal(t, []string{
		`CREATE TABLE "grid_docs" ("id" VARCHAR2(2048) NOT NULL PRIMARY KEY, "json" CLOB)`,
	}, mustAdapter(t, Oracle).createTableSQL(mapTable))

	assert.Equal(t, []string{
		`CREATE TABLE "grid_q" ("id" VARCHAR(1024) NOT NULL PRIMARY KEY, "json" CLOB, "created_at" BIGINT NOT NULL)`,
		`CREATE INDEX "grid_q_created_at" ON "grid_q" ("created_at")`,
	}, mustAdapter(t, DB2).createTableSQL(queueTable))
}

func TestColumnTypeOverrides(t *testing.T) {
	t.Parallel()

	a, err := New(Postgres, Options{ColumnTypes: ColumnTypes{Varchar: "VARCHAR(%d) COLLATE \"C\"", Text: "JSONB"}})
	require.NoError(t, err)
	stmts := a.createTableSQL(mapTable)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "grid_docs" ("id" VARCHAR(2048) COLLATE "C" NOT NULL PRIMARY KEY, "json" JSONB)`, stmts[0])

	a, err = New(SQLite, Options{ColumnTypes: ColumnTypes{Varchar: "TEXT"}})
	require.NoError(t, err)
	assert.Contains(t, a.createTableSQL(setTable)[0], `"id" TEXT NOT NULL PRIMARY KEY`)
}

func TestPageSQL(t *testing.T) {
	t.Parallel()

	got, args := mustAdapter(t, Postgres).pageSQL(queueTable, &Cursor{Key: "b", CreatedAt: 7}, 256)
	assert.Equal(t, `SELECT "id", "json", "created_at" FROM "grid_q" WHERE ("created_at" > $1 OR ("created_at" = $2 AND "id" > $3)) ORDER BY "created_at", "id" LIMIT 256`, got)
	assert.Equal(t, []any{int64(7), int64(7), "b"}, args)

	got, args = mustAdapter(t, Postgres).pageSQL(mapTable, nil, 256)
	assert.Equal(t, `SELECT "id", "json" FROM "grid_docs" WHERE "json" IS NOT NULL ORDER BY "id" LIMIT 256`, got)
	assert.Empty(t, args)

	got, _ = mustAdapter(t, SQLServer).pageSQL(setTable, &Cursor{Key: "a"}, 256)
	assert.Equal(t, `SELECT TOP 256 [id] FROM [grid_s] WHERE [id] > @p1 ORDER BY [id]`, got)

	got, _ = mustAdapter(t, Oracle).pageSQL(mapTable, &Cursor{Key: "a"}, 256)
	assert.Equal(t, `SELECT "id", "json" FROM "grid_docs" WHERE "id" > :1 AND "json" IS NOT NULL ORDER BY "id" FETCH FIRST 256 ROWS ONLY`, got)
}

func TestLockRowSQL(t *testing.T) {
	t.Parallel()

	cases := map[Name]string{
		Postgres:  `SELECT "json" FROM "grid_docs" WHERE "id" = $1 FOR UPDATE`,
		SQLServer: `SELECT [json] FROM [grid_docs] WITH (UPDLOCK, ROWLOCK) WHERE [id] = @p1`,
		SQLite:    `SELECT "json" FROM "grid_docs" WHERE "id" = ?`,
		DuckDB:    `SELECT "json" FROM "grid_docs" WHERE "id" = $1`,
	}
	for name, want := range cases {
		got, _ := mustAdapter(t, name).lockRowSQL(mapTable, "k")
		assert.Equal(t, want, got, name)
	}
}

func TestExistsAndDropSQL(t *testing.T) {
	t.Parallel()

	q, args := mustAdapter(t, SQLite).existsSQL("grid_docs")
	assert.Equal(t, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, q)
	assert.Equal(t, []any{"grid_docs"}, args)

	q, _ = mustAdapter(t, DB2).existsSQL("grid_docs")
	assert.Equal(t, `SELECT COUNT(*) FROM syscat.tables WHERE tabschema = CURRENT SCHEMA AND tabname = ?`, q)

	assert.Equal(t, `DROP TABLE IF EXISTS [grid_docs]`, mustAdapter(t, SQLServer).dropTableSQL("grid_docs"))
	assert.Equal(t, `DROP TABLE "grid_docs"`, mustAdapter(t, Oracle).dropTableSQL("grid_docs"))
}

func TestTableName(t *testing.T) {
	t.Parallel()

	pg := mustAdapter(t, Postgres)
	assert.Equal(t, "grid_docs", pg.TableName("docs"))
	assert.Equal(t, "grid___grid_catalog", pg.TableName("__grid_catalog"))

	lossy := pg.TableName("Docs")
	assert.True(t, strings.HasPrefix(lossy, "grid_docs_"), lossy)
	assert.Len(t, lossy, len("grid_docs_")+hashSuffixLen)
	assert.NotEqual(t, pg.TableName("docs"), lossy)
	assert.NotEqual(t, pg.TableName("crawl.docs"), pg.TableName("crawl-docs"))

	ora := mustAdapter(t, Oracle)
	long := ora.TableName("a_rather_long_store_name_for_oracle")
	assert.LessOrEqual(t, len(long), 30)
	assert.Equal(t, long, ora.TableName("a_rather_long_store_name_for_oracle"))
	assert.NotEqual(t, long, ora.TableName("a_rather_long_store_name_for_oracle2"))

	custom, err := New(MySQL, Options{TablePrefix: "crawl_"})
	require.NoError(t, err)
	assert.Equal(t, "crawl_docs", custom.TableName("docs"))
}

func TestTruncateKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", TruncateKey("short", 100))

	long := strings.Repeat("a", 150)
	got := TruncateKey(long, 100)
	assert.Len(t, got, 100)
	assert.Equal(t, strings.Repeat("a", 35)+"!", got[:36])
	assert.NotEqual(t, got, TruncateKey(strings.Repeat("a", 151), 100))

	multi := strings.Repeat("é", 80)
	got = TruncateKey(multi, 100)
	assert.LessOrEqual(t, len(got), 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 17)+"!", got[:35])

	assert.Equal(t, 450, mustAdapter(t, SQLServer).KeyBudget())
	assert.Equal(t, 768, mustAdapter(t, MariaDB).KeyBudget())
	assert.Equal(t, 1024, mustAdapter(t, DB2).KeyBudget())
	assert.Equal(t, DefaultKeyBudget, mustAdapter(t, Postgres).KeyBudget())
}

func TestParseName(t *testing.T) {
	t.Parallel()

	for _, n := range Names() {
		got, err := ParseName(string(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	got, err := ParseName("")
	require.NoError(t, err)
	assert.Equal(t, ANSI, got)
	got, err = ParseName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, got)
	_, err = ParseName("informix")
	assert.Error(t, err)

	assert.Equal(t, Postgres, FromDriver("pgx"))
	assert.Equal(t, SQLite, FromDriver("sqlite"))
	assert.Equal(t, MySQL, FromDriver("mysql"))
	assert.Equal(t, ANSI, FromDriver("h2"))
}

func TestQuoteEscapes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"a""b"`, mustAdapter(t, Postgres).Quote(`a"b`))
	assert.Equal(t, "[a]]b]", mustAdapter(t, SQLServer).Quote("a]b"))
	assert.Equal(t, "`a``b`", mustAdapter(t, MySQL).Quote("a`b"))
}
