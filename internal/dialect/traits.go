package dialect

type paramStyle int

const (
	paramQuestion paramStyle = iota
	paramDollar
	paramAtP
	paramColon
)

type limitStyle int

const (
	limitN limitStyle = iota
	limitFetchFirst
	limitTop
)

type insertStyle int

const (
	insertNotExists insertStyle = iota
	insertOnConflict
	insertIgnore
	insertMerge
)

type upsertStyle int

const (
	upsertUpdateThenInsert upsertStyle = iota
	upsertOnConflict
	upsertDuplicateKey
	upsertMerge
)

type pollStyle int

const (
	pollLockThenDelete pollStyle = iota
	pollDeleteSkipLocked
	pollDeleteSubselect
	pollDeleteOrderLimit
	pollOutputDeleted
)

type mergeStyle int

const (
	mergeNone mergeStyle = iota
	mergeSQLServer
	mergeOracle
	mergeDB2
)

type traits struct {
	quote     [2]string
	params    paramStyle
	maxIdent  int
	keyBudget int

	varchar, text, bigint string

	createIfNotExists bool
	dropIfExists      bool
	indexIfNotExists  bool
	inlineIndex       bool

	limit  limitStyle
	insert insertStyle
	upsert upsertStyle
	merge  mergeStyle
	poll   pollStyle
	// rowLock is appended to SELECT ... WHERE to lock the row; lockHint goes
	// after the table name instead.
	rowLock  string
	lockHint string
	// lobCompare marks text columns that cannot be compared with <>.
	lobCompare bool
	// noCompare marks dialects whose upsert cannot tell an unchanged value.
	noCompare bool
	// abortsTx marks dialects where a failed statement poisons the enclosing
	// transaction, so nothing can be re-checked inside it.
	abortsTx bool
	exists   string
}

const (
	infoSchemaExists = "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = %s"
)

var traitsByName = map[Name]traits{
	ANSI: {
		quote: [2]string{`"`, `"`}, params: paramQuestion, maxIdent: 128, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR(%d)", text: "CLOB", bigint: "BIGINT",
		limit: limitFetchFirst, insert: insertNotExists, upsert: upsertUpdateThenInsert, poll: pollLockThenDelete,
		rowLock: " FOR UPDATE",
		exists:  infoSchemaExists,
	},
	Postgres: {
		quote: [2]string{`"`, `"`}, params: paramDollar, maxIdent: 63, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR(%d)", text: "TEXT", bigint: "BIGINT",
		createIfNotExists: true, dropIfExists: true, indexIfNotExists: true,
		limit: limitN, insert: insertOnConflict, upsert: upsertOnConflict, poll: pollDeleteSkipLocked,
		rowLock: " FOR UPDATE", abortsTx: true,
		exists: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = %s",
	},
	CockroachDB: {
		quote: [2]string{`"`, `"`}, params: paramDollar, maxIdent: 63, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR(%d)", text: "TEXT", bigint: "BIGINT",
		createIfNotExists: true, dropIfExists: true, indexIfNotExists: true,
		limit: limitN, insert: insertOnConflict, upsert: upsertOnConflict, poll: pollDeleteOrderLimit,
		rowLock: " FOR UPDATE", abortsTx: true,
		exists: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = %s",
	},
	MySQL: {
		quote: [2]string{"`", "`"}, params: paramQuestion, maxIdent: 64, keyBudget: 768,
		varchar: "VARCHAR(%d) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin", text: "LONGTEXT", bigint: "BIGINT",
		createIfNotExists: true, dropIfExists: true, inlineIndex: true,
		limit: limitN, insert: insertIgnore, upsert: upsertDuplicateKey, poll: pollLockThenDelete,
		rowLock: " FOR UPDATE",
		exists:  "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = %s",
	},
	MariaDB: {
		quote: [2]string{"`", "`"}, params: paramQuestion, maxIdent: 64, keyBudget: 768,
		varchar: "VARCHAR(%d) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin", text: "LONGTEXT", bigint: "BIGINT",
		createIfNotExists: true, dropIfExists: true, inlineIndex: true,
		limit: limitN, insert: insertIgnore, upsert: upsertDuplicateKey, poll: pollDeleteOrderLimit,
		rowLock: " FOR UPDATE",
		exists:  "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = %s",
	},
	SQLite: {
		quote: [2]string{`"`, `"`}, params: paramQuestion, maxIdent: 128, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR(%d)", text: "TEXT", bigint: "INTEGER",
		createIfNotExists: true, dropIfExists: true, indexIfNotExists: true,
		limit: limitN, insert: insertOnConflict, upsert: upsertOnConflict, poll: pollDeleteSubselect,
		exists: "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = %s",
	},
	SQLServer: {
		quote: [2]string{"[", "]"}, params: paramAtP, maxIdent: 128, keyBudget: 450,
		varchar: "NVARCHAR(%d)", text: "NVARCHAR(MAX)", bigint: "BIGINT", dropIfExists: true,
		limit: limitTop, insert: insertMerge, upsert: upsertMerge, merge: mergeSQLServer, poll: pollOutputDeleted,
		lockHint: " WITH (UPDLOCK, ROWLOCK)",
		exists:   "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = %s",
	},
	Oracle: {
		quote: [2]string{`"`, `"`}, params: paramColon, maxIdent: 30, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR2(%d)", text: "CLOB", bigint: "NUMBER(19)",
		limit: limitFetchFirst, insert: insertMerge, upsert: upsertMerge, merge: mergeOracle, poll: pollLockThenDelete,
		rowLock: " FOR UPDATE", lobCompare: true,
		exists: "SELECT COUNT(*) FROM user_tables WHERE table_name = %s",
	},
	DB2: {
		quote: [2]string{`"`, `"`}, params: paramQuestion, maxIdent: 128, keyBudget: 1024,
		varchar: "VARCHAR(%d)", text: "CLOB", bigint: "BIGINT",
		limit: limitFetchFirst, insert: insertMerge, upsert: upsertMerge, merge: mergeDB2, poll: pollLockThenDelete,
		rowLock: " FOR UPDATE", noCompare: true,
		exists: "SELECT COUNT(*) FROM syscat.tables WHERE tabschema = CURRENT SCHEMA AND tabname = %s",
	},
	DuckDB: {
		quote: [2]string{`"`, `"`}, params: paramDollar, maxIdent: 255, keyBudget: DefaultKeyBudget,
		varchar: "VARCHAR(%d)", text: "TEXT", bigint: "BIGINT",
		createIfNotExists: true, dropIfExists: true, indexIfNotExists: true,
		limit: limitN, insert: insertOnConflict, upsert: upsertOnConflict, poll: pollDeleteSubselect,
		exists: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = %s",
	},
}
