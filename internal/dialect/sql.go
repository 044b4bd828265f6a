package dialect

import (
	"fmt"
	"strings"
)

// stmt numbers bound parameters in the order they are written.
type stmt struct {
	a    *Adapter
	args []any
}

func (a *Adapter) newStmt() *stmt { return &stmt{a: a} }

func (s *stmt) arg(v any) string {
	s.args = append(s.args, v)
	return s.a.placeholder(len(s.args))
}

func textValue(v []byte) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func (a *Adapter) columns(l Layout) []string {
	switch l {
	case LayoutSet:
		return []string{a.cID}
	case LayoutQueue:
		return []string{a.cID, a.cJSON, a.cCreated}
	default:
		return []string{a.cID, a.cJSON}
	}
}

func (s *stmt) values(l Layout, key string, value []byte, createdAt int64) []string {
	switch l {
	case LayoutSet:
		return []string{s.arg(key)}
	case LayoutQueue:
		return []string{s.arg(key), s.arg(textValue(value)), s.arg(createdAt)}
	default:
		return []string{s.arg(key), s.arg(textValue(value))}
	}
}

// castValues wraps placeholders in CASTs for dialects that cannot infer the
// type of a parameter in a SELECT list.
func (a *Adapter) castValues(vals []string) []string {
	types := []string{a.keyType(), a.types.Text, a.types.Bigint}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("CAST(%s AS %s)", v, types[i])
	}
	return out
}

// live filters out the NULL placeholder rows Map.Update leaves inside its
// transaction.
func (a *Adapter) live(t Table) string {
	if t.Layout == LayoutMap {
		return a.cJSON + " IS NOT NULL"
	}
	return ""
}

func and(conds ...string) string {
	var parts []string
	for _, c := range conds {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " AND ")
}

// selectSQL renders a SELECT with an optional row limit in the dialect's form.
func (a *Adapter) selectSQL(cols, from, where, order string, n int, suffix string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if n > 0 && a.tr.limit == limitTop {
		fmt.Fprintf(&b, "TOP %d ", n)
	}
	b.WriteString(cols)
	b.WriteString(" FROM ")
	b.WriteString(from)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
	}
	if n > 0 {
		switch a.tr.limit {
		case limitN:
			fmt.Fprintf(&b, " LIMIT %d", n)
		case limitFetchFirst:
			fmt.Fprintf(&b, " FETCH FIRST %d ROWS ONLY", n)
		}
	}
	b.WriteString(suffix)
	return b.String()
}

func (a *Adapter) queueOrder() string {
	return a.cCreated + ", " + a.cID
}

func (a *Adapter) createTableSQL(t Table) []string {
	tbl := a.Quote(t.Name)
	cols := []string{a.cID + " " + a.keyType() + " NOT NULL PRIMARY KEY"}
	if t.Layout != LayoutSet {
		cols = append(cols, a.cJSON+" "+a.types.Text)
	}
	if t.Layout == LayoutQueue {
		cols = append(cols, a.cCreated+" "+a.types.Bigint+" NOT NULL")
	}
	index := a.Quote(a.fitIdentifier(t.Name + "_created_at"))
	if t.Layout == LayoutQueue && a.tr.inlineIndex {
		cols = append(cols, "INDEX "+index+" ("+a.cCreated+")")
	}
	create := "CREATE TABLE "
	if a.tr.createIfNotExists {
		create += "IF NOT EXISTS "
	}
	stmts := []string{create + tbl + " (" + strings.Join(cols, ", ") + ")"}
	if t.Layout == LayoutQueue && !a.tr.inlineIndex {
		idx := "CREATE INDEX "
		if a.tr.indexIfNotExists {
			idx += "IF NOT EXISTS "
		}
		stmts = append(stmts, idx+index+" ON "+tbl+" ("+a.cCreated+")")
	}
	return stmts
}

func (a *Adapter) dropTableSQL(t string) string {
	if a.tr.dropIfExists {
		return "DROP TABLE IF EXISTS " + a.Quote(t)
	}
	return "DROP TABLE " + a.Quote(t)
}

func (a *Adapter) existsSQL(table string) (string, []any) {
	s := a.newStmt()
	return fmt.Sprintf(a.tr.exists, s.arg(table)), s.args
}

func (a *Adapter) isEmptySQL(t Table) string {
	return a.selectSQL("1", a.Quote(t.Name), a.live(t), "", 1, "")
}

func (a *Adapter) countSQL(t Table) string {
	return a.selectSQL("COUNT(*)", a.Quote(t.Name), a.live(t), "", 0, "")
}

// containsSQL matches live rows only; rowExistsSQL also sees placeholders.
func (a *Adapter) containsSQL(t Table, key string, includePlaceholders bool) (string, []any) {
	s := a.newStmt()
	where := a.cID + " = " + s.arg(key)
	if !includePlaceholders {
		where = and(where, a.live(t))
	}
	return a.selectSQL("1", a.Quote(t.Name), where, "", 0, ""), s.args
}

func (a *Adapter) getSQL(t Table, key string) (string, []any) {
	s := a.newStmt()
	return a.selectSQL(a.cJSON, a.Quote(t.Name), a.cID+" = "+s.arg(key), "", 0, ""), s.args
}

func (a *Adapter) deleteSQL(t Table, key string) (string, []any) {
	s := a.newStmt()
	return "DELETE FROM " + a.Quote(t.Name) + " WHERE " + a.cID + " = " + s.arg(key), s.args
}

func (a *Adapter) clearSQL(t Table) string {
	return "DELETE FROM " + a.Quote(t.Name)
}

// pageSQL selects the next page after cur in storage order: creation order
// for queues, key order otherwise.
func (a *Adapter) pageSQL(t Table, cur *Cursor, n int) (string, []any) {
	s := a.newStmt()
	var cols, where, order string
	switch t.Layout {
	case LayoutQueue:
		cols = a.cID + ", " + a.cJSON + ", " + a.cCreated
		order = a.queueOrder()
		if cur != nil {
			where = fmt.Sprintf("(%s > %s OR (%s = %s AND %s > %s))",
				a.cCreated, s.arg(cur.CreatedAt), a.cCreated, s.arg(cur.CreatedAt), a.cID, s.arg(cur.Key))
		}
	case LayoutSet:
		cols = a.cID
		order = a.cID
		if cur != nil {
			where = a.cID + " > " + s.arg(cur.Key)
		}
	default:
		cols = a.cID + ", " + a.cJSON
		order = a.cID
		if cur != nil {
			where = a.cID + " > " + s.arg(cur.Key)
		}
		where = and(where, a.live(t))
	}
	return a.selectSQL(cols, a.Quote(t.Name), where, order, n, ""), s.args
}

func (a *Adapter) mergeHead(s *stmt, tbl, key string) string {
	switch a.tr.merge {
	case mergeSQLServer:
		return fmt.Sprintf("MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (SELECT %s AS %s) AS src ON tgt.%s = src.%s",
			tbl, s.arg(key), a.cID, a.cID, a.cID)
	case mergeOracle:
		return fmt.Sprintf("MERGE INTO %s tgt USING (SELECT %s AS %s FROM DUAL) src ON (tgt.%s = src.%s)",
			tbl, s.arg(key), a.cID, a.cID, a.cID)
	default:
		return fmt.Sprintf("MERGE INTO %s AS tgt USING (VALUES (CAST(%s AS %s))) AS src (%s) ON tgt.%s = src.%s",
			tbl, s.arg(key), a.keyType(), a.cID, a.cID, a.cID)
	}
}

func (a *Adapter) mergeEnd() string {
	if a.tr.merge == mergeSQLServer {
		return ";"
	}
	return ""
}

func (a *Adapter) insertIfAbsentSQL(t Table, key string, value []byte, createdAt int64) (string, []any) {
	s := a.newStmt()
	tbl := a.Quote(t.Name)
	cols := strings.Join(a.columns(t.Layout), ", ")
	switch a.tr.insert {
	case insertOnConflict:
		vals := strings.Join(s.values(t.Layout, key, value, createdAt), ", ")
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING", tbl, cols, vals, a.cID), s.args
	case insertIgnore:
		vals := strings.Join(s.values(t.Layout, key, value, createdAt), ", ")
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", tbl, cols, vals), s.args
	case insertMerge:
		head := a.mergeHead(s, tbl, key)
		vals := strings.Join(s.values(t.Layout, key, value, createdAt), ", ")
		return fmt.Sprintf("%s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)%s", head, cols, vals, a.mergeEnd()), s.args
	default:
		vals := strings.Join(a.castValues(s.values(t.Layout, key, value, createdAt)), ", ")
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM (VALUES (0)) AS d (x) WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = %s)",
			tbl, cols, vals, tbl, a.cID, s.arg(key)), s.args
	}
}

// differs is true when col does not hold the value bound at ph. A NULL
// placeholder always differs.
func (a *Adapter) differs(col, ph string) string {
	if a.tr.lobCompare {
		return fmt.Sprintf("(%s IS NULL OR DBMS_LOB.COMPARE(%s, TO_CLOB(%s)) <> 0)", col, col, ph)
	}
	return fmt.Sprintf("(%s IS NULL OR %s <> %s)", col, col, ph)
}

func (a *Adapter) upsertSQL(t Table, key string, value []byte) (string, []any) {
	s := a.newStmt()
	tbl := a.Quote(t.Name)
	cols := a.cID + ", " + a.cJSON
	switch a.tr.upsert {
	case upsertOnConflict:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s WHERE %s",
			tbl, cols, s.arg(key), s.arg(textValue(value)), a.cID, a.cJSON, a.cJSON,
			a.differs(tbl+"."+a.cJSON, "excluded."+a.cJSON)), s.args
	case upsertDuplicateKey:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s) ON DUPLICATE KEY UPDATE %s = VALUES(%s)",
			tbl, cols, s.arg(key), s.arg(textValue(value)), a.cJSON, a.cJSON), s.args
	case upsertMerge:
		head := a.mergeHead(s, tbl, key)
		var matched string
		switch {
		case a.tr.noCompare:
			matched = fmt.Sprintf("WHEN MATCHED THEN UPDATE SET %s = %s", a.cJSON, s.arg(textValue(value)))
		case a.tr.merge == mergeOracle:
			set := s.arg(textValue(value))
			cond := a.differs("tgt."+a.cJSON, s.arg(textValue(value)))
			matched = fmt.Sprintf("WHEN MATCHED THEN UPDATE SET tgt.%s = %s WHERE %s", a.cJSON, set, cond)
		default:
			cond := a.differs("tgt."+a.cJSON, s.arg(textValue(value)))
			matched = fmt.Sprintf("WHEN MATCHED AND %s THEN UPDATE SET %s = %s", cond, a.cJSON, s.arg(textValue(value)))
		}
		return fmt.Sprintf("%s %s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s, %s)%s",
			head, matched, cols, s.arg(key), s.arg(textValue(value)), a.mergeEnd()), s.args
	default:
		panic("dialect: upsertSQL called for a two-statement upsert")
	}
}

func (a *Adapter) updateChangedSQL(t Table, key string, value []byte) (string, []any) {
	s := a.newStmt()
	set := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		a.Quote(t.Name), a.cJSON, s.arg(textValue(value)), a.cID, s.arg(key))
	if a.tr.noCompare {
		return set, s.args
	}
	return set + " AND " + a.differs(a.cJSON, s.arg(textValue(value))), s.args
}

func (a *Adapter) pollSQL(t Table) string {
	tbl := a.Quote(t.Name)
	returning := " RETURNING " + a.cID + ", " + a.cJSON
	switch a.tr.poll {
	case pollDeleteSkipLocked:
		sub := a.selectSQL(a.cID, tbl, "", a.queueOrder(), 1, " FOR UPDATE SKIP LOCKED")
		return "DELETE FROM " + tbl + " WHERE " + a.cID + " = (" + sub + ")" + returning
	case pollDeleteSubselect:
		sub := a.selectSQL(a.cID, tbl, "", a.queueOrder(), 1, "")
		return "DELETE FROM " + tbl + " WHERE " + a.cID + " = (" + sub + ")" + returning
	case pollDeleteOrderLimit:
		return "DELETE FROM " + tbl + " ORDER BY " + a.queueOrder() + " LIMIT 1" + returning
	case pollOutputDeleted:
		sub := a.selectSQL(a.cID+", "+a.cJSON, tbl+" WITH (UPDLOCK, ROWLOCK, READPAST)", "", a.queueOrder(), 1, "")
		return "WITH oldest AS (" + sub + ") DELETE FROM oldest OUTPUT DELETED." + a.cID + ", DELETED." + a.cJSON + ";"
	default:
		return a.lockOldestSQL(t)
	}
}

// lockOldestSQL selects and row-locks the oldest queue entry. The ordered
// pick sits in a subquery because several products reject FOR UPDATE next to
// ORDER BY or a row limit.
func (a *Adapter) lockOldestSQL(t Table) string {
	tbl := a.Quote(t.Name)
	sub := a.selectSQL(a.cID, tbl, "", a.queueOrder(), 1, "")
	return a.selectSQL(a.cID+", "+a.cJSON, tbl+a.tr.lockHint, a.cID+" = ("+sub+")", "", 0, a.tr.rowLock)
}

func (a *Adapter) lockRowSQL(t Table, key string) (string, []any) {
	s := a.newStmt()
	return a.selectSQL(a.cJSON, a.Quote(t.Name)+a.tr.lockHint, a.cID+" = "+s.arg(key), "", 0, a.tr.rowLock), s.args
}
