// Package sqlutil builds the WHERE clauses shared by the SQL stores. The
// non-variant partition is stored as NULL, never as an empty string.
package sqlutil

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/warp/stock-ledger/stock"
)

// Placeholder renders the n-th (1-based) bind parameter: "?" for SQLite,
// "$n" for PostgreSQL.
type Placeholder func(n int) string

func Question(int) string { return "?" }

func Dollar(n int) string { return "$" + strconv.Itoa(n) }

type builder struct {
	ph    Placeholder
	conds []string
	args  []any
}

func (b *builder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.Replace(cond, "?", b.ph(len(b.args)), 1))
}

func (b *builder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// MovementWhere returns the WHERE clause and args selecting q.
func MovementWhere(q stock.Query, ph Placeholder) (string, []any) {
	b := &builder{ph: ph}
	if q.ProductID != "" {
		b.add("product_id = ?", string(q.ProductID))
	}
	if q.LocationID != "" {
		b.add("location_id = ?", string(q.LocationID))
	}
	if k, ok := q.Variant.Exact(); ok {
		if k == "" {
			b.conds = append(b.conds, "variant IS NULL")
		} else {
			b.add("variant = ?", string(k))
		}
	}
	if q.ReferenceDoc != "" {
		b.add("reference_doc = ?", q.ReferenceDoc)
	}
	if q.AfterSeq > 0 {
		b.add("seq > ?", q.AfterSeq)
	}
	if q.UpToSeq > 0 {
		b.add("seq <= ?", q.UpToSeq)
	}
	return b.clause(), b.args
}

// BalanceQuery returns the grouped SUM query for f. Rows come back
// unordered; callers sort with stock.SortBalances.
func BalanceQuery(f stock.BalanceFilter, ph Placeholder) (string, []any) {
	b := &builder{ph: ph}
	if f.ProductID != "" {
		b.add("product_id = ?", string(f.ProductID))
	}
	if f.LocationID != "" {
		b.add("location_id = ?", string(f.LocationID))
	}
	if f.UpToSeq > 0 {
		b.add("seq <= ?", f.UpToSeq)
	}
	query := "SELECT product_id, location_id, variant, SUM(delta) FROM movements" + b.clause() +
		" GROUP BY product_id, location_id, variant"
	if f.NegativeOnly {
		query += " HAVING SUM(delta) < 0"
	}
	return query, b.args
}

// NullVariant maps the empty key to NULL.
func NullVariant(k string) sql.NullString {
	if k == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: k, Valid: true}
}

func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
