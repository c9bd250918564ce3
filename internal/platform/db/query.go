package db

import (
	"fmt"
	"strings"
)

// ListQuery builds the count and page queries of a filtered list. Filters
// are ANDed; placeholders are numbered in the order they are added.
type ListQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	orderBy string
}

func NewListQuery(table, cols string) *ListQuery {
	return &ListQuery{table: table, cols: cols}
}

func (q *ListQuery) next() int { return len(q.args) + 1 }

// Where adds "column op $n".
func (q *ListQuery) Where(column, op string, arg interface{}) *ListQuery {
	q.where += fmt.Sprintf(" AND %s %s $%d", column, op, q.next())
	q.args = append(q.args, arg)
	return q
}

// Eq adds an equality filter.
func (q *ListQuery) Eq(column string, arg interface{}) *ListQuery {
	return q.Where(column, "=", arg)
}

// Raw adds a clause with no arguments, such as "voided = false".
func (q *ListQuery) Raw(clause string) *ListQuery {
	q.where += " AND " + clause
	return q
}

// Search adds a case-insensitive substring match over one or more columns.
func (q *ListQuery) Search(term string, columns ...string) *ListQuery {
	if term == "" || len(columns) == 0 {
		return q
	}
	n := q.next()
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", c, n)
	}
	q.where += " AND (" + strings.Join(parts, " OR ") + ")"
	q.args = append(q.args, "%"+escapeLike(term)+"%")
	return q
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *ListQuery) OrderBy(orderBy string) *ListQuery {
	q.orderBy = orderBy
	return q
}

func (q *ListQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *ListQuery) CountArgs() []interface{} {
	return q.args
}

func (q *ListQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	n := q.next()
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1)
}

func (q *ListQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
