package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"karya/internal/domain"
	"karya/internal/idspace"
)

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx. Store methods never open
// transactions themselves; callers decide the transactional boundary.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the generic row-level access layer shared by the sync engine and
// the orchestration components.
type Store struct {
	Now func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return domain.FormatTime(s.Now())
	}
	return domain.FormatTime(time.Now())
}

// Insert writes one row. Server-originated rows without an id get one minted
// in the server id space; created_at/last_updated_at are stamped when absent.
func (s Store) Insert(ctx context.Context, q Querier, table string, row domain.Row) (domain.Row, error) {
	t, ok := Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	if _, ok := row["id"]; !ok {
		id, local, err := idspace.Mint(ctx, q, table, idspace.ServerBox)
		if err != nil {
			return nil, err
		}
		row["id"] = id
		if t.hasColumn("local_id") {
			row["local_id"] = local
			row["box_id"] = fmt.Sprint(idspace.ServerBox)
		}
	}
	now := s.now()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	if _, ok := row["last_updated_at"]; !ok {
		row["last_updated_at"] = now
	}
	cols, args := presentColumns(t, row)
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`,
		t.Name, quoteJoin(cols), placeholders(len(cols)))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return row, nil
}

// GetSingle returns the unique row matching the filter, or ErrNotFound.
func (s Store) GetSingle(ctx context.Context, q Querier, table string, match domain.Row) (domain.Row, error) {
	rows, err := s.GetMany(ctx, q, table, match)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// GetMany returns all rows matching the filter, ordered by id.
func (s Store) GetMany(ctx context.Context, q Querier, table string, match domain.Row) ([]domain.Row, error) {
	t, ok := Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	where, args := matchClause(match)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY CAST(id AS INTEGER)`, quoteJoin(t.Columns), t.Name, where)
	return s.queryRows(ctx, q, t, query, args)
}

// UpdateSingle applies updates to the row matching the filter and bumps
// last_updated_at. ErrNotFound when nothing matched.
func (s Store) UpdateSingle(ctx context.Context, q Querier, table string, match, updates domain.Row) error {
	n, err := s.update(ctx, q, table, match, updates)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMany applies updates to every row matching the filter.
func (s Store) UpdateMany(ctx context.Context, q Querier, table string, match, updates domain.Row) error {
	_, err := s.update(ctx, q, table, match, updates)
	return err
}

func (s Store) update(ctx context.Context, q Querier, table string, match, updates domain.Row) (int64, error) {
	t, ok := Lookup(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %s", table)
	}
	if _, ok := updates["last_updated_at"]; !ok {
		updates["last_updated_at"] = s.now()
	}
	cols, args := presentColumns(t, updates)
	var sets []string
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%q=?", c))
	}
	where, whereArgs := matchClause(match)
	args = append(args, whereArgs...)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s %s`, t.Name, strings.Join(sets, ","), where), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Remove deletes all rows matching the filter.
func (s Store) Remove(ctx context.Context, q Querier, table string, match domain.Row) error {
	t, ok := Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %s", table)
	}
	where, args := matchClause(match)
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s %s`, t.Name, where), args...); err != nil {
		return fmt.Errorf("remove %s: %w", table, err)
	}
	return nil
}

// GetSince returns rows updated after from (exclusive) and, when to is
// non-empty, at or before to (inclusive), further narrowed by match.
func (s Store) GetSince(ctx context.Context, q Querier, table, from, to string, match domain.Row) ([]domain.Row, error) {
	t, ok := Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	clauses := []string{"last_updated_at > ?"}
	args := []any{from}
	if to != "" {
		clauses = append(clauses, "last_updated_at <= ?")
		args = append(args, to)
	}
	for _, k := range sortedKeys(match) {
		clauses = append(clauses, fmt.Sprintf("%q=?", k))
		args = append(args, match[k])
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY last_updated_at, CAST(id AS INTEGER)`,
		quoteJoin(t.Columns), t.Name, strings.Join(clauses, " AND "))
	return s.queryRows(ctx, q, t, query, args)
}

// Upsert writes a full row, replacing every supplied column on conflict.
// Last writer wins; this is the apply primitive of the sync push path.
func (s Store) Upsert(ctx context.Context, q Querier, table string, row domain.Row) error {
	t, ok := Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %s", table)
	}
	if _, ok := row["last_updated_at"]; !ok {
		row["last_updated_at"] = s.now()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = row["last_updated_at"]
	}
	cols, args := presentColumns(t, row)
	var sets []string
	for _, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%q=excluded.%q", c, c))
	}
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		t.Name, quoteJoin(cols), placeholders(len(cols)), strings.Join(sets, ","))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s Store) queryRows(ctx context.Context, q Querier, t Table, query string, args []any) ([]domain.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()
	var res []domain.Row
	for rows.Next() {
		vals := make([]any, len(t.Columns))
		ptrs := make([]any, len(t.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := domain.Row{}
		for i, c := range t.Columns {
			switch v := vals[i].(type) {
			case nil:
				// NULL columns are omitted from wire rows.
			case []byte:
				row[c] = string(v)
			default:
				row[c] = v
			}
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// presentColumns returns the registry columns present in the row, in schema
// order, with their values. Unknown keys are ignored.
func presentColumns(t Table, row domain.Row) ([]string, []any) {
	var cols []string
	var args []any
	for _, c := range t.Columns {
		if v, ok := row[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	return cols, args
}

func matchClause(match domain.Row) (string, []any) {
	if len(match) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for _, k := range sortedKeys(match) {
		clauses = append(clauses, fmt.Sprintf("%q=?", k))
		args = append(args, match[k])
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func sortedKeys(m domain.Row) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ",")
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}
