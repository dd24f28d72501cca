package dbx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is a single result row as a column-name-keyed map, the shape callers
// get back from Fetch/FetchRow instead of a *pgx.Rows they'd have to scan
// by hand.
type Row map[string]any

// Fetch runs query and returns every row as a Row map. JSONB columns
// decoded by pgx as []byte are normalized to structured values via
// DecodeJSONB before being returned.
func Fetch(ctx context.Context, q Queryer, query string, args ...any) ([]Row, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("fetch: scan row: %w", err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = normalizeJSONB(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

// FetchRow runs query and returns the first row, or nil if there were no
// rows. Callers that require exactly one row should check for nil
// themselves; FetchRow never errors on zero rows.
func FetchRow(ctx context.Context, q Queryer, query string, args ...any) (Row, error) {
	rows, err := Fetch(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchVal runs query and returns the first column of the first row.
// Returns (nil, nil) if there were no rows.
func FetchVal(ctx context.Context, q Queryer, query string, args ...any) (any, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	return normalizeJSONB(vals[0]), nil
}

// Execute runs query for its side effects and returns the number of rows
// affected.
func Execute(ctx context.Context, q Queryer, query string, args ...any) (int64, error) {
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Queryer is satisfied by *Pool, pgx.Tx, and anything else that can run a
// query or exec — lets Fetch/Execute/WithTx work uniformly whether or not
// a transaction is in play.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error)
}

// pgconnCommandTag aliases pgx's CommandTag so this file doesn't need to
// import pgconn directly just to name the type in the interface above.
type pgconnCommandTag = pgx.CommandTag

// normalizeJSONB decodes values that arrived as raw JSON bytes or strings
// into structured Go values (map[string]any, []any, etc). Values already
// decoded by the driver, or that aren't JSON at all, pass through
// unchanged.
func normalizeJSONB(v any) any {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return v
	}

	if len(raw) == 0 {
		return v
	}
	if raw[0] != '{' && raw[0] != '[' {
		return v
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return v
	}
	return decoded
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-thrown after
// rollback). fn receives a Queryer bound to the transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx Queryer) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}
