package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusgate/campusgate/internal/realtime"
)

// Tables serves realtime snapshots.
type Tables struct {
	pool *pgxpool.Pool
}

// NewTables constructs Tables.
func NewTables(pool *pgxpool.Pool) *Tables {
	return &Tables{pool: pool}
}

// Snapshot returns the rows matching the query as JSON objects.
func (t *Tables) Snapshot(ctx context.Context, q realtime.Query) ([]json.RawMessage, error) {
	sql, args, err := snapshotSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := t.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot %s: %w", q.Table, err)
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

// Row returns one row of a registered table by primary key. It returns
// pgx.ErrNoRows when the row does not exist.
func (t *Tables) Row(ctx context.Context, table, key string) (json.RawMessage, error) {
	sql, err := rowSQL(table)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := t.pool.QueryRow(ctx, sql, key).Scan(&raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func rowSQL(name string) (string, error) {
	table, ok := realtime.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", realtime.ErrUnknownTable, name)
	}
	return fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE t.%s::text = $1",
		pgx.Identifier{table.Name}.Sanitize(), pgx.Identifier{table.Key}.Sanitize()), nil
}

func snapshotSQL(q realtime.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString("SELECT row_to_json(t) FROM ")
	b.WriteString(pgx.Identifier{q.Table}.Sanitize())
	b.WriteString(" t")
	args := make([]any, 0, len(q.Filter))
	for i, cond := range q.Filter {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, cond.Value)
		fmt.Fprintf(&b, "t.%s::text = $%d", pgx.Identifier{cond.Column}.Sanitize(), len(args))
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY t.")
		b.WriteString(pgx.Identifier{q.OrderBy}.Sanitize())
		if q.Descending {
			b.WriteString(" DESC")
		}
	}
	return b.String(), args, nil
}
