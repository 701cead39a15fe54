package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAnnouncements = `
CREATE TABLE IF NOT EXISTS announcements (
    id        BIGSERIAL    PRIMARY KEY,
    at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    prev_file TEXT         NOT NULL,
    next_file TEXT         NOT NULL,
    text      TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_announcements_at
    ON announcements (at);
`

// PostgresLog is a PostgreSQL-backed announcement log. All operations are
// safe for concurrent use; state lives in the database.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ Log = (*PostgresLog)(nil)

// NewPostgresLog connects to the database at dsn and ensures the schema
// exists.
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlAnnouncements); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

// Record implements Log.
func (p *PostgresLog) Record(ctx context.Context, a Announcement) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO announcements (at, prev_file, next_file, text) VALUES ($1, $2, $3, $4)`,
		a.At, a.PrevFile, a.NextFile, a.Text,
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent implements Log. Returns the n newest announcements, oldest first.
func (p *PostgresLog) Recent(ctx context.Context, n int) ([]Announcement, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT at, prev_file, next_file, text
		   FROM announcements
		  ORDER BY at DESC
		  LIMIT $1`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.At, &a.PrevFile, &a.NextFile, &a.Text); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}

	// Reverse into chronological order for prompt injection.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close implements Log.
func (p *PostgresLog) Close() {
	p.pool.Close()
}
