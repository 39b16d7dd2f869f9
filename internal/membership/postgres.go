package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the allow-list table.
const Schema = `CREATE TABLE IF NOT EXISTS allowed_users (
  user_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Querier is the subset of *pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Postgres struct{ db Querier }

func NewPostgres(db Querier) *Postgres { return &Postgres{db: db} }

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create allowed_users: %w", err)
	}
	return nil
}

func (p *Postgres) GetAllowedUsers(ctx context.Context) (map[string]string, error) {
	const q = `SELECT user_id, display_name FROM allowed_users`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := p.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query allowed users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan allowed user: %w", err)
		}
		users[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allowed users: %w", err)
	}
	return users, nil
}
