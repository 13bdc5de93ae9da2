package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the subset of pgxpool.Pool the store needs; pgxmock's
// pool interface satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Postgres stores the audit log in a PostgreSQL table and pushes the
// window filter into SQL.
type Postgres struct {
	pool PgxPool
}

func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// DialPostgres opens a pool for the DSN and ensures the schema.
func DialPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewPostgres(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS audit_transactions (
	id TEXT PRIMARY KEY,
	paid_by TEXT NOT NULL,
	paid_to TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	tokens NUMERIC NOT NULL,
	invoice TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const insertSQL = `INSERT INTO audit_transactions
	(id, paid_by, paid_to, channel_id, tokens, invoice, state, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

func (s *Postgres) Add(ctx context.Context, e Entry) error {
	tokens := "0"
	if e.Tokens != nil {
		tokens = e.Tokens.String()
	}
	_, err := s.pool.Exec(ctx, insertSQL,
		e.ID, e.PaidBy, e.PaidTo, e.ChannelID, tokens, e.Invoice, string(e.State), e.CreatedAt)
	return err
}

const listSQL = `SELECT id, paid_by, paid_to, channel_id, tokens::text, invoice, state, created_at
	FROM audit_transactions
	WHERE created_at >= $1 AND ($2 = '' OR paid_by = $2)
	ORDER BY created_at`

func (s *Postgres) List(ctx context.Context, f Filter) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, listSQL, f.Since, f.PaidBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tokens string
		var state string
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.PaidBy, &e.PaidTo, &e.ChannelID, &tokens, &e.Invoice, &state, &createdAt); err != nil {
			return nil, err
		}
		e.Tokens, _ = new(big.Int).SetString(tokens, 10)
		e.State = State(state)
		e.CreatedAt = createdAt
		out = append(out, e)
	}
	return out, rows.Err()
}
