package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores entries in the dvm_ledger table.
type Postgres struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return newPostgres(db), nil
}

func newPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS dvm_ledger (
  job_id TEXT PRIMARY KEY,
  requester TEXT NOT NULL DEFAULT '',
  kind INTEGER NOT NULL DEFAULT 0,
  invoice TEXT NOT NULL DEFAULT '',
  payment_id TEXT NOT NULL DEFAULT '',
  price_sats BIGINT NOT NULL DEFAULT 0,
  estimated_tokens INTEGER NOT NULL DEFAULT 0,
  actual_tokens INTEGER NOT NULL DEFAULT 0,
  result_id TEXT NOT NULL DEFAULT '',
  delivered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_dvm_ledger_requester ON dvm_ledger (requester);
`)
	})
	return p.schemaErr
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	id := strings.TrimSpace(e.JobID)
	if id == "" {
		return ErrMissingJobID
	}
	if err := p.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	at := e.DeliveredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO dvm_ledger (
  job_id, requester, kind, invoice, payment_id, price_sats,
  estimated_tokens, actual_tokens, result_id, delivered_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (job_id) DO NOTHING`,
		id, e.Requester, e.Kind, e.Invoice, e.PaymentID, e.PriceSats,
		e.EstimatedTokens, e.ActualTokens, e.ResultID, at.UTC())
	if err != nil {
		return fmt.Errorf("record ledger entry %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Delivered(ctx context.Context, jobID string) (bool, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return false, fmt.Errorf("ensure ledger schema: %w", err)
	}
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM dvm_ledger WHERE job_id = $1`, strings.TrimSpace(jobID)).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return true, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
