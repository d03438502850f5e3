package bulk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// IndexLedger persists which (index, alias) pairs have already been
// provisioned, so IndexManager.Ensure on a warm restart can skip the
// idempotent-but-not-free sequence of template/ISM-policy/alias PUTs
// entirely instead of reissuing them against the cluster every process
// start. Disabled by default; a nil *IndexLedger behaves as "always
// unprovisioned" so Ensure falls back to asking the cluster directly.
type IndexLedger struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenIndexLedger connects to Postgres and ensures the ledger table
// exists. dsn follows lib/pq's connection-string format.
func OpenIndexLedger(dsn string, timeout time.Duration) (*IndexLedger, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("index ledger: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("index ledger: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("index ledger: create schema: %w", err)
	}
	return &IndexLedger{db: db, timeout: timeout}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bulk_sink_index_ledger (
	alias       TEXT PRIMARY KEY,
	resolved_index TEXT NOT NULL,
	provisioned_at TIMESTAMPTZ NOT NULL
)`

// Lookup returns the previously-provisioned resolved index name for an
// alias, or ok=false if the ledger has no record of it.
func (l *IndexLedger) Lookup(ctx context.Context, alias string) (resolvedIndex string, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	var row struct {
		ResolvedIndex string `db:"resolved_index"`
	}
	err = l.db.GetContext(ctx, &row, `SELECT resolved_index FROM bulk_sink_index_ledger WHERE alias = $1`, alias)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("index ledger: lookup: %w", err)
	}
	return row.ResolvedIndex, true, nil
}

// Record stores that alias now resolves to resolvedIndex.
func (l *IndexLedger) Record(ctx context.Context, alias, resolvedIndex string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO bulk_sink_index_ledger (alias, resolved_index, provisioned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (alias) DO UPDATE SET resolved_index = EXCLUDED.resolved_index, provisioned_at = EXCLUDED.provisioned_at
	`, alias, resolvedIndex, now)
	if err != nil {
		return fmt.Errorf("index ledger: record: %w", err)
	}
	return nil
}

func (l *IndexLedger) Close() error {
	return l.db.Close()
}
