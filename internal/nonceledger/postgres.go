package nonceledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	_ "github.com/lib/pq"
)

// PostgresLedger persists used (nonce, from, chainId) tuples across
// facilitator restarts and instances. Any failure to positively confirm a
// row's uniqueness rejects the acquire: a replay that slips through because
// the database was unreachable would be far worse than an operator having
// to investigate a spurious rejection.
type PostgresLedger struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
	metrics   *metrics.Metrics
}

const defaultTableName = "used_nonces"

// NewPostgresLedger opens a new connection pool dedicated to the ledger.
func NewPostgresLedger(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	l := &PostgresLedger{db: db, ownsDB: true, tableName: defaultTableName}
	if err := l.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewPostgresLedgerWithDB builds a ledger against a shared connection pool
// (e.g. the one internal/dbpool hands out), so the facilitator doesn't open
// a second pool against the same database just for the ledger.
func NewPostgresLedgerWithDB(db *sql.DB) (*PostgresLedger, error) {
	l := &PostgresLedger{db: db, ownsDB: false, tableName: defaultTableName}
	if err := l.createTable(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			nonce            TEXT NOT NULL,
			from_address     TEXT NOT NULL,
			chain_id         TEXT NOT NULL,
			facilitator_id   TEXT NOT NULL DEFAULT '',
			expires_at       TIMESTAMPTZ NOT NULL,
			transaction_hash TEXT,
			used_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (nonce, from_address, chain_id)
		)
	`, l.tableName)
	_, err := l.db.Exec(query)
	if err != nil {
		return fmt.Errorf("create %s table: %w", l.tableName, err)
	}
	_, err = l.db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at)`, l.tableName, l.tableName))
	if err != nil {
		return fmt.Errorf("create %s expires_at index: %w", l.tableName, err)
	}
	return nil
}

// WithMetrics attaches a metrics collector; every ledger query is timed
// against the shared DB-query histogram.
func (l *PostgresLedger) WithMetrics(m *metrics.Metrics) *PostgresLedger {
	l.metrics = m
	return l
}

// Close closes the underlying connection pool if this ledger opened it.
func (l *PostgresLedger) Close() error {
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

// TryAcquire atomically inserts the row; RowsAffected()==0 means another
// request already holds this (nonce, from, chainId) tuple.
func (l *PostgresLedger) TryAcquire(ctx context.Context, row Row) (Decision, error) {
	defer metrics.MeasureDBQuery(l.metrics, "acquire_nonce", "postgres")()
	key := row.Key.Normalize()

	query := fmt.Sprintf(`
		INSERT INTO %s (nonce, from_address, chain_id, facilitator_id, expires_at, transaction_hash, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (nonce, from_address, chain_id) DO NOTHING
	`, l.tableName)

	result, err := l.db.ExecContext(ctx, query,
		key.Nonce, key.From, key.ChainID, row.FacilitatorID, row.ExpiresAt.UTC(), row.TransactionHash,
	)
	if err != nil {
		return Decision{Acquired: false, RejectReason: "failed to validate uniqueness — rejecting for safety"}, nil
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Decision{Acquired: false, RejectReason: "failed to validate uniqueness — rejecting for safety"}, nil
	}
	if rowsAffected == 1 {
		return Decision{Acquired: true}, nil
	}

	existingHash, err := l.existingTransactionHash(ctx, key)
	if err != nil {
		return Decision{Acquired: false, RejectReason: "failed to validate uniqueness — rejecting for safety"}, nil
	}
	reason := "nonce already used"
	if existingHash != "" {
		reason = "nonce already settled as " + existingHash
	}
	return Decision{Acquired: false, RejectReason: reason}, nil
}

func (l *PostgresLedger) existingTransactionHash(ctx context.Context, key Key) (string, error) {
	defer metrics.MeasureDBQuery(l.metrics, "lookup_nonce", "postgres")()
	query := fmt.Sprintf(`SELECT COALESCE(transaction_hash, '') FROM %s WHERE nonce = $1 AND from_address = $2 AND chain_id = $3`, l.tableName)
	var hash string
	err := l.db.QueryRowContext(ctx, query, key.Nonce, key.From, key.ChainID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// Release is a no-op on the persistent tier: acquire, mark-settled, and
// cleanup are the only persistent-store mutation paths.
// Once a row is inserted it is never deleted by Release — only MemoryLedger's
// in-memory placeholder is freed, so a retry is possible but this facilitator
// instance's own persisted claim on the tuple is never relinquished.
func (l *PostgresLedger) Release(ctx context.Context, key Key) error {
	return nil
}

// MarkSettled records the settlement transaction hash against a held key.
// The hash is only ever written over NULL: a repeat call (same hash or not)
// matches zero rows and is silently ignored, so a settled row's hash is
// immutable.
func (l *PostgresLedger) MarkSettled(ctx context.Context, key Key, txHash string) error {
	defer metrics.MeasureDBQuery(l.metrics, "mark_settled", "postgres")()
	key = key.Normalize()
	query := fmt.Sprintf(`UPDATE %s SET transaction_hash = $4 WHERE nonce = $1 AND from_address = $2 AND chain_id = $3 AND transaction_hash IS NULL`, l.tableName)
	_, err := l.db.ExecContext(ctx, query, key.Nonce, key.From, key.ChainID, txHash)
	return err
}

// CleanupExpired deletes rows whose expiry has passed, returning the count removed.
func (l *PostgresLedger) CleanupExpired(ctx context.Context) (int, error) {
	defer metrics.MeasureDBQuery(l.metrics, "cleanup_expired", "postgres")()
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, l.tableName)
	result, err := l.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}
