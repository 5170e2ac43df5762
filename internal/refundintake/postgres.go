package refundintake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	_ "github.com/lib/pq"
)

// PostgresClaimStore persists claims in a `claims` table, guarding
// OriginalTxHash uniqueness the same way nonceledger.PostgresLedger guards
// (nonce, from, chain_id): an INSERT ... ON CONFLICT DO NOTHING, checked by
// rows-affected.
type PostgresClaimStore struct {
	db      *sql.DB
	ownsDB  bool
	metrics *metrics.Metrics
}

// NewPostgresClaimStore opens a dedicated connection pool.
func NewPostgresClaimStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresClaimStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	s := &PostgresClaimStore{db: db, ownsDB: true}
	if err := s.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresClaimStoreWithDB builds a store against a shared pool, e.g.
// the one the nonce ledger's Postgres tier already opened.
func NewPostgresClaimStoreWithDB(db *sql.DB) (*PostgresClaimStore, error) {
	s := &PostgresClaimStore{db: db, ownsDB: false}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresClaimStore) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS claims (
			id                TEXT PRIMARY KEY,
			resource_owner_id TEXT NOT NULL DEFAULT '',
			server_id         TEXT NOT NULL,
			original_tx_hash  TEXT NOT NULL UNIQUE,
			user_wallet       TEXT NOT NULL,
			amount            TEXT NOT NULL,
			asset             TEXT NOT NULL,
			network           TEXT NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			payout_tx_hash    TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create claims table: %w", err)
	}
	return nil
}

// WithMetrics attaches a metrics collector; every claim query is timed
// against the shared DB-query histogram.
func (s *PostgresClaimStore) WithMetrics(m *metrics.Metrics) *PostgresClaimStore {
	s.metrics = m
	return s
}

// Close closes the underlying pool if this store opened it.
func (s *PostgresClaimStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresClaimStore) Create(ctx context.Context, claim Claim) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_claim", "postgres")()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (id, resource_owner_id, server_id, original_tx_hash, user_wallet, amount, asset, network, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (original_tx_hash) DO NOTHING
	`, claim.ID, claim.ResourceOwnerID, claim.ServerID, claim.OriginalTxHash, claim.UserWallet, claim.Amount, claim.Asset, claim.Network, claim.Reason, claim.Status)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert claim: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateClaim
	}
	return nil
}

func (s *PostgresClaimStore) Get(ctx context.Context, id string) (Claim, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_claim", "postgres")()
	var c Claim
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, resource_owner_id, server_id, original_tx_hash, user_wallet, amount, asset, network, reason, status, payout_tx_hash, created_at, updated_at
		FROM claims WHERE id = $1
	`, id).Scan(&c.ID, &c.ResourceOwnerID, &c.ServerID, &c.OriginalTxHash, &c.UserWallet, &c.Amount, &c.Asset, &c.Network, &c.Reason, &c.Status, &c.PayoutTxHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Claim{}, ErrClaimNotFound
	}
	if err != nil {
		return Claim{}, fmt.Errorf("query claim: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt, updatedAt
	return c, nil
}

func (s *PostgresClaimStore) UpdateStatus(ctx context.Context, id string, status Status, payoutTxHash string) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_claim_status", "postgres")()
	result, err := s.db.ExecContext(ctx, `
		UPDATE claims SET status = $2, payout_tx_hash = COALESCE(NULLIF($3, ''), payout_tx_hash), updated_at = now()
		WHERE id = $1
	`, id, status, payoutTxHash)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim status: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimNotFound
	}
	return nil
}
