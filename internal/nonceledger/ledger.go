// Package nonceledger guards against replayed payment authorizations: each
// (nonce, from, chainId) tuple may be acquired exactly once across the
// facilitator's lifetime (until it expires and is swept).
package nonceledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Key identifies one payment authorization's replay slot.
type Key struct {
	Nonce   string
	From    string
	ChainID string
}

// Normalize lower-cases the key fields so hex addresses and nonces compare
// consistently regardless of the case a client submitted them in.
func (k Key) Normalize() Key {
	return Key{
		Nonce:   strings.ToLower(strings.TrimSpace(k.Nonce)),
		From:    strings.ToLower(strings.TrimSpace(k.From)),
		ChainID: strings.ToLower(strings.TrimSpace(k.ChainID)),
	}
}

// Row is the record stored for an acquired key.
type Row struct {
	Key             Key
	FacilitatorID   string
	ExpiresAt       time.Time
	TransactionHash *string
	UsedAt          time.Time
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Acquired     bool
	RejectReason string
}

// Ledger tracks which (nonce, from, chainId) tuples have already been
// settled. Implementations must be safe for concurrent use and must treat
// any failure to positively confirm uniqueness as a rejection (fail closed).
type Ledger interface {
	TryAcquire(ctx context.Context, row Row) (Decision, error)
	Release(ctx context.Context, key Key) error
	MarkSettled(ctx context.Context, key Key, txHash string) error
	CleanupExpired(ctx context.Context) (int, error)
}

type memoryEntry struct {
	row Row
}

// MemoryLedger is an in-process cache in front of an optional persistent
// tier. It exists so a hot-path replay check doesn't have to round-trip to
// Postgres for every request, while still deferring to the persistent tier
// for the actual atomic acquire when one is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]memoryEntry
	persist Ledger // optional; nil means memory-only

	ttl time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// DefaultTTL is how long an acquired key is held before it is eligible for
// cleanup when the caller doesn't specify one.
const DefaultTTL = 10 * time.Minute

const sweepInterval = 5 * time.Minute

// NewMemoryLedger builds a memory-cached ledger. persist may be nil, in
// which case the memory cache is the only source of truth (suitable for
// tests or a single-instance deployment that accepts losing the ledger on
// restart); in production persist should be a *PostgresLedger shared across
// facilitator instances.
func NewMemoryLedger(ttl time.Duration, persist Ledger) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &MemoryLedger{
		entries: make(map[Key]memoryEntry),
		persist: persist,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (l *MemoryLedger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	return nil
}

func (l *MemoryLedger) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepLocal()
		}
	}
}

func (l *MemoryLedger) sweepLocal() {
	now := time.Now()
	l.mu.Lock()
	for k, e := range l.entries {
		if e.row.ExpiresAt.Before(now) {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()
}

// TryAcquire checks the in-memory cache first. If the key is already
// cached (either a completed acquire or another goroutine's in-flight
// attempt), it rejects immediately — this is what makes the check atomic:
// the cache-check-and-insert below runs under a single critical section, so
// only one of any number of concurrent callers for the same key ever gets
// past it. When a persistent tier is configured, that caller still has to
// win the authoritative atomic check there before the acquire is final; if
// the persistent tier rejects, the placeholder is removed so the key isn't
// stuck rejecting forever on a spurious local failure.
func (l *MemoryLedger) TryAcquire(ctx context.Context, row Row) (Decision, error) {
	key := row.Key.Normalize()
	row.Key = key
	if row.ExpiresAt.IsZero() {
		row.ExpiresAt = time.Now().Add(l.ttl)
	}

	l.mu.Lock()
	if existing, ok := l.entries[key]; ok && existing.row.ExpiresAt.After(time.Now()) {
		l.mu.Unlock()
		reason := "concurrent request for this authorization is already being processed"
		if existing.row.TransactionHash != nil {
			reason = "nonce already settled as " + *existing.row.TransactionHash
		}
		return Decision{Acquired: false, RejectReason: reason}, nil
	}
	l.entries[key] = memoryEntry{row: row}
	l.mu.Unlock()

	if l.persist == nil {
		return Decision{Acquired: true}, nil
	}

	decision, err := l.persist.TryAcquire(ctx, row)
	if err != nil || !decision.Acquired {
		l.mu.Lock()
		delete(l.entries, key)
		l.mu.Unlock()
	}
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Release removes the in-memory placeholder only, used when a settlement
// attempt fails before it could possibly have landed on-chain. It
// deliberately does not touch the persistent tier: once an authorization has
// been admitted to the pipeline it must be treated as spent for the rest of
// its validity window, so the persistent row survives until expires_at and
// cleanup sweeps it. A concurrent caller blocked on the cache entry is freed
// to retry, and the persistent tier's own uniqueness check still guards it.
func (l *MemoryLedger) Release(ctx context.Context, key Key) error {
	key = key.Normalize()
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

// MarkSettled records the settlement transaction hash against an acquired key.
func (l *MemoryLedger) MarkSettled(ctx context.Context, key Key, txHash string) error {
	key = key.Normalize()
	l.mu.Lock()
	if e, ok := l.entries[key]; ok && e.row.TransactionHash == nil {
		hash := txHash
		e.row.TransactionHash = &hash
		l.entries[key] = e
	}
	l.mu.Unlock()
	if l.persist != nil {
		return l.persist.MarkSettled(ctx, key, txHash)
	}
	return nil
}

// CleanupExpired sweeps the memory cache and, if configured, the persistent
// tier, returning the number of rows removed from the persistent tier (the
// number that matters for alerting on unbounded growth).
func (l *MemoryLedger) CleanupExpired(ctx context.Context) (int, error) {
	l.sweepLocal()
	if l.persist != nil {
		return l.persist.CleanupExpired(ctx)
	}
	return 0, nil
}
