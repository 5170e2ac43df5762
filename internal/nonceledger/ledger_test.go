package nonceledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerTryAcquireExactlyOneWinner(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute, nil)
	defer ledger.Close()

	key := Key{Nonce: "0xABCDEF", From: "0xPAYER", ChainID: "base"}
	const attempts = 64

	var wg sync.WaitGroup
	results := make([]Decision, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row := Row{Key: key, FacilitatorID: "fac-1", ExpiresAt: time.Now().Add(time.Minute)}
			decision, err := ledger.TryAcquire(context.Background(), row)
			require.NoError(t, err)
			results[i] = decision
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, d := range results {
		if d.Acquired {
			acquired++
		} else {
			assert.NotEmpty(t, d.RejectReason)
		}
	}
	assert.Equal(t, 1, acquired, "exactly one concurrent TryAcquire must win")
}

// fakePersist is a deliberately slow persistent tier, used to widen the race
// window between the in-memory cache check and the authoritative persistent
// acquire so a regression in the placeholder-insert logic would show up
// under -race.
type fakePersist struct {
	mu       sync.Mutex
	acquired map[Key]bool
	delay    time.Duration
}

func newFakePersist(delay time.Duration) *fakePersist {
	return &fakePersist{acquired: make(map[Key]bool), delay: delay}
}

func (f *fakePersist) TryAcquire(ctx context.Context, row Row) (Decision, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquired[row.Key] {
		return Decision{Acquired: false, RejectReason: "nonce already used"}, nil
	}
	f.acquired[row.Key] = true
	return Decision{Acquired: true}, nil
}

func (f *fakePersist) Release(ctx context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.acquired, key)
	return nil
}

func (f *fakePersist) MarkSettled(ctx context.Context, key Key, txHash string) error {
	return nil
}

func (f *fakePersist) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func TestMemoryLedgerWithPersistExactlyOneWinner(t *testing.T) {
	persist := newFakePersist(5 * time.Millisecond)
	ledger := NewMemoryLedger(time.Minute, persist)
	defer ledger.Close()

	key := Key{Nonce: "0xFEED", From: "0xPAYER", ChainID: "base"}
	const attempts = 32

	var wg sync.WaitGroup
	results := make([]Decision, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row := Row{Key: key, FacilitatorID: "fac-1", ExpiresAt: time.Now().Add(time.Minute)}
			decision, err := ledger.TryAcquire(context.Background(), row)
			require.NoError(t, err)
			results[i] = decision
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, d := range results {
		if d.Acquired {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestMemoryLedgerRejectedAcquireIsRetryableAfterPersistFailure(t *testing.T) {
	persist := newFakePersist(0)
	key := Key{Nonce: "0xAAAA", From: "0xBBBB", ChainID: "base"}
	persist.acquired[key.Normalize()] = true // simulate a row already held elsewhere

	ledger := NewMemoryLedger(time.Minute, persist)
	defer ledger.Close()

	decision, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, decision.Acquired)

	// The local placeholder must have been rolled back so a legitimate retry
	// (e.g. after the caller fixes whatever else was wrong) is not wedged
	// behind a cache entry that never resolves.
	ledger.mu.Lock()
	_, stillCached := ledger.entries[key.Normalize()]
	ledger.mu.Unlock()
	assert.False(t, stillCached)
}

func TestMemoryLedgerCaseNormalization(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute, nil)
	defer ledger.Close()

	lower := Key{Nonce: "0xabc123", From: "0xdeadbeef", ChainID: "base"}
	upper := Key{Nonce: "0xABC123", From: "0xDEADBEEF", ChainID: "BASE"}

	d1, err := ledger.TryAcquire(context.Background(), Row{Key: lower, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, d1.Acquired)

	d2, err := ledger.TryAcquire(context.Background(), Row{Key: upper, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, d2.Acquired, "case-variant nonce must be treated as the same key")
}

func TestMemoryLedgerMarkSettledThenReacquireRejectedWithHash(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute, nil)
	defer ledger.Close()

	key := Key{Nonce: "0x01", From: "0x02", ChainID: "base"}
	d1, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, d1.Acquired)

	require.NoError(t, ledger.MarkSettled(context.Background(), key, "0xhash1"))
	// Repeat calls with the same hash must be tolerated, not error.
	require.NoError(t, ledger.MarkSettled(context.Background(), key, "0xhash1"))

	d2, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, d2.Acquired)
	assert.Contains(t, d2.RejectReason, "0xhash1")
}

func TestMemoryLedgerReleaseAllowsReacquire(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute, nil)
	defer ledger.Close()

	key := Key{Nonce: "0x09", From: "0x10", ChainID: "base"}
	d1, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, d1.Acquired)

	require.NoError(t, ledger.Release(context.Background(), key))

	d2, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, d2.Acquired, "release must free the cache slot for a legitimate re-attempt")
}

func TestMemoryLedgerCleanupExpiredSweepsLocalCache(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute, nil)
	defer ledger.Close()

	key := Key{Nonce: "0x20", From: "0x21", ChainID: "base"}
	_, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	_, err = ledger.CleanupExpired(context.Background())
	require.NoError(t, err)

	d, err := ledger.TryAcquire(context.Background(), Row{Key: key, ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, d.Acquired, "an expired cache entry must not block a fresh acquire")
}
