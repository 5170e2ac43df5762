package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfacilitator/x402fac/internal/nonceledger"
)

// fakeLedger counts CleanupExpired calls and can be configured to return an
// error on some of them, to exercise the worker's "log and keep ticking"
// behavior on a transient failure.
type fakeLedger struct {
	mu       sync.Mutex
	calls    int32
	errOn    map[int]error // 1-indexed call number -> error to return
	deleted  int
	releases []nonceledger.Key
}

func (f *fakeLedger) TryAcquire(ctx context.Context, row nonceledger.Row) (nonceledger.Decision, error) {
	return nonceledger.Decision{Acquired: true}, nil
}

func (f *fakeLedger) Release(ctx context.Context, key nonceledger.Key) error {
	f.mu.Lock()
	f.releases = append(f.releases, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeLedger) MarkSettled(ctx context.Context, key nonceledger.Key, txHash string) error {
	return nil
}

func (f *fakeLedger) CleanupExpired(ctx context.Context) (int, error) {
	call := int(atomic.AddInt32(&f.calls, 1))
	if err, ok := f.errOn[call]; ok {
		return 0, err
	}
	return f.deleted, nil
}

func (f *fakeLedger) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func TestWorkerSweepsOnEveryTick(t *testing.T) {
	ledger := &fakeLedger{deleted: 3}
	w := NewWorker(ledger, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return ledger.callCount() >= 3
	}, time.Second, time.Millisecond, "worker must sweep repeatedly on its ticker")

	cancel()
	require.NoError(t, w.Close())
}

func TestWorkerSurvivesTransientSweepError(t *testing.T) {
	ledger := &fakeLedger{
		errOn: map[int]error{1: errors.New("connection reset")},
	}
	w := NewWorker(ledger, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A failed sweep must not stop the ticker: later calls should still
	// arrive even though the first one errored.
	require.Eventually(t, func() bool {
		return ledger.callCount() >= 3
	}, time.Second, time.Millisecond, "a transient sweep error must not halt the worker")

	require.NoError(t, w.Close())
}

func TestWorkerCloseStopsRunPromptly(t *testing.T) {
	ledger := &fakeLedger{}
	w := NewWorker(ledger, time.Hour) // long interval: Close must not wait for a tick

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	closed := make(chan struct{})
	go func() {
		require.NoError(t, w.Close())
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return promptly")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Close")
	}
}

func TestWorkerCloseIsIdempotent(t *testing.T) {
	ledger := &fakeLedger{}
	w := NewWorker(ledger, time.Hour)
	go w.Run(context.Background())

	require.NoError(t, w.Close())
	assert.NotPanics(t, func() {
		require.NoError(t, w.Close())
	})
}

func TestWorkerContextCancelStopsRun(t *testing.T) {
	ledger := &fakeLedger{}
	w := NewWorker(ledger, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestNewWorkerDefaultsZeroInterval(t *testing.T) {
	w := NewWorker(&fakeLedger{}, 0)
	assert.Equal(t, DefaultInterval, w.interval)
}
