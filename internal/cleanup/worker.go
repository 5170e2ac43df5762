// Package cleanup runs the background sweep that deletes expired nonce
// ledger rows.
package cleanup

import (
	"context"
	"time"

	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
)

const DefaultInterval = 1 * time.Hour

// Worker periodically sweeps expired rows from a nonce ledger. A transient
// failure to sweep is logged, not fatal: the ticker keeps running so the
// next tick gets another chance.
type Worker struct {
	ledger   nonceledger.Ledger
	interval time.Duration
	metrics  *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// NewWorker builds a worker over ledger, sweeping every interval (or
// DefaultInterval if interval is zero).
func NewWorker(ledger nonceledger.Ledger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		ledger:   ledger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector.
func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// Run blocks, sweeping on every tick until ctx is canceled or Close is
// called. Intended to be launched in its own goroutine from main.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer close(w.done)

	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			deleted, err := w.ledger.CleanupExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("cleanup.sweep_failed")
				continue
			}
			if w.metrics != nil {
				w.metrics.ObserveNonceCleanup(deleted)
			}
			if deleted > 0 {
				log.Info().Int("deleted", deleted).Msg("cleanup.swept")
			}
		}
	}
}

// Close signals Run to stop and waits for it to exit, implementing
// io.Closer so internal/lifecycle.Manager can register this worker
// alongside the facilitator's other shutdown hooks.
func (w *Worker) Close() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	return nil
}
