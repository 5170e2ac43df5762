package solana

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"
)

const (
	// QueuePollInterval is how frequently the worker checks for new transactions when queue is empty.
	QueuePollInterval = 50 * time.Millisecond

	// TxTimeout is the timeout for sending an individual transaction.
	TxTimeout = 30 * time.Second

	// MaxTxRetries is the maximum number of times to retry a rate-limited transaction.
	MaxTxRetries = 3
)

// TransactionQueue serializes and rate-limits the facilitator's own
// Solana sends so a burst of settlements doesn't overrun the RPC node's
// rate limit; confirmation is the caller's concern (settler.go already
// polls WS/RPC for that), so the queue's job ends once SendTransactionWithOpts
// returns. Rate-limited transactions go back to the TOP of the queue.
type TransactionQueue struct {
	queue          *list.List
	mu             sync.Mutex
	minTimeBetween time.Duration
	maxInFlight    int
	inFlight       int
	lastSendTime   time.Time
	rpcClient      *rpc.Client
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// sendResult is delivered to a queued submission's caller once the send
// attempt (including any rate-limit retries) has resolved.
type sendResult struct {
	signature solana.Signature
	err       error
}

type queuedTx struct {
	id          string
	transaction *solana.Transaction
	opts        rpc.TransactionOpts
	retries     int
	resultCh    chan sendResult
}

// NewTransactionQueue creates the queue.
func NewTransactionQueue(rpcClient *rpc.Client, minTimeBetween time.Duration, maxInFlight int) *TransactionQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransactionQueue{
		queue:          list.New(),
		minTimeBetween: minTimeBetween,
		maxInFlight:    maxInFlight,
		rpcClient:      rpcClient,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing the queue.
func (q *TransactionQueue) Start() {
	q.wg.Add(1)
	go q.worker()
	log.Info().
		Dur("min_time_between", q.minTimeBetween).
		Int("max_in_flight", q.maxInFlight).
		Msg("transaction_queue.started")
}

// Submit enqueues a pre-signed transaction and blocks until it has been
// sent (subject to the queue's rate limit and in-flight cap, with
// automatic retry-to-front on rate-limit errors) or ctx is done. It
// returns the broadcast signature exactly as a direct
// rpc.Client.SendTransactionWithOpts call would.
func (q *TransactionQueue) Submit(ctx context.Context, id string, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	resultCh := make(chan sendResult, 1)
	qtx := &queuedTx{id: id, transaction: tx, opts: opts, resultCh: resultCh}

	q.mu.Lock()
	q.queue.PushBack(qtx)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return solana.Signature{}, ctx.Err()
	case res := <-resultCh:
		return res.signature, res.err
	}
}

// enqueuePriority puts a rate-limited transaction back at the FRONT of the queue.
func (q *TransactionQueue) enqueuePriority(qtx *queuedTx) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue.PushFront(qtx) // TOP of queue
}

// worker processes the queue.
func (q *TransactionQueue) worker() {
	defer q.wg.Done()

	ticker := time.NewTicker(QueuePollInterval)
	defer ticker.Stop()

	for {
		// Get next transaction
		qtx := q.dequeue()
		if qtx == nil {
			// Queue empty - wait for poll interval or context cancellation
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		// Wait for rate limiting
		q.waitForRateLimit()

		// Mark as in-flight
		q.mu.Lock()
		q.inFlight++
		q.lastSendTime = time.Now()
		q.mu.Unlock()

		// Send transaction
		go q.process(qtx)

		// Check if context is cancelled
		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

// dequeue gets the next transaction, respecting max in-flight.
func (q *TransactionQueue) dequeue() *queuedTx {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Check max in-flight
	if q.maxInFlight > 0 && q.inFlight >= q.maxInFlight {
		return nil
	}

	// Get from queue
	if q.queue.Len() == 0 {
		return nil
	}

	elem := q.queue.Front()
	q.queue.Remove(elem)
	return elem.Value.(*queuedTx)
}

// waitForRateLimit enforces minimum time between sends with context-aware timing.
func (q *TransactionQueue) waitForRateLimit() {
	if q.minTimeBetween == 0 {
		return
	}

	q.mu.Lock()
	timeSince := time.Since(q.lastSendTime)
	q.mu.Unlock()

	if timeSince < q.minTimeBetween {
		waitDuration := q.minTimeBetween - timeSince
		timer := time.NewTimer(waitDuration)
		defer timer.Stop()

		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			// Rate limit satisfied
		}
	}
}

// process sends the transaction and delivers the outcome to the submitter,
// retrying in-place (via the front of the queue) on a rate-limit error.
func (q *TransactionQueue) process(qtx *queuedTx) {
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(q.ctx, TxTimeout)
	defer cancel()

	sig, err := q.rpcClient.SendTransactionWithOpts(ctx, qtx.transaction, qtx.opts)

	if err != nil && isRateLimitError(err) && qtx.retries < MaxTxRetries {
		qtx.retries++
		backoff := 500 * time.Millisecond * time.Duration(1<<uint(qtx.retries-1))

		log.Warn().
			Str("tx_id", qtx.id).
			Int("retry", qtx.retries).
			Int("max_retries", MaxTxRetries).
			Dur("backoff", backoff).
			Msg("transaction_queue.rate_limited")

		timer := time.NewTimer(backoff)
		defer timer.Stop()

		select {
		case <-q.ctx.Done():
			qtx.resultCh <- sendResult{err: q.ctx.Err()}
			return
		case <-timer.C:
			// Backoff complete - retry
		}

		q.enqueuePriority(qtx)
		return
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("tx_id", qtx.id).
			Msg("transaction_queue.send_failed")
		qtx.resultCh <- sendResult{err: err}
		return
	}

	log.Debug().
		Str("tx_id", qtx.id).
		Str("signature", sig.String()).
		Msg("transaction_queue.sent")
	qtx.resultCh <- sendResult{signature: sig}
}

// isRateLimitError checks if error is a rate limit.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttle")
}

// Shutdown stops the queue.
func (q *TransactionQueue) Shutdown() {
	log.Info().Msg("transaction_queue.shutting_down")
	q.cancel()
	q.wg.Wait()
	log.Info().Msg("transaction_queue.shutdown_complete")
}

// Stats returns queue stats.
func (q *TransactionQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]int{
		"queued":    q.queue.Len(),
		"in_flight": q.inFlight,
	}
}
