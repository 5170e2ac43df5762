package refundintake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

func newTestIntake(enabled bool) (*Intake, *MemoryServerDirectory) {
	dir := NewMemoryServerDirectory()
	dir.Register("good-key", ServerRecord{ID: "server-1", Active: true})
	dir.Register("inactive-key", ServerRecord{ID: "server-2", Active: false})
	store := NewMemoryClaimStore()
	return New(dir, store, nil, enabled), dir
}

func TestReportFailureHappyPath(t *testing.T) {
	intake, _ := newTestIntake(true)
	id, err := intake.ReportFailure(context.Background(), "good-key", ReportFailureRequest{
		OriginalTxHash: "0xabc",
		UserWallet:     "0xpayer",
		Amount:         "1000000",
		Asset:          "0xasset",
		Network:        "base",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestReportFailureUnknownKeyRejected(t *testing.T) {
	intake, _ := newTestIntake(true)
	_, err := intake.ReportFailure(context.Background(), "nope", ReportFailureRequest{
		OriginalTxHash: "0xabc",
		UserWallet:     "0xpayer",
	})
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeUnauthorizedRefundIssuer, fe.Code)
}

func TestReportFailureInactiveServerRejected(t *testing.T) {
	intake, _ := newTestIntake(true)
	_, err := intake.ReportFailure(context.Background(), "inactive-key", ReportFailureRequest{
		OriginalTxHash: "0xabc",
		UserWallet:     "0xpayer",
	})
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeUnauthorizedRefundIssuer, fe.Code)
}

func TestReportFailureRefundsDisabledRejected(t *testing.T) {
	intake, _ := newTestIntake(false)
	_, err := intake.ReportFailure(context.Background(), "good-key", ReportFailureRequest{
		OriginalTxHash: "0xabc",
		UserWallet:     "0xpayer",
	})
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeRefundsDisabled, fe.Code)
}

func TestReportFailureDuplicateTxHashRejected(t *testing.T) {
	intake, _ := newTestIntake(true)
	req := ReportFailureRequest{OriginalTxHash: "0xdupe", UserWallet: "0xpayer"}
	_, err := intake.ReportFailure(context.Background(), "good-key", req)
	require.NoError(t, err)

	_, err = intake.ReportFailure(context.Background(), "good-key", req)
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeDuplicateClaim, fe.Code)
}

func TestReportFailureMissingFieldsRejected(t *testing.T) {
	intake, _ := newTestIntake(true)
	_, err := intake.ReportFailure(context.Background(), "good-key", ReportFailureRequest{})
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeMissingField, fe.Code)
}

func TestClaimStateTransitions(t *testing.T) {
	intake, _ := newTestIntake(true)
	id, err := intake.ReportFailure(context.Background(), "good-key", ReportFailureRequest{
		OriginalTxHash: "0xstate",
		UserWallet:     "0xpayer",
	})
	require.NoError(t, err)

	require.NoError(t, intake.ApprovePayout(context.Background(), id))
	require.NoError(t, intake.MarkPaid(context.Background(), id, "0xpayout"))

	// No transition out of paid is permitted.
	err = intake.RejectClaim(context.Background(), id)
	require.Error(t, err)
	var fe schema.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, apierrors.ErrCodeInvalidClaimTransition, fe.Code)
}

func TestClaimApprovedCanStillBeRejected(t *testing.T) {
	intake, _ := newTestIntake(true)
	id, err := intake.ReportFailure(context.Background(), "good-key", ReportFailureRequest{
		OriginalTxHash: "0xstate2",
		UserWallet:     "0xpayer",
	})
	require.NoError(t, err)

	require.NoError(t, intake.ApprovePayout(context.Background(), id))
	require.NoError(t, intake.RejectClaim(context.Background(), id))
}

func TestEmitBestEffortRecordsAsynchronously(t *testing.T) {
	intake, _ := newTestIntake(true)
	store := intake.store.(*MemoryClaimStore)

	intake.EmitBestEffort("server-1", ReportFailureRequest{
		OriginalTxHash: "0xbesteffort",
		UserWallet:     "0xpayer",
	})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.byTxHash["0xbesteffort"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// A duplicate call for the same tx hash must not panic and must not
	// create a second claim.
	intake.EmitBestEffort("server-1", ReportFailureRequest{
		OriginalTxHash: "0xbesteffort",
		UserWallet:     "0xpayer",
	})
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, 1, len(store.claims))
	store.mu.Unlock()
}
