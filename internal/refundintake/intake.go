package refundintake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/chainfacilitator/x402fac/internal/chainregistry"
	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// ReportFailureRequest is the body of POST /claims/report-failure.
type ReportFailureRequest struct {
	OriginalTxHash string
	UserWallet     string
	Amount         string
	Asset          string
	Network        string // either simple form or CAIP-2; normalized before storage
	Reason         string
}

// Intake validates and records refund claims reported by registered
// resource servers. It never drives a payout itself on ReportFailure — that
// happens later, out of band, via ApprovePayout — so claim-intake failures
// can never affect the settle response already being written upstream.
type Intake struct {
	directory ServerDirectory
	store     ClaimStore
	registry  *chainregistry.Registry
	enabled   bool
	metrics   *metrics.Metrics
}

// New builds an Intake. enabled mirrors config.RefundConfig.Enabled: when
// false, every ReportFailure call is rejected regardless of API key.
func New(directory ServerDirectory, store ClaimStore, registry *chainregistry.Registry, enabled bool) *Intake {
	return &Intake{directory: directory, store: store, registry: registry, enabled: enabled}
}

// WithMetrics attaches a metrics collector.
func (in *Intake) WithMetrics(m *metrics.Metrics) *Intake {
	in.metrics = m
	return in
}

// ReportFailure records a new claim if the caller is a known, active
// server, refunds are enabled, and no claim already exists for this
// original transaction hash.
func (in *Intake) ReportFailure(ctx context.Context, apiKey string, req ReportFailureRequest) (string, error) {
	if !in.enabled {
		in.observe(req.Network, "disabled")
		return "", schema.NewFacilitatorError(apierrors.ErrCodeRefundsDisabled, nil)
	}

	record, found, err := in.directory.Lookup(ctx, apiKey)
	if err != nil {
		in.observe(req.Network, "directory_error")
		return "", schema.NewFacilitatorError(apierrors.ErrCodeInternalError, fmt.Errorf("server directory lookup: %w", err))
	}
	if !found || !record.Active {
		in.observe(req.Network, "unauthorized")
		return "", schema.NewFacilitatorError(apierrors.ErrCodeUnauthorizedRefundIssuer, nil)
	}

	if req.OriginalTxHash == "" || req.UserWallet == "" {
		in.observe(req.Network, "invalid_field")
		return "", schema.NewFacilitatorError(apierrors.ErrCodeMissingField, fmt.Errorf("originalTxHash and userWallet are required"))
	}

	network := in.normalizeNetwork(req.Network)

	id, err := generateClaimID()
	if err != nil {
		return "", schema.NewFacilitatorError(apierrors.ErrCodeInternalError, err)
	}

	claim := Claim{
		ID:              id,
		ResourceOwnerID: record.ResourceOwnerID,
		ServerID:        record.ID,
		OriginalTxHash:  req.OriginalTxHash,
		UserWallet:      req.UserWallet,
		Amount:          req.Amount,
		Asset:           req.Asset,
		Network:         network,
		Reason:          req.Reason,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	if err := in.store.Create(ctx, claim); err != nil {
		if err == ErrDuplicateClaim {
			in.observe(network, "duplicate")
			return "", schema.NewFacilitatorError(apierrors.ErrCodeDuplicateClaim, nil)
		}
		in.observe(network, "store_error")
		return "", schema.NewFacilitatorError(apierrors.ErrCodeDatabaseError, err)
	}

	in.observe(network, "recorded")
	return id, nil
}

// ApprovePayout transitions a claim from pending to approved. The caller
// (an operator tool, not this package) is responsible for actually signing
// and submitting the gasless payout via the engine's settlers, then calling
// MarkPaid once it lands.
func (in *Intake) ApprovePayout(ctx context.Context, claimID string) error {
	return in.transition(ctx, claimID, StatusApproved, "")
}

// MarkPaid transitions a claim from approved to paid, recording the payout
// transaction hash.
func (in *Intake) MarkPaid(ctx context.Context, claimID, payoutTxHash string) error {
	return in.transition(ctx, claimID, StatusPaid, payoutTxHash)
}

// RejectClaim transitions a claim to rejected from either pending or
// approved.
func (in *Intake) RejectClaim(ctx context.Context, claimID string) error {
	return in.transition(ctx, claimID, StatusRejected, "")
}

func (in *Intake) transition(ctx context.Context, claimID string, to Status, payoutTxHash string) error {
	claim, err := in.store.Get(ctx, claimID)
	if err != nil {
		if err == ErrClaimNotFound {
			return schema.NewFacilitatorError(apierrors.ErrCodeResourceNotFound, nil)
		}
		return schema.NewFacilitatorError(apierrors.ErrCodeDatabaseError, err)
	}
	if !canTransition(claim.Status, to) {
		return schema.NewFacilitatorError(apierrors.ErrCodeInvalidClaimTransition, fmt.Errorf("%s -> %s not permitted", claim.Status, to))
	}
	if err := in.store.UpdateStatus(ctx, claimID, to, payoutTxHash); err != nil {
		return schema.NewFacilitatorError(apierrors.ErrCodeDatabaseError, err)
	}
	return nil
}

// EmitBestEffort records a claim on behalf of the facilitator's own payment
// middleware after a downstream 5xx, rather than a registered server
// calling POST /claims/report-failure with its own API key. It never blocks
// the caller and never returns an error: the claim record is convenience for
// later payout review, not a signal the settle response can still react to.
// Settlement has already succeeded and been written to the client by the
// time this runs.
func (in *Intake) EmitBestEffort(serverID string, req ReportFailureRequest) {
	go func() {
		ctx := context.Background()
		if !in.enabled {
			in.observe(req.Network, "disabled")
			return
		}
		if req.OriginalTxHash == "" || req.UserWallet == "" {
			in.observe(req.Network, "invalid_field")
			return
		}

		network := in.normalizeNetwork(req.Network)
		id, err := generateClaimID()
		if err != nil {
			in.observe(network, "id_generation_error")
			return
		}

		claim := Claim{
			ID:             id,
			ServerID:       serverID,
			OriginalTxHash: req.OriginalTxHash,
			UserWallet:     req.UserWallet,
			Amount:         req.Amount,
			Asset:          req.Asset,
			Network:        network,
			Reason:         req.Reason,
			Status:         StatusPending,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		// ResourceOwnerID stays empty here: the paywall only knows the
		// server it fronts, not the owning account; operator review fills
		// in ownership when approving.
		if err := in.store.Create(ctx, claim); err != nil {
			if err == ErrDuplicateClaim {
				in.observe(network, "duplicate")
				return
			}
			in.observe(network, "store_error")
			return
		}
		in.observe(network, "recorded_best_effort")
	}()
}

// normalizeNetwork converts a CAIP-2 identifier ("eip155:8453",
// "solana:...") to the facilitator's simple network name ("base",
// "solana"). An already-simple or unrecognized value passes through
// unchanged.
func (in *Intake) normalizeNetwork(network string) string {
	if in.registry == nil {
		return network
	}
	if id, ok := in.registry.Resolve(network); ok {
		return id.Name
	}
	return network
}

func (in *Intake) observe(network, outcome string) {
	if in.metrics != nil {
		in.metrics.ObserveRefundClaim(network, outcome)
	}
}

func generateClaimID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate claim id: %w", err)
	}
	return "claim_" + hex.EncodeToString(b), nil
}
