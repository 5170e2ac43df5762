// Package refundintake lets a registered resource server report that a
// settled payment's downstream delivery failed, so an operator can review
// and pay out a refund. It does not itself move funds; ApprovePayout only
// transitions claim state; signing and submitting the gasless payout through
// the existing EVM/Solana settlers is left to the caller.
package refundintake

import "time"

// Status is a claim's position in its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusPaid     Status = "paid"
	StatusRejected Status = "rejected"
)

// Claim is one reported failed delivery awaiting review.
type Claim struct {
	ID              string
	ResourceOwnerID string
	ServerID        string
	OriginalTxHash  string
	UserWallet      string
	Amount          string // atomic units, decimal string (mirrors schema.Requirements.MaxAmountRequired)
	Asset           string
	Network         string // normalized simple form: "base", "solana", not CAIP-2
	Reason          string
	Status          Status
	PayoutTxHash    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// transitions enumerates every permitted Status change. A transition not in
// this table is rejected with ErrCodeInvalidClaimTransition, including any
// attempt to move a claim out of StatusPaid.
var transitions = map[Status]map[Status]bool{
	StatusPending:  {StatusApproved: true, StatusRejected: true},
	StatusApproved: {StatusPaid: true, StatusRejected: true},
}

// canTransition reports whether from->to is a permitted claim state change.
func canTransition(from, to Status) bool {
	return transitions[from][to]
}
