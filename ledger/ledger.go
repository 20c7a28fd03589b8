// Package ledger provides the durable payment record store. Every payment
// attempt that passes verification becomes exactly one row, keyed by the
// signature hash; the unique index on that key is the replay-protection
// serialization point for concurrent identical payments.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the payment record lifecycle state.
type Status string

const (
	// StatusVerified means the signature passed facilitator verification and
	// the record was inserted; execution has not completed yet.
	StatusVerified Status = "verified"
	// StatusSettled means execution succeeded and the on-chain transfer went
	// through.
	StatusSettled Status = "settled"
	// StatusFailed means execution failed; the payer was never charged.
	StatusFailed Status = "failed"
	// StatusUnsettled means execution succeeded but settlement could not be
	// completed. These rows need operator reconciliation.
	StatusUnsettled Status = "unsettled"
)

var (
	// ErrDuplicateSignature is returned by RecordVerified when the signature
	// hash already exists. Under concurrent identical requests this is how
	// the losers of the insert race find out.
	ErrDuplicateSignature = errors.New("ledger: signature already recorded")

	// ErrInvalidTransition is returned when a status update targets a record
	// that is missing or no longer in the verified state.
	ErrInvalidTransition = errors.New("ledger: record not in verified state")

	// ErrNotFound is returned by lookups for unknown signature hashes.
	ErrNotFound = errors.New("ledger: record not found")
)

// PaymentRecord is the audit-trail entity for one payment attempt.
type PaymentRecord struct {
	ID                string
	SignatureHash     string
	PayerAddress      string
	AmountAtomic      string
	AssetID           string
	NetworkID         string
	PayToAddress      string
	ToolID            string
	LinkedOperationID string
	CostUSD           string
	PaidUSD           string
	Status            Status
	FailureReason     string
	SettlementTxHash  string
	SettlementError   string
	VerifiedAt        time.Time
	SettledAt         *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
}

// Ledger is the narrow interface all payment record mutations go through.
// No caller reads-modifies-writes a record outside these operations.
type Ledger interface {
	// IsSignatureUsed is a cheap existence check to short-circuit replays
	// before paying for facilitator verification. It is an optimization
	// only; RecordVerified's unique constraint is the enforcement point.
	IsSignatureUsed(ctx context.Context, signatureHash string) (bool, error)

	// RecordVerified atomically inserts a verified payment record. Returns
	// ErrDuplicateSignature if the signature hash already exists.
	RecordVerified(ctx context.Context, record *PaymentRecord) error

	// MarkSettled transitions verified -> settled. Returns
	// ErrInvalidTransition if the record is missing or not verified.
	MarkSettled(ctx context.Context, signatureHash, transactionHash string) error

	// MarkFailed transitions verified -> failed with the execution failure
	// reason. Same guard as MarkSettled.
	MarkFailed(ctx context.Context, signatureHash, reason string) error

	// MarkUnsettled transitions verified -> unsettled: execution succeeded
	// but settlement could not complete. Same guard as MarkSettled.
	MarkUnsettled(ctx context.Context, signatureHash, settlementError string) error

	// FindBySignature returns the record for a signature hash, or ErrNotFound.
	FindBySignature(ctx context.Context, signatureHash string) (*PaymentRecord, error)
}
