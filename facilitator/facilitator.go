// Package facilitator wraps the external payment facilitator boundary: the
// verify and settle RPCs that check EIP-3009 transfer authorizations and move
// funds on-chain. The boundary is treated as an untrusted network dependency;
// expected validation failures come back in-band, Go errors mean transport
// faults.
package facilitator

import (
	"context"

	paygate "github.com/x402labs/paygate"
)

// VerifyResult contains the verification outcome for a payment payload.
// IsValid=false with an InvalidReason is an expected validation failure, not
// an error.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult contains the on-chain settlement outcome.
type SettleResult struct {
	Success     bool            `json:"success"`
	ErrorReason string          `json:"errorReason,omitempty"`
	Payer       string          `json:"payer,omitempty"`
	Transaction string          `json:"transaction"`
	Network     paygate.Network `json:"network"`
}

// Client is the facilitator boundary used by the payment gate.
//
// Verify checks signature authenticity and authorization validity against the
// given requirements. Settle triggers the on-chain fund transfer; it may fail
// independently of a prior successful verification (balance moved, allowance
// revoked, congestion) and such failures must not be conflated with execution
// failures by callers.
type Client interface {
	Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*VerifyResult, error)
	Settle(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*SettleResult, error)
}

// Composite pairs a local verifier with a remote settler. Useful when
// signature verification can be done in-process but settlement still needs a
// facilitator with chain access.
type Composite struct {
	Verifier Client
	Settler  Client
}

func (c *Composite) Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*VerifyResult, error) {
	return c.Verifier.Verify(ctx, payload, requirements)
}

func (c *Composite) Settle(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*SettleResult, error) {
	return c.Settler.Settle(ctx, payload, requirements)
}
