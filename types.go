// Package paygate implements the x402 payment verification and settlement
// protocol for payment-gated operations: wire types for the X-PAYMENT header,
// the 402 challenge response, and the settlement summary attached to
// successful responses.
package paygate

import (
	"fmt"
	"strings"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Authorization carries the EIP-3009 TransferWithAuthorization fields signed
// by the payer. Value, ValidAfter and ValidBefore are decimal integer strings;
// Nonce is a 32-byte hex string.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific portion of a payment payload for the
// "exact" scheme: a signed transfer authorization.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header body.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Payload     ExactPayload        `json:"payload"`
	Resource    string              `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
}

// PaymentRequirements defines what payment is acceptable for an operation
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge sent to callers that have not paid,
// underpaid, or replayed a signature.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// SettlementSummary reports the payment outcome alongside a successful
// operation result. Settled=false with a SettlementError means the operation
// succeeded but the on-chain transfer needs operator reconciliation.
type SettlementSummary struct {
	Settled         bool    `json:"settled"`
	Transaction     string  `json:"transaction,omitempty"`
	Network         Network `json:"network"`
	Payer           string  `json:"payer"`
	CostUSD         string  `json:"costUsd"`
	SettlementError string  `json:"settlementError,omitempty"`
}
