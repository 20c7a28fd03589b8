// Package middleware provides HTTP adapters for the payment gate: request
// interceptors that decode and verify the X-PAYMENT header, and handlers that
// run the gate and translate its outcome to HTTP. Adapters are provided for
// gin and echo.
package middleware

import (
	"context"
	"log/slog"

	paygate "github.com/x402labs/paygate"
	"github.com/x402labs/paygate/facilitator"
	"github.com/x402labs/paygate/gate"
)

// PaymentHeader is the request header carrying the base64 payment payload.
const PaymentHeader = "X-PAYMENT"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// paymentContextKey stores the middleware's gate.Payment on the request.
const paymentContextKey = contextKey("paygate_payment")

// Verifier decodes and verifies payment headers on behalf of the framework
// adapters. It is pure decision logic: the only side effect is the verify
// call to the facilitator. It never touches the ledger.
type Verifier struct {
	facilitator facilitator.Client
	logger      *slog.Logger
}

// NewVerifier creates the shared verification middleware core.
func NewVerifier(client facilitator.Client, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{facilitator: client, logger: logger}
}

// Inspect turns a raw header value into the gate's payment view.
//
// An absent header is not an error; it marks the request for the 402
// challenge. A header that fails decoding is flagged malformed, which is
// distinct from one that decodes but fails facilitator verification.
func (v *Verifier) Inspect(ctx context.Context, header string, requirements paygate.PaymentRequirements) gate.Payment {
	if header == "" {
		return gate.Payment{Missing: true}
	}

	payload, err := paygate.DecodePaymentHeader(header)
	if err != nil {
		v.logger.Info("malformed payment header", "error", err)
		return gate.Payment{Malformed: true, MalformedReason: err.Error()}
	}

	verification, err := v.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		// Transport fault: leave Verification nil so the gate fails closed
		// (it re-verifies and surfaces VERIFICATION_UNAVAILABLE)
		v.logger.Warn("facilitator verify failed", "error", err)
		return gate.Payment{Payload: payload}
	}

	v.logger.Info("payment inspected", "valid", verification.IsValid, "payer", verification.Payer)
	return gate.Payment{Payload: payload, Verification: verification}
}

// WithPayment stores the inspected payment on a context.
func WithPayment(ctx context.Context, p gate.Payment) context.Context {
	return context.WithValue(ctx, paymentContextKey, p)
}

// PaymentFromContext returns the payment attached by the verification
// middleware. The second return is false when no middleware ran.
func PaymentFromContext(ctx context.Context) (gate.Payment, bool) {
	p, ok := ctx.Value(paymentContextKey).(gate.Payment)
	return p, ok
}

// CallerResolver maps the caller identifier from the request (the
// X-Caller-ID header) to a full caller context, including any registered
// webhook endpoint and its shared secret.
type CallerResolver func(ctx context.Context, callerID string) gate.CallerContext

// AnonymousCaller is the default resolver: a bare caller with no webhook.
func AnonymousCaller(_ context.Context, callerID string) gate.CallerContext {
	return gate.CallerContext{ID: callerID}
}

// CallerHeader identifies the caller for webhook resolution.
const CallerHeader = "X-Caller-ID"

// InvokeRequest is the JSON body of a gated invocation.
type InvokeRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

// InvokeResponse is the JSON body of a completed invocation.
type InvokeResponse struct {
	Result map[string]interface{}     `json:"result,omitempty"`
	JobID  string                     `json:"jobId,omitempty"`
	X402   *paygate.SettlementSummary `json:"x402,omitempty"`
}
