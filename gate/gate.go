// Package gate implements the payment-gated execution state machine:
// NO_PAYMENT -> VERIFYING -> VERIFIED -> EXECUTING -> {SETTLED | FAILED},
// with REJECTED terminal from VERIFYING. Settlement happens strictly after
// and only after execution success is confirmed; an execution failure never
// charges the payer.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	paygate "github.com/x402labs/paygate"
	"github.com/x402labs/paygate/facilitator"
	"github.com/x402labs/paygate/ledger"
	"github.com/x402labs/paygate/pricing"
	"github.com/x402labs/paygate/webhook"
)

// Payment is the verification middleware's view of the inbound payment,
// attached to the request before the gate runs. Exactly one of Missing,
// Malformed, or Payload is meaningful.
type Payment struct {
	// Missing means no payment header was presented. Not an error: it
	// triggers the 402 challenge negotiation.
	Missing bool

	// Malformed means the header was present but failed base64/JSON
	// decoding. Distinct from verification failure.
	Malformed       bool
	MalformedReason string

	// Payload is the decoded payment, when present and well-formed.
	Payload *paygate.PaymentPayload

	// Verification is the facilitator's verdict, when the middleware already
	// verified the payload. If nil the gate verifies itself.
	Verification *facilitator.VerifyResult
}

// Request is one gated invocation.
type Request struct {
	ToolID  string
	Inputs  map[string]interface{}
	Payment Payment
	Caller  CallerContext
}

// Outcome classifies how the gate disposed of a request.
type Outcome string

const (
	// OutcomeChallenge: no payment attached; the response carries payment
	// requirements. A negotiation step, not an error.
	OutcomeChallenge Outcome = "challenge"
	// OutcomeRejected: the payment was invalid, insufficient, malformed, or
	// already used. No execution happened.
	OutcomeRejected Outcome = "rejected"
	// OutcomeCompleted: execution succeeded. The settlement summary says
	// whether the transfer also went through.
	OutcomeCompleted Outcome = "completed"
	// OutcomePending: execution started asynchronously; settlement or
	// failure is determined later via CompleteAsync.
	OutcomePending Outcome = "pending"
	// OutcomeFailed: execution failed. The payment was marked failed and
	// never settled.
	OutcomeFailed Outcome = "execution_failed"
)

// Response is the gate's disposition of one request.
type Response struct {
	Outcome   Outcome
	Challenge *paygate.PaymentRequired
	Result    map[string]interface{}
	X402      *paygate.SettlementSummary
	JobID     string
	Failure   *paygate.PaymentError
}

// HTTPStatus maps the outcome to the HTTP status a transport adapter should
// write.
func (r *Response) HTTPStatus() int {
	switch r.Outcome {
	case OutcomeChallenge, OutcomeRejected:
		return http.StatusPaymentRequired
	case OutcomePending:
		return http.StatusAccepted
	case OutcomeFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// ErrUnknownJob is returned by CompleteAsync for job IDs with no pending
// execution.
var ErrUnknownJob = errors.New("gate: unknown job id")

// Config wires the gate's collaborators.
type Config struct {
	Facilitator facilitator.Client
	Ledger      ledger.Ledger
	Pricing     *pricing.Table
	Executor    Executor

	// Notifier delivers completion webhooks when the caller configured one.
	// Optional.
	Notifier *webhook.Notifier

	Logger *slog.Logger

	// SettleAttempts bounds settle retries on transport errors. Default 3.
	SettleAttempts int
	// SettleBaseDelay is the backoff base between settle attempts. Default 1s.
	SettleBaseDelay time.Duration
	// ExecutionTimeout bounds synchronous execution when the quoted
	// requirements carry no MaxTimeoutSeconds. Default 60s.
	ExecutionTimeout time.Duration
}

// Gate orchestrates payment verification, replay protection, execution, and
// settlement for gated operations.
type Gate struct {
	facilitator facilitator.Client
	ledger      ledger.Ledger
	pricing     *pricing.Table
	executor    Executor
	notifier    *webhook.Notifier
	logger      *slog.Logger

	settleAttempts  int
	settleBaseDelay time.Duration
	execTimeout     time.Duration

	mu      sync.Mutex
	pending map[string]*pendingExecution
}

// pendingExecution is the suspended EXECUTING state for an async operation.
type pendingExecution struct {
	sigHash     string
	operationID string
	caller      CallerContext
	toolID      string
	quote       *pricing.Quote
	payload     *paygate.PaymentPayload
	payer       string
}

// New creates a Gate. Facilitator, Ledger, Pricing and Executor are required.
func New(config Config) (*Gate, error) {
	if config.Facilitator == nil {
		return nil, fmt.Errorf("gate: facilitator client is required")
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("gate: ledger is required")
	}
	if config.Pricing == nil {
		return nil, fmt.Errorf("gate: pricing table is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("gate: executor is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settleAttempts := config.SettleAttempts
	if settleAttempts == 0 {
		settleAttempts = 3
	}
	settleBaseDelay := config.SettleBaseDelay
	if settleBaseDelay == 0 {
		settleBaseDelay = 1 * time.Second
	}
	execTimeout := config.ExecutionTimeout
	if execTimeout == 0 {
		execTimeout = 60 * time.Second
	}

	return &Gate{
		facilitator:     config.Facilitator,
		ledger:          config.Ledger,
		pricing:         config.Pricing,
		executor:        config.Executor,
		notifier:        config.Notifier,
		logger:          logger,
		settleAttempts:  settleAttempts,
		settleBaseDelay: settleBaseDelay,
		execTimeout:     execTimeout,
		pending:         make(map[string]*pendingExecution),
	}, nil
}

// Process runs the state machine for one request.
func (g *Gate) Process(ctx context.Context, req Request) (*Response, error) {
	quote, err := g.pricing.Quote(req.ToolID)
	if err != nil {
		return nil, err
	}

	// NO_PAYMENT: answer with the challenge, flow ends
	if req.Payment.Missing || (!req.Payment.Malformed && req.Payment.Payload == nil) {
		return g.challenge(paygate.CodePaymentRequired, quote, nil), nil
	}

	// VERIFYING
	if req.Payment.Malformed {
		g.logger.Info("payment rejected", "tool", req.ToolID, "reason", paygate.CodeMalformedPayment)
		return g.challenge(paygate.CodeMalformedPayment, quote, map[string]interface{}{
			"reason": req.Payment.MalformedReason,
		}), nil
	}

	payload := req.Payment.Payload
	verification := req.Payment.Verification
	if verification == nil {
		verification, err = g.facilitator.Verify(ctx, payload, quote.Requirements)
		if err != nil {
			// Fail closed: a facilitator transport fault never allows
			// execution
			g.logger.Error("facilitator verify unreachable", "tool", req.ToolID, "error", err)
			return nil, paygate.NewPaymentError(paygate.CodeVerificationUnavailable,
				"payment verification is temporarily unavailable", nil)
		}
	}

	if !verification.IsValid {
		g.logger.Info("payment rejected", "tool", req.ToolID, "reason", verification.InvalidReason)
		return g.challenge(verification.InvalidReason, quote, nil), nil
	}

	// Amount sufficiency on exact integer atomic units, never floats
	paidAtomic, ok := new(big.Int).SetString(payload.Payload.Authorization.Value, 10)
	if !ok {
		return g.challenge(paygate.CodeMalformedPayment, quote, map[string]interface{}{
			"reason": "authorization value is not an integer",
		}), nil
	}
	if paidAtomic.Cmp(quote.AmountAtomic) < 0 {
		provided := pricing.USDFromAtomic(paidAtomic, quote.AssetDecimals)
		g.logger.Info("payment rejected", "tool", req.ToolID,
			"reason", paygate.CodeInsufficientPayment,
			"required", quote.AmountAtomic.String(), "provided", paidAtomic.String())
		return g.challenge(paygate.CodeInsufficientPayment, quote, map[string]interface{}{
			"required": quote.CostUSD.InexactFloat64(),
			"provided": provided.InexactFloat64(),
		}), nil
	}

	// Cheap replay short-circuit; the authoritative check is the insert below
	sigHash := paygate.SignatureHash(payload.Payload.Signature)
	used, err := g.ledger.IsSignatureUsed(ctx, sigHash)
	if err != nil {
		return nil, fmt.Errorf("gate: replay check: %w", err)
	}
	if used {
		g.logger.Info("payment rejected", "tool", req.ToolID, "reason", paygate.CodePaymentAlreadyUsed)
		return g.challenge(paygate.CodePaymentAlreadyUsed, quote, nil), nil
	}

	payer := verification.Payer
	if payer == "" {
		payer = payload.Payload.Authorization.From
	}
	payer = strings.ToLower(payer)

	// VERIFYING -> VERIFIED: the unique insert is the replay-protection
	// enforcement point. Losing the race means another request with the same
	// signature already proceeded.
	operationID := uuid.NewString()
	record := &ledger.PaymentRecord{
		ID:                uuid.NewString(),
		SignatureHash:     sigHash,
		PayerAddress:      payer,
		AmountAtomic:      paidAtomic.String(),
		AssetID:           quote.Requirements.Asset,
		NetworkID:         string(quote.Requirements.Network),
		PayToAddress:      quote.Requirements.PayTo,
		ToolID:            req.ToolID,
		LinkedOperationID: operationID,
		CostUSD:           quote.CostUSD.String(),
		PaidUSD:           pricing.USDFromAtomic(paidAtomic, quote.AssetDecimals).String(),
	}
	if err := g.ledger.RecordVerified(ctx, record); err != nil {
		if errors.Is(err, ledger.ErrDuplicateSignature) {
			g.logger.Info("payment rejected", "tool", req.ToolID,
				"reason", paygate.CodePaymentAlreadyUsed, "race", true)
			return g.challenge(paygate.CodePaymentAlreadyUsed, quote, nil), nil
		}
		return nil, fmt.Errorf("gate: record verified: %w", err)
	}

	g.logger.Info("payment verified", "tool", req.ToolID, "payer", payer,
		"operation", operationID, "amount", paidAtomic.String())

	// VERIFIED -> EXECUTING
	execTimeout := g.execTimeout
	if quote.Requirements.MaxTimeoutSeconds > 0 {
		execTimeout = time.Duration(quote.Requirements.MaxTimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	result, execErr := g.executor.Execute(execCtx, OperationRequest{
		ID:     operationID,
		ToolID: req.ToolID,
		Inputs: req.Inputs,
		Caller: req.Caller,
	})
	if execErr != nil {
		return g.failExecution(ctx, sigHash, operationID, req.ToolID, req.Caller, execErr)
	}

	if result.Pending {
		jobID := result.JobID
		if jobID == "" {
			jobID = operationID
		}
		g.mu.Lock()
		g.pending[jobID] = &pendingExecution{
			sigHash:     sigHash,
			operationID: operationID,
			caller:      req.Caller,
			toolID:      req.ToolID,
			quote:       quote,
			payload:     payload,
			payer:       payer,
		}
		g.mu.Unlock()
		g.logger.Info("execution pending", "tool", req.ToolID, "job", jobID)
		return &Response{Outcome: OutcomePending, JobID: jobID}, nil
	}

	return g.settleAndRespond(ctx, sigHash, operationID, req.ToolID, req.Caller,
		quote, payload, payer, result.Output)
}

// CompleteAsync re-enters the state machine at the EXECUTING -> {SETTLED |
// FAILED} transition when an asynchronous operation's result arrives. execErr
// non-nil means the operation failed.
func (g *Gate) CompleteAsync(ctx context.Context, jobID string, output map[string]interface{}, execErr error) (*Response, error) {
	g.mu.Lock()
	p, ok := g.pending[jobID]
	if ok {
		delete(g.pending, jobID)
	}
	g.mu.Unlock()
	if !ok {
		return nil, ErrUnknownJob
	}

	if execErr != nil {
		return g.failExecution(ctx, p.sigHash, p.operationID, p.toolID, p.caller, execErr)
	}
	return g.settleAndRespond(ctx, p.sigHash, p.operationID, p.toolID, p.caller,
		p.quote, p.payload, p.payer, output)
}

// failExecution marks the payment failed and reports a generic execution
// failure. Settlement is never attempted on this path: the payer is not
// charged for a failed operation.
func (g *Gate) failExecution(ctx context.Context, sigHash, operationID, toolID string, caller CallerContext, execErr error) (*Response, error) {
	reason := execErr.Error()
	if errors.Is(execErr, context.DeadlineExceeded) {
		reason = "execution timed out"
	}
	if err := g.ledger.MarkFailed(ctx, sigHash, reason); err != nil {
		g.logger.Error("failed to mark payment failed", "operation", operationID, "error", err)
	}
	g.logger.Error("execution failed", "tool", toolID, "operation", operationID, "error", execErr)

	g.notify(caller, webhook.Event{
		OperationID: operationID,
		ToolID:      toolID,
		Status:      "failed",
		CompletedAt: time.Now().UTC(),
	})

	// The downstream error goes to the ledger for audit; the caller gets a
	// generic code
	return &Response{
		Outcome: OutcomeFailed,
		Failure: paygate.NewPaymentError(paygate.CodeExecutionFailed, "operation execution failed", nil),
	}, nil
}

// settleAndRespond performs the EXECUTING -> SETTLED transition. Execution
// success is already confirmed; a settlement failure here is reported
// separately and never turns the operation result into an error.
func (g *Gate) settleAndRespond(
	ctx context.Context,
	sigHash, operationID, toolID string,
	caller CallerContext,
	quote *pricing.Quote,
	payload *paygate.PaymentPayload,
	payer string,
	output map[string]interface{},
) (*Response, error) {
	summary := &paygate.SettlementSummary{
		Network: quote.Requirements.Network,
		Payer:   payer,
		CostUSD: quote.CostUSD.String(),
	}

	settleResult, settleErr := g.settleWithRetry(ctx, payload, quote.Requirements)
	switch {
	case settleErr != nil:
		// Transport failure after successful execution: the user already got
		// value, so the operation stays successful and the record is flagged
		// for reconciliation
		code := settlementErrorCode(settleErr)
		if err := g.ledger.MarkUnsettled(ctx, sigHash, code); err != nil {
			g.logger.Error("failed to mark payment unsettled", "operation", operationID, "error", err)
		}
		g.logger.Error("settlement transport failed", "tool", toolID,
			"operation", operationID, "error", settleErr)
		summary.Settled = false
		summary.SettlementError = code

	case !settleResult.Success:
		if err := g.ledger.MarkUnsettled(ctx, sigHash, settleResult.ErrorReason); err != nil {
			g.logger.Error("failed to mark payment unsettled", "operation", operationID, "error", err)
		}
		g.logger.Error("settlement rejected", "tool", toolID,
			"operation", operationID, "reason", settleResult.ErrorReason)
		summary.Settled = false
		summary.SettlementError = settleResult.ErrorReason

	default:
		if err := g.ledger.MarkSettled(ctx, sigHash, settleResult.Transaction); err != nil {
			g.logger.Error("failed to mark payment settled", "operation", operationID, "error", err)
		}
		g.logger.Info("payment settled", "tool", toolID, "operation", operationID,
			"transaction", settleResult.Transaction)
		summary.Settled = true
		summary.Transaction = settleResult.Transaction
		if settleResult.Payer != "" {
			summary.Payer = strings.ToLower(settleResult.Payer)
		}
	}

	g.notify(caller, webhook.Event{
		OperationID: operationID,
		ToolID:      toolID,
		Status:      "completed",
		X402:        summary,
		CompletedAt: time.Now().UTC(),
	})

	return &Response{
		Outcome: OutcomeCompleted,
		Result:  output,
		X402:    summary,
	}, nil
}

// settleWithRetry calls facilitator settle with bounded retries on transport
// errors. In-band settle failures are not retried; a rejected settlement will
// not succeed on a second identical attempt.
func (g *Gate) settleWithRetry(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*facilitator.SettleResult, error) {
	var lastErr error
	for attempt := 0; attempt < g.settleAttempts; attempt++ {
		if attempt > 0 {
			delay := g.settleBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := g.facilitator.Settle(ctx, payload, requirements)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// challenge builds a 402 negotiation/rejection response carrying the quoted
// payment requirements.
func (g *Gate) challenge(errorCode string, quote *pricing.Quote, details map[string]interface{}) *Response {
	outcome := OutcomeRejected
	if errorCode == paygate.CodePaymentRequired {
		outcome = OutcomeChallenge
	}
	return &Response{
		Outcome: outcome,
		Challenge: &paygate.PaymentRequired{
			X402Version: 1,
			Error:       errorCode,
			Accepts:     []paygate.PaymentRequirements{quote.Requirements},
			Details:     details,
		},
	}
}

func (g *Gate) notify(caller CallerContext, event webhook.Event) {
	if g.notifier == nil || caller.WebhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.notifier.Deliver(ctx, caller.WebhookURL, caller.WebhookSecret, event); err != nil {
			g.logger.Warn("completion webhook undelivered", "caller", caller.ID, "error", err)
		}
	}()
}

// settlementErrorCode condenses a settle transport error into a short
// reconciliation code.
func settlementErrorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport_error"
}
