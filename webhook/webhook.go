// Package webhook delivers signed completion notifications to callers.
// Bodies are signed with HMAC-SHA256 over the JSON payload using a per-caller
// shared secret; delivery is retried a bounded number of times with
// exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	paygate "github.com/x402labs/paygate"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Event is the completion notification posted to a caller's webhook URL.
type Event struct {
	OperationID string                     `json:"operationId"`
	ToolID      string                     `json:"toolId"`
	Status      string                     `json:"status"`
	X402        *paygate.SettlementSummary `json:"x402,omitempty"`
	CompletedAt time.Time                  `json:"completedAt"`
}

// Notifier posts events with bounded retry.
type Notifier struct {
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// Config configures a Notifier. Zero values get defaults: 3 attempts, 1s base
// delay, 10s request timeout.
type Config struct {
	HTTPClient *http.Client
	Attempts   int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

// New creates a Notifier.
func New(config Config) *Notifier {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := config.Attempts
	if attempts == 0 {
		attempts = 3
	}
	baseDelay := config.BaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:    client,
		attempts:  attempts,
		baseDelay: baseDelay,
		logger:    logger,
	}
}

// Deliver posts the event to url, signing the body with the caller's secret.
// Retries on transport errors and 5xx responses with exponential backoff;
// gives up after the configured attempts.
func (n *Notifier) Deliver(ctx context.Context, url, secret string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	signature := Sign(secret, body)

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			delay := n.baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature)

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook delivery failed", "url", url, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 500 {
			if resp.StatusCode >= 300 {
				// Client errors are not retried; the receiver rejected the event
				return fmt.Errorf("webhook rejected (%d)", resp.StatusCode)
			}
			return nil
		}

		lastErr = fmt.Errorf("webhook delivery failed (%d)", resp.StatusCode)
		n.logger.Warn("webhook delivery failed", "url", url, "attempt", attempt+1, "status", resp.StatusCode)
	}

	return fmt.Errorf("webhook delivery exhausted after %d attempts: %w", n.attempts, lastErr)
}

// Sign computes the signature header value for a body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
// Exposed for webhook consumers.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
