package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/x402labs/paygate"
)

func testEvent() Event {
	return Event{
		OperationID: "op-1",
		ToolID:      "summarize",
		Status:      "completed",
		X402: &paygate.SettlementSummary{
			Settled:     true,
			Transaction: "0xtxhash",
			Network:     "eip155:84532",
			Payer:       "0x1111111111111111111111111111111111111111",
			CostUSD:     "0.012",
		},
		CompletedAt: time.Now().UTC(),
	}
}

func quietNotifier(client *http.Client, attempts int) *Notifier {
	return New(Config{
		HTTPClient: client,
		Attempts:   attempts,
		BaseDelay:  time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDeliverSignsBody(t *testing.T) {
	const secret = "caller-secret"

	var gotEvent Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		assert.True(t, VerifySignature(secret, body, r.Header.Get(SignatureHeader)))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.Unmarshal(body, &gotEvent))
	}))
	defer server.Close()

	n := quietNotifier(server.Client(), 1)
	require.NoError(t, n.Deliver(context.Background(), server.URL, secret, testEvent()))

	assert.Equal(t, "op-1", gotEvent.OperationID)
	assert.Equal(t, "completed", gotEvent.Status)
	require.NotNil(t, gotEvent.X402)
	assert.True(t, gotEvent.X402.Settled)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := quietNotifier(server.Client(), 3)
	require.NoError(t, n.Deliver(context.Background(), server.URL, "s", testEvent()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := quietNotifier(server.Client(), 3)
	err := n.Deliver(context.Background(), server.URL, "s", testEvent())
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := quietNotifier(server.Client(), 3)
	err := n.Deliver(context.Background(), server.URL, "s", testEvent())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"operationId":"op-1"}`)

	sig := Sign("secret", body)
	assert.Contains(t, sig, "sha256=")
	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("wrong", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`tampered`), sig))
}
