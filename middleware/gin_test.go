package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/x402labs/paygate"
	"github.com/x402labs/paygate/facilitator"
	"github.com/x402labs/paygate/gate"
	"github.com/x402labs/paygate/ledger"
	"github.com/x402labs/paygate/pricing"
)

const (
	testPayer = "0x1111111111111111111111111111111111111111"
	testPayTo = "0x2222222222222222222222222222222222222222"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// stubFacilitator approves every payment and settles instantly.
type stubFacilitator struct{}

func (stubFacilitator) Verify(_ context.Context, _ *paygate.PaymentPayload, _ paygate.PaymentRequirements) (*facilitator.VerifyResult, error) {
	return &facilitator.VerifyResult{IsValid: true, Payer: testPayer}, nil
}

func (stubFacilitator) Settle(_ context.Context, _ *paygate.PaymentPayload, _ paygate.PaymentRequirements) (*facilitator.SettleResult, error) {
	return &facilitator.SettleResult{Success: true, Transaction: "0xtxhash", Network: "eip155:84532"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTable(t *testing.T) *pricing.Table {
	t.Helper()
	table, err := pricing.NewTable(pricing.Config{
		Network:       "eip155:84532",
		Asset:         testAsset,
		AssetDecimals: 6,
		PayTo:         testPayTo,
	}, map[string]string{"summarize": "0.012"})
	require.NoError(t, err)
	return table
}

func testGate(t *testing.T, client facilitator.Client, table *pricing.Table) *gate.Gate {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	g, err := gate.New(gate.Config{
		Facilitator: client,
		Ledger:      l,
		Pricing:     table,
		Executor: gate.ExecutorFunc(func(_ context.Context, op gate.OperationRequest) (*gate.OperationResult, error) {
			return &gate.OperationResult{Output: map[string]interface{}{"echo": op.Inputs["text"]}}, nil
		}),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return g
}

func ginRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := stubFacilitator{}
	table := testTable(t)
	g := testGate(t, client, table)
	v := NewVerifier(client, quietLogger())

	router := gin.New()
	router.POST("/tools/:toolId/invocations",
		GinPaymentMiddleware(v, table),
		GinInvokeHandler(g, nil))
	return router
}

func paymentHeader(t *testing.T, signature, value string) string {
	t.Helper()
	header, err := paygate.EncodePaymentHeader(&paygate.PaymentPayload{
		X402Version: 1,
		Payload: paygate.ExactPayload{
			Signature: signature,
			Authorization: paygate.Authorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       value,
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "0x1122334455667788990011223344556677889900112233445566778899001122",
			},
		},
		Accepted: paygate.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
			Asset:   testAsset,
			Amount:  value,
			PayTo:   testPayTo,
		},
	})
	require.NoError(t, err)
	return header
}

func invoke(router http.Handler, path, header string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(PaymentHeader, header)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGinMissingPaymentChallenges(t *testing.T) {
	router := ginRouter(t)

	w := invoke(router, "/tools/summarize/invocations", "", []byte(`{"inputs":{"text":"hi"}}`))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error           string                   `json:"error"`
		PaymentRequired *paygate.PaymentRequired `json:"paymentRequired"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, paygate.CodePaymentRequired, body.Error)
	require.NotNil(t, body.PaymentRequired)
	require.Len(t, body.PaymentRequired.Accepts, 1)
	assert.Equal(t, "12000", body.PaymentRequired.Accepts[0].Amount)
	assert.Equal(t, testPayTo, body.PaymentRequired.Accepts[0].PayTo)
}

func TestGinValidPaymentInvokes(t *testing.T) {
	router := ginRouter(t)
	header := paymentHeader(t, "0xsig-gin-happy", "12000")

	w := invoke(router, "/tools/summarize/invocations", header, []byte(`{"inputs":{"text":"hi"}}`))

	assert.Equal(t, http.StatusOK, w.Code)

	var body InvokeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "hi", body.Result["echo"])
	require.NotNil(t, body.X402)
	assert.True(t, body.X402.Settled)
	assert.Equal(t, "0xtxhash", body.X402.Transaction)
}

func TestGinMalformedPaymentRejected(t *testing.T) {
	router := ginRouter(t)

	w := invoke(router, "/tools/summarize/invocations", "!!!not-base64!!!", []byte(`{}`))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, paygate.CodeMalformedPayment, body.Error)
}

func TestGinReplayRejected(t *testing.T) {
	router := ginRouter(t)
	header := paymentHeader(t, "0xsig-gin-replay", "12000")

	first := invoke(router, "/tools/summarize/invocations", header, []byte(`{}`))
	require.Equal(t, http.StatusOK, first.Code)

	second := invoke(router, "/tools/summarize/invocations", header, []byte(`{}`))
	assert.Equal(t, http.StatusPaymentRequired, second.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, paygate.CodePaymentAlreadyUsed, body.Error)
}

func TestGinUnknownTool(t *testing.T) {
	router := ginRouter(t)

	w := invoke(router, "/tools/nonexistent/invocations", "", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGinEmptyBodyAllowed(t *testing.T) {
	router := ginRouter(t)
	header := paymentHeader(t, "0xsig-gin-nobody", "12000")

	w := invoke(router, "/tools/summarize/invocations", header, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
