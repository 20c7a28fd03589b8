package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/x402labs/paygate"
)

func testPayload() *paygate.PaymentPayload {
	return &paygate.PaymentPayload{
		X402Version: 1,
		Payload: paygate.ExactPayload{
			Signature: "0xdeadbeef",
			Authorization: paygate.Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "12000",
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "0x1122334455667788990011223344556677889900112233445566778899001122",
			},
		},
		Accepted: testRequirements(),
	}
}

func testRequirements() paygate.PaymentRequirements {
	return paygate.PaymentRequirements{
		Scheme:            "exact",
		Network:           "eip155:84532",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "12000",
		PayTo:             "0x2222222222222222222222222222222222222222",
		MaxTimeoutSeconds: 60,
	}
}

func TestHTTPClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1), body["x402Version"])
		assert.Contains(t, body, "paymentPayload")
		assert.Contains(t, body, "paymentRequirements")

		json.NewEncoder(w).Encode(VerifyResult{
			IsValid: true,
			Payer:   "0x1111111111111111111111111111111111111111",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})

	result, err := client.Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", result.Payer)
}

func TestHTTPClientVerifyInvalidReasonInBand(t *testing.T) {
	// A non-200 carrying an invalidReason is a verdict, not a transport fault
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(VerifyResult{
			IsValid:       false,
			InvalidReason: "insufficient_funds",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})

	result, err := client.Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "insufficient_funds", result.InvalidReason)
}

func TestHTTPClientVerifyTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})

	_, err := client.Verify(context.Background(), testPayload(), testRequirements())
	assert.Error(t, err)
}

func TestHTTPClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(SettleResult{
			Success:     true,
			Transaction: "0xtxhash",
			Network:     "eip155:84532",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})

	result, err := client.Settle(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0xtxhash", result.Transaction)
}

func TestHTTPClientSettleRejectionInBand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(SettleResult{
			Success:     false,
			ErrorReason: "authorization_expired",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})

	result, err := client.Settle(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "authorization_expired", result.ErrorReason)
}

func TestHTTPClientBearerAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(VerifyResult{IsValid: true})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{
		URL:          server.URL,
		AuthProvider: BearerAuth{Token: "secret-token"},
	})

	_, err := client.Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
}

func TestHTTPClientDefaultURL(t *testing.T) {
	client := NewHTTPClient(nil)
	assert.Equal(t, DefaultFacilitatorURL, client.url)
}
