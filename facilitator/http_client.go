package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	paygate "github.com/x402labs/paygate"
)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify map[string]string
	Settle map[string]string
}

// BearerAuth is an AuthProvider that sends a static bearer token on every
// facilitator endpoint.
type BearerAuth struct {
	Token string
}

func (b BearerAuth) GetAuthHeaders(_ context.Context) (AuthHeaders, error) {
	h := map[string]string{"Authorization": "Bearer " + b.Token}
	return AuthHeaders{Verify: h, Settle: h}, nil
}

// Config configures the HTTP facilitator client
type Config struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// HTTPClient communicates with a remote facilitator service over HTTP.
// Implements the Client interface.
type HTTPClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// NewHTTPClient creates a new HTTP facilitator client
func NewHTTPClient(config *Config) *HTTPClient {
	if config == nil {
		config = &Config{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// Verify checks if a payment is valid. A non-200 response carrying an
// invalidReason is returned in-band; anything else is a transport error.
func (c *HTTPClient) Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*VerifyResult, error) {
	body, err := marshalRPCBody(payload, requirements)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.addAuthHeaders(ctx, req, func(h AuthHeaders) map[string]string { return h.Verify }); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var result VerifyResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode verify response (%d): %s", resp.StatusCode, string(responseBody))
	}

	// Facilitators report validation failures with a reason on non-200
	// statuses as well; pass those through in-band
	if resp.StatusCode != http.StatusOK && result.InvalidReason == "" {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	return &result, nil
}

// Settle executes the on-chain payment transfer.
func (c *HTTPClient) Settle(ctx context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*SettleResult, error) {
	body, err := marshalRPCBody(payload, requirements)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.addAuthHeaders(ctx, req, func(h AuthHeaders) map[string]string { return h.Settle }); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settle request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var result SettleResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	if resp.StatusCode != http.StatusOK && result.ErrorReason == "" {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	return &result, nil
}

func (c *HTTPClient) addAuthHeaders(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

func marshalRPCBody(payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) ([]byte, error) {
	requestBody := map[string]interface{}{
		"x402Version":         payload.X402Version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	}
	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal facilitator request: %w", err)
	}
	return body, nil
}
