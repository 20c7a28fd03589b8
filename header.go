package paygate

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodePaymentHeader validates and decodes an X-PAYMENT header string.
// It performs comprehensive validation of:
// - Base64 format
// - JSON structure
// - Required fields and their types
//
// Any failure here is a MALFORMED_PAYMENT condition, distinct from a payment
// that decodes cleanly but fails facilitator verification.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	// Parse JSON into a map first for structural validation
	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	if _, exists := raw["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	if version, ok := raw["x402Version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	} else if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: x402Version must be at least 1")
	}

	payloadMap, ok := raw["payload"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid field: payload must be an object")
	}
	if _, ok := payloadMap["signature"].(string); !ok {
		return nil, fmt.Errorf("missing required field: payload.signature")
	}
	if _, ok := payloadMap["authorization"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("missing required field: payload.authorization")
	}

	if _, exists := raw["accepted"]; !exists {
		return nil, fmt.Errorf("missing required field: accepted")
	}
	if _, ok := raw["accepted"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: accepted must be an object")
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}

// EncodePaymentHeader encodes a payment payload to the base64 X-PAYMENT
// header representation. Used by clients and tests.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SignatureHash derives the replay-protection key for a payment attempt from
// its authorization signature. Uses SHA256 over the raw signature bytes so
// the same signature always maps to the same ledger row.
func SignatureHash(signature string) string {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		// Not hex-encoded - hash the literal string bytes, still deterministic
		sigBytes = []byte(signature)
	}
	hash := sha256.Sum256(sigBytes)
	return hex.EncodeToString(hash[:])
}
