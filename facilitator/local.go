package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	paygate "github.com/x402labs/paygate"
)

// SchemeExact is the only payment scheme the local verifier understands: a
// signed EIP-3009 transfer authorization for the exact (or greater) amount.
const SchemeExact = "exact"

// AssetInfo describes a token contract the local verifier accepts.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// LocalVerifierConfig configures a LocalVerifier.
type LocalVerifierConfig struct {
	// Assets maps network identifier to the accepted token for that network.
	Assets map[paygate.Network]AssetInfo

	// AllowSelfPayment permits authorizations where the payer equals the
	// receiver. Off by default.
	AllowSelfPayment bool

	// Now overrides the clock used for validity-window checks. Tests only.
	Now func() time.Time
}

// LocalVerifier verifies EIP-3009 payment authorizations in-process, without
// a remote facilitator: signature recovery, receiver/network/asset match,
// amount sufficiency and the validAfter/validBefore window. When no remote
// facilitator enforces the replay window, this component does it explicitly.
//
// It cannot settle; pair it with a settling client through Composite.
type LocalVerifier struct {
	config LocalVerifierConfig

	mu         sync.Mutex
	seenNonces map[string]struct{}
}

// NewLocalVerifier creates a local verifier for the configured assets.
func NewLocalVerifier(config LocalVerifierConfig) *LocalVerifier {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &LocalVerifier{
		config:     config,
		seenNonces: make(map[string]struct{}),
	}
}

// Verify checks the payment payload against the requirements. Expected
// validation failures are returned with IsValid=false and a reason; Go errors
// are reserved for malformed configuration.
func (v *LocalVerifier) Verify(_ context.Context, payload *paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*VerifyResult, error) {
	if requirements.Scheme != SchemeExact {
		return invalid("unsupported scheme"), nil
	}
	if payload.Accepted.Network != requirements.Network {
		return invalid("network mismatch"), nil
	}
	if !strings.EqualFold(payload.Accepted.Asset, requirements.Asset) {
		return invalid("asset mismatch"), nil
	}

	asset, ok := v.config.Assets[requirements.Network]
	if !ok {
		return nil, fmt.Errorf("no asset configured for network %s", requirements.Network)
	}
	if !strings.EqualFold(asset.Address, requirements.Asset) {
		return invalid("asset not accepted on this network"), nil
	}

	auth := payload.Payload.Authorization

	if payload.Payload.Signature == "" {
		return invalid("missing signature"), nil
	}
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid("recipient mismatch"), nil
	}
	if !v.config.AllowSelfPayment && strings.EqualFold(auth.From, requirements.PayTo) {
		return invalid("self-payment not allowed"), nil
	}

	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid("invalid authorization value"), nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount: %s", requirements.Amount)
	}
	if authValue.Cmp(requiredValue) < 0 {
		return invalid("insufficient amount"), nil
	}

	// Validity window: validAfter <= now <= validBefore
	now := v.config.Now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return invalid("invalid validAfter"), nil
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return invalid("invalid validBefore"), nil
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return invalid("authorization not yet valid"), nil
	}
	if validBefore.Cmp(big.NewInt(now)) < 0 {
		return invalid("authorization expired"), nil
	}

	if v.nonceUsed(auth.From, auth.Nonce) {
		return invalid("nonce already used"), nil
	}

	_, chainRef, err := requirements.Network.Parse()
	if err != nil {
		return nil, err
	}
	chainID, ok := new(big.Int).SetString(chainRef, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain reference: %s", chainRef)
	}

	digest, err := HashAuthorization(auth, chainID, asset.Address, asset.Name, asset.Version)
	if err != nil {
		return invalid(fmt.Sprintf("invalid authorization: %v", err)), nil
	}

	signatureBytes, err := hexToBytes(payload.Payload.Signature)
	if err != nil {
		return invalid("invalid signature format"), nil
	}
	signer, err := RecoverAuthorizer(digest, signatureBytes)
	if err != nil {
		return invalid("invalid signature"), nil
	}
	if !strings.EqualFold(signer, auth.From) {
		return invalid("invalid signature"), nil
	}

	return &VerifyResult{
		IsValid: true,
		Payer:   strings.ToLower(auth.From),
	}, nil
}

// Settle always fails: the local verifier has no chain access.
func (v *LocalVerifier) Settle(_ context.Context, _ *paygate.PaymentPayload, _ paygate.PaymentRequirements) (*SettleResult, error) {
	return nil, fmt.Errorf("local verifier cannot settle; pair with a settling client via Composite")
}

// MarkNonceUsed records a nonce after successful settlement so later
// verifications of the same authorization are rejected.
func (v *LocalVerifier) MarkNonceUsed(from, nonce string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seenNonces[nonceKey(from, nonce)] = struct{}{}
}

func (v *LocalVerifier) nonceUsed(from, nonce string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, used := v.seenNonces[nonceKey(from, nonce)]
	return used
}

func nonceKey(from, nonce string) string {
	return strings.ToLower(from) + ":" + strings.ToLower(nonce)
}

func invalid(reason string) *VerifyResult {
	return &VerifyResult{IsValid: false, InvalidReason: reason}
}
