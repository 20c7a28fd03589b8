// Package pricing computes the required payment for a gated tool: a USD cost
// table and its deterministic conversion to atomic token units. All amount
// comparisons downstream happen on the atomic integers, never on floats.
package pricing

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	paygate "github.com/x402labs/paygate"
)

// Config describes the payment terms quoted to callers.
type Config struct {
	// Network is the chain payments are accepted on (CAIP-2).
	Network paygate.Network

	// Asset is the token contract address (e.g. USDC).
	Asset string

	// AssetDecimals is the token's base-unit exponent (6 for USDC).
	AssetDecimals int

	// PayTo is the receiving address quoted in every requirement.
	PayTo string

	// MaxTimeoutSeconds bounds how long a verified payment may stay
	// unsettled. Defaults to 60.
	MaxTimeoutSeconds int

	// Extra is copied into every quoted requirement (token name/version).
	Extra map[string]interface{}
}

// Table is an immutable cost table mapping tool identifiers to USD prices.
// Quotes are deterministic: the same tool always yields the same amount until
// the table is rebuilt.
type Table struct {
	config Config
	prices map[string]decimal.Decimal
}

// Quote is the priced requirement for one tool invocation.
type Quote struct {
	ToolID        string
	CostUSD       decimal.Decimal
	AmountAtomic  *big.Int
	AssetDecimals int
	Requirements  paygate.PaymentRequirements
}

// ErrUnknownTool is returned for tools missing from the cost table.
type ErrUnknownTool struct {
	ToolID string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("pricing: unknown tool %q", e.ToolID)
}

// NewTable builds a cost table from USD price strings (e.g. "0.012").
func NewTable(config Config, pricesUSD map[string]string) (*Table, error) {
	if config.MaxTimeoutSeconds == 0 {
		config.MaxTimeoutSeconds = 60
	}

	prices := make(map[string]decimal.Decimal, len(pricesUSD))
	for toolID, price := range pricesUSD {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", toolID, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("negative price for %s: %s", toolID, price)
		}
		prices[toolID] = d
	}

	return &Table{config: config, prices: prices}, nil
}

// Quote prices a tool invocation and builds the payment requirement for the
// challenge response.
func (t *Table) Quote(toolID string) (*Quote, error) {
	costUSD, ok := t.prices[toolID]
	if !ok {
		return nil, &ErrUnknownTool{ToolID: toolID}
	}

	amount := AtomicUnits(costUSD, t.config.AssetDecimals)

	return &Quote{
		ToolID:        toolID,
		CostUSD:       costUSD,
		AmountAtomic:  amount,
		AssetDecimals: t.config.AssetDecimals,
		Requirements: paygate.PaymentRequirements{
			Scheme:            "exact",
			Network:           t.config.Network,
			Asset:             t.config.Asset,
			Amount:            amount.String(),
			PayTo:             t.config.PayTo,
			MaxTimeoutSeconds: t.config.MaxTimeoutSeconds,
			Extra:             t.config.Extra,
		},
	}, nil
}

// Tools returns the priced tool identifiers, sorted.
func (t *Table) Tools() []string {
	tools := make([]string, 0, len(t.prices))
	for toolID := range t.prices {
		tools = append(tools, toolID)
	}
	sort.Strings(tools)
	return tools
}

// AtomicUnits converts a decimal USD amount into base token units for the
// given decimals. Rounds up so a fractional base unit never undercharges.
func AtomicUnits(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).Ceil().BigInt()
}

// USDFromAtomic converts atomic units back to a decimal USD string for audit
// fields and rejection details.
func USDFromAtomic(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}
