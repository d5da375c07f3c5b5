package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderConstraints are caller-declared ceilings the simulator enforces.
type OrderConstraints struct {
	MaxSlippageBps decimal.Decimal `json:"max_slippage_bps"` // 0–1000
	MaxNotional    decimal.Decimal `json:"max_notional"`     // > 0
}

// OrderIntent is a declarative specification of an order. It is never
// executable by itself: every intent must pass simulation, risk evaluation,
// and approval before the submitter will hand it to the broker.
//
// Intents are immutable once validated; the canonical hash binds approval
// tokens to the exact parameters that were approved.
type OrderIntent struct {
	AccountID   string           `json:"account_id"`
	Instrument  Instrument       `json:"instrument"`
	Side        Side             `json:"side"`
	OrderType   OrderType        `json:"order_type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	Reason      string           `json:"reason"`
	StrategyTag string           `json:"strategy_tag,omitempty"`
	Constraints OrderConstraints `json:"constraints"`
}

// Normalize uppercases the symbol and defaults the currency. Called before
// validation and hashing so that equivalent intents hash identically.
func (i *OrderIntent) Normalize() {
	i.Instrument.Symbol = strings.ToUpper(strings.TrimSpace(i.Instrument.Symbol))
	if i.Instrument.Currency == "" {
		i.Instrument.Currency = "USD"
	}
}

// Validate checks structural and semantic constraints on the intent.
func (i *OrderIntent) Validate() error {
	if i.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if i.Instrument.Symbol == "" {
		return fmt.Errorf("instrument.symbol is required")
	}
	switch i.Instrument.Type {
	case InstrumentSTK, InstrumentETF, InstrumentFUT, InstrumentFX, InstrumentCRYPTO:
	default:
		return fmt.Errorf("instrument.type %q is not supported", i.Instrument.Type)
	}
	switch i.Side {
	case BUY, SELL:
	default:
		return fmt.Errorf("side must be BUY or SELL, got %q", i.Side)
	}
	switch i.OrderType {
	case OrderTypeMKT, OrderTypeLMT, OrderTypeSTP, OrderTypeSTPLMT:
	default:
		return fmt.Errorf("order_type %q is not supported", i.OrderType)
	}
	if !i.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be > 0, got %s", i.Quantity)
	}
	needsLimit := i.OrderType == OrderTypeLMT || i.OrderType == OrderTypeSTPLMT
	if needsLimit && (i.LimitPrice == nil || !i.LimitPrice.IsPositive()) {
		return fmt.Errorf("limit_price is required for %s orders", i.OrderType)
	}
	if !needsLimit && i.LimitPrice != nil {
		return fmt.Errorf("limit_price is not allowed for %s orders", i.OrderType)
	}
	needsStop := i.OrderType == OrderTypeSTP || i.OrderType == OrderTypeSTPLMT
	if needsStop && (i.StopPrice == nil || !i.StopPrice.IsPositive()) {
		return fmt.Errorf("stop_price is required for %s orders", i.OrderType)
	}
	if !needsStop && i.StopPrice != nil {
		return fmt.Errorf("stop_price is not allowed for %s orders", i.OrderType)
	}
	switch i.TimeInForce {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
	default:
		return fmt.Errorf("time_in_force %q is not supported", i.TimeInForce)
	}
	if err := validateReason(i.Reason); err != nil {
		return err
	}
	if i.Constraints.MaxSlippageBps.IsNegative() ||
		i.Constraints.MaxSlippageBps.GreaterThan(decimal.NewFromInt(1000)) {
		return fmt.Errorf("constraints.max_slippage_bps must be within [0,1000], got %s",
			i.Constraints.MaxSlippageBps)
	}
	if !i.Constraints.MaxNotional.IsPositive() {
		return fmt.Errorf("constraints.max_notional must be > 0, got %s", i.Constraints.MaxNotional)
	}
	return nil
}

// validateReason requires a human-meaningful justification: at least 10
// characters and at least 3 whitespace-separated words.
func validateReason(reason string) error {
	if len(strings.TrimSpace(reason)) < 10 {
		return fmt.Errorf("reason must be at least 10 characters")
	}
	if len(strings.Fields(reason)) < 3 {
		return fmt.Errorf("reason must contain at least 3 words")
	}
	return nil
}

// CanonicalJSON serializes the intent in its canonical form: normalized
// fields, fixed key order (struct declaration order), decimals as quoted
// strings. The same intent always yields the same bytes.
func (i OrderIntent) CanonicalJSON() ([]byte, error) {
	i.Normalize()
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("canonicalize intent: %w", err)
	}
	return data, nil
}

// Hash returns the hex-encoded SHA-256 of the canonical JSON form. Approval
// tokens are bound to this value: any change to the intent after approval
// invalidates the token.
func (i OrderIntent) Hash() (string, error) {
	data, err := i.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NotionalAt returns quantity × price.
func (i OrderIntent) NotionalAt(price decimal.Decimal) decimal.Decimal {
	return i.Quantity.Mul(price)
}
