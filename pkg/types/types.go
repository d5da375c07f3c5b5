// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — order intents,
// portfolio and market data, simulation and risk results, proposals, and
// approval tokens. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMKT    OrderType = "MKT"     // market: executes at current bid/ask
	OrderTypeLMT    OrderType = "LMT"     // limit: executes at limit_price or better
	OrderTypeSTP    OrderType = "STP"     // stop: becomes market once stop_price trades
	OrderTypeSTPLMT OrderType = "STP_LMT" // stop-limit: becomes limit once stop_price trades
)

// InstrumentType identifies the asset class of an instrument.
type InstrumentType string

const (
	InstrumentSTK    InstrumentType = "STK"
	InstrumentETF    InstrumentType = "ETF"
	InstrumentFUT    InstrumentType = "FUT"
	InstrumentFX     InstrumentType = "FX"
	InstrumentCRYPTO InstrumentType = "CRYPTO"
)

// TimeInForce controls how long an order remains working at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is the broker-side status of a working order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// TerminalStatus reports whether a broker order status is final.
func TerminalStatus(s OrderStatus) bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Instruments and market data
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies a tradeable contract.
type Instrument struct {
	Symbol   string         `json:"symbol"` // uppercased ticker
	Type     InstrumentType `json:"type"`
	Exchange string         `json:"exchange,omitempty"`
	Currency string         `json:"currency"` // defaults to USD
	ConID    int64          `json:"con_id,omitempty"` // broker contract id, 0 if unresolved
}

// MarketSnapshot is a point-in-time quote for one instrument.
// Staleness is judged against Timestamp with the wall clock.
type MarketSnapshot struct {
	Instrument Instrument      `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	PrevClose  decimal.Decimal `json:"prev_close"`
	Volume     int64           `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Mid returns (bid+ask)/2.
func (s MarketSnapshot) Mid() decimal.Decimal {
	return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
}

// Bar is a single OHLCV candle. Bars returned by the broker adapter are
// finite and ascending by Timestamp.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Candidate is one fuzzy-search result from instrument search.
type Candidate struct {
	Instrument Instrument `json:"instrument"`
	Name       string     `json:"name"`
	Score      float64    `json:"score"` // similarity in [0,1]
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// Position is one holding in a portfolio. Not mutated by the core.
type Position struct {
	Instrument    Instrument      `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// Cash is a per-currency cash balance.
type Cash struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// Portfolio is a complete account snapshot obtained from the broker adapter.
type Portfolio struct {
	AccountID  string          `json:"account_id"`
	Positions  []Position      `json:"positions"`
	Cash       []Cash          `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CashAvailable returns the available balance for a currency (zero if absent).
func (p Portfolio) CashAvailable(currency string) decimal.Decimal {
	for _, c := range p.Cash {
		if c.Currency == currency {
			return c.Available
		}
	}
	return decimal.Zero
}

// PositionFor returns the position for a symbol, or nil if the portfolio
// holds none.
func (p Portfolio) PositionFor(symbol string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Instrument.Symbol == symbol {
			return &p.Positions[i]
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Broker orders
// ————————————————————————————————————————————————————————————————————————

// OpenOrder is a working (or terminal) order as seen by the broker.
type OpenOrder struct {
	OrderID          string           `json:"order_id"`
	BrokerOrderID    string           `json:"broker_order_id"`
	AccountID        string           `json:"account_id"`
	Instrument       Instrument       `json:"instrument"`
	Side             Side             `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	OrderType        OrderType        `json:"order_type"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce      TimeInForce      `json:"time_in_force"`
	Status           OrderStatus      `json:"status"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Simulation
// ————————————————————————————————————————————————————————————————————————

// SimStatus is the outcome class of a pre-trade simulation.
type SimStatus string

const (
	SimSuccess            SimStatus = "SUCCESS"
	SimInsufficientCash   SimStatus = "INSUFFICIENT_CASH"
	SimInvalidQuantity    SimStatus = "INVALID_QUANTITY"
	SimPriceUnavailable   SimStatus = "PRICE_UNAVAILABLE"
	SimConstraintViolated SimStatus = "CONSTRAINT_VIOLATED"
)

// SimulationResult is the deterministic projection of an intent's effect on
// cash and exposure. Equal inputs produce identical results.
type SimulationResult struct {
	Status            SimStatus       `json:"status"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	GrossNotional     decimal.Decimal `json:"gross_notional"`
	EstimatedFee      decimal.Decimal `json:"estimated_fee"`
	EstimatedSlippage decimal.Decimal `json:"estimated_slippage"`
	SlippageBps       decimal.Decimal `json:"slippage_bps"`
	NetNotional       decimal.Decimal `json:"net_notional"`
	CashBefore        decimal.Decimal `json:"cash_before"`
	CashAfter         decimal.Decimal `json:"cash_after"`
	ExposureBefore    decimal.Decimal `json:"exposure_before"`
	ExposureAfter     decimal.Decimal `json:"exposure_after"`
	Warnings          []string        `json:"warnings,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// OK reports whether the simulation completed successfully.
func (r SimulationResult) OK() bool { return r.Status == SimSuccess }

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// Decision is the verdict of the risk engine.
type Decision string

const (
	DecisionApprove      Decision = "APPROVE"
	DecisionReject       Decision = "REJECT"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// RuleID identifies one risk rule. R1..R12 plus the synthetic KS rule
// reported when the kill switch forces a rejection.
type RuleID string

const (
	RuleMaxNotional      RuleID = "R1"
	RulePositionWeight   RuleID = "R2"
	RuleSectorWeight     RuleID = "R3"
	RuleSlippage         RuleID = "R4"
	RuleTradingWindow    RuleID = "R5"
	RuleLiquidity        RuleID = "R6"
	RuleDailyTrades      RuleID = "R7"
	RuleDailyLoss        RuleID = "R8"
	RuleVolatilitySizing RuleID = "R9"
	RuleCorrelation      RuleID = "R10"
	RuleDrawdown         RuleID = "R11"
	RuleSessionEdge      RuleID = "R12"
	RuleKillSwitch       RuleID = "KS"
)

// Severity classifies how a rule violation is treated.
type Severity string

const (
	SeverityBlocker Severity = "BLOCKER" // violation rejects the order
	SeverityMajor   Severity = "MAJOR"   // violation routes to manual review
	SeverityMinor   Severity = "MINOR"   // violation produces a warning only
)

// RiskDecision is the immutable output of one risk evaluation.
type RiskDecision struct {
	Decision      Decision          `json:"decision"`
	Reason        string            `json:"reason"`
	ViolatedRules []RuleID          `json:"violated_rules,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
	Metrics       map[string]string `json:"metrics,omitempty"` // rule telemetry, decimal-formatted
	EvaluatedAt   time.Time         `json:"evaluated_at"`
}

// Approved reports whether the decision allows the order to proceed.
func (d RiskDecision) Approved() bool { return d.Decision == DecisionApprove }
