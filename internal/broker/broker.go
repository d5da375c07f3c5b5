// Package broker defines the brokerage capability set and its two
// implementations: a deterministic mock for dev/test and a REST adapter
// for the real brokerage gateway.
//
// The adapter owns no domain state — it holds a connection, a TTL cache
// for market data, and a circuit breaker. Write calls (submit, cancel)
// require an approval token and are refused locally in read-only mode.
package broker

import (
	"context"
	"time"

	"tradegate/pkg/types"
)

// SearchFilters narrow an instrument search.
type SearchFilters struct {
	Type     types.InstrumentType
	Exchange string
	Currency string
	Limit    int
}

// ResolveHint identifies an instrument to resolve into a concrete
// contract. Resolution strategy order: ConID, then exact symbol, then
// fuzzy match.
type ResolveHint struct {
	ConID  int64
	Symbol string
	Type   types.InstrumentType
}

// Adapter is the full brokerage capability set.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	GetPortfolio(ctx context.Context, accountID string) (types.Portfolio, error)
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
	GetCash(ctx context.Context, accountID string) ([]types.Cash, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error)

	GetMarketSnapshot(ctx context.Context, instrument types.Instrument) (types.MarketSnapshot, error)
	// GetMarketBars returns at most limit bars, ascending by timestamp.
	GetMarketBars(ctx context.Context, instrument types.Instrument, timeframe string, limit int) ([]types.Bar, error)

	SearchInstruments(ctx context.Context, query string, filters SearchFilters) ([]types.Candidate, error)
	ResolveInstrument(ctx context.Context, hint ResolveHint) (types.Instrument, error)

	// SubmitOrder requires a consumed approval token; adapters must refuse
	// a nil or unbound token.
	SubmitOrder(ctx context.Context, intent types.OrderIntent, token *types.ApprovalToken) (types.OpenOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (types.OpenOrder, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OpenOrder, error)

	// Reporting endpoint used by the export scheduler: request starts an
	// async report and returns a reference id; fetch returns the payload
	// once ready (Resource error with retriable=true while pending).
	RequestReport(ctx context.Context, queryID string, from, to time.Time) (string, error)
	FetchReport(ctx context.Context, referenceID string) ([]byte, error)
}

// Timeframe constants accepted by GetMarketBars.
const (
	Timeframe1Min  = "1min"
	Timeframe5Min  = "5min"
	Timeframe1Hour = "1h"
	Timeframe1Day  = "1d"
)

// Default call deadlines. Callers supply the context; these are the
// adapter-side ceilings.
const (
	ReadTimeout   = 5 * time.Second
	SubmitTimeout = 10 * time.Second
)
