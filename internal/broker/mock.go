package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// MockConfig tunes the deterministic mock.
type MockConfig struct {
	Seed           int64 // rng seed; same seed, same quote sequence
	ReadOnly       bool
	AccountID      string // default DU123456
	FillAfterPolls int    // status polls before a working order fills, default 2
}

// Mock is a deterministic in-process brokerage. Quotes wiggle around fixed
// base prices using a seeded generator, orders fill after a configurable
// number of status polls, and the canned portfolio matches the dev
// account: SPY 100 @ 450, AAPL 50 @ 180, $50,000 cash.
type Mock struct {
	cfg MockConfig

	mu          sync.Mutex
	rng         *rand.Rand
	connected   bool
	orders      map[string]types.OpenOrder
	polls       map[string]int
	orderSeq    int
	reports     map[string][]byte
	reportReady map[string]bool
}

var mockBasePrices = map[string]string{
	"SPY":   "460",
	"AAPL":  "190",
	"MSFT":  "380",
	"GOOGL": "140",
	"TSLA":  "250",
	"QQQ":   "400",
	"VTI":   "240",
}

const mockDefaultPrice = "100"

var mockCatalog = []types.Candidate{
	{Instrument: types.Instrument{Symbol: "SPY", Type: types.InstrumentETF, Exchange: "ARCA", Currency: "USD", ConID: 756733}, Name: "SPDR S&P 500 ETF Trust"},
	{Instrument: types.Instrument{Symbol: "AAPL", Type: types.InstrumentSTK, Exchange: "NASDAQ", Currency: "USD", ConID: 265598}, Name: "Apple Inc"},
	{Instrument: types.Instrument{Symbol: "MSFT", Type: types.InstrumentSTK, Exchange: "NASDAQ", Currency: "USD", ConID: 272093}, Name: "Microsoft Corporation"},
	{Instrument: types.Instrument{Symbol: "GOOGL", Type: types.InstrumentSTK, Exchange: "NASDAQ", Currency: "USD", ConID: 208813720}, Name: "Alphabet Inc Class A"},
	{Instrument: types.Instrument{Symbol: "TSLA", Type: types.InstrumentSTK, Exchange: "NASDAQ", Currency: "USD", ConID: 76792991}, Name: "Tesla Inc"},
	{Instrument: types.Instrument{Symbol: "QQQ", Type: types.InstrumentETF, Exchange: "NASDAQ", Currency: "USD", ConID: 320227571}, Name: "Invesco QQQ Trust"},
	{Instrument: types.Instrument{Symbol: "VTI", Type: types.InstrumentETF, Exchange: "ARCA", Currency: "USD", ConID: 36486731}, Name: "Vanguard Total Stock Market ETF"},
}

// NewMock creates a mock adapter.
func NewMock(cfg MockConfig) *Mock {
	if cfg.AccountID == "" {
		cfg.AccountID = "DU123456"
	}
	if cfg.FillAfterPolls <= 0 {
		cfg.FillAfterPolls = 2
	}
	return &Mock{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		orders:      make(map[string]types.OpenOrder),
		polls:       make(map[string]int),
		reports:     make(map[string][]byte),
		reportReady: make(map[string]bool),
	}
}

// Connect marks the mock connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the mock disconnected.
func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Connected reports connection state.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// GetPortfolio returns the canned dev portfolio.
func (m *Mock) GetPortfolio(ctx context.Context, accountID string) (types.Portfolio, error) {
	positions, _ := m.GetPositions(ctx, accountID)
	cash, _ := m.GetCash(ctx, accountID)

	total := cash[0].Total
	for _, p := range positions {
		total = total.Add(p.MarketValue)
	}
	return types.Portfolio{
		AccountID:  m.cfg.AccountID,
		Positions:  positions,
		Cash:       cash,
		TotalValue: total,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// GetPositions returns the canned positions.
func (m *Mock) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return []types.Position{
		{
			Instrument:    types.Instrument{Symbol: "SPY", Type: types.InstrumentETF, Exchange: "ARCA", Currency: "USD", ConID: 756733},
			Quantity:      decimal.NewFromInt(100),
			AverageCost:   decimal.NewFromInt(450),
			MarketValue:   decimal.NewFromInt(46000),
			UnrealizedPnL: decimal.NewFromInt(1000),
		},
		{
			Instrument:    types.Instrument{Symbol: "AAPL", Type: types.InstrumentSTK, Exchange: "NASDAQ", Currency: "USD", ConID: 265598},
			Quantity:      decimal.NewFromInt(50),
			AverageCost:   decimal.NewFromInt(180),
			MarketValue:   decimal.NewFromInt(9500),
			UnrealizedPnL: decimal.NewFromInt(500),
		},
	}, nil
}

// GetCash returns the canned USD balance.
func (m *Mock) GetCash(ctx context.Context, accountID string) ([]types.Cash, error) {
	return []types.Cash{
		{
			Currency:  "USD",
			Available: decimal.NewFromInt(50000),
			Total:     decimal.NewFromInt(50000),
		},
	}, nil
}

// GetOpenOrders returns all non-terminal mock orders.
func (m *Mock) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.OpenOrder
	for _, o := range m.orders {
		if !types.TerminalStatus(o.Status) {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetMarketSnapshot generates a quote around the symbol's base price.
// Successive calls wiggle deterministically per the seed.
func (m *Mock) GetMarketSnapshot(ctx context.Context, instrument types.Instrument) (types.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.lastPriceLocked(instrument.Symbol)
	return types.MarketSnapshot{
		Instrument: instrument,
		Bid:        last.Mul(decimal.RequireFromString("0.9995")).Round(2),
		Ask:        last.Mul(decimal.RequireFromString("1.0005")).Round(2),
		Last:       last,
		PrevClose:  last.Mul(decimal.RequireFromString("0.995")).Round(2),
		Volume:     1_000_000 + m.rng.Int63n(9_000_000),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// GetMarketBars generates a deterministic random walk ending near the base
// price, ascending by timestamp.
func (m *Mock) GetMarketBars(ctx context.Context, instrument types.Instrument, timeframe string, limit int) ([]types.Bar, error) {
	if limit <= 0 {
		limit = 100
	}
	step, err := barInterval(timeframe)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base := basePrice(instrument.Symbol)
	end := time.Now().UTC().Truncate(step)
	bars := make([]types.Bar, limit)
	price := base
	// Walk backwards from the base price so the newest close lands on it.
	for i := limit - 1; i >= 0; i-- {
		drift := decimal.NewFromFloat(1 + (m.rng.Float64()-0.5)*0.004)
		open := price.Mul(drift).Round(2)
		high := open.Mul(decimal.RequireFromString("1.002")).Round(2)
		low := open.Mul(decimal.RequireFromString("0.998")).Round(2)
		bars[i] = types.Bar{
			Timestamp: end.Add(-time.Duration(limit-1-i) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    100_000 + m.rng.Int63n(900_000),
		}
		price = open
	}
	return bars, nil
}

// SearchInstruments fuzzy-searches the static catalog.
func (m *Mock) SearchInstruments(ctx context.Context, query string, filters SearchFilters) ([]types.Candidate, error) {
	return searchCatalog(mockCatalog, query, filters), nil
}

// ResolveInstrument resolves via ConID, exact symbol, then fuzzy match.
func (m *Mock) ResolveInstrument(ctx context.Context, hint ResolveHint) (types.Instrument, error) {
	return resolveFromCatalog(mockCatalog, hint)
}

// SubmitOrder accepts a token-backed intent and creates a working order.
func (m *Mock) SubmitOrder(ctx context.Context, intent types.OrderIntent, token *types.ApprovalToken) (types.OpenOrder, error) {
	if m.cfg.ReadOnly {
		return types.OpenOrder{}, errs.New(errs.KindPolicy, errs.ReasonReadOnly,
			"submit_order refused: broker is in read-only mode")
	}
	if token == nil || token.ProposalID == "" {
		return types.OpenOrder{}, errs.New(errs.KindValidation, errs.ReasonTokenInvalid,
			"submit_order requires an approval token")
	}
	hash, err := intent.Hash()
	if err != nil {
		return types.OpenOrder{}, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}
	if token.IntentHash != hash {
		return types.OpenOrder{}, errs.New(errs.KindValidation, errs.ReasonTokenInvalid,
			"approval token is bound to a different intent")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.orderSeq++
	now := time.Now().UTC()
	order := types.OpenOrder{
		OrderID:        uuid.NewString(),
		BrokerOrderID:  fmt.Sprintf("MOCK-%06d", m.orderSeq),
		AccountID:      m.cfg.AccountID,
		Instrument:     intent.Instrument,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		OrderType:      intent.OrderType,
		LimitPrice:     intent.LimitPrice,
		StopPrice:      intent.StopPrice,
		TimeInForce:    intent.TimeInForce,
		Status:         types.StatusSubmitted,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.orders[order.BrokerOrderID] = order
	return order, nil
}

// CancelOrder moves a working order to CANCELLED.
func (m *Mock) CancelOrder(ctx context.Context, brokerOrderID string) (types.OpenOrder, error) {
	if m.cfg.ReadOnly {
		return types.OpenOrder{}, errs.New(errs.KindPolicy, errs.ReasonReadOnly,
			"cancel_order refused: broker is in read-only mode")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[brokerOrderID]
	if !ok {
		return types.OpenOrder{}, errs.New(errs.KindValidation, errs.ReasonNotFound,
			"no order %s", brokerOrderID)
	}
	if types.TerminalStatus(order.Status) {
		return order, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"order %s is already %s", brokerOrderID, order.Status)
	}
	order.Status = types.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	m.orders[brokerOrderID] = order
	return order, nil
}

// GetOrderStatus returns the order, filling it after the configured number
// of polls to exercise the submit → poll → terminal path.
func (m *Mock) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[brokerOrderID]
	if !ok {
		return types.OpenOrder{}, errs.New(errs.KindValidation, errs.ReasonNotFound,
			"no order %s", brokerOrderID)
	}
	if types.TerminalStatus(order.Status) {
		return order, nil
	}

	m.polls[brokerOrderID]++
	if m.polls[brokerOrderID] >= m.cfg.FillAfterPolls {
		fill := m.lastPriceLocked(order.Instrument.Symbol)
		if order.OrderType == types.OrderTypeLMT && order.LimitPrice != nil {
			fill = *order.LimitPrice
		}
		order.Status = types.StatusFilled
		order.FilledQuantity = order.Quantity
		order.AverageFillPrice = &fill
		order.UpdatedAt = time.Now().UTC()
		m.orders[brokerOrderID] = order
	}
	return order, nil
}

// RequestReport starts a mock export; the report becomes ready on the
// second fetch.
func (m *Mock) RequestReport(ctx context.Context, queryID string, from, to time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := fmt.Sprintf("RPT-%s-%d", queryID, len(m.reports)+1)
	m.reports[ref] = []byte(fmt.Sprintf(
		"query_id,from,to\n%s,%s,%s\n", queryID, from.Format("2006-01-02"), to.Format("2006-01-02")))
	m.reportReady[ref] = false
	return ref, nil
}

// FetchReport returns the payload once ready; the first attempt reports
// pending with a retriable error.
func (m *Mock) FetchReport(ctx context.Context, referenceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.reports[referenceID]
	if !ok {
		return nil, errs.New(errs.KindValidation, errs.ReasonNotFound, "no report %s", referenceID)
	}
	if !m.reportReady[referenceID] {
		m.reportReady[referenceID] = true
		return nil, errs.Retry(errs.New(errs.KindResource, errs.ReasonBrokerUnavailable,
			"report %s is still generating", referenceID))
	}
	return data, nil
}

// lastPriceLocked produces the next deterministic last price for a symbol.
func (m *Mock) lastPriceLocked(symbol string) decimal.Decimal {
	base := basePrice(symbol)
	jitter := decimal.NewFromFloat(1 + (m.rng.Float64()-0.5)*0.002)
	return base.Mul(jitter).Round(2)
}

func basePrice(symbol string) decimal.Decimal {
	if s, ok := mockBasePrices[symbol]; ok {
		return decimal.RequireFromString(s)
	}
	return decimal.RequireFromString(mockDefaultPrice)
}

func barInterval(timeframe string) (time.Duration, error) {
	switch timeframe {
	case Timeframe1Min:
		return time.Minute, nil
	case Timeframe5Min:
		return 5 * time.Minute, nil
	case Timeframe1Hour:
		return time.Hour, nil
	case Timeframe1Day:
		return 24 * time.Hour, nil
	default:
		return 0, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"unsupported timeframe %q", timeframe)
	}
}
