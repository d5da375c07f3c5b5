package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// RESTConfig configures the real brokerage adapter.
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	AccountID string
	ReadOnly  bool

	// Circuit breaker: consecutive failures before opening, and how long
	// the circuit stays open before a probe.
	BreakerMaxFailures int           // default 5
	BreakerCoolDown    time.Duration // default 30s

	// Reconnect backoff bounds for the connection monitor.
	ReconnectMin time.Duration // default 1s
	ReconnectMax time.Duration // default 60s
}

func (c RESTConfig) withDefaults() RESTConfig {
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerCoolDown <= 0 {
		c.BreakerCoolDown = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	return c
}

// REST talks to the brokerage gateway over HTTP. Every call goes through
// the circuit breaker; transient 5xx responses are retried by the HTTP
// client before they count as a breaker failure. A background monitor
// pings the session and reconnects with exponential backoff.
type REST struct {
	http    *resty.Client
	cfg     RESTConfig
	breaker *Breaker
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// NewREST creates a REST adapter. Connect must be called before use.
func NewREST(cfg RESTConfig, logger *slog.Logger) *REST {
	cfg = cfg.withDefaults()
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(ReadTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	return &REST{
		http:    httpClient,
		cfg:     cfg,
		breaker: NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerCoolDown),
		logger:  logger.With("component", "broker"),
	}
}

// Connect validates the session and starts the connection monitor.
func (r *REST) Connect(ctx context.Context) error {
	if err := r.ping(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.connected = true
	if r.cancel == nil {
		monCtx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.monitor(monCtx)
	}
	r.mu.Unlock()

	r.logger.Info("broker connected", "base_url", r.cfg.BaseURL, "read_only", r.cfg.ReadOnly)
	return nil
}

// Disconnect stops the monitor and drops the session.
func (r *REST) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.connected = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	r.logger.Info("broker disconnected")
	return nil
}

// Connected reports whether the session is currently up.
func (r *REST) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// monitor pings the session periodically and reconnects with exponential
// backoff when it drops.
func (r *REST) monitor(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.ping(ctx); err == nil {
			r.setConnected(true)
			continue
		}
		r.setConnected(false)
		r.logger.Warn("broker session lost, reconnecting")

		backoff := r.cfg.ReconnectMin
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := r.ping(ctx); err == nil {
				r.setConnected(true)
				r.logger.Info("broker reconnected")
				break
			}
			backoff *= 2
			if backoff > r.cfg.ReconnectMax {
				backoff = r.cfg.ReconnectMax
			}
		}
	}
}

func (r *REST) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *REST) ping(ctx context.Context) error {
	resp, err := r.http.R().SetContext(ctx).Get("/v1/session")
	if err != nil {
		return errs.Retry(errs.Wrap(errs.KindResource, errs.ReasonBrokerUnavailable, err))
	}
	if resp.StatusCode() != http.StatusOK {
		return errs.Retry(errs.New(errs.KindResource, errs.ReasonBrokerUnavailable,
			"session check: status %d", resp.StatusCode()))
	}
	return nil
}

// do runs one brokerage call through the circuit breaker. fn performs the
// HTTP exchange; a transport error or 5xx counts as a breaker failure,
// 4xx responses do not (the gateway is up, the request is bad).
func (r *REST) do(op string, fn func() (*resty.Response, error)) error {
	if err := r.breaker.Allow(); err != nil {
		return err
	}

	resp, err := fn()
	if err != nil {
		r.breaker.RecordFailure()
		return errs.Retry(errs.Wrap(errs.KindResource, errs.ReasonBrokerUnavailable,
			fmt.Errorf("%s: %w", op, err)))
	}
	if resp.StatusCode() >= 500 {
		r.breaker.RecordFailure()
		return errs.Retry(errs.New(errs.KindResource, errs.ReasonBrokerUnavailable,
			"%s: status %d: %s", op, resp.StatusCode(), resp.String()))
	}
	r.breaker.RecordSuccess()

	if resp.StatusCode() >= 400 {
		kind := errs.KindValidation
		reason := errs.ReasonValidationFailed
		if resp.StatusCode() == http.StatusNotFound {
			reason = errs.ReasonNotFound
		}
		return errs.New(kind, reason, "%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetPortfolio fetches the full account snapshot.
func (r *REST) GetPortfolio(ctx context.Context, accountID string) (types.Portfolio, error) {
	var result types.Portfolio
	err := r.do("get portfolio", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/v1/accounts/" + accountID + "/portfolio")
	})
	return result, err
}

// GetPositions fetches current holdings.
func (r *REST) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var result []types.Position
	err := r.do("get positions", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/v1/accounts/" + accountID + "/positions")
	})
	return result, err
}

// GetCash fetches per-currency balances.
func (r *REST) GetCash(ctx context.Context, accountID string) ([]types.Cash, error) {
	var result []types.Cash
	err := r.do("get cash", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/v1/accounts/" + accountID + "/cash")
	})
	return result, err
}

// GetOpenOrders fetches working orders.
func (r *REST) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	var result []types.OpenOrder
	err := r.do("get open orders", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/v1/accounts/" + accountID + "/orders")
	})
	return result, err
}

// GetMarketSnapshot fetches a live quote.
func (r *REST) GetMarketSnapshot(ctx context.Context, instrument types.Instrument) (types.MarketSnapshot, error) {
	var result types.MarketSnapshot
	err := r.do("get snapshot", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", instrument.Symbol).
			SetQueryParam("con_id", fmt.Sprintf("%d", instrument.ConID)).
			SetResult(&result).
			Get("/v1/market/snapshot")
	})
	return result, err
}

// GetMarketBars fetches historical candles.
func (r *REST) GetMarketBars(ctx context.Context, instrument types.Instrument, timeframe string, limit int) ([]types.Bar, error) {
	if _, err := barInterval(timeframe); err != nil {
		return nil, err
	}
	var result []types.Bar
	err := r.do("get bars", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":    instrument.Symbol,
				"timeframe": timeframe,
				"limit":     fmt.Sprintf("%d", limit),
			}).
			SetResult(&result).
			Get("/v1/market/bars")
	})
	return result, err
}

// SearchInstruments runs a fuzzy search on the gateway.
func (r *REST) SearchInstruments(ctx context.Context, query string, filters SearchFilters) ([]types.Candidate, error) {
	var result []types.Candidate
	err := r.do("search instruments", func() (*resty.Response, error) {
		req := r.http.R().
			SetContext(ctx).
			SetQueryParam("query", query).
			SetResult(&result)
		if filters.Type != "" {
			req.SetQueryParam("type", string(filters.Type))
		}
		if filters.Exchange != "" {
			req.SetQueryParam("exchange", filters.Exchange)
		}
		if filters.Currency != "" {
			req.SetQueryParam("currency", filters.Currency)
		}
		if filters.Limit > 0 {
			req.SetQueryParam("limit", fmt.Sprintf("%d", filters.Limit))
		}
		return req.Get("/v1/instruments/search")
	})
	return result, err
}

// ResolveInstrument resolves a hint into a concrete contract.
func (r *REST) ResolveInstrument(ctx context.Context, hint ResolveHint) (types.Instrument, error) {
	var result types.Instrument
	err := r.do("resolve instrument", func() (*resty.Response, error) {
		req := r.http.R().
			SetContext(ctx).
			SetResult(&result)
		if hint.ConID != 0 {
			req.SetQueryParam("con_id", fmt.Sprintf("%d", hint.ConID))
		}
		if hint.Symbol != "" {
			req.SetQueryParam("symbol", hint.Symbol)
		}
		if hint.Type != "" {
			req.SetQueryParam("type", string(hint.Type))
		}
		return req.Get("/v1/instruments/resolve")
	})
	return result, err
}

// submitPayload is the order submission body. The token id is forwarded so
// the gateway can log which approval authorized the order.
type submitPayload struct {
	AccountID  string            `json:"account_id"`
	Intent     types.OrderIntent `json:"intent"`
	TokenID    string            `json:"token_id"`
	IntentHash string            `json:"intent_hash"`
}

// SubmitOrder places an order. Refused locally when read-only or when the
// token is missing or bound to a different intent.
func (r *REST) SubmitOrder(ctx context.Context, intent types.OrderIntent, token *types.ApprovalToken) (types.OpenOrder, error) {
	if r.cfg.ReadOnly {
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

	var result types.OpenOrder
	err = r.do("submit order", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetHeader("X-Request-Timeout", SubmitTimeout.String()).
			SetBody(submitPayload{
				AccountID:  r.cfg.AccountID,
				Intent:     intent,
				TokenID:    token.TokenID,
				IntentHash: hash,
			}).
			SetResult(&result).
			Post("/v1/orders")
	})
	return result, err
}

// CancelOrder cancels a working order at the broker.
func (r *REST) CancelOrder(ctx context.Context, brokerOrderID string) (types.OpenOrder, error) {
	if r.cfg.ReadOnly {
		return types.OpenOrder{}, errs.New(errs.KindPolicy, errs.ReasonReadOnly,
			"cancel_order refused: broker is in read-only mode")
	}

	var result types.OpenOrder
	err := r.do("cancel order", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Delete("/v1/orders/" + brokerOrderID)
	})
	return result, err
}

// GetOrderStatus fetches the current order state.
func (r *REST) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OpenOrder, error) {
	var result types.OpenOrder
	err := r.do("get order status", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/v1/orders/" + brokerOrderID)
	})
	return result, err
}

// RequestReport starts an async flex-style report and returns its
// reference id.
func (r *REST) RequestReport(ctx context.Context, queryID string, from, to time.Time) (string, error) {
	var result struct {
		ReferenceID string `json:"reference_id"`
	}
	err := r.do("request report", func() (*resty.Response, error) {
		return r.http.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"query_id": queryID,
				"from":     from.Format("2006-01-02"),
				"to":       to.Format("2006-01-02"),
			}).
			SetResult(&result).
			Post("/v1/reports")
	})
	return result.ReferenceID, err
}

// FetchReport downloads a report once ready. While the report is still
// generating the gateway answers 202 and the caller should retry.
func (r *REST) FetchReport(ctx context.Context, referenceID string) ([]byte, error) {
	var body []byte
	err := r.do("fetch report", func() (*resty.Response, error) {
		resp, err := r.http.R().
			SetContext(ctx).
			Get("/v1/reports/" + referenceID)
		if err == nil {
			body = resp.Body()
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errs.Retry(errs.New(errs.KindResource, errs.ReasonBrokerUnavailable,
			"report %s is still generating", referenceID))
	}
	return body, nil
}
