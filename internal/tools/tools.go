// Package tools registers the agent-facing tool surface on the gateway.
// The set is deliberately read-heavy: an agent can inspect the account,
// quote instruments, and propose orders, but granting approval, submitting
// orders, confirming cancels, and touching the kill switch stay with
// humans on the HTTP API. No tool response ever carries an approval token.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"tradegate/internal/broker"
	"tradegate/internal/core"
	"tradegate/internal/errs"
	"tradegate/internal/gateway"
	"tradegate/pkg/types"
)

// Register installs the standard tool set.
func Register(gw *gateway.Gateway, c *core.Core) {
	gw.Register(gateway.ToolSpec{
		Name: "get_portfolio",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Portfolio(ctx, session)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_positions",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Broker.GetPositions(ctx, c.AccountID())
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_cash",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Broker.GetCash(ctx, c.AccountID())
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_open_orders",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Broker.GetOpenOrders(ctx, c.AccountID())
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_market_snapshot",
		Params: map[string]gateway.ParamSpec{
			"symbol":       {Type: gateway.TypeString, Required: true},
			"type":         {Type: gateway.TypeString},
			"bypass_cache": {Type: gateway.TypeBoolean},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			if bypass, _ := args["bypass_cache"].(bool); bypass {
				ctx = broker.WithBypass(ctx)
			}
			return c.Broker.GetMarketSnapshot(ctx, instrumentArg(args))
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_market_bars",
		Params: map[string]gateway.ParamSpec{
			"symbol":    {Type: gateway.TypeString, Required: true},
			"timeframe": {Type: gateway.TypeString},
			"limit":     {Type: gateway.TypeInteger},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			timeframe, _ := args["timeframe"].(string)
			if timeframe == "" {
				timeframe = "1d"
			}
			return c.Broker.GetMarketBars(ctx, instrumentArg(args), timeframe, intArg(args, "limit", 100))
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "search_instruments",
		Params: map[string]gateway.ParamSpec{
			"query": {Type: gateway.TypeString, Required: true},
			"type":  {Type: gateway.TypeString},
			"limit": {Type: gateway.TypeInteger},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			filters := broker.SearchFilters{Limit: intArg(args, "limit", 0)}
			if t, _ := args["type"].(string); t != "" {
				filters.Type = types.InstrumentType(strings.ToUpper(t))
			}
			return c.Broker.SearchInstruments(ctx, query, filters)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "resolve_instrument",
		Params: map[string]gateway.ParamSpec{
			"symbol": {Type: gateway.TypeString},
			"con_id": {Type: gateway.TypeInteger},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			hint := broker.ResolveHint{ConID: int64(intArg(args, "con_id", 0))}
			if s, _ := args["symbol"].(string); s != "" {
				hint.Symbol = strings.ToUpper(s)
			}
			if hint.ConID == 0 && hint.Symbol == "" {
				return nil, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
					"con_id or symbol is required")
			}
			return c.Broker.ResolveInstrument(ctx, hint)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "simulate_order",
		Params: map[string]gateway.ParamSpec{
			"intent": {Type: gateway.TypeObject, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			intent, err := intentArg(args["intent"])
			if err != nil {
				return nil, err
			}
			return c.SimulateIntent(ctx, intent)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "evaluate_risk",
		Params: map[string]gateway.ParamSpec{
			"intent": {Type: gateway.TypeObject, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			intent, err := intentArg(args["intent"])
			if err != nil {
				return nil, err
			}
			result, decision, err := c.EvaluateIntent(ctx, intent)
			if err != nil {
				return nil, err
			}
			return map[string]any{"simulation": result, "decision": decision}, nil
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "propose_order",
		Params: map[string]gateway.ParamSpec{
			"intent": {Type: gateway.TypeObject, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			intent, err := intentArg(args["intent"])
			if err != nil {
				return nil, err
			}
			// The session id doubles as the correlation id so every
			// proposal traces back to the agent that made it. The agent
			// learns the id and the state, nothing more: the full record
			// lives on the human-facing API.
			p, err := c.ProposeOrder(ctx, session, intent)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"proposal_id": p.ProposalID,
				"state":       p.State,
			}, nil
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_proposal",
		Params: map[string]gateway.ParamSpec{
			"proposal_id": {Type: gateway.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			id, _ := args["proposal_id"].(string)
			return c.Approvals.Get(id)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "list_pending_approvals",
		Params: map[string]gateway.ParamSpec{
			"limit": {Type: gateway.TypeInteger},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Approvals.ListPending(intArg(args, "limit", 0)), nil
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "request_cancel",
		Params: map[string]gateway.ParamSpec{
			"proposal_id": {Type: gateway.TypeString, Required: true},
			"reason":      {Type: gateway.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			id, _ := args["proposal_id"].(string)
			reason, _ := args["reason"].(string)
			return c.Cancels.RequestCancel(ctx, id, reason)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "request_modify",
		Params: map[string]gateway.ParamSpec{
			"proposal_id": {Type: gateway.TypeString, Required: true},
			"intent":      {Type: gateway.TypeObject, Required: true},
			"reason":      {Type: gateway.TypeString, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			id, _ := args["proposal_id"].(string)
			reason, _ := args["reason"].(string)
			intent, err := intentArg(args["intent"])
			if err != nil {
				return nil, err
			}
			return c.Cancels.RequestModify(ctx, id, intent, reason)
		},
	})

	gw.Register(gateway.ToolSpec{
		Name: "get_kill_switch",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return c.Kill.Current(), nil
		},
	})
}

func instrumentArg(args map[string]any) types.Instrument {
	symbol, _ := args["symbol"].(string)
	inst := types.Instrument{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Type:     types.InstrumentSTK,
		Currency: "USD",
	}
	if t, _ := args["type"].(string); t != "" {
		inst.Type = types.InstrumentType(strings.ToUpper(t))
	}
	return inst
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// intentArg round-trips the raw argument through JSON into a typed
// intent, so agents submit the same shape the HTTP API accepts.
func intentArg(raw any) (types.OrderIntent, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return types.OrderIntent{}, errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}
	var intent types.OrderIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return types.OrderIntent{}, errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}
	return intent, nil
}
