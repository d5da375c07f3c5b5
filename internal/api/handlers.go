package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"broker":      s.core.Broker.Connected(),
		"kill_switch": s.core.Kill.IsEnabled(),
		"time":        time.Now().UTC(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.core.Portfolio(r.Context(), correlationID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.core.Broker.GetPositions(r.Context(), s.core.AccountID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleCash(w http.ResponseWriter, r *http.Request) {
	cash, err := s.core.Broker.GetCash(r.Context(), s.core.AccountID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cash": cash})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.core.Broker.GetOpenOrders(r.Context(), s.core.AccountID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// instrumentFromQuery builds an instrument from ?symbol= (or its alias
// ?instrument=) and optional ?type= / ?currency= parameters.
func instrumentFromQuery(r *http.Request) (types.Instrument, error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		symbol = strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("instrument")))
	}
	if symbol == "" {
		return types.Instrument{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed, "symbol is required")
	}
	inst := types.Instrument{Symbol: symbol, Type: types.InstrumentSTK, Currency: "USD"}
	if t := r.URL.Query().Get("type"); t != "" {
		inst.Type = types.InstrumentType(strings.ToUpper(t))
	}
	if c := r.URL.Query().Get("currency"); c != "" {
		inst.Currency = strings.ToUpper(c)
	}
	return inst, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("bypass_cache") == "true" {
		ctx = broker.WithBypass(ctx)
	}
	snap, err := s.core.Broker.GetMarketSnapshot(ctx, inst)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1d"
	}
	limit := queryInt(r, "limit", 100)
	bars, err := s.core.Broker.GetMarketBars(r.Context(), inst, timeframe, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	// q is optional: empty (or "*") matches the whole catalog, subject to
	// the filters. query is accepted as an alias.
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		query = strings.TrimSpace(r.URL.Query().Get("query"))
	}
	if query == "*" {
		query = ""
	}
	filters := broker.SearchFilters{
		Exchange: r.URL.Query().Get("exchange"),
		Currency: strings.ToUpper(r.URL.Query().Get("currency")),
		Limit:    queryInt(r, "limit", 0),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filters.Type = types.InstrumentType(strings.ToUpper(t))
	}
	candidates, err := s.core.Broker.SearchInstruments(r.Context(), query, filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	hint := broker.ResolveHint{
		Symbol: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))),
	}
	if raw := r.URL.Query().Get("con_id"); raw != "" {
		conID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, errs.New(errs.KindValidation, errs.ReasonValidationFailed, "con_id must be an integer"))
			return
		}
		hint.ConID = conID
	}
	if t := r.URL.Query().Get("type"); t != "" {
		hint.Type = types.InstrumentType(strings.ToUpper(t))
	}
	if hint.ConID == 0 && hint.Symbol == "" {
		s.writeError(w, r, errs.New(errs.KindValidation, errs.ReasonValidationFailed, "con_id or symbol is required"))
		return
	}
	inst, err := s.core.Broker.ResolveInstrument(r.Context(), hint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, err := s.core.Broker.GetOrderStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// handleSimulate prices an intent without creating a proposal. The
// response mirrors the simulation block a real proposal would carry.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var intent types.OrderIntent
	if err := s.decode(r, &intent); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.core.SimulateIntent(r.Context(), intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleEvaluate is a full dry run: simulation plus the risk gate. The
// decision is advisory and nothing is stored.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var intent types.OrderIntent
	if err := s.decode(r, &intent); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, decision, err := s.core.EvaluateIntent(r.Context(), intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"simulation": result, "decision": decision})
}

func (s *Server) handleFeatureFlags(w http.ResponseWriter, r *http.Request) {
	flags := s.flags
	flags.KillSwitchOverride = s.core.Kill.Overridden()
	s.writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var intent types.OrderIntent
	if err := s.decode(r, &intent); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.ProposeOrder(r.Context(), correlationID(r), intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.core.Approvals.ListPending(queryInt(r, "limit", 0))
	s.writeJSON(w, http.StatusOK, map[string]any{"proposals": pending})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.core.Approvals.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, token, err := s.core.Approvals.Grant(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposal": p, "token": token})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.Approvals.Deny(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID string `json:"token_id"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.SubmitProposal(r.Context(), r.PathValue("id"), req.TokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.RequestCancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, cr)
}

func (s *Server) handleRequestModify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent types.OrderIntent `json:"intent"`
		Reason string            `json:"reason"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.RequestModify(r.Context(), r.PathValue("id"), req.Intent, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, cr)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": s.core.Cancels.Pending()})
}

// handleConfirmRequest executes a pending cancel or modify. A modify
// replacement re-enters the pipeline from the top so it is simulated and
// risk-checked like any fresh proposal.
func (s *Server) handleConfirmRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.confirmPending(w, r, r.PathValue("id"), req.Actor)
}

func (s *Server) confirmPending(w http.ResponseWriter, r *http.Request, requestID, actor string) {
	cr, err := s.core.Cancels.Confirm(r.Context(), requestID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"request": cr}
	if cr.NewProposalID != "" {
		replacement, err := s.core.ReProposeModified(r.Context(), cr.NewProposalID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp["replacement"] = replacement
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.Deny(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cr)
}

// proposalRef is the body shape of the verb-style routes: the ids the
// path-style routes take from the URL travel in the body instead.
type proposalRef struct {
	ProposalID string `json:"proposal_id"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type requestRef struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleCreateProposal accepts a client-assembled envelope. The supplied
// simulation and decision are advisory only: a REJECT decision
// short-circuits, everything else is recomputed by the pipeline before
// anything is stored.
func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent       types.OrderIntent       `json:"intent"`
		Simulation   *types.SimulationResult `json:"simulation,omitempty"`
		RiskDecision *types.RiskDecision     `json:"risk_decision,omitempty"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RiskDecision != nil && req.RiskDecision.Decision == types.DecisionReject {
		s.writeError(w, r, errs.New(errs.KindPolicy, errs.ReasonRiskRejected,
			"proposal carries a REJECT risk decision"))
		return
	}
	p, err := s.core.ProposeOrder(r.Context(), correlationID(r), req.Intent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req proposalRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.Approvals.RequestApproval(r.Context(), req.ProposalID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprovalGrant(w http.ResponseWriter, r *http.Request) {
	var req proposalRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, token, err := s.core.Approvals.Grant(r.Context(), req.ProposalID, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proposal":   p,
		"token_id":   token.TokenID,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	var req proposalRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.Approvals.Deny(r.Context(), req.ProposalID, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOrdersSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		TokenID    string `json:"token_id"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.core.SubmitProposal(r.Context(), req.ProposalID, req.TokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var req proposalRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.RequestCancel(r.Context(), req.ProposalID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, cr)
}

func (s *Server) handleModifyRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string            `json:"proposal_id"`
		Intent     types.OrderIntent `json:"intent"`
		Reason     string            `json:"reason"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.RequestModify(r.Context(), req.ProposalID, req.Intent, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, cr)
}

func (s *Server) handleRequestGrant(w http.ResponseWriter, r *http.Request) {
	var req requestRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.confirmPending(w, r, req.RequestID, req.Actor)
}

func (s *Server) handleRequestDeny(w http.ResponseWriter, r *http.Request) {
	var req requestRef
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cr, err := s.core.Cancels.Deny(r.Context(), req.RequestID, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cr)
}

func (s *Server) handleKillStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":      s.core.Kill.Current(),
		"overridden": s.core.Kill.Overridden(),
	})
}

func (s *Server) handleKillActivate(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.core.Kill.Activate(r.Context(), req.Reason, req.Actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"state": s.core.Kill.Current()})
}

func (s *Server) handleKillRelease(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.core.Kill.Release(r.Context(), req.Actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"state": s.core.Kill.Current()})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f := audit.Filter{
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			f.Types = append(f.Types, audit.EventType(strings.TrimSpace(t)))
		}
	}
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := r.URL.Query().Get(param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.writeError(w, r, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
					"%s must be RFC3339", param))
				return
			}
			*dst = ts
		}
	}
	events, err := s.core.AuditLog.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.AuditLog.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleRiskPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Risk.Policy())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.gateway.Tools()})
}

// handleCallTool invokes one gateway tool on behalf of an agent session.
// The gateway enforces the allowlist, schema, rate limits, and breaker.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session string         `json:"session"`
		Args    map[string]any `json:"args"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.gateway.Call(r.Context(), req.Session, correlationID(r), r.PathValue("name"), req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
