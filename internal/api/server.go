// Package api exposes the trading pipeline over HTTP under /api/v1 and
// streams audit events to WebSocket subscribers. Every mutating route
// goes through the core pipeline; nothing here reaches the broker's
// write surface directly.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradegate/internal/core"
	"tradegate/internal/errs"
	"tradegate/internal/gateway"
)

// CorrelationHeader carries the request correlation id. Missing ids are
// generated server-side and echoed back so callers can still join the
// audit trail.
const CorrelationHeader = "X-Correlation-ID"

type ctxKey int

const correlationKey ctxKey = iota

// FeatureFlags reports the effective runtime toggles. KillSwitchOverride
// is computed per request; the rest are fixed at startup.
type FeatureFlags struct {
	AutoApproval       bool `json:"auto_approval"`
	ReadOnly           bool `json:"read_only"`
	StrictValidation   bool `json:"strict_validation"`
	KillSwitchOverride bool `json:"kill_switch_override"`
}

// Server is the HTTP front door.
type Server struct {
	core     *core.Core
	gateway  *gateway.Gateway
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
	flags    FeatureFlags
}

// NewServer creates the API server. The hub must be the same one teed
// into the audit store, otherwise the stream stays silent.
func NewServer(addr string, c *core.Core, gw *gateway.Gateway, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		core:    c,
		gateway: gw,
		hub:     hub,
		logger:  logger.With("component", "api"),
		flags:   FeatureFlags{StrictValidation: true},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withCorrelation(s.routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Read surface
	mux.HandleFunc("GET /api/v1/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/cash", s.handleCash)
	mux.HandleFunc("GET /api/v1/orders/open", s.handleOpenOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleOrderStatus)
	mux.HandleFunc("GET /api/v1/market/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/market/bars", s.handleBars)
	mux.HandleFunc("GET /api/v1/instruments/search", s.handleSearch)
	mux.HandleFunc("GET /api/v1/instruments/resolve", s.handleResolve)

	// Dry runs: price or risk-check an intent without creating a proposal.
	mux.HandleFunc("POST /api/v1/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/v1/risk/evaluate", s.handleEvaluate)

	// Order pipeline
	mux.HandleFunc("POST /api/v1/proposals", s.handlePropose)
	mux.HandleFunc("GET /api/v1/proposals", s.handleListPending)
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/grant", s.handleGrant)
	mux.HandleFunc("POST /api/v1/proposals/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /api/v1/proposals/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/v1/proposals/{id}/cancel", s.handleRequestCancel)
	mux.HandleFunc("POST /api/v1/proposals/{id}/modify", s.handleRequestModify)

	// Two-step cancel/modify confirmation
	mux.HandleFunc("GET /api/v1/requests", s.handlePendingRequests)
	mux.HandleFunc("POST /api/v1/requests/{id}/confirm", s.handleConfirmRequest)
	mux.HandleFunc("POST /api/v1/requests/{id}/deny", s.handleDenyRequest)

	// Verb-style aliases over the same pipeline. Ids travel in the body
	// instead of the path; handlers are shared where the shapes line up.
	mux.HandleFunc("POST /api/v1/propose", s.handlePropose)
	mux.HandleFunc("POST /api/v1/proposals/create", s.handleCreateProposal)
	mux.HandleFunc("POST /api/v1/approval/request", s.handleApprovalRequest)
	mux.HandleFunc("POST /api/v1/approval/grant", s.handleApprovalGrant)
	mux.HandleFunc("POST /api/v1/approval/deny", s.handleApprovalDeny)
	mux.HandleFunc("GET /api/v1/approval/pending", s.handleListPending)
	mux.HandleFunc("POST /api/v1/orders/submit", s.handleOrdersSubmit)
	mux.HandleFunc("POST /api/v1/cancel/request", s.handleCancelRequest)
	mux.HandleFunc("POST /api/v1/cancel/grant", s.handleRequestGrant)
	mux.HandleFunc("POST /api/v1/cancel/deny", s.handleRequestDeny)
	mux.HandleFunc("POST /api/v1/modify/request", s.handleModifyRequest)
	mux.HandleFunc("POST /api/v1/modify/grant", s.handleRequestGrant)
	mux.HandleFunc("POST /api/v1/modify/deny", s.handleRequestDeny)
	mux.HandleFunc("POST /api/v1/kill-switch/activate", s.handleKillActivate)
	mux.HandleFunc("POST /api/v1/kill-switch/deactivate", s.handleKillRelease)
	mux.HandleFunc("GET /api/v1/kill-switch/status", s.handleKillStatus)

	// Kill switch
	mux.HandleFunc("GET /api/v1/killswitch", s.handleKillStatus)
	mux.HandleFunc("POST /api/v1/killswitch/activate", s.handleKillActivate)
	mux.HandleFunc("POST /api/v1/killswitch/release", s.handleKillRelease)

	// Audit and policy
	mux.HandleFunc("GET /api/v1/audit/events", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/stats", s.handleAuditStats)
	mux.HandleFunc("GET /api/v1/risk/policy", s.handleRiskPolicy)
	mux.HandleFunc("GET /api/v1/feature-flags", s.handleFeatureFlags)

	// Agent tool surface
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("POST /api/v1/tools/{name}", s.handleCallTool)

	mux.HandleFunc("GET /api/v1/events/stream", s.handleStream)

	return mux
}

// SetFlags records the startup toggles surfaced by /api/v1/feature-flags.
func (s *Server) SetFlags(f FeatureFlags) {
	s.flags = f
}

// withCorrelation attaches a correlation id to every request and echoes
// it on the response.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, cid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, cid)))
	})
}

func correlationID(r *http.Request) string {
	cid, _ := r.Context().Value(correlationKey).(string)
	return cid
}

// Start begins serving (non-blocking) and launches the stream hub.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		s.logger.Info("api server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func statusFor(err error) int {
	switch errs.ReasonOf(err) {
	case errs.ReasonNotFound:
		return http.StatusNotFound
	case errs.ReasonRateLimited:
		return http.StatusTooManyRequests
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindState, errs.KindConcurrency:
		return http.StatusConflict
	case errs.KindPolicy:
		return http.StatusForbidden
	case errs.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{
		Error:  err.Error(),
		Kind:   string(errs.KindOf(err)),
		Reason: errs.ReasonOf(err),
	}
	if status == http.StatusInternalServerError {
		// Internal causes stay in the logs, not on the wire.
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

const maxBodyBytes = 1 << 20 // 1 MB

// decode reads a JSON request body into dst. Unknown fields are rejected
// unless strict validation is turned off.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if s.flags.StrictValidation {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}
	return nil
}
