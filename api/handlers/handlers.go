// Package handlers exposes the ladder engine to its collaborators over
// JSON/HTTP: the referral-tracking collaborator reports counts, the
// withdrawal processor consults the gatekeeper, dashboards read status.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/commission"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/metrics"
	"github.com/refermint/ladder/engine/pkg/withdrawal"
)

// Handlers bundles the injected services behind the HTTP surface.
type Handlers struct {
	Logger     *slog.Logger
	Engine     *challenge.Engine
	Store      agent.Store
	Calculator *commission.Calculator
	Gatekeeper *withdrawal.Gatekeeper

	// ReportLimiter rate-limits the referral-report endpoint per IP.
	ReportLimiter *RateLimiter
}

func (h *Handlers) Validate() error {
	if h.Logger == nil {
		return errors.New("logger is required")
	}
	if h.Engine == nil {
		return errors.New("engine is required")
	}
	if h.Store == nil {
		return errors.New("store is required")
	}
	if h.Calculator == nil {
		return errors.New("calculator is required")
	}
	if h.Gatekeeper == nil {
		return errors.New("gatekeeper is required")
	}
	if h.ReportLimiter == nil {
		h.ReportLimiter = DefaultReportLimiter()
	}
	return nil
}

// Router builds the chi router with the full route table.
func (h *Handlers) Router() (chi.Router, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agents", h.EnrollAgent)
		r.Route("/agents/{userID}", func(r chi.Router) {
			r.With(RateLimitMiddleware(h.ReportLimiter)).Post("/referrals", h.ReportReferrals)
			r.Get("/challenge", h.GetChallengeStatus)
			r.Get("/stats", h.GetAgentStats)
			r.Get("/history", h.GetChallengeHistory)
			r.Post("/withdrawals/check", h.CheckWithdrawal)
			r.Post("/commission/weekly", h.ApplyWeeklyCommission)

			// Admin surface; authn/authz is the gateway's problem.
			r.Post("/promote", h.ForcePromote)
			r.Post("/challenge/reset", h.ForceResetChallenge)
			r.Put("/status", h.SetStatus)
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r, nil
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write response", "error", err)
	}
}

// writeError maps the domain taxonomy onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation_failure"
	case errors.Is(err, domain.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status, code = http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, domain.ErrPersistence):
		status, code = http.StatusServiceUnavailable, "persistence_failure"
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   err.Error(),
		Retryable: domain.Retryable(err),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
