package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

// EnrollRequest is the body for creating an agent profile.
type EnrollRequest struct {
	UserID string `json:"user_id"`
}

// EnrollAgent creates a profile seeded at rookie with the bronze
// challenge open.
func (h *Handlers) EnrollAgent(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadBody(err))
		return
	}
	p, err := h.Engine.EnrollAgent(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// ReportRequest carries the referral tracker's latest lifetime counts.
type ReportRequest struct {
	Direct         int `json:"direct"`
	Level1Indirect int `json:"level1_indirect"`
}

// ReportResponse returns the transition outcome and resulting state.
type ReportResponse struct {
	Outcome string            `json:"outcome"`
	Profile *agent.Profile    `json:"profile"`
	Events  []challenge.Event `json:"events,omitempty"`
}

// ReportReferrals ingests a referral-count update for the agent.
func (h *Handlers) ReportReferrals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req ReportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadBody(err))
		return
	}
	res, err := h.Engine.ReportReferralCounts(r.Context(), userID, req.Direct, req.Level1Indirect)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ReportResponse{
		Outcome: string(res.Outcome),
		Profile: res.Profile,
		Events:  res.Events,
	})
}

// GetChallengeStatus returns the agent's current challenge snapshot.
func (h *Handlers) GetChallengeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.GetChallengeStatus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// GetChallengeHistory returns every attempt recorded for the agent,
// oldest first.
func (h *Handlers) GetChallengeHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := h.Store.GetProfile(r.Context(), userID); err != nil {
		h.writeError(w, err)
		return
	}
	recs, err := h.Store.HistoryForProfile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []agent.ChallengeHistoryRecord{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// AgentStats is the aggregated tier/commission/withdrawal view.
type AgentStats struct {
	UserID                string            `json:"user_id"`
	Status                agent.Status      `json:"status"`
	CurrentTier           tier.Name         `json:"current_tier"`
	TierDisplayName       string            `json:"tier_display_name"`
	CommissionRate        float64           `json:"commission_rate"`
	TotalDirectReferrals  int               `json:"total_direct_referrals"`
	TotalLevel1Referrals  int               `json:"total_level1_referrals"`
	WeeklyEarnings        float64           `json:"weekly_earnings"`
	TotalCommissionEarned float64           `json:"total_commission_earned"`
	WithdrawalsUsed       int               `json:"withdrawals_used_this_week"`
	WithdrawalsAllowed    int               `json:"withdrawals_allowed_per_week"`
	Challenge             *challenge.Status `json:"challenge,omitempty"`
}

// GetAgentStats composes the profile, catalog, gatekeeper quota and
// challenge status into one dashboard view.
func (h *Handlers) GetAgentStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	p, err := h.Store.GetProfile(ctx, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := tier.Get(p.CurrentTier)
	if err != nil {
		h.writeError(w, err)
		return
	}
	used, allowed, err := h.Gatekeeper.QuotaStatus(ctx, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.Engine.GetChallengeStatus(ctx, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, AgentStats{
		UserID:                p.UserID,
		Status:                p.Status,
		CurrentTier:           p.CurrentTier,
		TierDisplayName:       t.DisplayName,
		CommissionRate:        t.CommissionRate,
		TotalDirectReferrals:  p.TotalDirectReferrals,
		TotalLevel1Referrals:  p.TotalLevel1Referrals,
		WeeklyEarnings:        p.WeeklyEarnings,
		TotalCommissionEarned: p.TotalCommissionEarned,
		WithdrawalsUsed:       used,
		WithdrawalsAllowed:    allowed,
		Challenge:             st,
	})
}

// WeeklyCommissionRequest is the body for the weekly commission run.
type WeeklyCommissionRequest struct {
	WeeklyEarnings float64 `json:"weekly_earnings"`
}

// ApplyWeeklyCommission records a week of earnings and credits the
// weekly commission for weekly-paid tiers.
func (h *Handlers) ApplyWeeklyCommission(w http.ResponseWriter, r *http.Request) {
	var req WeeklyCommissionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadBody(err))
		return
	}
	b, err := h.Calculator.ApplyWeeklyCommission(r.Context(), chi.URLParam(r, "userID"), req.WeeklyEarnings)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func errBadBody(err error) error {
	return &badBodyError{err}
}

type badBodyError struct{ err error }

func (e *badBodyError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badBodyError) Unwrap() error { return domain.ErrValidation }
