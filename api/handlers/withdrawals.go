package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/commission"
	"github.com/refermint/ladder/engine/pkg/withdrawal"
)

// WithdrawalCheckResponse is the gatekeeper's verdict plus the
// commission the withdrawal would carry if approved.
type WithdrawalCheckResponse struct {
	Decision   withdrawal.Decision   `json:"decision"`
	Commission *commission.Breakdown `json:"commission,omitempty"`
}

// CheckWithdrawal vets a withdrawal request. Advisory: nothing is
// debited; the withdrawal processor creates the record afterwards.
func (h *Handlers) CheckWithdrawal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req withdrawal.Request
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadBody(err))
		return
	}

	d, err := h.Gatekeeper.CanWithdraw(ctx, userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := WithdrawalCheckResponse{Decision: d}
	if d.Allowed {
		if p, err := h.Store.GetProfile(ctx, userID); err == nil {
			if b, err := commission.WithdrawalCommission(p, req.Amount); err == nil {
				resp.Commission = &b
			}
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SetStatusRequest is the admin body for suspending/reactivating a
// profile.
type SetStatusRequest struct {
	Status agent.Status `json:"status"`
}

// SetStatus is the admin force-suspend/activate action.
func (h *Handlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadBody(err))
		return
	}
	p, err := h.Engine.SetStatus(r.Context(), chi.URLParam(r, "userID"), req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// ForcePromote is the admin force-promote action.
func (h *Handlers) ForcePromote(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ForcePromote(r.Context(), chi.URLParam(r, "userID"))
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

// ForceResetChallenge is the admin force-reset action.
func (h *Handlers) ForceResetChallenge(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ForceResetChallenge(r.Context(), chi.URLParam(r, "userID"))
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
