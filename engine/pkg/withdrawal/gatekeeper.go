// Package withdrawal implements the advisory withdrawal gatekeeper:
// per-tier weekly quotas and minimums, consulted by the external
// withdrawal-processing collaborator before it creates a withdrawal
// record. The gatekeeper never debits balances.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

const (
	// MinimumDefault applies to non-agents and single-withdrawal tiers.
	MinimumDefault = 50.0
	// MinimumMultiWithdrawal applies to tiers allowed more than one
	// withdrawal per week.
	MinimumMultiWithdrawal = 100.0
)

var (
	supportedCurrencies = map[string]bool{"USD": true}
	supportedMethods    = map[string]bool{"bank_transfer": true, "whish": true, "wallet": true}
)

// Request is a withdrawal the collaborator wants vetted.
type Request struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Method   string  `json:"method"`
}

// Reason is the taxonomy code attached to a denial.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonBelowMinimum  Reason = "below_minimum"
	ReasonQuotaExceeded Reason = "weekly_quota_exceeded"
)

// Decision is the gatekeeper's advisory verdict.
type Decision struct {
	Allowed       bool    `json:"allowed"`
	Reason        Reason  `json:"reason"`
	MinimumAmount float64 `json:"minimum_amount"`
	QuotaUsed     int     `json:"quota_used"`
	QuotaAllowed  int     `json:"quota_allowed"`
	QuotaRemains  int     `json:"quota_remaining"`
}

// Config holds the gatekeeper dependencies.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  agent.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Gatekeeper struct {
	log   *slog.Logger
	clock clockwork.Clock
	store agent.Store
}

func New(cfg Config) (*Gatekeeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gatekeeper{log: cfg.Logger, clock: cfg.Clock, store: cfg.Store}, nil
}

// CanWithdraw vets a withdrawal request for userID. Users without an
// agent profile get the flat default minimum and no quota.
func (g *Gatekeeper) CanWithdraw(ctx context.Context, userID string, req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}

	p, err := g.store.GetProfile(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return decideNonAgent(req), nil
	}
	if err != nil {
		return Decision{}, err
	}

	t, err := tier.Get(p.CurrentTier)
	if err != nil {
		return Decision{}, err
	}

	minimum := MinimumDefault
	if t.WithdrawalFrequency > 1 {
		minimum = MinimumMultiWithdrawal
	}

	used, err := g.store.CountWithdrawalsSince(ctx, userID, WeekStart(g.clock.Now()))
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Reason:        ReasonOK,
		MinimumAmount: minimum,
		QuotaUsed:     used,
		QuotaAllowed:  t.WithdrawalFrequency,
		QuotaRemains:  max(0, t.WithdrawalFrequency-used),
	}
	switch {
	case req.Amount < minimum:
		d.Reason = ReasonBelowMinimum
	case used >= t.WithdrawalFrequency:
		d.Reason = ReasonQuotaExceeded
	default:
		d.Allowed = true
	}
	if !d.Allowed {
		g.log.Debug("withdrawal denied",
			"user_id", userID, "amount", req.Amount, "reason", string(d.Reason))
	}
	return d, nil
}

// QuotaStatus returns the agent's weekly withdrawal quota usage.
func (g *Gatekeeper) QuotaStatus(ctx context.Context, userID string) (used, allowed int, err error) {
	p, err := g.store.GetProfile(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	t, err := tier.Get(p.CurrentTier)
	if err != nil {
		return 0, 0, err
	}
	used, err = g.store.CountWithdrawalsSince(ctx, userID, WeekStart(g.clock.Now()))
	if err != nil {
		return 0, 0, err
	}
	return used, t.WithdrawalFrequency, nil
}

func decideNonAgent(req Request) Decision {
	d := Decision{MinimumAmount: MinimumDefault, Reason: ReasonOK}
	if req.Amount < MinimumDefault {
		d.Reason = ReasonBelowMinimum
		return d
	}
	d.Allowed = true
	return d
}

func validate(req Request) error {
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive: %w", domain.ErrValidation)
	}
	if req.Currency != "" && !supportedCurrencies[req.Currency] {
		return fmt.Errorf("unsupported currency %q: %w", req.Currency, domain.ErrValidation)
	}
	if req.Method != "" && !supportedMethods[req.Method] {
		return fmt.Errorf("unsupported method %q: %w", req.Method, domain.ErrValidation)
	}
	return nil
}

// WeekStart returns the most recent week boundary: Monday 00:00 UTC.
func WeekStart(now time.Time) time.Time {
	now = now.UTC()
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -daysSinceMonday)
}
