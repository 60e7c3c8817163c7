// Package commission implements the tier-dependent commission rules:
// early tiers are paid weekly on activity, advanced tiers only at
// withdrawal time on realized payout volume.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

// Breakdown is the result of a commission computation.
type Breakdown struct {
	Rate             float64 `json:"rate"`
	BaseAmount       float64 `json:"base_amount"`
	CommissionAmount float64 `json:"commission_amount"`
	TotalAmount      float64 `json:"total_amount"`
}

// paysAtWithdrawal reports whether the tier earns commission only at
// the moment of an approved withdrawal. Everything below silver is paid
// weekly on activity instead.
func paysAtWithdrawal(name tier.Name) bool {
	return !tier.Before(name, tier.Silver)
}

// WeeklyCommission computes the commission owed on a week of earnings.
// Returns a zero breakdown for withdrawal-time tiers.
func WeeklyCommission(p *agent.Profile, weeklyEarnings float64) (Breakdown, error) {
	if weeklyEarnings < 0 {
		return Breakdown{}, fmt.Errorf("weekly earnings must be non-negative: %w", domain.ErrValidation)
	}
	t, err := tier.Get(p.CurrentTier)
	if err != nil {
		return Breakdown{}, err
	}
	if paysAtWithdrawal(t.Name) {
		return Breakdown{BaseAmount: weeklyEarnings}, nil
	}
	c := weeklyEarnings * t.CommissionRate / 100
	return Breakdown{
		Rate:             t.CommissionRate,
		BaseAmount:       weeklyEarnings,
		CommissionAmount: c,
		TotalAmount:      weeklyEarnings + c,
	}, nil
}

// WithdrawalCommission computes the commission applied to an approved
// withdrawal. Returns a zero breakdown for weekly-paid tiers.
func WithdrawalCommission(p *agent.Profile, amount float64) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, fmt.Errorf("withdrawal amount must be positive: %w", domain.ErrValidation)
	}
	t, err := tier.Get(p.CurrentTier)
	if err != nil {
		return Breakdown{}, err
	}
	if !paysAtWithdrawal(t.Name) {
		return Breakdown{BaseAmount: amount, TotalAmount: amount}, nil
	}
	c := amount * t.CommissionRate / 100
	return Breakdown{
		Rate:             t.CommissionRate,
		BaseAmount:       amount,
		CommissionAmount: c,
		TotalAmount:      amount + c,
	}, nil
}

// CalculatorConfig holds the stateful calculator's dependencies.
type CalculatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  agent.Store
}

func (cfg *CalculatorConfig) Validate() error {
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

// Calculator applies commission results to profiles through the store.
type Calculator struct {
	log   *slog.Logger
	clock clockwork.Clock
	store agent.Store
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, clock: cfg.Clock, store: cfg.Store}, nil
}

// ApplyWeeklyCommission records a week of earnings on the profile and
// credits the weekly commission for weekly-paid tiers.
func (c *Calculator) ApplyWeeklyCommission(ctx context.Context, userID string, weeklyEarnings float64) (Breakdown, error) {
	p, err := c.store.GetProfile(ctx, userID)
	if err != nil {
		return Breakdown{}, err
	}
	b, err := WeeklyCommission(p, weeklyEarnings)
	if err != nil {
		return Breakdown{}, err
	}

	p.WeeklyEarnings = weeklyEarnings
	p.TotalCommissionEarned += b.CommissionAmount
	p.UpdatedAt = c.clock.Now().UTC()
	if err := c.store.UpdateProfile(ctx, p); err != nil {
		return Breakdown{}, err
	}
	if b.CommissionAmount > 0 {
		c.log.Info("weekly commission credited",
			"user_id", userID, "rate", b.Rate, "commission", b.CommissionAmount)
	}
	return b, nil
}
