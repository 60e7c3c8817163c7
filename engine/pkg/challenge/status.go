package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

// Status is the consumer-facing snapshot of an agent's current
// challenge.
type Status struct {
	UserID        string    `json:"user_id"`
	CurrentTier   tier.Name `json:"current_tier"`
	ChallengeTier tier.Name `json:"challenge_tier,omitempty"`
	Active        bool      `json:"active"`

	ChallengeType string `json:"challenge_type"` // direct | network

	Progress        int     `json:"progress"`
	Target          int     `json:"target"`
	ProgressPercent float64 `json:"progress_percent"`

	StartDate     time.Time `json:"start_date,omitzero"`
	EndDate       time.Time `json:"end_date,omitzero"`
	DaysRemaining int       `json:"days_remaining"`

	AttemptsUsed int `json:"attempts_used"`
	AttemptsMax  int `json:"attempts_max"`

	// StartingReferrals is the floor this attempt was seeded with;
	// NextResetStartingPoint is where the next reset would land.
	StartingReferrals      int `json:"starting_referrals"`
	NextResetStartingPoint int `json:"next_reset_starting_point"`
}

// GetChallengeStatus returns the current progress view for userID.
func (e *Engine) GetChallengeStatus(ctx context.Context, userID string) (*Status, error) {
	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.statusFor(p)
}

func (e *Engine) statusFor(p *agent.Profile) (*Status, error) {
	st := &Status{
		UserID:      p.UserID,
		CurrentTier: p.CurrentTier,
		Active:      p.IsChallengeActive,
	}
	if !p.IsChallengeActive {
		st.ChallengeType = tier.StrategyFor(p.CurrentTier).String()
		return st, nil
	}

	target, err := tier.Get(p.CurrentChallengeTier)
	if err != nil {
		return nil, fmt.Errorf("challenge tier for %s: %w", p.UserID, domain.ErrInvalidState)
	}

	progress := p.ChallengeProgress()
	pct := float64(progress) / float64(target.ReferralRequirement) * 100
	if pct > 100 {
		pct = 100
	}

	now := e.clock.Now().UTC()
	remaining := 0
	if p.ChallengeEndDate.After(now) {
		remaining = int((p.ChallengeEndDate.Sub(now) + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
	}

	st.ChallengeTier = target.Name
	st.ChallengeType = tier.StrategyFor(target.Name).String()
	st.Progress = progress
	st.Target = target.ReferralRequirement
	st.ProgressPercent = pct
	st.StartDate = p.ChallengeStartDate
	st.EndDate = p.ChallengeEndDate
	st.DaysRemaining = remaining
	st.AttemptsUsed = p.ChallengeAttempts
	st.AttemptsMax = tier.MaxAttempts(target.Name)
	st.StartingReferrals = p.ChallengeStartingReferrals
	st.NextResetStartingPoint = tier.ResetStartingPoint(
		target.Name, p.ChallengeAttempts+1, target.ReferralRequirement, p.ChallengeMaxReached)
	return st, nil
}
