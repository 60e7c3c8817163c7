// Package agent holds the per-user progression state and the stores it
// is persisted through.
package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/refermint/ladder/engine/pkg/tier"
)

// Status is the admin-controlled lifecycle state of a profile.
// Profiles are never deleted, only suspended or deactivated.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// Result is the outcome of one challenge attempt.
type Result string

const (
	ResultInProgress Result = "in_progress"
	ResultSuccess    Result = "success"
	ResultFailed     Result = "failed"
)

// Profile is the mutable progression state for one agent user. It is
// mutated exclusively by the challenge engine and the commission
// calculator, always through a single transaction per transition.
type Profile struct {
	UserID      string    `json:"user_id"`
	CurrentTier tier.Name `json:"current_tier"`

	// CurrentChallengeTier is the tier being attempted. Empty only when
	// the agent sits at the top of the ladder with nothing left to
	// challenge.
	CurrentChallengeTier tier.Name `json:"current_challenge_tier,omitempty"`

	// Lifetime totals, monotonically non-decreasing.
	TotalDirectReferrals int `json:"total_direct_referrals"`
	TotalLevel1Referrals int `json:"total_level1_referrals"`

	// Progress within the current challenge window. Seeded at a
	// computed starting value (not necessarily zero) on each attempt.
	ChallengeDirectReferrals int `json:"challenge_direct_referrals"`
	ChallengeLevel1Referrals int `json:"challenge_level1_referrals"`

	// ChallengeAttempts counts resets used on the current target tier;
	// 0 is the original attempt.
	ChallengeAttempts int `json:"challenge_attempts"`

	// ChallengeStartingReferrals is the floor the counters were seeded
	// with at the current attempt's start.
	ChallengeStartingReferrals int `json:"challenge_starting_referrals"`

	// ChallengeMaxReached is the highest progress ever reached across
	// all attempts at the current target. Only the network-count tiers
	// consume it (base reset rule), but it is tracked for all.
	ChallengeMaxReached int `json:"challenge_max_reached"`

	IsChallengeActive  bool      `json:"is_challenge_active"`
	ChallengeStartDate time.Time `json:"challenge_start_date,omitzero"`
	ChallengeEndDate   time.Time `json:"challenge_end_date,omitzero"`

	WeeklyEarnings        float64 `json:"weekly_earnings"`
	TotalCommissionEarned float64 `json:"total_commission_earned"`

	Status Status `json:"status"`

	// Version backs the optimistic compare-and-swap on writes.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChallengeProgress returns the profile's progress toward the current
// challenge target, measured with the target tier's counting strategy.
func (p *Profile) ChallengeProgress() int {
	s := tier.StrategyFor(p.CurrentChallengeTier)
	return s.Count(p.ChallengeDirectReferrals, p.ChallengeLevel1Referrals)
}

// ChallengeHistoryRecord is one append-only row per challenge attempt.
type ChallengeHistoryRecord struct {
	ID                uuid.UUID `json:"id"`
	UserID            string    `json:"user_id"`
	TargetTier        tier.Name `json:"target_tier"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	StartingReferrals int       `json:"starting_referrals"`
	EndingReferrals   int       `json:"ending_referrals"`
	TargetReferrals   int       `json:"target_referrals"`
	Result            Result    `json:"result"`
	AttemptNumber     int       `json:"attempt_number"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WithdrawalStatus is the state of a withdrawal request row. Rejected
// withdrawals do not count against the weekly quota.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// Withdrawal is a withdrawal request row, created by the external
// withdrawal-processing collaborator after consulting the gatekeeper.
type Withdrawal struct {
	ID          uuid.UUID        `json:"id"`
	UserID      string           `json:"user_id"`
	Amount      float64          `json:"amount"`
	Currency    string           `json:"currency"`
	Method      string           `json:"method"`
	Status      WithdrawalStatus `json:"status"`
	RequestedAt time.Time        `json:"requested_at"`
}
