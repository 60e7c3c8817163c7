package challenge

import (
	"context"
	"fmt"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/domain"
)

// Admin primitives. These are external triggers (support tooling) and
// route through the same transition code as the organic paths, so every
// invariant holds.

// ForcePromote completes the current challenge regardless of progress.
func (e *Engine) ForcePromote(ctx context.Context, userID string) (*Resolution, error) {
	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsChallengeActive {
		return nil, fmt.Errorf("profile %s has no active challenge: %w", userID, domain.ErrInvalidState)
	}
	now := e.clock.Now().UTC()
	p.UpdatedAt = now
	return e.complete(ctx, p, p.ChallengeProgress(), now)
}

// ForceResetChallenge fails the current attempt immediately and applies
// the usual reset-or-demote resolution.
func (e *Engine) ForceResetChallenge(ctx context.Context, userID string) (*Resolution, error) {
	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsChallengeActive {
		return nil, fmt.Errorf("profile %s has no active challenge: %w", userID, domain.ErrInvalidState)
	}
	now := e.clock.Now().UTC()
	p.UpdatedAt = now
	return e.expire(ctx, p, p.ChallengeProgress(), now)
}

// SetStatus suspends, reactivates or deactivates a profile.
func (e *Engine) SetStatus(ctx context.Context, userID string, status agent.Status) (*agent.Profile, error) {
	switch status {
	case agent.StatusActive, agent.StatusSuspended, agent.StatusInactive:
	default:
		return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrValidation)
	}

	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	p.Status = status
	p.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.UpdateProfile(ctx, p); err != nil {
		return nil, e.countConflict(err)
	}
	e.log.Info("profile status changed", "user_id", userID, "status", string(status))
	return p, nil
}
