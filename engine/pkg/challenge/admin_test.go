package challenge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

func TestEngine_ForcePromote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("promotes regardless of progress", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		res, err := e.ForcePromote(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomePromoted, res.Outcome)
		require.Equal(t, tier.Bronze, res.Profile.CurrentTier)
		require.Equal(t, tier.Iron, res.Profile.CurrentChallengeTier)

		recs, err := store.HistoryForProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, agent.ResultSuccess, recs[0].Result)
	})

	t.Run("no active challenge", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		seedProfile(t, store, &agent.Profile{
			UserID:      "agent-1",
			CurrentTier: tier.Diamond,
			Status:      agent.StatusActive,
			CreatedAt:   testStart,
			UpdatedAt:   testStart,
		})

		_, err := e.ForcePromote(ctx, "agent-1")
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestEngine_ForceResetChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fails the attempt immediately", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		res, err := e.ForceResetChallenge(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeReset, res.Outcome)
		require.Equal(t, 1, res.Profile.ChallengeAttempts)

		recs, err := store.HistoryForProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, agent.ResultFailed, recs[0].Result)
	})

	t.Run("exhausted attempts demote", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		seedProfile(t, store, &agent.Profile{
			UserID:               "agent-1",
			CurrentTier:          tier.Bronze,
			CurrentChallengeTier: tier.Iron,
			ChallengeAttempts:    2,
			IsChallengeActive:    true,
			ChallengeStartDate:   testStart,
			ChallengeEndDate:     testStart.AddDate(0, 0, 7),
			Status:               agent.StatusActive,
			CreatedAt:            testStart,
			UpdatedAt:            testStart,
		})

		res, err := e.ForceResetChallenge(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeDemoted, res.Outcome)
		require.Equal(t, tier.Rookie, res.Profile.CurrentTier)
	})
}

func TestEngine_SetStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("suspend and reactivate", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		p, err := e.SetStatus(ctx, "agent-1", agent.StatusSuspended)
		require.NoError(t, err)
		require.Equal(t, agent.StatusSuspended, p.Status)

		_, err = e.ReportReferralCounts(ctx, "agent-1", 10, 0)
		require.ErrorIs(t, err, domain.ErrInvalidState)

		p, err = e.SetStatus(ctx, "agent-1", agent.StatusActive)
		require.NoError(t, err)
		require.Equal(t, agent.StatusActive, p.Status)

		_, err = e.ReportReferralCounts(ctx, "agent-1", 10, 0)
		require.NoError(t, err)
	})

	t.Run("unknown status", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		_, err = e.SetStatus(ctx, "agent-1", "banished")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		enrolled, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		p, err := e.SetStatus(ctx, "agent-1", agent.StatusActive)
		require.NoError(t, err)
		require.Equal(t, enrolled.Version, p.Version)
	})
}
