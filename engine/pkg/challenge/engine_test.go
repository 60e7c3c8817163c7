package challenge_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
	laddertesting "github.com/refermint/ladder/utils/pkg/testing"
)

var testStart = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu     sync.Mutex
	events []challenge.Event
}

func (s *captureSink) Publish(_ context.Context, ev challenge.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestEngine(t *testing.T, store agent.Store) (*challenge.Engine, *clockwork.FakeClock, *captureSink) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	sink := &captureSink{}
	e, err := challenge.New(challenge.Config{
		Logger: laddertesting.NewLogger(),
		Clock:  clock,
		Store:  store,
		Events: sink,
	})
	require.NoError(t, err)
	return e, clock, sink
}

// seedProfile writes a crafted profile with a matching open history
// record straight into the store.
func seedProfile(t *testing.T, store *agent.MemStore, p *agent.Profile) {
	t.Helper()
	var open *agent.ChallengeHistoryRecord
	if p.IsChallengeActive {
		target, err := tier.Get(p.CurrentChallengeTier)
		require.NoError(t, err)
		open = &agent.ChallengeHistoryRecord{
			ID:                uuid.New(),
			UserID:            p.UserID,
			TargetTier:        target.Name,
			StartDate:         p.ChallengeStartDate,
			EndDate:           p.ChallengeEndDate,
			StartingReferrals: p.ChallengeStartingReferrals,
			EndingReferrals:   p.ChallengeStartingReferrals,
			TargetReferrals:   target.ReferralRequirement,
			Result:            agent.ResultInProgress,
			AttemptNumber:     p.ChallengeAttempts,
			CreatedAt:         p.ChallengeStartDate,
			UpdatedAt:         p.ChallengeStartDate,
		}
	}
	require.NoError(t, store.CreateProfile(context.Background(), p, open))
}

func TestEngine_EnrollAgent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("seeds rookie with bronze challenge", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, sink := newTestEngine(t, store)

		p, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, tier.Rookie, p.CurrentTier)
		require.Equal(t, tier.Bronze, p.CurrentChallengeTier)
		require.True(t, p.IsChallengeActive)
		require.Equal(t, 0, p.ChallengeAttempts)
		require.Equal(t, testStart, p.ChallengeStartDate)
		require.Equal(t, testStart.AddDate(0, 0, 7), p.ChallengeEndDate)
		require.Equal(t, agent.StatusActive, p.Status)

		recs, err := store.HistoryForProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, agent.ResultInProgress, recs[0].Result)
		require.Equal(t, tier.Bronze, recs[0].TargetTier)
		require.Equal(t, 100, recs[0].TargetReferrals)

		require.Len(t, sink.events, 1)
		require.Equal(t, challenge.EventChallengeStarted, sink.events[0].Type)
	})

	t.Run("empty user id", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("duplicate enrollment", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		_, err = e.EnrollAgent(ctx, "agent-1")
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestEngine_ReportReferralCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("progress below requirement", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		res, err := e.ReportReferralCounts(ctx, "agent-1", 40, 10)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeProgressed, res.Outcome)
		require.Equal(t, 40, res.Profile.TotalDirectReferrals)
		require.Equal(t, 10, res.Profile.TotalLevel1Referrals)
		// Bronze counts direct referrals only.
		require.Equal(t, 40, res.Profile.ChallengeProgress())
		require.Equal(t, 40, res.Profile.ChallengeMaxReached)
	})

	t.Run("stale report never decreases totals", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		_, err = e.ReportReferralCounts(ctx, "agent-1", 40, 10)
		require.NoError(t, err)
		res, err := e.ReportReferralCounts(ctx, "agent-1", 30, 5)
		require.NoError(t, err)
		require.Equal(t, 40, res.Profile.TotalDirectReferrals)
		require.Equal(t, 10, res.Profile.TotalLevel1Referrals)
		require.Equal(t, 40, res.Profile.ChallengeProgress())
	})

	t.Run("negative counts rejected", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		_, err = e.ReportReferralCounts(ctx, "agent-1", -1, 0)
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown agent", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.ReportReferralCounts(ctx, "ghost", 10, 0)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("suspended profile rejected", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		p, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		p.Status = agent.StatusSuspended
		require.NoError(t, store.UpdateProfile(ctx, p))

		_, err = e.ReportReferralCounts(ctx, "agent-1", 10, 0)
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("completion promotes and chains the next challenge", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, sink := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		res, err := e.ReportReferralCounts(ctx, "agent-1", 100, 0)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomePromoted, res.Outcome)
		require.Equal(t, tier.Bronze, res.Profile.CurrentTier)
		require.Equal(t, tier.Iron, res.Profile.CurrentChallengeTier)
		require.True(t, res.Profile.IsChallengeActive)
		require.Equal(t, 0, res.Profile.ChallengeAttempts)
		// Fresh challenge counts from zero.
		require.Equal(t, 0, res.Profile.ChallengeProgress())

		recs, err := store.HistoryForProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, agent.ResultSuccess, recs[0].Result)
		require.Equal(t, 100, recs[0].EndingReferrals)
		require.Equal(t, agent.ResultInProgress, recs[1].Result)
		require.Equal(t, tier.Iron, recs[1].TargetTier)

		// enroll start, promotion, next challenge start.
		require.Len(t, sink.events, 3)
		require.Equal(t, challenge.EventTierPromoted, sink.events[1].Type)
		require.Equal(t, challenge.EventChallengeStarted, sink.events[2].Type)
		require.Equal(t, []challenge.Event{sink.events[1], sink.events[2]}, res.Events)
	})

	t.Run("network strategy counts level1 from silver", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:               "agent-1",
			CurrentTier:          tier.Steel,
			CurrentChallengeTier: tier.Silver,
			TotalDirectReferrals: 400,
			IsChallengeActive:    true,
			ChallengeStartDate:   now,
			ChallengeEndDate:     now.AddDate(0, 0, 14),
			Status:               agent.StatusActive,
			CreatedAt:            now,
			UpdatedAt:            now,
		})

		res, err := e.ReportReferralCounts(ctx, "agent-1", 1000, 400)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomePromoted, res.Outcome)
		require.Equal(t, tier.Silver, res.Profile.CurrentTier)
		require.Equal(t, tier.Gold, res.Profile.CurrentChallengeTier)
	})

	t.Run("diamond parks and still accrues totals", func(t *testing.T) {
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

		res, err := e.ReportReferralCounts(ctx, "agent-1", 20000, 8000)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeNoChange, res.Outcome)
		require.Equal(t, 20000, res.Profile.TotalDirectReferrals)
		require.Equal(t, 8000, res.Profile.TotalLevel1Referrals)
		require.False(t, res.Profile.IsChallengeActive)
	})

	t.Run("inactive challenge with tier set is invalid state", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		seedProfile(t, store, &agent.Profile{
			UserID:               "agent-1",
			CurrentTier:          tier.Rookie,
			CurrentChallengeTier: tier.Bronze,
			IsChallengeActive:    false,
			Status:               agent.StatusActive,
			CreatedAt:            testStart,
			UpdatedAt:            testStart,
		})

		_, err := e.ReportReferralCounts(ctx, "agent-1", 10, 0)
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("version conflict surfaces as retryable", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		store.FailNextWrite(fmt.Errorf("profile agent-1: %w", domain.ErrConcurrencyConflict))
		_, err = e.ReportReferralCounts(ctx, "agent-1", 10, 0)
		require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		require.True(t, domain.Retryable(err))
	})
}

func TestEngine_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expired report resets with progressive starting point", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, clock, sink := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		_, err = e.ReportReferralCounts(ctx, "agent-1", 72, 0)
		require.NoError(t, err)

		clock.Advance(8 * 24 * time.Hour)
		res, err := e.ReportReferralCounts(ctx, "agent-1", 80, 0)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeReset, res.Outcome)
		require.Equal(t, tier.Rookie, res.Profile.CurrentTier)
		require.Equal(t, tier.Bronze, res.Profile.CurrentChallengeTier)
		require.Equal(t, 1, res.Profile.ChallengeAttempts)
		// Bronze is a progressive-reset tier: retries start at half the
		// requirement, not half the progress reached.
		require.Equal(t, 50, res.Profile.ChallengeStartingReferrals)
		require.Equal(t, 50, res.Profile.ChallengeProgress())
		// The watermark survives the reset.
		require.Equal(t, 80, res.Profile.ChallengeMaxReached)

		recs, err := store.HistoryForProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, agent.ResultFailed, recs[0].Result)
		require.Equal(t, 80, recs[0].EndingReferrals)
		require.Equal(t, 1, recs[1].AttemptNumber)

		last := sink.events[len(sink.events)-1]
		require.Equal(t, challenge.EventChallengeReset, last.Type)
		require.Equal(t, 1, last.AttemptNumber)
	})

	t.Run("base reset uses half of max reached", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:                   "agent-1",
			CurrentTier:              tier.Steel,
			CurrentChallengeTier:     tier.Silver,
			TotalDirectReferrals:     400,
			TotalLevel1Referrals:     240,
			ChallengeDirectReferrals: 400,
			ChallengeLevel1Referrals: 240,
			ChallengeMaxReached:      640,
			IsChallengeActive:        true,
			ChallengeStartDate:       now.AddDate(0, 0, -15),
			ChallengeEndDate:         now.AddDate(0, 0, -1),
			Status:                   agent.StatusActive,
			CreatedAt:                now.AddDate(0, 0, -15),
			UpdatedAt:                now,
		})

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeReset, res.Outcome)
		require.Equal(t, 1, res.Profile.ChallengeAttempts)
		require.Equal(t, 320, res.Profile.ChallengeStartingReferrals)
		// 14-day window for silver retries.
		require.Equal(t, testStart.AddDate(0, 0, 14), res.Profile.ChallengeEndDate)
	})

	t.Run("steel retry gets a ten day window", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:                   "agent-1",
			CurrentTier:              tier.Iron,
			CurrentChallengeTier:     tier.Steel,
			TotalDirectReferrals:     250,
			ChallengeDirectReferrals: 250,
			ChallengeMaxReached:      250,
			IsChallengeActive:        true,
			ChallengeStartDate:       now.AddDate(0, 0, -8),
			ChallengeEndDate:         now.AddDate(0, 0, -1),
			Status:                   agent.StatusActive,
			CreatedAt:                now.AddDate(0, 0, -8),
			UpdatedAt:                now,
		})

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeReset, res.Outcome)
		require.Equal(t, 200, res.Profile.ChallengeStartingReferrals)
		require.Equal(t, testStart.AddDate(0, 0, 10), res.Profile.ChallengeEndDate)
	})

	t.Run("attempts exhausted demotes and reopens the lost tier", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, sink := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:                     "agent-1",
			CurrentTier:                tier.Bronze,
			CurrentChallengeTier:       tier.Iron,
			TotalDirectReferrals:       150,
			ChallengeDirectReferrals:   150,
			ChallengeAttempts:          2,
			ChallengeStartingReferrals: 100,
			ChallengeMaxReached:        150,
			IsChallengeActive:          true,
			ChallengeStartDate:         now.AddDate(0, 0, -8),
			ChallengeEndDate:           now.AddDate(0, 0, -1),
			Status:                     agent.StatusActive,
			CreatedAt:                  now.AddDate(0, 0, -30),
			UpdatedAt:                  now,
		})

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeDemoted, res.Outcome)
		require.Equal(t, tier.Rookie, res.Profile.CurrentTier)
		// Clean-slate challenge for the tier just lost.
		require.Equal(t, tier.Bronze, res.Profile.CurrentChallengeTier)
		require.Equal(t, 0, res.Profile.ChallengeAttempts)
		require.Equal(t, 0, res.Profile.ChallengeStartingReferrals)
		require.Equal(t, 0, res.Profile.ChallengeProgress())
		require.Equal(t, 0, res.Profile.ChallengeMaxReached)
		require.True(t, res.Profile.IsChallengeActive)

		require.Len(t, res.Events, 2)
		require.Equal(t, challenge.EventChallengeDemoted, res.Events[0].Type)
		require.Equal(t, challenge.EventChallengeStarted, res.Events[1].Type)
		require.Equal(t, sink.events[len(sink.events)-2:], res.Events)
	})

	t.Run("demotion commits atomically or not at all", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:                   "agent-1",
			CurrentTier:              tier.Bronze,
			CurrentChallengeTier:     tier.Iron,
			ChallengeDirectReferrals: 120,
			ChallengeAttempts:        2,
			ChallengeMaxReached:      120,
			IsChallengeActive:        true,
			ChallengeStartDate:       now.AddDate(0, 0, -8),
			ChallengeEndDate:         now.AddDate(0, 0, -1),
			Status:                   agent.StatusActive,
			CreatedAt:                now.AddDate(0, 0, -30),
			UpdatedAt:                now,
		})

		store.FailNextWrite(fmt.Errorf("tx rollback: %w", domain.ErrPersistence))
		_, err := e.ResolveExpiry(ctx, "agent-1")
		require.ErrorIs(t, err, domain.ErrPersistence)

		// Nothing committed: no demoted-but-not-challenging state visible.
		p, err := store.GetProfile(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, tier.Bronze, p.CurrentTier)
		require.Equal(t, tier.Iron, p.CurrentChallengeTier)
		require.Equal(t, 2, p.ChallengeAttempts)
		require.True(t, p.IsChallengeActive)
	})

	t.Run("rookie holder failing bronze twice stays rookie", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, clock, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)

		// Burn the original attempt and both resets.
		for i := 0; i < 3; i++ {
			clock.Advance(8 * 24 * time.Hour)
			_, err = e.ResolveExpiry(ctx, "agent-1")
			require.NoError(t, err)
		}

		p, err := store.GetProfile(ctx, "agent-1")
		require.NoError(t, err)
		// Demotion floors at rookie; bronze reopens from scratch.
		require.Equal(t, tier.Rookie, p.CurrentTier)
		require.Equal(t, tier.Bronze, p.CurrentChallengeTier)
		require.Equal(t, 0, p.ChallengeAttempts)
		require.Equal(t, 0, p.ChallengeStartingReferrals)
	})

	t.Run("completion wins a race with the window end", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, _, _ := newTestEngine(t, store)

		now := testStart
		seedProfile(t, store, &agent.Profile{
			UserID:                   "agent-1",
			CurrentTier:              tier.Rookie,
			CurrentChallengeTier:     tier.Bronze,
			TotalDirectReferrals:     110,
			ChallengeDirectReferrals: 110,
			ChallengeMaxReached:      110,
			IsChallengeActive:        true,
			ChallengeStartDate:       now.AddDate(0, 0, -8),
			ChallengeEndDate:         now.AddDate(0, 0, -1),
			Status:                   agent.StatusActive,
			CreatedAt:                now.AddDate(0, 0, -8),
			UpdatedAt:                now,
		})

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomePromoted, res.Outcome)
		require.Equal(t, tier.Bronze, res.Profile.CurrentTier)
	})

	t.Run("resolve expiry is idempotent", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, clock, _ := newTestEngine(t, store)

		_, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		clock.Advance(8 * 24 * time.Hour)

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeReset, res.Outcome)

		// The fresh window is not expired; a second pass is a no-op.
		res, err = e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeNoChange, res.Outcome)
	})

	t.Run("suspended profile is left alone", func(t *testing.T) {
		t.Parallel()
		store := agent.NewMemStore()
		e, clock, _ := newTestEngine(t, store)

		p, err := e.EnrollAgent(ctx, "agent-1")
		require.NoError(t, err)
		p.Status = agent.StatusSuspended
		require.NoError(t, store.UpdateProfile(ctx, p))
		clock.Advance(8 * 24 * time.Hour)

		res, err := e.ResolveExpiry(ctx, "agent-1")
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomeNoChange, res.Outcome)
	})
}

func TestEngine_FullLadderWalk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := agent.NewMemStore()
	e, _, _ := newTestEngine(t, store)

	p, err := e.EnrollAgent(ctx, "agent-1")
	require.NoError(t, err)

	// Clear each challenge in turn by reporting exactly the requirement
	// on top of the lifetime totals.
	for i := 0; i < 7; i++ {
		target, err := tier.Get(p.CurrentChallengeTier)
		require.NoError(t, err)

		res, err := e.ReportReferralCounts(ctx, "agent-1",
			p.TotalDirectReferrals+target.ReferralRequirement, p.TotalLevel1Referrals)
		require.NoError(t, err)
		require.Equal(t, challenge.OutcomePromoted, res.Outcome)
		require.Equal(t, target.Name, res.Profile.CurrentTier)
		p = res.Profile
	}
	require.Equal(t, tier.Diamond, p.CurrentTier)
	require.False(t, p.IsChallengeActive)

	recs, err := store.HistoryForProfile(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, recs, 7)
	for _, rec := range recs {
		require.Equal(t, agent.ResultSuccess, rec.Result)
	}
}
