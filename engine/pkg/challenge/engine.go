// Package challenge implements the tier progression state machine: it
// starts challenges, ingests referral-count updates, resolves
// completion and expiry, and decides between resetting and demoting a
// failed challenge.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/metrics"
	"github.com/refermint/ladder/engine/pkg/tier"
)

// Config holds the engine dependencies.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  agent.Store
	Events EventSink
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
	if cfg.Events == nil {
		cfg.Events = &LogSink{Logger: cfg.Logger}
	}
	return nil
}

// Outcome tags the result of one engine invocation.
type Outcome string

const (
	OutcomeNoChange   Outcome = "no_change"
	OutcomeProgressed Outcome = "progressed"
	OutcomePromoted   Outcome = "promoted"
	OutcomeReset      Outcome = "reset"
	OutcomeDemoted    Outcome = "demoted"
)

// Resolution carries the outcome of a transition together with the
// committed next state. Either the whole transition committed or the
// prior state stands and an error is returned instead.
type Resolution struct {
	Outcome Outcome
	Profile *agent.Profile
	Events  []Event
}

// Engine drives per-profile transitions. It holds no mutable state of
// its own; the store's version CAS serializes writers to a profile.
type Engine struct {
	log    *slog.Logger
	clock  clockwork.Clock
	store  agent.Store
	events EventSink
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		store:  cfg.Store,
		events: cfg.Events,
	}, nil
}

// EnrollAgent creates the profile for a newly approved agent: seeded at
// rookie with bronze as the first challenge and a 7-day window starting
// now.
func (e *Engine) EnrollAgent(ctx context.Context, userID string) (*agent.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}

	now := e.clock.Now().UTC()
	first, ok, err := tier.Next(tier.Rookie)
	if err != nil || !ok {
		return nil, fmt.Errorf("resolve first challenge tier: %w", err)
	}

	p := &agent.Profile{
		UserID:      userID,
		CurrentTier: tier.Rookie,
		Status:      agent.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	open := seedChallenge(p, first, 0, 0, now)

	if err := e.store.CreateProfile(ctx, p, open); err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Type:       EventChallengeStarted,
		UserID:     userID,
		OldTier:    p.CurrentTier,
		NewTier:    first.Name,
		OccurredAt: now,
	})
	metrics.TransitionsTotal.WithLabelValues("started").Inc()
	e.log.Info("agent enrolled", "user_id", userID, "challenge_tier", string(first.Name))
	return p, nil
}

// ReportReferralCounts ingests the referral-tracking collaborator's
// latest lifetime counts for userID and evaluates completion and expiry
// in the same pass. A lower count than previously reported is treated
// as a stale report and ignored; lifetime totals never decrease.
func (e *Engine) ReportReferralCounts(ctx context.Context, userID string, direct, level1Indirect int) (*Resolution, error) {
	if direct < 0 || level1Indirect < 0 {
		return nil, fmt.Errorf("referral counts must be non-negative: %w", domain.ErrValidation)
	}

	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != agent.StatusActive {
		return nil, fmt.Errorf("profile %s is %s: %w", userID, p.Status, domain.ErrInvalidState)
	}

	now := e.clock.Now().UTC()

	dDirect := max(0, direct-p.TotalDirectReferrals)
	dLevel1 := max(0, level1Indirect-p.TotalLevel1Referrals)
	p.TotalDirectReferrals += dDirect
	p.TotalLevel1Referrals += dLevel1
	p.UpdatedAt = now

	if !p.IsChallengeActive {
		if p.CurrentChallengeTier != "" {
			return nil, fmt.Errorf("profile %s has no active challenge: %w", userID, domain.ErrInvalidState)
		}
		// Parked at the top of the ladder; lifetime totals still accrue.
		if err := e.store.UpdateProfile(ctx, p); err != nil {
			return nil, e.countConflict(err)
		}
		return &Resolution{Outcome: OutcomeNoChange, Profile: p}, nil
	}

	p.ChallengeDirectReferrals += dDirect
	p.ChallengeLevel1Referrals += dLevel1
	progress := p.ChallengeProgress()
	p.ChallengeMaxReached = max(p.ChallengeMaxReached, progress)

	target, err := tier.Get(p.CurrentChallengeTier)
	if err != nil {
		return nil, err
	}

	if progress >= target.ReferralRequirement {
		return e.complete(ctx, p, progress, now)
	}
	if now.After(p.ChallengeEndDate) {
		return e.expire(ctx, p, progress, now)
	}

	if err := e.store.UpdateProfile(ctx, p); err != nil {
		return nil, e.countConflict(err)
	}
	return &Resolution{Outcome: OutcomeProgressed, Profile: p}, nil
}

// ResolveExpiry drives the expiry transition for one profile. Called by
// the periodic sweep; idempotent because an already-resolved profile no
// longer matches the expiry predicate and resolves to NoChange.
func (e *Engine) ResolveExpiry(ctx context.Context, userID string) (*Resolution, error) {
	p, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	if !p.IsChallengeActive || p.Status != agent.StatusActive || !now.After(p.ChallengeEndDate) {
		return &Resolution{Outcome: OutcomeNoChange, Profile: p}, nil
	}

	progress := p.ChallengeProgress()
	target, err := tier.Get(p.CurrentChallengeTier)
	if err != nil {
		return nil, err
	}
	if progress >= target.ReferralRequirement {
		// A completing report raced the window's end; completion wins.
		return e.complete(ctx, p, progress, now)
	}
	p.UpdatedAt = now
	return e.expire(ctx, p, progress, now)
}

// complete promotes the profile to the challenge tier and auto-chains
// the next challenge, or parks at the top of the ladder.
func (e *Engine) complete(ctx context.Context, p *agent.Profile, progress int, now time.Time) (*Resolution, error) {
	closeRec, err := e.closeOpenRecord(ctx, p.UserID, agent.ResultSuccess, progress, now)
	if err != nil {
		return nil, err
	}

	oldTier := p.CurrentTier
	promotedTo := p.CurrentChallengeTier
	closedAttempt := p.ChallengeAttempts
	p.CurrentTier = promotedTo
	p.UpdatedAt = now

	var open *agent.ChallengeHistoryRecord
	next, ok, err := tier.Next(promotedTo)
	if err != nil {
		return nil, err
	}
	if ok {
		open = seedChallenge(p, next, 0, 0, now)
	} else {
		// Top of the ladder: nothing left to challenge.
		p.CurrentChallengeTier = ""
		p.IsChallengeActive = false
		p.ChallengeDirectReferrals = 0
		p.ChallengeLevel1Referrals = 0
		p.ChallengeAttempts = 0
		p.ChallengeStartingReferrals = 0
		p.ChallengeMaxReached = 0
		p.ChallengeStartDate = time.Time{}
		p.ChallengeEndDate = time.Time{}
	}

	if err := e.store.ApplyTransition(ctx, p, closeRec, open); err != nil {
		return nil, e.countConflict(err)
	}

	res := &Resolution{Outcome: OutcomePromoted, Profile: p}
	res.Events = append(res.Events, e.emit(ctx, Event{
		Type:          EventTierPromoted,
		UserID:        p.UserID,
		OldTier:       oldTier,
		NewTier:       promotedTo,
		AttemptNumber: closedAttempt,
		OccurredAt:    now,
	}))
	metrics.TransitionsTotal.WithLabelValues("promoted").Inc()
	if open != nil {
		res.Events = append(res.Events, e.emit(ctx, Event{
			Type:       EventChallengeStarted,
			UserID:     p.UserID,
			OldTier:    promotedTo,
			NewTier:    open.TargetTier,
			OccurredAt: now,
		}))
		metrics.TransitionsTotal.WithLabelValues("started").Inc()
	}
	e.log.Info("tier promoted",
		"user_id", p.UserID, "from", string(oldTier), "to", string(promotedTo),
		"next_challenge", string(p.CurrentChallengeTier))
	return res, nil
}

// expire resolves a missed window: reset while attempts remain,
// otherwise demote one tier and reopen a clean-slate challenge for the
// tier just lost. Both paths commit as one transition.
func (e *Engine) expire(ctx context.Context, p *agent.Profile, progress int, now time.Time) (*Resolution, error) {
	closeRec, err := e.closeOpenRecord(ctx, p.UserID, agent.ResultFailed, progress, now)
	if err != nil {
		return nil, err
	}

	target, err := tier.Get(p.CurrentChallengeTier)
	if err != nil {
		return nil, err
	}

	if p.ChallengeAttempts < tier.MaxAttempts(target.Name) {
		attempt := p.ChallengeAttempts + 1
		starting := tier.ResetStartingPoint(target.Name, attempt, target.ReferralRequirement, p.ChallengeMaxReached)
		open := seedChallenge(p, target, attempt, starting, now)

		if err := e.store.ApplyTransition(ctx, p, closeRec, open); err != nil {
			return nil, e.countConflict(err)
		}

		res := &Resolution{Outcome: OutcomeReset, Profile: p}
		res.Events = append(res.Events, e.emit(ctx, Event{
			Type:          EventChallengeReset,
			UserID:        p.UserID,
			OldTier:       p.CurrentTier,
			NewTier:       target.Name,
			AttemptNumber: attempt,
			OccurredAt:    now,
		}))
		metrics.TransitionsTotal.WithLabelValues("reset").Inc()
		e.log.Info("challenge reset",
			"user_id", p.UserID, "target", string(target.Name),
			"attempt", attempt, "starting", starting)
		return res, nil
	}

	// Attempts exhausted: drop one tier and immediately re-enter Start
	// for the tier just lost, from scratch. One atomic transition; a
	// crash mid-sequence must never leave a demoted-but-not-challenging
	// profile visible.
	oldTier := p.CurrentTier
	prev, err := tier.Previous(p.CurrentTier)
	if err != nil {
		return nil, err
	}
	p.CurrentTier = prev.Name

	reopen, ok, err := tier.Next(prev.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no tier above %s to re-challenge: %w", prev.Name, domain.ErrInvalidState)
	}
	open := seedChallenge(p, reopen, 0, 0, now)

	if err := e.store.ApplyTransition(ctx, p, closeRec, open); err != nil {
		return nil, e.countConflict(err)
	}

	res := &Resolution{Outcome: OutcomeDemoted, Profile: p}
	res.Events = append(res.Events, e.emit(ctx, Event{
		Type:          EventChallengeDemoted,
		UserID:        p.UserID,
		OldTier:       oldTier,
		NewTier:       prev.Name,
		AttemptNumber: closeRec.AttemptNumber,
		OccurredAt:    now,
	}))
	metrics.TransitionsTotal.WithLabelValues("demoted").Inc()
	res.Events = append(res.Events, e.emit(ctx, Event{
		Type:       EventChallengeStarted,
		UserID:     p.UserID,
		OldTier:    prev.Name,
		NewTier:    reopen.Name,
		OccurredAt: now,
	}))
	metrics.TransitionsTotal.WithLabelValues("started").Inc()
	e.log.Info("tier demoted",
		"user_id", p.UserID, "from", string(oldTier), "to", string(prev.Name),
		"reopened", string(reopen.Name))
	return res, nil
}

// seedChallenge points the profile at a fresh attempt and returns the
// matching in_progress history record. Mutations only; the caller
// commits.
func seedChallenge(p *agent.Profile, target tier.Tier, attempt, starting int, now time.Time) *agent.ChallengeHistoryRecord {
	days := tier.ChallengeDuration(target.Name, attempt)
	p.CurrentChallengeTier = target.Name
	p.ChallengeAttempts = attempt
	p.ChallengeStartingReferrals = starting
	p.ChallengeDirectReferrals = starting
	p.ChallengeLevel1Referrals = 0
	if attempt == 0 {
		p.ChallengeMaxReached = 0
	}
	p.IsChallengeActive = true
	p.ChallengeStartDate = now
	p.ChallengeEndDate = now.AddDate(0, 0, days)
	p.UpdatedAt = now

	return &agent.ChallengeHistoryRecord{
		ID:                uuid.New(),
		UserID:            p.UserID,
		TargetTier:        target.Name,
		StartDate:         p.ChallengeStartDate,
		EndDate:           p.ChallengeEndDate,
		StartingReferrals: starting,
		EndingReferrals:   starting,
		TargetReferrals:   target.ReferralRequirement,
		Result:            agent.ResultInProgress,
		AttemptNumber:     attempt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (e *Engine) closeOpenRecord(ctx context.Context, userID string, result agent.Result, ending int, now time.Time) (*agent.ChallengeHistoryRecord, error) {
	rec, err := e.store.OpenHistoryRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec.Result = result
	rec.EndingReferrals = ending
	rec.UpdatedAt = now
	return rec, nil
}

func (e *Engine) emit(ctx context.Context, ev Event) Event {
	ev.ID = uuid.New()
	e.events.Publish(ctx, ev)
	return ev
}

func (e *Engine) countConflict(err error) error {
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		metrics.StoreConflictsTotal.Inc()
	}
	return err
}
