package challenge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/refermint/ladder/engine/pkg/tier"
)

// EventType names a committed challenge transition.
type EventType string

const (
	EventTierPromoted     EventType = "tier_promoted"
	EventChallengeStarted EventType = "challenge_started"
	EventChallengeReset   EventType = "challenge_reset"
	EventChallengeDemoted EventType = "challenge_demoted"
)

// Event is emitted once per transition, after the transition has
// committed. Delivery is the notification collaborator's problem.
type Event struct {
	ID            uuid.UUID `json:"id"`
	Type          EventType `json:"type"`
	UserID        string    `json:"user_id"`
	OldTier       tier.Name `json:"old_tier"`
	NewTier       tier.Name `json:"new_tier"`
	AttemptNumber int       `json:"attempt_number"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventSink receives domain events. Publish is best-effort: the
// transition has already committed by the time it is called, so sinks
// must not fail the caller.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes events to the logger. The default sink when no
// notification collaborator is wired in.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Publish(_ context.Context, ev Event) {
	s.Logger.Info("challenge event",
		"type", string(ev.Type),
		"user_id", ev.UserID,
		"old_tier", string(ev.OldTier),
		"new_tier", string(ev.NewTier),
		"attempt", ev.AttemptNumber,
	)
}
