package agent

import (
	"context"
	"time"
)

// Store is the persistence contract for profiles, challenge history and
// withdrawal counting. Implementations must serialize writes to the
// same profile: UpdateProfile and ApplyTransition compare the profile's
// Version against the stored row and fail with
// domain.ErrConcurrencyConflict on mismatch, so a concurrent progress
// update and a sweep-triggered expiry can never both commit against a
// stale read.
type Store interface {
	// CreateProfile persists a freshly seeded profile together with the
	// opening history record of its first challenge, atomically.
	CreateProfile(ctx context.Context, p *Profile, open *ChallengeHistoryRecord) error

	// GetProfile returns the profile for userID, or
	// domain.ErrNotFound.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// UpdateProfile writes the profile under a version CAS. On success
	// the profile's Version is incremented in place.
	UpdateProfile(ctx context.Context, p *Profile) error

	// ApplyTransition commits one whole state transition: the profile
	// write (version CAS), an optional close of the open history record
	// and an optional newly opened record, all in a single transaction.
	// Either everything commits or nothing does.
	ApplyTransition(ctx context.Context, p *Profile, closeRec, openRec *ChallengeHistoryRecord) error

	// OpenHistoryRecord returns the in_progress record for userID, or
	// domain.ErrNotFound when no attempt is open.
	OpenHistoryRecord(ctx context.Context, userID string) (*ChallengeHistoryRecord, error)

	// HistoryForProfile returns all attempts for userID, oldest first.
	HistoryForProfile(ctx context.Context, userID string) ([]ChallengeHistoryRecord, error)

	// ListExpired returns up to limit active profiles whose challenge
	// window ended before now. The sweep re-checks each profile under
	// the CAS, so a stale listing is harmless.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Profile, error)

	// CountWithdrawalsSince counts the user's non-rejected withdrawals
	// requested at or after since.
	CountWithdrawalsSince(ctx context.Context, userID string, since time.Time) (int, error)
}
