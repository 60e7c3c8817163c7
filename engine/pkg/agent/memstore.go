package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refermint/ladder/engine/pkg/domain"
)

// MemStore is an in-memory Store with the same CAS semantics as the
// Postgres store. It backs the engine, sweeper and gatekeeper tests.
type MemStore struct {
	mu          sync.Mutex
	profiles    map[string]Profile
	history     map[string][]ChallengeHistoryRecord
	withdrawals map[string][]Withdrawal

	// failNext, when set, makes the next write fail with the given
	// error without mutating anything. Lets tests exercise the
	// nothing-committed-on-failure guarantee.
	failNext error
}

func NewMemStore() *MemStore {
	return &MemStore{
		profiles:    make(map[string]Profile),
		history:     make(map[string][]ChallengeHistoryRecord),
		withdrawals: make(map[string][]Withdrawal),
	}
}

// FailNextWrite arms a one-shot write failure.
func (s *MemStore) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemStore) CreateProfile(_ context.Context, p *Profile, open *ChallengeHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.profiles[p.UserID]; ok {
		return fmt.Errorf("profile %s already exists: %w", p.UserID, domain.ErrInvalidState)
	}
	s.profiles[p.UserID] = *p
	if open != nil {
		s.history[p.UserID] = append(s.history[p.UserID], *open)
	}
	return nil
}

func (s *MemStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *MemStore) UpdateProfile(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	return s.casLocked(p)
}

func (s *MemStore) ApplyTransition(_ context.Context, p *Profile, closeRec, openRec *ChallengeHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if closeRec != nil {
		if s.findHistoryLocked(p.UserID, closeRec.ID) < 0 {
			return fmt.Errorf("history record %s: %w", closeRec.ID, domain.ErrNotFound)
		}
	}
	if err := s.casLocked(p); err != nil {
		return err
	}
	if closeRec != nil {
		i := s.findHistoryLocked(p.UserID, closeRec.ID)
		s.history[p.UserID][i] = *closeRec
	}
	if openRec != nil {
		s.history[p.UserID] = append(s.history[p.UserID], *openRec)
	}
	return nil
}

func (s *MemStore) OpenHistoryRecord(_ context.Context, userID string) (*ChallengeHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.history[userID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Result == ResultInProgress {
			rec := recs[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("open attempt for %s: %w", userID, domain.ErrNotFound)
}

func (s *MemStore) HistoryForProfile(_ context.Context, userID string) ([]ChallengeHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChallengeHistoryRecord, len(s.history[userID]))
	copy(out, s.history[userID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Profile
	for _, p := range s.profiles {
		if p.IsChallengeActive && p.Status == StatusActive && p.ChallengeEndDate.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChallengeEndDate.Before(out[j].ChallengeEndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountWithdrawalsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.withdrawals[userID] {
		if w.Status != WithdrawalRejected && !w.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// AddWithdrawal seeds a withdrawal row. Test fixture; the engine never
// creates withdrawals itself.
func (s *MemStore) AddWithdrawal(w Withdrawal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals[w.UserID] = append(s.withdrawals[w.UserID], w)
}

func (s *MemStore) casLocked(p *Profile) error {
	cur, ok := s.profiles[p.UserID]
	if !ok {
		return fmt.Errorf("profile %s: %w", p.UserID, domain.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("profile %s at version %d (stored %d): %w",
			p.UserID, p.Version, cur.Version, domain.ErrConcurrencyConflict)
	}
	p.Version++
	s.profiles[p.UserID] = *p
	return nil
}

func (s *MemStore) findHistoryLocked(userID string, id uuid.UUID) int {
	for i, rec := range s.history[userID] {
		if rec.ID == id {
			return i
		}
	}
	return -1
}
