package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/tier"
)

// PGStoreConfig holds the Postgres store configuration.
type PGStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PGStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PGStore implements Store over a pgx connection pool. Writes use an
// optimistic version CAS; transitions run in a single transaction.
type PGStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPGStore(cfg PGStoreConfig) (*PGStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PGStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

const profileColumns = `user_id, current_tier, current_challenge_tier,
	total_direct_referrals, total_level1_referrals,
	challenge_direct_referrals, challenge_level1_referrals,
	challenge_attempts, challenge_starting_referrals, challenge_max_reached,
	is_challenge_active, challenge_start_date, challenge_end_date,
	weekly_earnings, total_commission_earned, status, version,
	created_at, updated_at`

func (s *PGStore) CreateProfile(ctx context.Context, p *Profile, open *ChallengeHistoryRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w: %v", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.UserID, string(p.CurrentTier), nullTier(p.CurrentChallengeTier),
		p.TotalDirectReferrals, p.TotalLevel1Referrals,
		p.ChallengeDirectReferrals, p.ChallengeLevel1Referrals,
		p.ChallengeAttempts, p.ChallengeStartingReferrals, p.ChallengeMaxReached,
		p.IsChallengeActive, nullTime(p.ChallengeStartDate), nullTime(p.ChallengeEndDate),
		p.WeeklyEarnings, p.TotalCommissionEarned, string(p.Status), p.Version,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("profile %s already exists: %w", p.UserID, domain.ErrInvalidState)
		}
		return fmt.Errorf("insert profile %s: %w: %v", p.UserID, domain.ErrPersistence, err)
	}

	if open != nil {
		if err := insertHistory(ctx, tx, open); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *PGStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM agent_profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w: %v", userID, domain.ErrPersistence, err)
	}
	return p, nil
}

func (s *PGStore) UpdateProfile(ctx context.Context, p *Profile) error {
	tag, err := s.pool.Exec(ctx, updateProfileSQL, updateProfileArgs(p)...)
	if err != nil {
		return fmt.Errorf("update profile %s: %w: %v", p.UserID, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update profile %s at version %d: %w", p.UserID, p.Version, domain.ErrConcurrencyConflict)
	}
	p.Version++
	return nil
}

func (s *PGStore) ApplyTransition(ctx context.Context, p *Profile, closeRec, openRec *ChallengeHistoryRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w: %v", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, updateProfileSQL, updateProfileArgs(p)...)
	if err != nil {
		return fmt.Errorf("update profile %s: %w: %v", p.UserID, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update profile %s at version %d: %w", p.UserID, p.Version, domain.ErrConcurrencyConflict)
	}

	if closeRec != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE challenge_history
			SET result = $1, ending_referrals = $2, end_date = $3, updated_at = $4
			WHERE id = $5`,
			string(closeRec.Result), closeRec.EndingReferrals, closeRec.EndDate, closeRec.UpdatedAt, closeRec.ID,
		)
		if err != nil {
			return fmt.Errorf("close history %s: %w: %v", closeRec.ID, domain.ErrPersistence, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("history record %s: %w", closeRec.ID, domain.ErrNotFound)
		}
	}

	if openRec != nil {
		if err := insertHistory(ctx, tx, openRec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition for %s: %w: %v", p.UserID, domain.ErrPersistence, err)
	}
	p.Version++
	return nil
}

func (s *PGStore) OpenHistoryRecord(ctx context.Context, userID string) (*ChallengeHistoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+historyColumns+` FROM challenge_history
		WHERE user_id = $1 AND result = 'in_progress'
		ORDER BY created_at DESC LIMIT 1`, userID)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open attempt for %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open attempt for %s: %w: %v", userID, domain.ErrPersistence, err)
	}
	return rec, nil
}

func (s *PGStore) HistoryForProfile(ctx context.Context, userID string) ([]ChallengeHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM challenge_history
		WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w: %v", userID, domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []ChallengeHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("history for %s: %w: %v", userID, domain.ErrPersistence, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history for %s: %w: %v", userID, domain.ErrPersistence, err)
	}
	return out, nil
}

func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+profileColumns+` FROM agent_profiles
		WHERE is_challenge_active AND challenge_end_date < $1 AND status = 'active'
		ORDER BY challenge_end_date ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("list expired: %w: %v", domain.ErrPersistence, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired: %w: %v", domain.ErrPersistence, err)
	}
	return out, nil
}

func (s *PGStore) CountWithdrawalsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM withdrawals
		WHERE user_id = $1 AND status <> 'rejected' AND requested_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count withdrawals for %s: %w: %v", userID, domain.ErrPersistence, err)
	}
	return n, nil
}

const updateProfileSQL = `
	UPDATE agent_profiles SET
		current_tier = $1, current_challenge_tier = $2,
		total_direct_referrals = $3, total_level1_referrals = $4,
		challenge_direct_referrals = $5, challenge_level1_referrals = $6,
		challenge_attempts = $7, challenge_starting_referrals = $8, challenge_max_reached = $9,
		is_challenge_active = $10, challenge_start_date = $11, challenge_end_date = $12,
		weekly_earnings = $13, total_commission_earned = $14, status = $15,
		version = version + 1, updated_at = $16
	WHERE user_id = $17 AND version = $18`

func updateProfileArgs(p *Profile) []any {
	return []any{
		string(p.CurrentTier), nullTier(p.CurrentChallengeTier),
		p.TotalDirectReferrals, p.TotalLevel1Referrals,
		p.ChallengeDirectReferrals, p.ChallengeLevel1Referrals,
		p.ChallengeAttempts, p.ChallengeStartingReferrals, p.ChallengeMaxReached,
		p.IsChallengeActive, nullTime(p.ChallengeStartDate), nullTime(p.ChallengeEndDate),
		p.WeeklyEarnings, p.TotalCommissionEarned, string(p.Status),
		p.UpdatedAt, p.UserID, p.Version,
	}
}

const historyColumns = `id, user_id, target_tier, start_date, end_date,
	starting_referrals, ending_referrals, target_referrals, result,
	attempt_number, created_at, updated_at`

func insertHistory(ctx context.Context, tx pgx.Tx, rec *ChallengeHistoryRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO challenge_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.UserID, string(rec.TargetTier), rec.StartDate, rec.EndDate,
		rec.StartingReferrals, rec.EndingReferrals, rec.TargetReferrals, string(rec.Result),
		rec.AttemptNumber, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history %s: %w: %v", rec.ID, domain.ErrPersistence, err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var (
		p             Profile
		currentTier   string
		challengeTier *string
		status        string
		start, end    *time.Time
	)
	err := row.Scan(
		&p.UserID, &currentTier, &challengeTier,
		&p.TotalDirectReferrals, &p.TotalLevel1Referrals,
		&p.ChallengeDirectReferrals, &p.ChallengeLevel1Referrals,
		&p.ChallengeAttempts, &p.ChallengeStartingReferrals, &p.ChallengeMaxReached,
		&p.IsChallengeActive, &start, &end,
		&p.WeeklyEarnings, &p.TotalCommissionEarned, &status, &p.Version,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CurrentTier = tier.Name(currentTier)
	if challengeTier != nil {
		p.CurrentChallengeTier = tier.Name(*challengeTier)
	}
	if start != nil {
		p.ChallengeStartDate = *start
	}
	if end != nil {
		p.ChallengeEndDate = *end
	}
	p.Status = Status(status)
	return &p, nil
}

func scanHistory(row pgx.Row) (*ChallengeHistoryRecord, error) {
	var (
		rec        ChallengeHistoryRecord
		targetTier string
		result     string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &targetTier, &rec.StartDate, &rec.EndDate,
		&rec.StartingReferrals, &rec.EndingReferrals, &rec.TargetReferrals, &result,
		&rec.AttemptNumber, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.TargetTier = tier.Name(targetTier)
	rec.Result = Result(result)
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTier(name tier.Name) *string {
	if name == "" {
		return nil
	}
	s := string(name)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
