package services

import (
	"database/sql"
	"time"

	"github.com/splatforge/backend/internal/models"
)

// UsageService maintains rolling per-account daily/monthly counters for
// free-tier enforcement. Counters live in their own row per account so the
// logic survives multiple concurrent service instances; there is no ambient
// process state.
type UsageService struct {
	db  *sql.DB
	now func() time.Time
}

func NewUsageService(db *sql.DB) *UsageService {
	return &UsageService{db: db, now: time.Now}
}

func dailyKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func monthlyKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CheckAndReset returns the current counters, zeroing any window whose stored
// reset key no longer matches the wall clock. The guarded UPDATE makes the
// reset idempotent under concurrent callers: one writer wins, the rest
// observe the already-reset row on the SELECT below.
func (s *UsageService) CheckAndReset(accountID string) (*models.UsageCounter, error) {
	now := s.now()
	day := dailyKey(now)
	month := monthlyKey(now)

	if _, err := s.db.Exec(`
		INSERT INTO usage_counters (account_id, jobs_today, credits_today, daily_reset_key, jobs_this_month, credits_this_month, monthly_reset_key)
		VALUES ($1, 0, 0, $2, 0, 0, $3)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, day, month); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`
		UPDATE usage_counters
		SET jobs_today = 0, credits_today = 0, daily_reset_key = $2
		WHERE account_id = $1 AND daily_reset_key <> $2`,
		accountID, day); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`
		UPDATE usage_counters
		SET jobs_this_month = 0, credits_this_month = 0, monthly_reset_key = $2
		WHERE account_id = $1 AND monthly_reset_key <> $2`,
		accountID, month); err != nil {
		return nil, err
	}

	var c models.UsageCounter
	err := s.db.QueryRow(`
		SELECT account_id, jobs_today, credits_today, daily_reset_key, jobs_this_month, credits_this_month, monthly_reset_key
		FROM usage_counters
		WHERE account_id = $1`, accountID).
		Scan(&c.AccountID, &c.JobsToday, &c.CreditsToday, &c.DailyResetKey,
			&c.JobsThisMonth, &c.CreditsThisMonth, &c.MonthlyResetKey)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Increment bumps job and credit counters after a successful admission. An
// upsert, because paid accounts skip the rate gate and may have no counter
// row yet; their usage still has to be on record if they later drop to Free.
// Existing window keys are not touched; a stale row is caught by the next
// CheckAndReset.
func (s *UsageService) Increment(accountID string, cost int64) error {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO usage_counters (account_id, jobs_today, credits_today, daily_reset_key, jobs_this_month, credits_this_month, monthly_reset_key)
		VALUES ($1, 1, $2, $3, 1, $2, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET jobs_today = usage_counters.jobs_today + 1,
		    credits_today = usage_counters.credits_today + EXCLUDED.credits_today,
		    jobs_this_month = usage_counters.jobs_this_month + 1,
		    credits_this_month = usage_counters.credits_this_month + EXCLUDED.credits_this_month`,
		accountID, cost, dailyKey(now), monthlyKey(now))
	return err
}
