package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func newTestUsage(t *testing.T, at time.Time) (*UsageService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	service := NewUsageService(db)
	service.now = func() time.Time { return at }
	return service, mock, func() { db.Close() }
}

func TestUsageService_CheckAndReset(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	t.Run("lazily creates counter row on first sight", func(t *testing.T) {
		service, mock, done := newTestUsage(t, at)
		defer done()

		mock.ExpectExec("INSERT INTO usage_counters").
			WithArgs("acct-1", "2026-03-15", "2026-03").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("SET jobs_today = 0").
			WithArgs("acct-1", "2026-03-15").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET jobs_this_month = 0").
			WithArgs("acct-1", "2026-03").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT account_id, jobs_today").
			WithArgs("acct-1").
			WillReturnRows(usageRows("acct-1", 0, 0, "2026-03-15", 0, 0, "2026-03"))

		counter, err := service.CheckAndReset("acct-1")
		assert.NoError(t, err)
		assert.Equal(t, 0, counter.JobsToday)
		assert.Equal(t, "2026-03-15", counter.DailyResetKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale daily key zeroes daily window only", func(t *testing.T) {
		service, mock, done := newTestUsage(t, at)
		defer done()

		mock.ExpectExec("INSERT INTO usage_counters").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET jobs_today = 0").
			WithArgs("acct-1", "2026-03-15").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("SET jobs_this_month = 0").
			WithArgs("acct-1", "2026-03").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT account_id, jobs_today").
			WithArgs("acct-1").
			WillReturnRows(usageRows("acct-1", 0, 0, "2026-03-15", 4, 350, "2026-03"))

		counter, err := service.CheckAndReset("acct-1")
		assert.NoError(t, err)
		assert.Equal(t, 0, counter.JobsToday)
		assert.Equal(t, 4, counter.JobsThisMonth)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("month rollover zeroes both windows", func(t *testing.T) {
		firstOfMonth := time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC)
		service, mock, done := newTestUsage(t, firstOfMonth)
		defer done()

		mock.ExpectExec("INSERT INTO usage_counters").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET jobs_today = 0").
			WithArgs("acct-1", "2026-04-01").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("SET jobs_this_month = 0").
			WithArgs("acct-1", "2026-04").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT account_id, jobs_today").
			WithArgs("acct-1").
			WillReturnRows(usageRows("acct-1", 0, 0, "2026-04-01", 0, 0, "2026-04"))

		counter, err := service.CheckAndReset("acct-1")
		assert.NoError(t, err)
		assert.Equal(t, 0, counter.JobsThisMonth)
		assert.Equal(t, "2026-04", counter.MonthlyResetKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUsageService_Increment(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	t.Run("bumps both windows on an existing row", func(t *testing.T) {
		service, mock, done := newTestUsage(t, at)
		defer done()

		mock.ExpectExec("INSERT INTO usage_counters").
			WithArgs("acct-1", int64(110), "2026-03-15", "2026-03").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Increment("acct-1", 110))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("records paid usage without a prior counter row", func(t *testing.T) {
		// Paid accounts skip the rate gate and never hit CheckAndReset, so
		// the increment itself must create the row.
		service, mock, done := newTestUsage(t, at)
		defer done()

		mock.ExpectExec("INSERT INTO usage_counters").
			WithArgs("acct-2", int64(510), "2026-03-15", "2026-03").
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, service.Increment("acct-2", 510))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func usageRows(accountID string, jobsToday int, creditsToday int64, dayKey string, jobsMonth int, creditsMonth int64, monthKey string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "jobs_today", "credits_today", "daily_reset_key", "jobs_this_month", "credits_this_month", "monthly_reset_key"}).
		AddRow(accountID, jobsToday, creditsToday, dayKey, jobsMonth, creditsMonth, monthKey)
}
