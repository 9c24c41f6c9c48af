package models

// UsageCounter tracks rolling daily and monthly consumption for one account.
// Reset keys are wall-clock keys (UTC "2006-01-02" / "2006-01"); when the
// current key differs from the stored key the counters are stale and reset
// before use.
type UsageCounter struct {
	AccountID        string `json:"accountId" db:"account_id"`
	JobsToday        int    `json:"jobsToday" db:"jobs_today"`
	CreditsToday     int64  `json:"creditsToday" db:"credits_today"`
	DailyResetKey    string `json:"dailyResetKey" db:"daily_reset_key"`
	JobsThisMonth    int    `json:"jobsThisMonth" db:"jobs_this_month"`
	CreditsThisMonth int64  `json:"creditsThisMonth" db:"credits_this_month"`
	MonthlyResetKey  string `json:"monthlyResetKey" db:"monthly_reset_key"`
}
