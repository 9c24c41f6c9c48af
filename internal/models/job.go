package models

import "time"

// Job statuses. Completed, Failed and Cancelled are terminal; no transition
// out of a terminal status is ever applied.
const (
	JobQueued     = "QUEUED"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
	JobCancelled  = "CANCELLED"
)

// Quality presets for reconstruction jobs.
const (
	QualityPreview  = "preview"
	QualityStandard = "standard"
	QualityHigh     = "high"
	QualityUltra    = "ultra"
)

// JobParams are the caller-supplied reconstruction parameters, forwarded to
// the compute provider and priced by the cost calculator.
type JobParams struct {
	Iterations int      `json:"iterations" validate:"required,gt=0,lte=100000"`
	ImageCount int      `json:"imageCount" validate:"required,gte=5,lte=500"`
	ImageURLs  []string `json:"imageUrls,omitempty"`
}

// Job is one reconstruction run. ChargedCost is fixed at admission time and
// is the exact amount refunded on Fail or Cancel. Jobs are never deleted;
// terminal rows stay for audit and refund traceability.
type Job struct {
	ID                  string     `json:"id" db:"id"`
	AccountID           string     `json:"accountId" db:"account_id"`
	ProjectID           string     `json:"projectId" db:"project_id"`
	QualityTier         string     `json:"qualityTier" db:"quality_tier"`
	Params              JobParams  `json:"params" db:"params"`
	ChargedCost         int64      `json:"chargedCost" db:"charged_cost"`
	Status              string     `json:"status" db:"status"`
	ExternalProviderRef string     `json:"externalProviderRef,omitempty" db:"external_provider_ref"`
	ResultRef           string     `json:"resultRef,omitempty" db:"result_ref"`
	ErrorMessage        string     `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	StartedAt           *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt         *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Terminal reports whether no further status transition is permitted.
func (j *Job) Terminal() bool {
	return JobStatusTerminal(j.Status)
}

func JobStatusTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
