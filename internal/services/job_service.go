package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/splatforge/backend/internal/audit"
	"github.com/splatforge/backend/internal/models"
)

const jobStatusCacheTTL = 30 * time.Second

// JobService is the single authority over Job.status. Every transition is a
// compare-and-set on the current status; the loser of a race observes zero
// affected rows and performs no mutation. Refunds are issued inside the same
// database transaction as the terminal transition that causes them, so a job
// can never be refunded twice or stay charged without running.
type JobService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	usage     *UsageService
	admission *AdmissionService
	pricer    *Pricer
	provider  ComputeProvider
	notifier  Notifier
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewJobService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, usage *UsageService, admission *AdmissionService, pricer *Pricer, provider ComputeProvider, notifier Notifier) *JobService {
	return &JobService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		usage:     usage,
		admission: admission,
		pricer:    pricer,
		provider:  provider,
		notifier:  notifier,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// Start admits, charges and dispatches a new job. The debit and the Queued
// job row commit atomically; dispatch happens only after that commit, and a
// synchronous dispatch failure immediately fails the job with a full refund.
func (s *JobService) Start(ctx context.Context, accountID, projectID, qualityTier string, params models.JobParams) (*models.Job, error) {
	if err := s.validator.ValidateStruct(&params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if err := s.ledger.EnsureAccount(accountID); err != nil {
		return nil, err
	}

	breakdown := s.pricer.Cost(params.Iterations, params.ImageCount, qualityTier)

	if err := s.admission.Admit(accountID, qualityTier, breakdown.Credits); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	now := time.Now()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	err = s.ledger.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		description := fmt.Sprintf("Reconstruction job %s (%s)", jobID, qualityTier)
		if _, err := s.ledger.DebitTx(tx, accountID, breakdown.Credits, description, jobID, breakdown.JSON()); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO jobs (id, account_id, project_id, quality_tier, params, charged_cost, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			jobID, accountID, projectID, qualityTier, paramsJSON, breakdown.Credits, models.JobQueued, now); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogTransition(jobID, accountID, "", models.JobQueued)

	if err := s.usage.Increment(accountID, breakdown.Credits); err != nil {
		log.Printf("[JOB] Failed to increment usage for %s: %v", accountID, err)
	}

	job := &models.Job{
		ID:          jobID,
		AccountID:   accountID,
		ProjectID:   projectID,
		QualityTier: qualityTier,
		Params:      params,
		ChargedCost: breakdown.Credits,
		Status:      models.JobQueued,
		CreatedAt:   now,
	}

	providerRef, err := s.provider.Dispatch(ctx, jobID, params, qualityTier)
	if err != nil {
		log.Printf("[JOB] Dispatch failed for job %s: %v", jobID, err)
		if failErr := s.Fail(jobID, "dispatch failed: "+err.Error()); failErr != nil && !errors.Is(failErr, ErrAlreadyTerminal) {
			log.Printf("[JOB] Failed to mark job %s failed after dispatch error: %v", jobID, failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	acked, err := s.ProviderAck(jobID, providerRef)
	if err != nil {
		log.Printf("[JOB] Provider ack for job %s not applied: %v", jobID, err)
	}
	if acked {
		job.Status = models.JobProcessing
		job.ExternalProviderRef = providerRef
	} else if current, err := s.Get(jobID); err == nil {
		// The job moved on between commit and ack; report what the store holds.
		job = current
	}

	return job, nil
}

// ProviderAck records the provider's job reference and moves Queued to
// Processing. Reports whether the transition applied; false means the job
// already advanced or finished and nothing was written.
func (s *JobService) ProviderAck(jobID, externalRef string) (bool, error) {
	var accountID string
	err := s.db.QueryRow(`
		UPDATE jobs
		SET external_provider_ref = $2, status = $3, started_at = $4
		WHERE id = $1 AND status = $5
		RETURNING account_id`,
		jobID, externalRef, models.JobProcessing, time.Now(), models.JobQueued).
		Scan(&accountID)
	if err == sql.ErrNoRows {
		log.Printf("[JOB] Ack ignored for job %s (already processing or terminal)", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.audit.LogTransition(jobID, accountID, models.JobQueued, models.JobProcessing)
	s.invalidateStatusCache(jobID, accountID)
	return true, nil
}

// Complete finishes a job with its result. Valid from Processing, or from
// Queued when the provider races ahead of its own ack. Duplicate callbacks
// are logged as anomalies and ignored; the result is never re-applied.
func (s *JobService) Complete(jobID, resultRef string) error {
	var accountID string
	err := s.db.QueryRow(`
		UPDATE jobs
		SET status = $2, result_ref = $3, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING account_id`,
		jobID, models.JobCompleted, resultRef, time.Now(), models.JobQueued, models.JobProcessing).
		Scan(&accountID)
	if err == sql.ErrNoRows {
		return s.terminalNoop(jobID, "complete")
	}
	if err != nil {
		return err
	}

	s.audit.LogTransition(jobID, accountID, models.JobProcessing, models.JobCompleted)
	s.invalidateStatusCache(jobID, accountID)

	s.notifier.Notify(context.Background(), accountID,
		"Reconstruction complete",
		"Your 3D model is ready to view.",
		"splatforge://jobs/"+jobID)
	return nil
}

// Fail terminates a job and refunds exactly the charged cost. The status CAS
// and the refund commit in one database transaction, which makes repeated
// failure callbacks harmless: only the transition winner refunds.
func (s *JobService) Fail(jobID, errorInfo string) error {
	accountID, err := s.terminate(jobID, models.JobFailed, errorInfo)
	if err != nil {
		return err
	}

	s.notifier.Notify(context.Background(), accountID,
		"Reconstruction failed",
		"Your job could not be processed. Credits have been refunded.",
		"splatforge://jobs/"+jobID)
	return nil
}

// Cancel aborts a job on the owner's request. The provider abort is best
// effort and non-blocking; the local transition and refund proceed regardless
// of its outcome. Late Complete/Fail callbacks after this land on a terminal
// row and do nothing.
func (s *JobService) Cancel(ctx context.Context, jobID, accountID string) error {
	job, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if job.AccountID != accountID {
		return ErrAccessDenied
	}
	if job.Terminal() {
		return s.terminalNoop(jobID, "cancel")
	}

	if job.ExternalProviderRef != "" {
		go func(ref string) {
			if err := s.provider.Abort(context.Background(), ref); err != nil {
				log.Printf("[JOB] Best-effort abort failed for job %s: %v", jobID, err)
			}
		}(job.ExternalProviderRef)
	}

	ownerID, err := s.terminate(jobID, models.JobCancelled, "cancelled by user")
	if err != nil {
		return err
	}

	s.notifier.Notify(ctx, ownerID,
		"Job cancelled",
		"Your job was cancelled and the credits refunded.",
		"splatforge://jobs/"+jobID)
	return nil
}

// terminate applies a refunding terminal transition (Failed or Cancelled).
// Returns the owning account id on success, ErrAlreadyTerminal when the CAS
// lost, ErrJobNotFound for an unknown id.
func (s *JobService) terminate(jobID, status, errorInfo string) (string, error) {
	var accountID string
	var chargedCost int64

	err := s.ledger.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		err = tx.QueryRow(`
			UPDATE jobs
			SET status = $2, error_message = $3, completed_at = $4
			WHERE id = $1 AND status IN ($5, $6)
			RETURNING account_id, charged_cost`,
			jobID, status, errorInfo, time.Now(), models.JobQueued, models.JobProcessing).
			Scan(&accountID, &chargedCost)
		if err != nil {
			return err
		}

		description := fmt.Sprintf("Refund for job %s (%s)", jobID, status)
		if _, err := s.ledger.CreditTx(tx, accountID, chargedCost, models.TxnRefund, description, jobID, ""); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err == sql.ErrNoRows {
		return "", s.terminalNoop(jobID, status)
	}
	if err != nil {
		return "", err
	}

	s.audit.LogTransition(jobID, accountID, models.JobProcessing, status)
	s.invalidateStatusCache(jobID, accountID)
	return accountID, nil
}

// Get fetches one job.
func (s *JobService) Get(jobID string) (*models.Job, error) {
	var job models.Job
	var paramsJSON []byte
	err := s.db.QueryRow(`
		SELECT id, account_id, project_id, quality_tier, params, charged_cost, status,
		       COALESCE(external_provider_ref, ''), COALESCE(result_ref, ''), COALESCE(error_message, ''),
		       created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1`, jobID).
		Scan(&job.ID, &job.AccountID, &job.ProjectID, &job.QualityTier, &paramsJSON,
			&job.ChargedCost, &job.Status, &job.ExternalProviderRef, &job.ResultRef,
			&job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

// ResolveByProviderRef maps a provider callback back to a known job.
func (s *JobService) ResolveByProviderRef(providerJobID string) (string, error) {
	var jobID string
	err := s.db.QueryRow(`SELECT id FROM jobs WHERE external_provider_ref = $1`, providerJobID).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	return jobID, err
}

func (s *JobService) terminalNoop(jobID, signal string) error {
	// Distinguish a late/duplicate signal from a bogus job id.
	if _, err := s.Get(jobID); err != nil {
		return err
	}
	log.Printf("[JOB] Ignoring %s for job %s: already terminal", signal, jobID)
	return ErrAlreadyTerminal
}

func (s *JobService) invalidateStatusCache(jobID, accountID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(context.Background(), "job_status:"+jobID+":"+accountID).Err(); err != nil && err != redis.Nil {
		log.Printf("[JOB] Failed to invalidate status cache for %s: %v", jobID, err)
	}
}

// StartJob starts a reconstruction job
// @Summary Start a job
// @Description Prices, admits, charges and dispatches a reconstruction job
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{projectId=string,qualityTier=string,params=models.JobParams} true "Job request"
// @Success 201 {object} models.Job
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /jobs [post]
func (s *JobService) StartJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ProjectID   string           `json:"projectId" validate:"required,max=64"`
		QualityTier string           `json:"qualityTier" validate:"required,oneof=preview standard high ultra"`
		Params      models.JobParams `json:"params" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	job, err := s.Start(r.Context(), accountID, req.ProjectID, req.QualityTier, req.Params)
	if err != nil {
		s.respondJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"job":     job,
	})
}

// CancelJob cancels a queued or processing job
// @Summary Cancel a job
// @Description Cancels the caller's job and refunds the charged credits
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /jobs/{jobId} [delete]
func (s *JobService) CancelJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	jobID := chi.URLParam(r, "jobId")

	err := s.Cancel(r.Context(), jobID, accountID)
	if errors.Is(err, ErrAlreadyTerminal) {
		// Late cancels are a no-op, not an error.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "status": "already_terminal"})
		return
	}
	if err != nil {
		s.respondJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "status": models.JobCancelled})
}

// GetJobStatus returns the current status of a job
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} models.Job
// @Failure 404 {object} services.ErrorResponse
// @Router /jobs/{jobId} [get]
func (s *JobService) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	jobID := chi.URLParam(r, "jobId")

	if cached := s.cachedStatus(r.Context(), jobID, accountID); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	job, err := s.Get(jobID)
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	if job.AccountID != accountID {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	body, err := json.Marshal(job)
	if err != nil {
		SendErrorResponse(w, "Failed to encode job", http.StatusInternalServerError, nil)
		return
	}
	s.cacheStatus(r.Context(), jobID, accountID, body)

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *JobService) cachedStatus(ctx context.Context, jobID, accountID string) []byte {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, "job_status:"+jobID+":"+accountID).Bytes()
	if err != nil {
		return nil
	}
	return data
}

func (s *JobService) cacheStatus(ctx context.Context, jobID, accountID string, body []byte) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, "job_status:"+jobID+":"+accountID, body, jobStatusCacheTTL).Err(); err != nil {
		log.Printf("[JOB] Failed to cache status for %s: %v", jobID, err)
	}
}

func (s *JobService) respondJobError(w http.ResponseWriter, err error) {
	if ice, ok := IsInsufficientCredits(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "Insufficient credits",
			"required":  ice.Required,
			"available": ice.Available,
			"shortfall": ice.Shortfall(),
		})
		return
	}

	switch {
	case errors.Is(err, ErrTierRestricted):
		SendErrorResponse(w, "Quality tier requires a paid plan", http.StatusForbidden, nil)
	case errors.Is(err, ErrRateLimited):
		SendErrorResponse(w, "Free tier job limit reached", http.StatusTooManyRequests, nil)
	case errors.Is(err, ErrInvalidParameters):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrDispatchFailed):
		SendErrorResponse(w, "Compute provider unavailable; credits refunded", http.StatusBadGateway, nil)
	case errors.Is(err, ErrAccessDenied):
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
	case errors.Is(err, ErrJobNotFound):
		SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	default:
		log.Printf("[JOB] Internal error: %v", err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
	}
}
