package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
)

// ComputeProvider is the external reconstruction executor. Dispatch and Abort
// are unreliable remote calls; every call carries an explicit timeout and the
// caller owns the refund path when they fail.
type ComputeProvider interface {
	Dispatch(ctx context.Context, jobID string, params models.JobParams, qualityTier string) (providerJobID string, err error)
	Abort(ctx context.Context, providerJobID string) error
}

// ProviderCallback is the inbound completion payload posted by the worker.
type ProviderCallback struct {
	ProviderJobID string `json:"providerJobId" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=completed failed"`
	ResultRef     string `json:"resultRef,omitempty"`
	Error         string `json:"error,omitempty"`
}

// HTTPProvider dispatches reconstruction jobs to a serverless GPU endpoint.
type HTTPProvider struct {
	policy *config.ProviderPolicy
	client *http.Client
}

func NewHTTPProvider(policy *config.ProviderPolicy) *HTTPProvider {
	return &HTTPProvider{
		policy: policy,
		client: &http.Client{},
	}
}

type dispatchRequest struct {
	Input dispatchInput `json:"input"`
}

type dispatchInput struct {
	JobID       string   `json:"job_id"`
	ImageURLs   []string `json:"image_urls"`
	Iterations  int      `json:"iterations"`
	QualityTier string   `json:"quality_tier"`
	WebhookURL  string   `json:"webhook_url"`
}

type dispatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (p *HTTPProvider) Dispatch(ctx context.Context, jobID string, params models.JobParams, qualityTier string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.policy.DispatchTimeout)
	defer cancel()

	payload := dispatchRequest{Input: dispatchInput{
		JobID:       jobID,
		ImageURLs:   params.ImageURLs,
		Iterations:  params.Iterations,
		QualityTier: qualityTier,
		WebhookURL:  p.policy.CallbackURL,
	}}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.policy.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.policy.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: provider returned %d: %s", ErrDispatchFailed, resp.StatusCode, data)
	}

	var dr dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("%w: bad provider response: %v", ErrDispatchFailed, err)
	}
	if dr.ID == "" {
		return "", fmt.Errorf("%w: provider returned no job id", ErrDispatchFailed)
	}
	return dr.ID, nil
}

// Abort is best effort. Failures are logged by callers and never block the
// local cancellation.
func (p *HTTPProvider) Abort(ctx context.Context, providerJobID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.policy.AbortTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.policy.BaseURL+"/cancel/"+providerJobID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.policy.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider abort returned %d", resp.StatusCode)
	}

	log.Printf("[PROVIDER] Aborted provider job %s", providerJobID)
	return nil
}
