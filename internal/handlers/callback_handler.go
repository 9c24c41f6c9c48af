package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/splatforge/backend/internal/services"
)

// CallbackHandler receives completion webhooks from the compute provider.
// Callbacks are at-least-once: duplicates and signals for already-terminal
// jobs are acknowledged with 200 so the provider stops retrying.
type CallbackHandler struct {
	jobs      *services.JobService
	validator *services.ValidationHelper
}

func NewCallbackHandler(jobs *services.JobService) *CallbackHandler {
	return &CallbackHandler{
		jobs:      jobs,
		validator: services.NewValidationHelper(),
	}
}

// ProviderCallback processes a provider completion webhook
// @Summary Provider job callback
// @Description Inbound completion/failure signal from the compute provider
// @Tags callbacks
// @Accept json
// @Produce json
// @Param callback body services.ProviderCallback true "Callback payload"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /callbacks/provider [post]
func (h *CallbackHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var cb services.ProviderCallback

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cb); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&cb); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// The callback must belong to a job we dispatched.
	jobID, err := h.jobs.ResolveByProviderRef(cb.ProviderJobID)
	if err != nil {
		services.SendErrorResponse(w, "Unknown provider job", http.StatusNotFound, nil)
		return
	}

	switch cb.Status {
	case "completed":
		err = h.jobs.Complete(jobID, cb.ResultRef)
	case "failed":
		err = h.jobs.Fail(jobID, cb.Error)
	}

	if err != nil && !errors.Is(err, services.ErrAlreadyTerminal) {
		log.Printf("[CALLBACK] Failed to apply %s for job %s: %v", cb.Status, jobID, err)
		services.SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
