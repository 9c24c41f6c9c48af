package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func providerPolicyFor(serverURL string) *config.ProviderPolicy {
	return &config.ProviderPolicy{
		BaseURL:         serverURL,
		APIKey:          "test-key",
		CallbackURL:     "http://localhost:8080/api/v1/callbacks/provider",
		DispatchTimeout: 2 * time.Second,
		AbortTimeout:    2 * time.Second,
	}
}

func TestHTTPProvider_Dispatch(t *testing.T) {
	t.Run("forwards job parameters and returns the provider id", func(t *testing.T) {
		var received dispatchRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/run", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(dispatchResponse{ID: "prov-42", Status: "IN_QUEUE"})
		}))
		defer server.Close()

		provider := NewHTTPProvider(providerPolicyFor(server.URL))
		params := models.JobParams{Iterations: 7000, ImageCount: 20, ImageURLs: []string{"s3://in/a.jpg"}}

		ref, err := provider.Dispatch(context.Background(), "job-1", params, models.QualityStandard)
		assert.NoError(t, err)
		assert.Equal(t, "prov-42", ref)
		assert.Equal(t, "job-1", received.Input.JobID)
		assert.Equal(t, 7000, received.Input.Iterations)
		assert.Equal(t, models.QualityStandard, received.Input.QualityTier)
		assert.NotEmpty(t, received.Input.WebhookURL)
	})

	t.Run("non-2xx response is a dispatch failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		provider := NewHTTPProvider(providerPolicyFor(server.URL))
		_, err := provider.Dispatch(context.Background(), "job-1", models.JobParams{Iterations: 100, ImageCount: 5}, models.QualityPreview)
		assert.ErrorIs(t, err, ErrDispatchFailed)
	})

	t.Run("missing provider id is a dispatch failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(dispatchResponse{Status: "IN_QUEUE"})
		}))
		defer server.Close()

		provider := NewHTTPProvider(providerPolicyFor(server.URL))
		_, err := provider.Dispatch(context.Background(), "job-1", models.JobParams{Iterations: 100, ImageCount: 5}, models.QualityPreview)
		assert.ErrorIs(t, err, ErrDispatchFailed)
	})
}

func TestHTTPProvider_Abort(t *testing.T) {
	t.Run("posts to the cancel endpoint", func(t *testing.T) {
		var path string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		provider := NewHTTPProvider(providerPolicyFor(server.URL))
		assert.NoError(t, provider.Abort(context.Background(), "prov-42"))
		assert.Equal(t, "/cancel/prov-42", path)
	})

	t.Run("surfaces provider rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		provider := NewHTTPProvider(providerPolicyFor(server.URL))
		assert.Error(t, provider.Abort(context.Background(), "prov-42"))
	})
}
