package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
	"github.com/splatforge/backend/internal/services"
	"github.com/stretchr/testify/assert"
)

type stubProvider struct{}

func (stubProvider) Dispatch(ctx context.Context, jobID string, params models.JobParams, qualityTier string) (string, error) {
	return "prov-1", nil
}

func (stubProvider) Abort(ctx context.Context, providerJobID string) error { return nil }

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) Notify(ctx context.Context, accountID, title, body, deepLink string) {
	n.calls++
}

func newCallbackFixture(t *testing.T) (*CallbackHandler, sqlmock.Sqlmock, *recordingNotifier, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	pricing := config.LoadPricingPolicy()
	ledger := services.NewLedgerService(db, pricing)
	usage := services.NewUsageService(db)
	admission := services.NewAdmissionService(ledger, usage, config.LoadLimitsPolicy())
	notifier := &recordingNotifier{}
	jobs := services.NewJobService(db, nil, ledger, usage, admission, services.NewPricer(pricing), stubProvider{}, notifier)

	return NewCallbackHandler(jobs), mock, notifier, func() { db.Close() }
}

func postCallback(t *testing.T, handler *CallbackHandler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/provider", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ProviderCallback(rec, req)
	return rec
}

func TestCallbackHandler_ProviderCallback(t *testing.T) {
	t.Run("completed callback finishes the job", func(t *testing.T) {
		handler, mock, notifier, done := newCallbackFixture(t)
		defer done()

		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs("prov-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
		mock.ExpectQuery("UPDATE jobs").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow("acct-1"))

		rec := postCallback(t, handler, `{"providerJobId":"prov-1","status":"completed","resultRef":"s3://results/job-1.splat"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, notifier.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed callback refunds and acknowledges", func(t *testing.T) {
		handler, mock, notifier, done := newCallbackFixture(t)
		defer done()

		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs("prov-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE jobs").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "charged_cost"}).AddRow("acct-1", 110))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "credit_balance", "credits_used_lifetime", "version"}).
				AddRow("acct-1", 0, 110, 2))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		rec := postCallback(t, handler, `{"providerJobId":"prov-1","status":"failed","error":"CUDA out of memory"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, notifier.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate callback on a terminal job is acknowledged", func(t *testing.T) {
		handler, mock, notifier, done := newCallbackFixture(t)
		defer done()

		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs("prov-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
		mock.ExpectQuery("UPDATE jobs").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT id, account_id, project_id").
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "project_id", "quality_tier", "params", "charged_cost", "status",
				"external_provider_ref", "result_ref", "error_message", "created_at", "started_at", "completed_at"}).
				AddRow("job-1", "acct-1", "proj-1", models.QualityStandard, []byte(`{"iterations":7000,"imageCount":20}`),
					110, models.JobCompleted, "prov-1", "s3://results/job-1.splat", "", time.Now(), nil, nil))

		rec := postCallback(t, handler, `{"providerJobId":"prov-1","status":"completed","resultRef":"s3://results/job-1.splat"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, notifier.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown provider job is a 404", func(t *testing.T) {
		handler, mock, _, done := newCallbackFixture(t)
		defer done()

		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs("prov-x").
			WillReturnError(sql.ErrNoRows)

		rec := postCallback(t, handler, `{"providerJobId":"prov-x","status":"completed"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid status fails validation", func(t *testing.T) {
		handler, mock, _, done := newCallbackFixture(t)
		defer done()

		rec := postCallback(t, handler, `{"providerJobId":"prov-1","status":"exploded"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
