package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestRedisNotifier_Notify(t *testing.T) {
	t.Run("publishes on the account channel", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		notifier := NewRedisNotifier(client)

		payload, _ := json.Marshal(notification{
			AccountID: "acct-1",
			Title:     "Reconstruction complete",
			Body:      "Your 3D model is ready to view.",
			DeepLink:  "splatforge://jobs/job-1",
		})
		mock.ExpectPublish("notify:acct-1", payload).SetVal(1)

		notifier.Notify(context.Background(), "acct-1",
			"Reconstruction complete", "Your 3D model is ready to view.", "splatforge://jobs/job-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil client degrades to log only", func(t *testing.T) {
		notifier := NewRedisNotifier(nil)
		assert.NotPanics(t, func() {
			notifier.Notify(context.Background(), "acct-1", "Job cancelled", "body", "")
		})
	})
}
