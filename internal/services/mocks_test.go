package services

import (
	"context"

	"github.com/splatforge/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Dispatch(ctx context.Context, jobID string, params models.JobParams, qualityTier string) (string, error) {
	args := m.Called(jobID, params, qualityTier)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) Abort(ctx context.Context, providerJobID string) error {
	args := m.Called(providerJobID)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, accountID, title, body, deepLink string) {
	m.Called(accountID, title, body, deepLink)
}
