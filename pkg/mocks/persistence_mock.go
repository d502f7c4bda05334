package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/models"
)

// MockExecutionStarter is a mock of the execution start entry point used by trigger sources.
type MockExecutionStarter struct {
	mock.Mock
}

func (m *MockExecutionStarter) Start(ctx context.Context, req executions.StartRequest) (*executions.Handle, error) {
	args := m.Called(ctx, req)

	if handle, ok := args.Get(0).(*executions.Handle); ok {
		return handle, args.Error(1)
	}

	return nil, args.Error(1)
}

// MockBlobStore is a mock implementation of blob.Store interface.
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, data, contentType)

	return args.String(0), args.Error(1)
}

func (m *MockBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)

	if data, ok := args.Get(0).([]byte); ok {
		return data, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockBlobStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockCleanupJobRepository is a mock implementation of persistence.CleanupJobRepository interface.
type MockCleanupJobRepository struct {
	mock.Mock
}

func (m *MockCleanupJobRepository) Schedule(ctx context.Context, job *models.CleanupJob) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockCleanupJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.CleanupJob, error) {
	args := m.Called(ctx, now, lease, limit)

	if jobs, ok := args.Get(0).([]*models.CleanupJob); ok {
		return jobs, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockCleanupJobRepository) Complete(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

func (m *MockCleanupJobRepository) Reschedule(ctx context.Context, id string, runAt time.Time, lastError string) error {
	args := m.Called(ctx, id, runAt, lastError)

	return args.Error(0)
}
