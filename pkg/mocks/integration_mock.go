package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/flowlane/pkg/integrations"
)

// MockExecutor is a mock implementation of integrations.Executor interface.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req integrations.Request, scope integrations.Scope) (*integrations.Response, error) {
	args := m.Called(ctx, req, scope)

	if resp, ok := args.Get(0).(*integrations.Response); ok {
		return resp, args.Error(1)
	}

	return nil, args.Error(1)
}
