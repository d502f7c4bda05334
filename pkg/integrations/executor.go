// Package integrations is the client side of the integration gateway: the call contract used
// by workflow steps and the per-integration response envelopes.
package integrations

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIntegrationRequired is returned when a request names no integration or operation.
	ErrIntegrationRequired = errors.New("integration name and operation are required")

	// ErrOrganizationRequired is returned when a request carries no organization scope.
	ErrOrganizationRequired = errors.New("organization id is required")
)

// Request is one integration call.
type Request struct {
	Name              string         `json:"name"`
	Operation         string         `json:"operation"`
	Params            map[string]any `json:"params,omitempty"`
	SkipApprovalCheck bool           `json:"skip_approval_check"`
}

// Scope identifies the tenant an integration call runs for.
type Scope struct {
	OrganizationID string
}

// Response carries the integration result. Its shape is owned by the integration.
type Response struct {
	Result any `json:"result"`
}

// Executor runs integration operations.
type Executor interface {
	Execute(ctx context.Context, req Request, scope Scope) (*Response, error)
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	Integration string
	Operation   string
	StatusCode  int
	Body        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("integration %s.%s failed with status %d: %s", e.Integration, e.Operation, e.StatusCode, e.Body)
}

func validate(req Request, scope Scope) error {
	if req.Name == "" || req.Operation == "" {
		return ErrIntegrationRequired
	}

	if scope.OrganizationID == "" {
		return ErrOrganizationRequired
	}

	return nil
}
