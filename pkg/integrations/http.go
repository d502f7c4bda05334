package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single integration call.
const DefaultTimeout = 60 * time.Second

const maxErrorBody = 4 << 10

// HTTPExecutor calls an integration gateway over HTTP:
//
//	POST {baseURL}/integrations/{name}/operations/{operation}
//
// with the params as JSON body and the organization in the X-Organization-ID header.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	retry   RetryConfig
	logger  *slog.Logger
}

// RetryConfig defines retry behavior for 5xx and transport failures.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// HTTPOption customizes an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithToken sends the token as a bearer Authorization header.
func WithToken(token string) HTTPOption {
	return func(e *HTTPExecutor) { e.token = token }
}

// WithTimeout replaces DefaultTimeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(e *HTTPExecutor) { e.client.Timeout = timeout }
}

// WithRetry retries transport errors and 5xx responses.
func WithRetry(retry RetryConfig) HTTPOption {
	return func(e *HTTPExecutor) { e.retry = retry }
}

// NewHTTPExecutor creates an executor for the gateway at baseURL.
func NewHTTPExecutor(baseURL string, logger *slog.Logger, opts ...HTTPOption) *HTTPExecutor {
	executor := &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		retry:   RetryConfig{Attempts: 1},
		logger:  logger.With("module", "integration_http_executor"),
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.retry.Attempts < 1 {
		executor.retry.Attempts = 1
	}

	return executor
}

type httpRequestBody struct {
	Params            map[string]any `json:"params"`
	SkipApprovalCheck bool           `json:"skip_approval_check"`
}

// Execute performs the call with retry logic and decodes the gateway's {"result": ...} answer.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request, scope Scope) (*Response, error) {
	if err := validate(req, scope); err != nil {
		return nil, err
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	payload, err := json.Marshal(httpRequestBody{Params: params, SkipApprovalCheck: req.SkipApprovalCheck})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal integration params: %w", err)
	}

	endpoint := fmt.Sprintf("%s/integrations/%s/operations/%s",
		e.baseURL, url.PathEscape(req.Name), url.PathEscape(req.Operation))

	logger := e.logger.With("integration", req.Name, "operation", req.Operation, "organization_id", scope.OrganizationID)

	var lastErr error

	for attempt := 1; attempt <= e.retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, "Retrying integration call", "attempt", attempt, "max_attempts", e.retry.Attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retry.Delay):
			}
		}

		resp, err := e.do(ctx, endpoint, payload, scope)
		if err != nil {
			lastErr = err

			continue
		}

		result, err := e.decode(req, resp)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 500 {
			lastErr = err

			continue
		}

		if err != nil {
			return nil, err
		}

		logger.DebugContext(ctx, "Integration call completed", "attempt", attempt)

		return result, nil
	}

	if e.retry.Attempts == 1 {
		return nil, lastErr
	}

	return nil, fmt.Errorf("integration call failed after %d attempts: %w", e.retry.Attempts, lastErr)
}

func (e *HTTPExecutor) do(ctx context.Context, endpoint string, payload []byte, scope Scope) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create integration request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Organization-ID", scope.OrganizationID)

	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("integration request failed: %w", err)
	}

	return resp, nil
}

func (e *HTTPExecutor) decode(req Request, resp *http.Response) (*Response, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &StatusError{
			Integration: req.Name,
			Operation:   req.Operation,
			StatusCode:  resp.StatusCode,
			Body:        strings.TrimSpace(string(body)),
		}
	}

	var result Response

	err := json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode integration response: %w", err)
	}

	return &result, nil
}
