package integrations_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowlane/pkg/integrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPExecutor_Execute(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/integrations/crm/operations/list_contacts", r.URL.Path)
		assert.Equal(t, "org-1", r.Header.Get("X-Organization-ID"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"since": "2025-01-01"}, body["params"])
		assert.Equal(t, true, body["skip_approval_check"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"data":[{"id":"c-1"}]}}`))
	}))
	defer server.Close()

	executor := integrations.NewHTTPExecutor(server.URL+"/", testLogger(), integrations.WithToken("secret"))

	resp, err := executor.Execute(context.Background(), integrations.Request{
		Name:              "crm",
		Operation:         "list_contacts",
		Params:            map[string]any{"since": "2025-01-01"},
		SkipApprovalCheck: true,
	}, integrations.Scope{OrganizationID: "org-1"})
	require.NoError(t, err)

	records, ok := integrations.EnvelopeData.Records(resp.Result)
	require.True(t, ok)
	assert.Equal(t, "c-1", records[0]["id"])
}

func TestHTTPExecutor_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	executor := integrations.NewHTTPExecutor(server.URL, testLogger(),
		integrations.WithRetry(integrations.RetryConfig{Attempts: 3, Delay: time.Millisecond}))

	resp, err := executor.Execute(context.Background(), integrations.Request{Name: "crm", Operation: "list"},
		integrations.Scope{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, []any{}, resp.Result)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPExecutor_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("missing credentials"))
	}))
	defer server.Close()

	executor := integrations.NewHTTPExecutor(server.URL, testLogger(),
		integrations.WithRetry(integrations.RetryConfig{Attempts: 3}))

	_, err := executor.Execute(context.Background(), integrations.Request{Name: "crm", Operation: "list"},
		integrations.Scope{OrganizationID: "org-1"})

	var statusErr *integrations.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "missing credentials", statusErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPExecutor_SingleAttemptErrorIsUnwrapped(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	executor := integrations.NewHTTPExecutor(server.URL, testLogger())

	_, err := executor.Execute(context.Background(), integrations.Request{Name: "crm", Operation: "list"},
		integrations.Scope{OrganizationID: "org-1"})

	var statusErr *integrations.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, statusErr.Error(), err.Error())
	assert.NotContains(t, err.Error(), "attempts")
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	executor := integrations.NewHTTPExecutor(server.URL, testLogger(), integrations.WithTimeout(20*time.Millisecond))

	_, err := executor.Execute(context.Background(), integrations.Request{Name: "crm", Operation: "list"},
		integrations.Scope{OrganizationID: "org-1"})
	assert.Error(t, err)
}

func TestHTTPExecutor_Validation(t *testing.T) {
	t.Parallel()

	executor := integrations.NewHTTPExecutor("http://127.0.0.1:1", testLogger())

	_, err := executor.Execute(context.Background(), integrations.Request{Operation: "list"}, integrations.Scope{OrganizationID: "org-1"})
	assert.ErrorIs(t, err, integrations.ErrIntegrationRequired)

	_, err = executor.Execute(context.Background(), integrations.Request{Name: "crm", Operation: "list"}, integrations.Scope{})
	assert.ErrorIs(t, err, integrations.ErrOrganizationRequired)
}
