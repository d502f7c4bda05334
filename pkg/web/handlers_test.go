package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	blobmemory "github.com/dukex/flowlane/pkg/blob/memory"
	"github.com/dukex/flowlane/pkg/dispatcher"
	"github.com/dukex/flowlane/pkg/events"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/integrations"
	"github.com/dukex/flowlane/pkg/mocks"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence/memory"
	"github.com/dukex/flowlane/pkg/processingrecords"
	"github.com/dukex/flowlane/pkg/web"
)

type testEnv struct {
	ctx      context.Context
	app      *fiber.App
	store    *memory.Persistence
	service  *executions.Service
	executor *mocks.MockExecutor
	bus      *mocks.MockEventBus
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func setupTestApp(t *testing.T, withBus bool) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:      context.Background(),
		store:    memory.NewPersistence(),
		executor: &mocks.MockExecutor{},
	}

	env.service = executions.NewService(env.store, blobmemory.NewStore(), testLogger())
	d := dispatcher.New(env.store, env.service, testLogger())
	records := processingrecords.NewService(env.store.ProcessingRecordRepository(), env.executor, nil, nil, testLogger())

	var handlers *web.APIHandlers

	if withBus {
		env.bus = &mocks.MockEventBus{}
		handlers = web.NewAPIHandlers(env.store, d, env.service, records, env.bus,
			validator.New(validator.WithRequiredStructEnabled()), testLogger())
	} else {
		handlers = web.NewAPIHandlers(env.store, d, env.service, records, nil,
			validator.New(validator.WithRequiredStructEnabled()), testLogger())
	}

	env.app = fiber.New()
	handlers.Register(env.app)

	return env
}

func (env *testEnv) workflow(t *testing.T) *models.WorkflowDefinition {
	t.Helper()

	workflow := &models.WorkflowDefinition{OrganizationID: "org-1", Name: "Sync", Status: models.WorkflowStatusActive}
	require.NoError(t, env.store.WorkflowRepository().Save(env.ctx, workflow))

	return workflow
}

func (env *testEnv) start(t *testing.T) string {
	t.Helper()

	workflow := env.workflow(t)
	handle, err := env.service.Start(env.ctx, executions.StartRequest{
		OrganizationID: "org-1",
		WfDefinitionID: workflow.ID,
		TriggeredBy:    models.TriggeredByManual,
	})
	require.NoError(t, err)

	return handle.ExecutionID
}

type response struct {
	status int
	body   []byte
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) response {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return response{status: resp.StatusCode, body: data}
}

func problemType(t *testing.T, resp response) string {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(resp.body, &problem))

	problemType, _ := problem["type"].(string)

	return problemType
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	env := setupTestApp(t, false)

	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, string(resp.body), `"healthy"`)
}

func TestAPIHandlers_FireWebhook(t *testing.T) {
	env := setupTestApp(t, false)
	workflow := env.workflow(t)

	require.NoError(t, env.store.TriggerRepository().SaveWebhook(env.ctx, &models.Webhook{
		OrganizationID: "org-1",
		WorkflowRootID: workflow.WorkflowRootID,
		Token:          "hook-token",
		IsActive:       true,
		PayloadSchema:  map[string]any{"type": "object", "required": []any{"order"}},
	}))

	tests := []struct {
		name           string
		path           string
		body           any
		deliveryID     string
		expectedStatus int
		expectedType   string
	}{
		{name: "accepted", path: "/webhooks/hook-token", body: map[string]any{"order": "A-1"}, deliveryID: "d-1", expectedStatus: http.StatusAccepted},
		{name: "duplicate delivery", path: "/webhooks/hook-token", body: map[string]any{"order": "A-1"}, deliveryID: "d-1", expectedStatus: http.StatusConflict, expectedType: "duplicate_trigger"},
		{name: "schema violation", path: "/webhooks/hook-token", body: map[string]any{"other": 1}, expectedStatus: http.StatusUnprocessableEntity, expectedType: "payload_validation_error"},
		{name: "not an object", path: "/webhooks/hook-token", body: "[1,2]", expectedStatus: http.StatusBadRequest, expectedType: "validation_error"},
		{name: "unknown token", path: "/webhooks/nope", body: map[string]any{"order": "A-1"}, expectedStatus: http.StatusNotFound, expectedType: "trigger_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.deliveryID != "" {
				headers[web.DeliveryIDHeader] = tt.deliveryID
			}

			resp := env.do(t, http.MethodPost, tt.path, tt.body, headers)
			assert.Equal(t, tt.expectedStatus, resp.status)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, resp))
			}
		})
	}
}

func TestAPIHandlers_FireAPIKey(t *testing.T) {
	env := setupTestApp(t, false)
	workflow := env.workflow(t)

	require.NoError(t, env.store.TriggerRepository().SaveAPIKey(env.ctx, &models.APIKey{
		OrganizationID: "org-1",
		WorkflowRootID: workflow.WorkflowRootID,
		KeyHash:        dispatcher.HashAPIKey("flk_secret"),
		Prefix:         "flk_",
		IsActive:       true,
	}))

	resp := env.do(t, http.MethodPost, "/api/v1/trigger", web.TriggerRequest{Input: map[string]any{"a": "b"}},
		map[string]string{"Authorization": "Bearer flk_secret"})
	require.Equal(t, http.StatusAccepted, resp.status)

	var handle executions.Handle
	require.NoError(t, json.Unmarshal(resp.body, &handle))
	assert.Equal(t, workflow.ID, handle.WfDefinitionID)
	assert.Equal(t, models.ExecutionStatusRunning, handle.Status)

	resp = env.do(t, http.MethodPost, "/api/v1/trigger", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/trigger", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestAPIHandlers_RunWorkflow(t *testing.T) {
	env := setupTestApp(t, false)
	workflow := env.workflow(t)

	resp := env.do(t, http.MethodPost, "/api/v1/organizations/org-1/workflows/"+workflow.WorkflowRootID+"/run",
		web.TriggerRequest{IdempotencyKey: "run-1"}, nil)
	assert.Equal(t, http.StatusAccepted, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/organizations/org-1/workflows/"+workflow.WorkflowRootID+"/run",
		web.TriggerRequest{IdempotencyKey: "run-1"}, nil)
	assert.Equal(t, http.StatusConflict, resp.status)

	resp = env.do(t, http.MethodPost, "/api/v1/organizations/org-2/workflows/"+workflow.WorkflowRootID+"/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "active_workflow_not_found", problemType(t, resp))
}

func TestAPIHandlers_PostEventDispatchesInline(t *testing.T) {
	env := setupTestApp(t, false)
	workflow := env.workflow(t)

	require.NoError(t, env.store.TriggerRepository().SaveEventSubscription(env.ctx, &models.EventSubscription{
		OrganizationID: "org-1",
		WorkflowRootID: workflow.WorkflowRootID,
		EventType:      "invoice.paid",
		IsActive:       true,
	}))

	resp := env.do(t, http.MethodPost, "/api/v1/events",
		web.EventRequest{ID: "evt-1", OrganizationID: "org-1", Name: "invoice.paid"}, nil)
	require.Equal(t, http.StatusOK, resp.status)

	var body struct {
		EventID    string              `json:"event_id"`
		Executions []executions.Handle `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(resp.body, &body))
	assert.Equal(t, "evt-1", body.EventID)
	assert.Len(t, body.Executions, 1)

	resp = env.do(t, http.MethodPost, "/api/v1/events", web.EventRequest{OrganizationID: "org-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAPIHandlers_PostEventPublishes(t *testing.T) {
	env := setupTestApp(t, true)

	env.bus.On("Publish", mock.Anything, "org-1", mock.MatchedBy(func(event events.ExternalEvent) bool {
		return event.Name == "invoice.paid" && event.Data["id"] == "inv-1"
	})).Return(nil).Once()

	resp := env.do(t, http.MethodPost, "/api/v1/events",
		web.EventRequest{OrganizationID: "org-1", Name: "invoice.paid", Data: map[string]any{"id": "inv-1"}}, nil)
	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.Contains(t, string(resp.body), "event_id")

	env.bus.AssertExpectations(t)
}

func TestAPIHandlers_ExecutionLifecycle(t *testing.T) {
	env := setupTestApp(t, false)
	id := env.start(t)
	base := "/api/v1/executions/" + id

	resp := env.do(t, http.MethodPut, base+"/variables", web.VariablesRequest{Variables: map[string]any{"page": 2}}, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	token := "approval-1"
	resp = env.do(t, http.MethodPatch, base+"/status", web.StatusRequest{Status: "waiting", WaitingFor: &token}, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = env.do(t, http.MethodPost, base+"/resume", web.ResumeRequest{Token: "other"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = env.do(t, http.MethodPost, base+"/resume", web.ResumeRequest{Token: token}, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = env.do(t, http.MethodPost, base+"/complete", web.CompleteRequest{Output: map[string]any{"synced": 3}}, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = env.do(t, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, resp.status)

	var execution web.ExecutionResponse
	require.NoError(t, json.Unmarshal(resp.body, &execution))
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.JSONEq(t, `{"synced":3}`, string(execution.Output))
	assert.JSONEq(t, `{"page":2}`, string(execution.Variables))
	assert.Nil(t, execution.WaitingFor)
	require.NotNil(t, execution.CompletedAt)

	resp = env.do(t, http.MethodPost, base+"/fail", web.FailRequest{Error: "late"}, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
}

func TestAPIHandlers_ExecutionValidation(t *testing.T) {
	env := setupTestApp(t, false)
	id := env.start(t)

	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		expectedStatus int
	}{
		{name: "unknown status", method: http.MethodPatch, path: "/status", body: map[string]any{"status": "paused"}, expectedStatus: http.StatusBadRequest},
		{name: "invalid json", method: http.MethodPost, path: "/fail", body: "{", expectedStatus: http.StatusBadRequest},
		{name: "missing reason", method: http.MethodPost, path: "/fail", body: map[string]any{}, expectedStatus: http.StatusBadRequest},
		{name: "missing variables", method: http.MethodPut, path: "/variables", body: map[string]any{}, expectedStatus: http.StatusBadRequest},
		{name: "missing resume token", method: http.MethodPost, path: "/resume", body: map[string]any{}, expectedStatus: http.StatusBadRequest},
		{name: "missing params", method: http.MethodPost, path: "/processing-records", body: map[string]any{}, expectedStatus: http.StatusBadRequest},
		{name: "not waiting", method: http.MethodPost, path: "/resume", body: web.ResumeRequest{Token: "x"}, expectedStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, "/api/v1/executions/"+id+tt.path, tt.body, nil)
			require.Equal(t, tt.expectedStatus, resp.status)

			if tt.expectedStatus == http.StatusBadRequest {
				assert.Equal(t, "validation_error", problemType(t, resp))
			}
		})
	}

	stored, err := env.store.ExecutionRepository().GetByID(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status, "rejected requests leave the execution untouched")
	assert.Nil(t, stored.CompletedAt)

	resp := env.do(t, http.MethodGet, "/api/v1/executions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "execution_not_found", problemType(t, resp))
}

func TestAPIHandlers_RunProcessingRecords(t *testing.T) {
	env := setupTestApp(t, false)
	id := env.start(t)

	env.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req integrations.Request) bool {
		return req.Name == "crm" && req.Operation == "list"
	}), integrations.Scope{OrganizationID: "org-1"}).Return(&integrations.Response{
		Result: map[string]any{"data": []any{map[string]any{"id": "c-1"}}},
	}, nil).Twice()

	params := map[string]any{
		"strategy":     "find_all",
		"integration":  "crm",
		"action":       "list",
		"tag":          "contacts",
		"uniqueKey":    "id",
		"backoffHours": -1,
	}

	resp := env.do(t, http.MethodPost, "/api/v1/executions/"+id+"/processing-records", web.ProcessingRecordsRequest{Params: params}, nil)
	require.Equal(t, http.StatusOK, resp.status)

	var result processingrecords.Result
	require.NoError(t, json.Unmarshal(resp.body, &result))
	assert.Equal(t, processingrecords.StatusClaimed, result.Status)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "c-1", result.Records[0].RecordID)

	// the ledger keeps the record from being claimed again
	resp = env.do(t, http.MethodPost, "/api/v1/executions/"+id+"/processing-records", web.ProcessingRecordsRequest{Params: params}, nil)
	require.Equal(t, http.StatusOK, resp.status)
	require.NoError(t, json.Unmarshal(resp.body, &result))
	assert.Equal(t, processingrecords.StatusNoneClaimed, result.Status)

	resp = env.do(t, http.MethodPost, "/api/v1/executions/"+id+"/processing-records",
		web.ProcessingRecordsRequest{Params: map[string]any{"strategy": "find_everything"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	env.executor.AssertExpectations(t)
}

func TestNewExecutionResponse(t *testing.T) {
	completedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	execution := &models.Execution{
		ID:          "exec-1",
		Status:      models.ExecutionStatusCompleted,
		TriggeredBy: models.TriggeredByAPI,
		CompletedAt: &completedAt,
	}

	resp := web.NewExecutionResponse(execution, json.RawMessage(`{"a":1}`), nil)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"variables":{"a":1}`)
	assert.NotContains(t, string(data), `"output"`)
}
