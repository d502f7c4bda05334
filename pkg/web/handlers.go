// Package web provides the HTTP handlers of the trigger and execution API.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/flowlane/pkg/dispatcher"
	"github.com/dukex/flowlane/pkg/eventbus"
	"github.com/dukex/flowlane/pkg/events"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/processingrecords"
)

// DeliveryIDHeader names the webhook header that makes a delivery idempotent.
const DeliveryIDHeader = "X-Delivery-ID"

type APIHandlers struct {
	persistence persistence.Persistence
	dispatcher  *dispatcher.Dispatcher
	executions  *executions.Service
	records     *processingrecords.Service
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewAPIHandlers creates the handlers. A nil publisher makes posted events dispatch inline and a
// nil records service disables the processing records endpoint.
func NewAPIHandlers(
	p persistence.Persistence,
	dispatcher *dispatcher.Dispatcher,
	executions *executions.Service,
	records *processingrecords.Service,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		dispatcher:  dispatcher,
		executions:  executions,
		records:     records,
		publisher:   publisher,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	persistenceCheck := "ok"
	httpStatus := http.StatusOK

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		persistenceCheck = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// bindJSON decodes and validates the body into req. An empty body leaves req zero-valued.
// When ok is false the problem response has been written and the handler returns err.
func (h *APIHandlers) bindJSON(c fiber.Ctx, req any) (bool, error) {
	if len(c.Body()) > 0 {
		err := c.Bind().JSON(req)
		if err != nil {
			return false, badRequest(c, "Invalid JSON format")
		}
	}

	err := h.validator.Struct(req)
	if err != nil {
		return false, badRequest(c, err.Error())
	}

	return true, nil
}

func (h *APIHandlers) FireWebhook(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Webhook token is required")
	}

	var payload map[string]any
	if len(c.Body()) > 0 {
		err := json.Unmarshal(c.Body(), &payload)
		if err != nil {
			return badRequest(c, "Webhook payload must be a JSON object")
		}
	}

	handle, err := h.dispatcher.FireWebhook(c.Context(), token, payload, c.Get(DeliveryIDHeader))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(handle)
}

func (h *APIHandlers) FireAPIKey(c fiber.Ctx) error {
	rawKey, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || rawKey == "" {
		return unauthorized(c, "Bearer API key is required")
	}

	var req TriggerRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	handle, err := h.dispatcher.FireAPIKey(c.Context(), rawKey, req.Input, req.IdempotencyKey)
	if persistence.IsTriggerNotFound(err) {
		return unauthorized(c, "invalid api key")
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(handle)
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	organizationID := c.Params("organizationId")
	workflowRootID := c.Params("workflowRootId")

	var req TriggerRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	handle, err := h.dispatcher.FireManual(c.Context(), organizationID, workflowRootID, req.Input, req.IdempotencyKey)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(handle)
}

// PostEvent publishes an external event on the bus, or dispatches it inline without one.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	var req EventRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	event := events.ExternalEvent{
		BaseEvent: events.NewBaseEvent(events.ExternalEventReceivedEvent, req.OrganizationID),
		Name:      req.Name,
		Data:      req.Data,
	}

	if req.ID != "" {
		event.ID = req.ID
	}

	if h.publisher == nil {
		handles, err := h.dispatcher.DispatchEvent(c.Context(), dispatcher.Event{
			ID:             event.ID,
			OrganizationID: event.OrganizationID,
			Type:           event.Name,
			Data:           event.Data,
		})
		if err != nil {
			return handleServiceError(c, err)
		}

		return c.JSON(fiber.Map{"event_id": event.ID, "executions": handles})
	}

	err := h.publisher.Publish(c.Context(), event.OrganizationID, event)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"event_id": event.ID})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")

	execution, err := h.executions.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	variables, err := h.executions.Variables(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	output, err := h.executions.Output(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewExecutionResponse(execution, variables, output))
}

func (h *APIHandlers) UpdateExecutionStatus(c fiber.Ctx) error {
	var req StatusRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	update := executions.StatusUpdate{
		Status:          models.ExecutionStatus(req.Status),
		CurrentStepSlug: req.CurrentStepSlug,
		Error:           req.Error,
	}

	if req.WaitingFor != nil {
		update.WaitingFor = models.SetPtr(req.WaitingFor)
	}

	err := h.executions.UpdateStatus(c.Context(), c.Params("id"), update)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CompleteExecution(c fiber.Ctx) error {
	var req CompleteRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	err := h.executions.CompleteValues(c.Context(), c.Params("id"), req.Output, req.Variables)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) FailExecution(c fiber.Ctx) error {
	var req FailRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	err := h.executions.Fail(c.Context(), c.Params("id"), req.Error)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SaveVariables(c fiber.Ctx) error {
	var req VariablesRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	err := h.executions.SaveVariables(c.Context(), c.Params("id"), req.Variables)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	var req ResumeRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	err := h.executions.Resume(c.Context(), c.Params("id"), req.Token)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RunProcessingRecords executes a processing records step in the context of an execution.
func (h *APIHandlers) RunProcessingRecords(c fiber.Ctx) error {
	if h.records == nil {
		return problem(c, fiber.StatusNotImplemented, "not_configured", "processing records are not configured")
	}

	var req ProcessingRecordsRequest
	if ok, err := h.bindJSON(c, &req); !ok {
		return err
	}

	execution, err := h.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if execution.Status.IsTerminal() {
		return problem(c, fiber.StatusConflict, "status_conflict", "execution is "+string(execution.Status))
	}

	params, err := processingrecords.DecodeParams(req.Params)
	if err != nil {
		return handleServiceError(c, err)
	}

	result, err := h.records.Execute(c.Context(), processingrecords.StepContext{
		OrganizationID: execution.OrganizationID,
		WfDefinitionID: execution.WfDefinitionID,
		ExecutionID:    execution.ID,
	}, params)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "Processing records step failed", "execution_id", execution.ID, "error", err)

		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// Register mounts every route on app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Post("/webhooks/:token", h.FireWebhook)

	api := app.Group("/api/v1")
	api.Post("/trigger", h.FireAPIKey)
	api.Post("/events", h.PostEvent)
	api.Post("/organizations/:organizationId/workflows/:workflowRootId/run", h.RunWorkflow)

	e := api.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Patch("/:id/status", h.UpdateExecutionStatus)
	e.Post("/:id/complete", h.CompleteExecution)
	e.Post("/:id/fail", h.FailExecution)
	e.Put("/:id/variables", h.SaveVariables)
	e.Post("/:id/resume", h.ResumeExecution)
	e.Post("/:id/processing-records", h.RunProcessingRecords)
}
