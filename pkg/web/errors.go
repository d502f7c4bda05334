package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/flowlane/pkg/dispatcher"
	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/processingrecords"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "unauthorized", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps dispatcher, execution and persistence errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var validationErr *dispatcher.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return problem(c, fiber.StatusUnprocessableEntity, "payload_validation_error", validationErr.Error())

	case errors.Is(err, dispatcher.ErrInvalidEvent),
		errors.Is(err, executions.ErrInvalidStatus),
		errors.Is(err, processingrecords.ErrInvalidParams),
		errors.Is(err, processingrecords.ErrMissingContext):
		return badRequest(c, err.Error())

	case errors.Is(err, dispatcher.ErrAPIKeyExpired):
		return unauthorized(c, "api key expired")

	case errors.Is(err, dispatcher.ErrTriggerInactive):
		return problem(c, fiber.StatusForbidden, "trigger_inactive", "trigger is inactive")

	case persistence.IsTriggerNotFound(err):
		return problem(c, fiber.StatusNotFound, "trigger_not_found", "trigger not found")

	case persistence.IsActiveWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "active_workflow_not_found", "workflow has no active version")

	case persistence.IsWorkflowNotFound(err), errors.Is(err, executions.ErrWorkflowOrganizationMismatch):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	case persistence.IsDuplicateTrigger(err):
		return problem(c, fiber.StatusConflict, "duplicate_trigger", "trigger was already delivered")

	case errors.Is(err, persistence.ErrExecutionStatusConflict), errors.Is(err, executions.ErrNotWaiting):
		return problem(c, fiber.StatusConflict, "status_conflict", err.Error())

	case errors.Is(err, executions.ErrResumeTokenMismatch):
		return problem(c, fiber.StatusForbidden, "resume_token_mismatch", "resume token does not match")

	case processingrecords.IsClaimContention(err):
		return problem(c, fiber.StatusConflict, "claim_contention", err.Error())

	default:
		return internalError(c, err)
	}
}
