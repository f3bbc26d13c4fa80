package control

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/timeline"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

func badRequest(c *fiber.Ctx, errType, detail string) error {
	return problemResponse(c, fiber.StatusBadRequest, errType, "Bad Request", detail)
}

func unavailable(c *fiber.Ctx, what string) error {
	return problemResponse(c, fiber.StatusServiceUnavailable,
		"not_configured", "Service Unavailable", what+" is not configured")
}

// errorResponse maps a domain error to a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	var apiErr *perrors.APIError
	switch {
	case errors.Is(err, perrors.ErrEmptyInput):
		return badRequest(c, "empty_input", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return badRequest(c, "invalid_input", err.Error())
	case errors.Is(err, perrors.ErrNotFound),
		errors.Is(err, trigger.ErrTaskNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrNoActiveProject):
		return problemResponse(c, fiber.StatusNotFound, "no_active_project", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrNoActiveThread):
		return problemResponse(c, fiber.StatusNotFound, "no_active_thread", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrContextExceeded):
		return problemResponse(c, fiber.StatusConflict, "context_exceeded", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrThreadBusy):
		return problemResponse(c, fiber.StatusConflict, "thread_busy", "Conflict", err.Error())
	case errors.Is(err, timeline.ErrInvalidTransition),
		errors.Is(err, timeline.ErrNothingToConfirm),
		errors.Is(err, timeline.ErrNoOpenQuestion):
		return problemResponse(c, fiber.StatusConflict, "invalid_state", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrChannelDisabled):
		return problemResponse(c, fiber.StatusConflict, "channel_disabled", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	case perrors.IsAuth(err):
		return problemResponse(c, fiber.StatusBadGateway, "backend_auth_failed", "Bad Gateway", err.Error())
	case errors.As(err, &apiErr):
		return problemResponse(c, fiber.StatusBadGateway, "backend_error", "Bad Gateway", err.Error())
	}
	return err
}
