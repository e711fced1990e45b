package web

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/risehq/rise-gateway/pkg/capability"
	"github.com/risehq/rise-gateway/pkg/channel"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func unprocessable(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(422).
		WithInstance(c.Path()).
		WithType("invalid_payload").
		WithDetail(detail)

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func tooManyRequests(c fiber.Ctx, detail string, retryAfter int) error {
	if retryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}

	problem := problems.NewStatusProblem(429).
		WithInstance(c.Path()).
		WithType("rate_limited").
		WithDetail(detail)

	return c.Status(fiber.StatusTooManyRequests).JSON(problem)
}

func serviceUnavailable(c fiber.Ctx, unavailable *capability.Unavailable) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(unavailable.RetryAfter.Seconds())))

	problem := problems.NewStatusProblem(503).
		WithInstance(c.Path()).
		WithType("capability_unavailable").
		WithDetail("dependency down: " + unavailable.Capability)

	return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps binding domain errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case channel.IsValidationError(err):
		return badRequest(c, err.Error())
	case channel.IsPolicyNotFound(err):
		return notFound(c, "binding not found")
	case channel.IsWorkflowNotFound(err):
		return notFound(c, "workflow not found")
	default:
		return internalError(c, err)
	}
}
