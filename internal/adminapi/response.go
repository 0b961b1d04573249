// Package adminapi is the illustrative HTTP surface around the engine
// (SPEC_FULL.md §C): list/dispatch/cancel tasks, queue stats, and
// health/ready/live checks. It is explicitly not the core (spec.md §1
// Out of scope: "host wiring"); it exists so fiber/swagger/validator
// have a concrete home and so the engine is runnable end-to-end, built
// the way the teacher builds its own REST surface
// (internal/handler + internal/router in the original tree).
package adminapi

import (
	"github.com/gofiber/fiber/v2"
)

// Response is the standard API envelope, kept in the exact shape the
// teacher's internal/handler/response.go uses.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo carries a machine-readable code alongside the message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries pagination/listing metadata.
type Meta struct {
	Page       int   `json:"page,omitempty"`
	PageSize   int   `json:"page_size,omitempty"`
	TotalCount int64 `json:"total_count,omitempty"`
	HasMore    bool  `json:"has_more,omitempty"`
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{Success: true, Data: data})
}

func okWithMeta(c *fiber.Ctx, data interface{}, meta *Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(Response{Success: true, Data: data})
}

func errResp(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}})
}

func badRequest(c *fiber.Ctx, message string) error {
	return errResp(c, fiber.StatusBadRequest, "BAD_REQUEST", message)
}

func notFound(c *fiber.Ctx, message string) error {
	return errResp(c, fiber.StatusNotFound, "NOT_FOUND", message)
}

func internalError(c *fiber.Ctx, message string) error {
	return errResp(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func serviceUnavailable(c *fiber.Ctx, message string) error {
	return errResp(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message)
}
