package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/tomatic/tomatic-backend/internal/catalog"
	"github.com/tomatic/tomatic-backend/internal/config"
	"github.com/tomatic/tomatic-backend/internal/providers"
	"github.com/tomatic/tomatic-backend/internal/services"
)

// Deps bundles what the handlers need.
type Deps struct {
	Manager  *services.SessionManager
	Catalog  *catalog.Catalog
	Provider providers.Provider
	Config   *config.Config
	Logger   *logrus.Logger
}

// Submit handles POST /api/v1/chat: appends the user's turn and streams the
// assistant response to completion before responding with the final state.
func Submit(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Text       string  `json:"text"`
			PromptName *string `json:"prompt_name,omitempty"`
		}

		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		if err := deps.Manager.Submit(c.Context(), req.Text, req.PromptName); err != nil {
			// Precondition failures and stream errors both land in the
			// error slot; the response carries the state either way.
			if errors.Is(err, services.ErrBusy) {
				return c.Status(fiber.StatusConflict).JSON(deps.Manager.State())
			}
			if errors.Is(err, services.ErrEmptyInput) || errors.Is(err, services.ErrNoAPIKey) {
				return c.Status(fiber.StatusBadRequest).JSON(deps.Manager.State())
			}
			return c.Status(fiber.StatusBadGateway).JSON(deps.Manager.State())
		}

		return c.JSON(deps.Manager.State())
	}
}

// Regenerate handles POST /api/v1/chat/regenerate: discards messages from the
// given index and re-streams the assistant response.
func Regenerate(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			FromIndex int `json:"from_index"`
		}

		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		if err := deps.Manager.Regenerate(c.Context(), req.FromIndex); err != nil {
			if errors.Is(err, services.ErrBusy) {
				return c.Status(fiber.StatusConflict).JSON(deps.Manager.State())
			}
			if errors.Is(err, services.ErrInvalidIndex) || errors.Is(err, services.ErrNoAPIKey) {
				return c.Status(fiber.StatusBadRequest).JSON(deps.Manager.State())
			}
			return c.Status(fiber.StatusBadGateway).JSON(deps.Manager.State())
		}

		return c.JSON(deps.Manager.State())
	}
}

// Cancel handles POST /api/v1/chat/cancel. Cancelling an idle manager is a
// no-op, never an error.
func Cancel(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		deps.Manager.Cancel()
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

// GetState handles GET /api/v1/state.
func GetState(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(deps.Manager.State())
	}
}
