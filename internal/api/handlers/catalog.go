package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// GetModels returns the model catalog with pricing.
func GetModels(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"models": deps.Catalog.List(),
		})
	}
}

// RefreshModels re-fetches the model catalog from the backend.
func RefreshModels(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Provider == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No API key configured",
			})
		}

		if err := deps.Catalog.Refresh(c.Context(), deps.Provider); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"models": deps.Catalog.List(),
		})
	}
}

// SelectModel sets the model used for subsequent turns.
func SelectModel(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Model string `json:"model"`
		}

		if err := c.BodyParser(&req); err != nil || req.Model == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "model is required",
			})
		}

		deps.Manager.SetModel(req.Model)
		return c.JSON(deps.Manager.State())
	}
}

// GetPrompts returns the shared system prompt catalog.
func GetPrompts(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"prompts": deps.Config.Prompts,
		})
	}
}

// SelectPrompt sets (or clears) the system prompt for subsequent turns. An
// unknown name is accepted and simply resolves to no prompt at submit time.
func SelectPrompt(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Name *string `json:"name"`
		}

		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		deps.Manager.SetPrompt(req.Name)
		return c.JSON(deps.Manager.State())
	}
}
