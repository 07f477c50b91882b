package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tomatic/tomatic-backend/internal/repository"
	"github.com/tomatic/tomatic-backend/internal/services"
)

// ListSessions returns all session ids, newest-updated first.
func ListSessions(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ids, err := deps.Manager.ListSessionIDs(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"session_ids": ids,
		})
	}
}

// NewSession resets the manager to a fresh, unpersisted session.
func NewSession(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		deps.Manager.NewSession(c.Context())
		return c.JSON(deps.Manager.State())
	}
}

// Navigate moves to the previous (older) or next (newer) session in the
// recency ordering. Past-the-end navigation leaves the state unchanged.
func Navigate(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Direction string `json:"direction"`
		}

		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		dir := services.Direction(req.Direction)
		if dir != services.DirectionPrev && dir != services.DirectionNext {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "direction must be \"prev\" or \"next\"",
			})
		}

		if err := deps.Manager.Navigate(c.Context(), dir); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(deps.Manager.State())
	}
}

// GetSession returns a stored session without making it current.
func GetSession(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		session, err := deps.Manager.GetSession(c.Context(), c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if session == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		return c.JSON(session)
	}
}

// LoadSession makes a stored session current. An unknown id falls back to a
// fresh session rather than failing hard.
func LoadSession(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := deps.Manager.LoadSession(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(deps.Manager.State())
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(deps.Manager.State())
	}
}

// DeleteSession removes a stored session.
func DeleteSession(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := deps.Manager.DeleteSession(c.Context(), c.Params("id")); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "deleted"})
	}
}
