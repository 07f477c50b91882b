package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/tomatic/tomatic-backend/internal/api/handlers"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps handlers.Deps) {
	api := app.Group("/api/v1")

	// Chat actions
	api.Post("/chat", handlers.Submit(deps))
	api.Post("/chat/regenerate", handlers.Regenerate(deps))
	api.Post("/chat/cancel", handlers.Cancel(deps))
	api.Get("/state", handlers.GetState(deps))

	// Session management and navigation
	api.Get("/sessions", handlers.ListSessions(deps))
	api.Post("/sessions/new", handlers.NewSession(deps))
	api.Post("/sessions/navigate", handlers.Navigate(deps))
	api.Get("/sessions/:id", handlers.GetSession(deps))
	api.Post("/sessions/:id/load", handlers.LoadSession(deps))
	api.Delete("/sessions/:id", handlers.DeleteSession(deps))

	// Model catalog
	api.Get("/models", handlers.GetModels(deps))
	api.Post("/models/refresh", handlers.RefreshModels(deps))
	api.Put("/models/selected", handlers.SelectModel(deps))

	// System prompt catalog
	api.Get("/prompts", handlers.GetPrompts(deps))
	api.Put("/prompts/selected", handlers.SelectPrompt(deps))

	// Health check
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "tomatic-backend",
		})
	})

	// WebSocket state updates
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(handlers.StateSocket(deps)))
}
