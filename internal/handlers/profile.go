package handlers

import (
	"errors"
	"net/http"

	"chat-relay/internal/relay"
	"chat-relay/internal/services"
	"chat-relay/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// GetProfileHandler returns the profile stored under users/{userId}
func GetProfileHandler(userService *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Params("userId")
		u, err := userService.GetProfile(c.Context(), userID)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "user not found"})
			}
			utils.LogError(err, "GetProfile", "user_id", userID)
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(u)
	}
}

// HealthHandler reports liveness plus the hub's connection and room counts.
func HealthHandler(hub *relay.Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats := hub.Stats()
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": stats.Connections,
			"rooms":       stats.Rooms,
		})
	}
}
