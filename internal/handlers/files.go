package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"chat-relay/internal/services"
	"chat-relay/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// FileHandler serves GET /files/:id
func FileHandler(attachments *services.AttachmentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		path, contentType, err := attachments.Open(id)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "File not found"})
			}
			utils.LogError(err, "open attachment", "attachment_id", id)
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read file"})
		}

		f, err := os.Open(path)
		if err != nil {
			utils.LogError(err, "open attachment", "attachment_id", id)
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "File not found"})
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read file"})
		}

		c.Set(fiber.HeaderContentType, contentType)
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", id))
		// The stream is closed by fasthttp once the body has been written.
		return c.SendStream(f, int(info.Size()))
	}
}

// NotFoundHandler answers every route that is not registered.
func NotFoundHandler(c *fiber.Ctx) error {
	return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
}
