package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"chat-relay/internal/relay"
	"chat-relay/internal/services"
	"chat-relay/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// CloseMissingParams is sent when a connection arrives without userId or chatId.
const CloseMissingParams = 4001

const (
	historyLoadTimeout = 5 * time.Second
	minReadLimit       = 64 * 1024
)

type WSConfig struct {
	SendQueueSize  int
	MaxUploadBytes int64
}

// WebSocketHandler serves /ws?userId=..&chatId=..
func WebSocketHandler(hub *relay.Hub, attachments *services.AttachmentService, cfg WSConfig) fiber.Handler {
	readLimit := cfg.MaxUploadBytes
	if readLimit < minReadLimit {
		readLimit = minReadLimit
	}

	return websocket.New(func(c *websocket.Conn) {
		userID := c.Query("userId")
		chatID := c.Query("chatId")
		if userID == "" || chatID == "" {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseMissingParams, "Missing userId or chatId"))
			_ = c.Close()
			return
		}
		c.SetReadLimit(readLimit)
		log := utils.WithFields("user_id", userID, "chat_id", chatID)

		client := relay.NewClient(userID, chatID, c, cfg.SendQueueSize)
		go client.WritePump()

		ctx, cancel := context.WithTimeout(context.Background(), historyLoadTimeout)
		err := hub.Connect(ctx, client)
		cancel()
		if err != nil {
			log.Error("hub connect", "error", err)
			client.Close()
			<-client.Done()
			return
		}

		defer func() {
			if err := hub.Disconnect(client); err != nil && !errors.Is(err, relay.ErrHubStopped) {
				log.Error("hub disconnect", "error", err)
			}
			client.Close()
			<-client.Done()
		}()

		session := newConnSession(hub, attachments, client, log)
		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error("websocket read", "error", err)
				}
				break
			}

			session.HandleFrame(msgType, msg)
		}
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the identity token before upgrading. It is a no-op when no token
// secret is configured.
func AuthMiddleware(userService *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !userService.TokensRequired() {
			return c.Next()
		}

		// Get token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			authHeader := c.Get(fiber.HeaderAuthorization)
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		uid, err := userService.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		// A missing userId is rejected after the upgrade with the dedicated close code.
		if want := c.Query("userId"); want != "" && want != uid {
			return fiber.NewError(fiber.StatusUnauthorized, "Token does not match userId")
		}

		c.Locals("user_id", uid)
		return c.Next()
	}
}
