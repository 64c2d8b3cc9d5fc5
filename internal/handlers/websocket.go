package handlers

import (
	"chatsync/internal/realtime"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// WebSocketUpgrade checks if the request should be upgraded to WebSocket
func WebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"success": false,
		"error":   "WebSocket upgrade required",
		"code":    "UPGRADE_REQUIRED",
	})
}

// WebSocket serves one push-stream session per connection
func (h *Handler) WebSocket(c *websocket.Conn) {
	// Set by the auth middleware before the upgrade
	userID, ok := c.Locals("userID").(int64)
	if !ok || userID == 0 {
		c.Close()
		return
	}

	realtime.NewSession(userID, c, h.hub).Serve() // blocks until the connection closes
}

// GetWebSocketStats returns push-stream connection statistics
func (h *Handler) GetWebSocketStats(c *fiber.Ctx) error {
	if h.hub == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket hub not initialized",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sessions":    h.hub.SessionCount(),
			"onlineUsers": h.hub.OnlineUsers(),
		},
	})
}
