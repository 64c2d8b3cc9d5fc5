package handlers

import (
	"strconv"

	"chatsync/internal/middleware"
	"chatsync/internal/protocol"

	"github.com/gofiber/fiber/v2"
)

// GetHistory returns a page of a chat's messages, newest first
// Query: peer=user:5|thread:9, before=<message id>, limit=<n>
func (h *Handler) GetHistory(c *fiber.Ctx) error {
	peer, err := protocol.ParsePeer(c.Query("peer"))
	if err != nil {
		return badRequest(c, "Invalid peer")
	}

	var beforeID int64
	if raw := c.Query("before"); raw != "" {
		beforeID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || beforeID < 0 {
			return badRequest(c, "Invalid before")
		}
	}

	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return badRequest(c, "Invalid limit")
	}

	result, err := h.svc.History(c.UserContext(), middleware.GetUserID(c), peer, beforeID, limit)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(protocol.Response[protocol.HistoryResult]{
		Success: true,
		Data:    result,
	})
}
