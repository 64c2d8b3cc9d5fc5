package handlers

import (
	"context"

	"chatsync/internal/middleware"
	"chatsync/internal/protocol"

	"github.com/gofiber/fiber/v2"
)

// rpc parses a JSON body of type T, runs call as the authenticated user and
// answers with the caller's own updates
func rpc[T any](h *Handler, call func(context.Context, int64, T) (protocol.UpdatesResult, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in T
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "Invalid request body")
		}

		result, err := call(c.UserContext(), middleware.GetUserID(c), in)
		if err != nil {
			return h.respondError(c, err)
		}
		if result.Updates == nil {
			result.Updates = []protocol.Update{}
		}

		return c.JSON(protocol.Response[protocol.UpdatesResult]{
			Success: true,
			Data:    result,
		})
	}
}

// Mutations returns the RPC handlers keyed by method name
func (h *Handler) Mutations() map[string]fiber.Handler {
	return map[string]fiber.Handler{
		protocol.MethodSendMessage:       rpc(h, h.svc.SendMessage),
		protocol.MethodEditMessage:       rpc(h, h.svc.EditMessage),
		protocol.MethodDeleteMessages:    rpc(h, h.svc.DeleteMessages),
		protocol.MethodAddReaction:       rpc(h, h.svc.AddReaction),
		protocol.MethodDeleteReaction:    rpc(h, h.svc.DeleteReaction),
		protocol.MethodSendComposeAction: rpc(h, h.svc.SendComposeAction),
		protocol.MethodAddParticipant:    rpc(h, h.svc.AddParticipant),
		protocol.MethodRemoveParticipant: rpc(h, h.svc.RemoveParticipant),
	}
}
