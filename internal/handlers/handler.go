package handlers

import (
	"context"

	"chatsync/internal/apperror"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"
	"chatsync/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Messaging is the server mutation surface the RPC handlers call
type Messaging interface {
	SendMessage(ctx context.Context, actorID int64, in protocol.SendMessageInput) (protocol.UpdatesResult, error)
	EditMessage(ctx context.Context, actorID int64, in protocol.EditMessageInput) (protocol.UpdatesResult, error)
	DeleteMessages(ctx context.Context, actorID int64, in protocol.DeleteMessagesInput) (protocol.UpdatesResult, error)
	AddReaction(ctx context.Context, actorID int64, in protocol.ReactionInput) (protocol.UpdatesResult, error)
	DeleteReaction(ctx context.Context, actorID int64, in protocol.ReactionInput) (protocol.UpdatesResult, error)
	SendComposeAction(ctx context.Context, actorID int64, in protocol.SendComposeActionInput) (protocol.UpdatesResult, error)
	AddParticipant(ctx context.Context, actorID int64, in protocol.ParticipantInput) (protocol.UpdatesResult, error)
	RemoveParticipant(ctx context.Context, actorID int64, in protocol.ParticipantInput) (protocol.UpdatesResult, error)
	History(ctx context.Context, actorID int64, peer protocol.Peer, beforeID int64, limit int) (protocol.HistoryResult, error)
}

// Handler holds what the HTTP handlers need
type Handler struct {
	svc Messaging
	hub *realtime.Hub
	log *zap.SugaredLogger
}

func New(svc Messaging, hub *realtime.Hub, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, hub: hub, log: logging.OrNop(log)}
}

func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	kind := apperror.KindOf(err)
	message := "Internal server error"
	if kind == apperror.KindInternal {
		h.log.Errorf("%s %s failed: %v", c.Method(), c.Path(), err)
	} else if e, ok := apperror.As(err); ok {
		message = e.Message
	}

	return c.Status(apperror.HTTPStatus(kind)).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    apperror.CodeOf(err),
		"kind":    kind,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    "INVALID_REQUEST",
		"kind":    apperror.KindValidation,
	})
}

// HealthCheck reports liveness
func HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"message": "chatsync server is running",
	})
}
