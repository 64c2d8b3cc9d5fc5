package routes

import (
	"chatsync/internal/handlers"
	"chatsync/internal/middleware"
	"chatsync/internal/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is what the routes are built from
type Deps struct {
	Handler *handlers.Handler
	Tokens  *utils.Tokens
	// RPCRateLimit and HistoryRateLimit are requests per user and minute
	RPCRateLimit     int
	HistoryRateLimit int
	// Metrics is served on /metrics when set
	Metrics prometheus.Gatherer
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, deps Deps) {
	h := deps.Handler
	auth := middleware.Auth(deps.Tokens)

	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", handlers.HealthCheck)

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	// Mutations (protected)
	rpc := api.Group("/rpc", auth, middleware.RateLimiter(middleware.PerMinute(deps.RPCRateLimit)))
	for method, handler := range h.Mutations() {
		rpc.Post("/"+method, handler)
	}

	api.Get("/history", auth, middleware.RateLimiter(middleware.PerMinute(deps.HistoryRateLimit)), h.GetHistory)

	// Push stream (protected)
	api.Get("/ws", auth, handlers.WebSocketUpgrade, websocket.New(h.WebSocket))

	// WebSocket stats (protected, for debugging)
	api.Get("/ws/stats", auth, h.GetWebSocketStats)
}
