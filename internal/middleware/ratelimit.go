package middleware

import (
	"strconv"
	"time"

	"chatsync/internal/apperror"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Limit is a request budget per caller and window
type Limit struct {
	Max    int
	Window time.Duration
}

func PerMinute(n int) Limit { return Limit{Max: n, Window: time.Minute} }

// RateLimiter enforces l per authenticated user, falling back to the client
// IP when it runs before Auth. Rejections use the API error body with a
// Network kind so clients treat them as transient.
func RateLimiter(l Limit) fiber.Handler {
	retryAfter := strconv.Itoa(int(max(l.Window.Seconds(), 1)))
	return limiter.New(limiter.Config{
		Max:        l.Max,
		Expiration: l.Window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := GetUserID(c); userID != 0 {
				return "user:" + strconv.FormatInt(userID, 10)
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, retryAfter)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "Too many requests, please try again later",
				"code":    "RATE_LIMITED",
				"kind":    apperror.KindNetwork,
			})
		},
	})
}
