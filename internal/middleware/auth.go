package middleware

import (
	"strings"

	"chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// Auth validates the session token from the "token" cookie or an
// Authorization bearer header
func Auth(tokens *utils.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Cookies("token")
		if tokenString == "" {
			if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
				tokenString = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - No token provided",
				"code":    "UNAUTHORIZED",
			})
		}

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - Invalid token",
				"code":    "UNAUTHORIZED",
			})
		}

		c.Locals("userID", claims.UserID)
		return c.Next()
	}
}

// GetUserID gets user ID from context
func GetUserID(c *fiber.Ctx) int64 {
	userID, ok := c.Locals("userID").(int64)
	if !ok {
		return 0
	}
	return userID
}
