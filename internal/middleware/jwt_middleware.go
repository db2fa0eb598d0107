package middleware

import (
	"log"
	"strings"

	"tokopay/internal/models"
	"tokopay/internal/services"

	"github.com/gofiber/fiber/v2"
)

// AuthRequired is a Fiber middleware to check for a valid JWT token.
func AuthRequired(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Authorization header is required",
			})
		}

		// Expected format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Authorization header format must be 'Bearer <token>'",
			})
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			log.Printf("JWT validation failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Invalid or expired token",
				"error":   err.Error(),
			})
		}

		userID, _ := claims["user_id"].(string)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Invalid or expired token",
				"error":   "token carries no user",
			})
		}
		role, _ := claims["role"].(string)
		if role == "" {
			role = models.RoleCustomer
		}

		c.Locals("user_id", userID)
		c.Locals("username", claims["username"])
		c.Locals("role", role)

		return c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role. It must run after AuthRequired.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r, _ := c.Locals("role").(string); r != role {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"message": "Insufficient permissions",
			})
		}
		return c.Next()
	}
}

// ActorFrom returns the authenticated caller stored by AuthRequired.
func ActorFrom(c *fiber.Ctx) services.Actor {
	userID, _ := c.Locals("user_id").(string)
	role, _ := c.Locals("role").(string)
	return services.Actor{UserID: userID, Role: role}
}
