package handlers

import (
	"strings"

	"roomchat/internal/services"
	"roomchat/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const localClaims = "claims"

// AuthMiddleware verifies the join token before the handler runs. The token
// comes from the `access_token` query parameter or a Bearer header, since
// browsers cannot set headers on websocket upgrades.
func AuthMiddleware(tokens *services.TokenService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := tokenOf(c)
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(localClaims, claims)
		return c.Next()
	}
}

func tokenOf(c *fiber.Ctx) string {
	if token := c.Query("access_token"); token != "" {
		return token
	}
	authHeader := c.Get(fiber.HeaderAuthorization)
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

// RequireRoom rejects requests whose :code is not the token's room.
func RequireRoom(c *fiber.Ctx) error {
	claims := claimsOf(c)
	if claims == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	}
	code, err := store.NormalizeCode(c.Params("code"))
	if err != nil {
		return errorResponse(c, err)
	}
	if code != claims.Room {
		return fiber.NewError(fiber.StatusForbidden, "token is for another room")
	}
	return c.Next()
}

// RefreshTokenHandler trades a token, possibly already expired but within
// the refresh grace, for a fresh one on the same session. It runs outside
// AuthMiddleware, which would reject the expired token.
func RefreshTokenHandler(rooms *services.RoomService, tokens *services.TokenService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := tokenOf(c)
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}
		claims, err := tokens.ValidateForRefresh(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		code, err := store.NormalizeCode(c.Params("code"))
		if err != nil {
			return errorResponse(c, err)
		}
		if code != claims.Room {
			return fiber.NewError(fiber.StatusForbidden, "token is for another room")
		}
		res, err := rooms.Refresh(c.UserContext(), claims)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(res)
	}
}

// WSUpgradeMiddleware lets only websocket upgrades through.
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func claimsOf(c *fiber.Ctx) *services.JoinClaims {
	claims, _ := c.Locals(localClaims).(*services.JoinClaims)
	return claims
}
