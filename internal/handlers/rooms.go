package handlers

import (
	"net/http"

	"roomchat/internal/models"
	"roomchat/internal/services"

	"github.com/gofiber/fiber/v2"
)

func HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// CreateRoomHandler creates a room under a fresh code.
func CreateRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		code, err := rooms.Create(c.UserContext())
		if err != nil {
			return errorResponse(c, err)
		}
		return c.Status(http.StatusCreated).JSON(models.CreateRoomResponse{Code: code})
	}
}

func GetRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := rooms.Get(c.UserContext(), c.Params("code"))
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(room)
	}
}

// JoinRoomHandler admits a participant and returns their token. The body
// may be empty, in which case a name is generated.
func JoinRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.JoinRoomRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
			}
		}
		res, err := rooms.Join(c.UserContext(), c.Params("code"), req.Name)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(res)
	}
}

// RenameHandler reissues the caller's token under a new name.
func RenameHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.JoinRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		res, err := rooms.Rename(c.UserContext(), claimsOf(c), req.Name)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(res)
	}
}
