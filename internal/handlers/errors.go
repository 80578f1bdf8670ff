package handlers

import (
	"errors"
	"net/http"

	"roomchat/internal/blob"
	"roomchat/internal/services"
	"roomchat/internal/store"
	"roomchat/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, services.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate), errors.Is(err, services.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrInvalidCode),
		errors.Is(err, services.ErrInvalidName), errors.Is(err, blob.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, blob.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, blob.ErrType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func errorResponse(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		utils.LogError(err, c.Method()+" "+c.Path())
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// ErrorHandler renders fiber errors in the same shape as handler errors.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return errorResponse(c, err)
}
