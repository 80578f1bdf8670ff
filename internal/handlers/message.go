package handlers

import (
	"fmt"
	"io"
	"net/http"

	"roomchat/internal/blob"
	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/gofiber/fiber/v2"
)

func ListMessagesHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		msgs, err := st.ListMessages(c.UserContext(), claimsOf(c).Room)
		if err != nil {
			return errorResponse(c, err)
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		return c.JSON(msgs)
	}
}

// systemNotice reports whether content is a join or leave notice for name,
// the only system messages a participant may post.
func systemNotice(content, name string) bool {
	return content == fmt.Sprintf("%s joined the chat", name) ||
		content == fmt.Sprintf("%s left the chat", name)
}

// PostMessageHandler stores a message. The sender is always the token's
// name; system messages are limited to the caller's own join and leave
// notices.
func PostMessageHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := claimsOf(c)
		var req models.NewMessage
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}

		req.Room = claims.Room
		if req.IsSystem {
			if !systemNotice(req.Content, claims.Name) {
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "system messages are reserved"})
			}
			req.Sender = models.SystemSender
		} else {
			req.Sender = claims.Name
		}

		msg, err := st.InsertMessage(c.UserContext(), req)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.Status(http.StatusCreated).JSON(msg)
	}
}

func ListReactionsHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := st.ListReactions(c.UserContext(), claimsOf(c).Room)
		if err != nil {
			return errorResponse(c, err)
		}
		if list == nil {
			list = []models.Reaction{}
		}
		return c.JSON(list)
	}
}

func reactionFrom(c *fiber.Ctx) (models.Reaction, error) {
	var req models.ReactionRequest
	if err := c.BodyParser(&req); err != nil {
		return models.Reaction{}, store.ErrInvalid
	}
	claims := claimsOf(c)
	return models.Reaction{
		MessageID: req.MessageID,
		Room:      claims.Room,
		Emoji:     req.Emoji,
		UserName:  claims.Name,
	}, nil
}

func AddReactionHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		r, err := reactionFrom(c)
		if err != nil {
			return errorResponse(c, err)
		}
		if err := st.AddReaction(c.UserContext(), r); err != nil {
			return errorResponse(c, err)
		}
		return c.SendStatus(http.StatusCreated)
	}
}

func RemoveReactionHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		r, err := reactionFrom(c)
		if err != nil {
			return errorResponse(c, err)
		}
		if err := st.RemoveReaction(c.UserContext(), r); err != nil {
			return errorResponse(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func ListReadsHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := st.ListReads(c.UserContext(), claimsOf(c).Room)
		if err != nil {
			return errorResponse(c, err)
		}
		if list == nil {
			list = []models.ReadReceipt{}
		}
		return c.JSON(list)
	}
}

func MarkReadHandler(st store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.ReadRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		claims := claimsOf(c)
		created, err := st.UpsertRead(c.UserContext(), models.ReadReceipt{
			MessageID: req.MessageID,
			Room:      claims.Room,
			UserName:  claims.Name,
		})
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(models.UpsertReadResponse{Created: created})
	}
}

// UploadFileHandler stores a multipart "file" for the caller's room.
func UploadFileHandler(blobs blob.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
		}
		if fileHeader.Size > blob.MaxSize {
			return errorResponse(c, blob.ErrTooLarge)
		}

		f, err := fileHeader.Open()
		if err != nil {
			return errorResponse(c, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, blob.MaxSize+1))
		if err != nil {
			return errorResponse(c, err)
		}

		ref, err := blobs.Upload(c.UserContext(), claimsOf(c).Room, blob.Upload{
			Name:     fileHeader.Filename,
			MimeType: fileHeader.Header.Get(fiber.HeaderContentType),
			Data:     data,
		})
		if err != nil {
			return errorResponse(c, err)
		}
		return c.Status(http.StatusCreated).JSON(ref)
	}
}
