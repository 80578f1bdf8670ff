package app

import (
	"roomchat/internal/blob"
	"roomchat/internal/handlers"
	"roomchat/internal/realtime"
	"roomchat/internal/services"
	"roomchat/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Deps is everything the HTTP surface needs. Store should already publish
// row changes to Hub.
type Deps struct {
	Store   store.Store
	Hub     *realtime.Hub
	Tokens  *services.TokenService
	Blobs   *blob.Disk
	Gateway handlers.GatewayConfig
	Logger  *zap.Logger
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

// NewServer builds the fiber app with every route registered.
func NewServer(d Deps) *fiber.App {
	rooms := services.NewRoomService(d.Store, d.Hub, d.Tokens, d.Logger)
	gateway := handlers.NewGateway(d.Hub, d.Gateway, d.Logger)

	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler,
		BodyLimit:             blob.MaxSize + 1<<20,
		DisableStartupMessage: true,
	})

	if d.AccessLog {
		app.Use(logger.New())
	}
	app.Use(recover.New())
	app.Use(cors.New())

	if d.Blobs != nil {
		app.Static("/uploads", d.Blobs.Dir())
	}

	app.Get("/health", handlers.HealthHandler)
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metrics(c.Context())
		return nil
	})

	api := app.Group("/api")

	// Public Routes
	api.Post("/rooms", handlers.CreateRoomHandler(rooms))
	api.Get("/rooms/:code", handlers.GetRoomHandler(rooms))
	api.Post("/rooms/:code/join", handlers.JoinRoomHandler(rooms))
	api.Post("/rooms/:code/token", handlers.RefreshTokenHandler(rooms, d.Tokens))

	// Token Routes. The group middleware matches by prefix, so it must be
	// registered after the public routes above.
	room := api.Group("/rooms/:code", handlers.AuthMiddleware(d.Tokens), handlers.RequireRoom)
	room.Put("/name", handlers.RenameHandler(rooms))
	room.Get("/messages", handlers.ListMessagesHandler(d.Store))
	room.Post("/messages", handlers.PostMessageHandler(d.Store))
	room.Get("/reactions", handlers.ListReactionsHandler(d.Store))
	room.Post("/reactions", handlers.AddReactionHandler(d.Store))
	room.Delete("/reactions", handlers.RemoveReactionHandler(d.Store))
	room.Get("/reads", handlers.ListReadsHandler(d.Store))
	room.Put("/reads", handlers.MarkReadHandler(d.Store))
	if d.Blobs != nil {
		room.Post("/files", handlers.UploadFileHandler(d.Blobs))
	}

	// WebSocket Route
	// Middleware order matters: the upgrade check runs before the token check.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(d.Tokens))
	app.Get("/ws", gateway.Handler())

	return app
}
