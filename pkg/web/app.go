package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

// NewApp assembles the fiber application: the Telegram webhook, the binding
// admin API, health, and the Prometheus endpoint.
func NewApp(handlers *Handlers) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "rise-gateway",
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Rise Gateway")
	})

	telegramGroup := app.Group("/telegram")
	telegramGroup.Post("/webhook", handlers.PostWebhook)
	telegramGroup.Post("/setup_webhook", handlers.SetupWebhook)

	admin := app.Group("/admin")
	admin.Get("/bindings", handlers.ListBindings)
	admin.Post("/bindings/refresh", handlers.RefreshBindings)
	admin.Put("/bindings/:workflowID", handlers.UpsertBinding)
	admin.Delete("/bindings/:workflowID", handlers.DeleteBinding)
	admin.Post("/bindings/:workflowID/kill_switch", handlers.SetKillSwitch)
	admin.Post("/bindings/:workflowID/rotate_token", handlers.RotateToken)
	admin.Post("/bindings/:workflowID/test", handlers.TestMessage)
	admin.Get("/diagnostics", handlers.Diagnostics)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(handlers.recorder.Handler()))

	return app
}
