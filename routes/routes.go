package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/config"
	controller "relaycrm/controllers"
	"relaycrm/middleware"
	"relaycrm/queue"
)

// triggerRequestsPerMinute caps enrollment triggers per caller IP.
const triggerRequestsPerMinute = 30

// SetupRoutes wires every HTTP surface of the engine: the protected
// cron entry point, enrollment management, provider webhooks and the
// public unsubscribe link.
func SetupRoutes(app *fiber.App, db *gorm.DB, q *queue.EmailQueue, lock queue.Locker, log *logrus.Logger) {
	queueController := controller.NewQueueController(q, lock, log.WithField("component", "queue"))
	sequenceController := controller.NewSequenceController(db, q, log.WithField("component", "sequence"))
	webhookController := controller.NewWebhookController(db, q, config.AppConfig.WebhookSecret, log.WithField("component", "webhook"))
	unsubscribeController := controller.NewUnsubscribeController(q, config.AppConfig.UnsubscribeSecret, log.WithField("component", "unsubscribe"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"environment": config.AppConfig.Environment,
		})
	})

	// Public unsubscribe link; the token is the credential.
	app.Get("/unsubscribe/:token", unsubscribeController.Unsubscribe)

	// Provider callbacks, authenticated by HMAC signature.
	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhooks.Post("/provider", webhookController.HandleProviderEvent)
	webhooks.Post("/replies", webhookController.HandleReply)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Cron entry points. GET exists for schedulers that cannot POST.
	cron := api.Group("/cron", middleware.CronProtected(config.AppConfig.CronSecret))
	cron.Post("/process", queueController.ProcessQueue)
	cron.Get("/process", queueController.ProcessQueue)

	sequences := api.Group("/sequences")
	sequences.Post("/:id/trigger", middleware.TriggerRateLimiter(triggerRequestsPerMinute), sequenceController.TriggerSequence)
	sequences.Get("/:id/contacts", sequenceController.ListSequenceContacts)
	sequences.Patch("/:id/contacts", sequenceController.UpdateContactStatus)
	sequences.Delete("/:id/contacts", sequenceController.RemoveContacts)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "route not found",
		})
	})
}
