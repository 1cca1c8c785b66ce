package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"relaycrm/config"
	controller "relaycrm/controllers"
	"relaycrm/middleware"
	"relaycrm/queue"
	"relaycrm/routes"
	"relaycrm/utils"
	"relaycrm/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if config.AppConfig.Environment == "development" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Delivery transport: Resend when an API key is present, SMTP otherwise.
	var mailer utils.Mailer
	if config.AppConfig.ResendAPIKey != "" {
		mailer = utils.NewResendMailer(config.AppConfig.ResendAPIKey, log.WithField("component", "mailer"))
	} else {
		mailer = utils.NewSMTPMailer(
			config.AppConfig.SMTPHost,
			config.AppConfig.SMTPPort,
			config.AppConfig.SMTPUsername,
			config.AppConfig.SMTPPassword,
			log.WithField("component", "mailer"),
		)
	}

	emailQueue := queue.New(config.DB, mailer, queue.Config{
		BatchSize:         config.AppConfig.BatchSize,
		AppURL:            config.AppConfig.AppURL,
		UnsubscribeSecret: config.AppConfig.UnsubscribeSecret,
		DefaultFromEmail:  config.AppConfig.DefaultFromEmail,
		DefaultFromName:   config.AppConfig.DefaultFromName,
		MaxRetryAttempts:  config.AppConfig.MaxRetryAttempts,
		RetryBackoffBase:  time.Duration(config.AppConfig.RetryBackoffHours) * time.Hour,
	}, log.WithField("component", "queue"))

	// Run lock; without Redis a single-instance in-process lock is enough.
	var lock queue.Locker = queue.NoopLock{}
	if config.AppConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		lock = queue.NewRedisLock(redisClient, "relaycrm:queue:run", 5*time.Minute)
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, emailQueue, lock, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.AppConfig.QueueWorkerEnabled {
		queueWorker := worker.NewQueueWorker(
			emailQueue,
			lock,
			time.Duration(config.AppConfig.QueueWorkerMinutes)*time.Minute,
			log.WithField("component", "queue_worker"),
		)
		go queueWorker.Start(ctx)
	}

	if config.AppConfig.ReplyWorkerEnabled {
		webhooks := controller.NewWebhookController(
			config.DB,
			emailQueue,
			config.AppConfig.WebhookSecret,
			log.WithField("component", "reply_worker"),
		)
		replyWorker := worker.NewReplyWorker(
			config.DB,
			webhooks,
			time.Duration(config.AppConfig.ReplyWorkerMinutes)*time.Minute,
			log.WithField("component", "reply_worker"),
		)
		go replyWorker.Start(ctx)
	}

	log.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
