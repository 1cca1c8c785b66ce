package controllers

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"relaycrm/queue"
)

// QueueController exposes the manual/cron entry point for the queue
// processor. The route sits behind CronProtected; the lock stops two
// overlapping runs from double-sending.
type QueueController struct {
	Queue  *queue.EmailQueue
	Lock   queue.Locker
	Logger *logrus.Entry
}

func NewQueueController(q *queue.EmailQueue, lock queue.Locker, logger *logrus.Entry) *QueueController {
	return &QueueController{Queue: q, Lock: lock, Logger: logger}
}

// ProcessQueue runs one batch pass. With ?retry=1 failed tasks below
// the attempt ceiling are requeued first so the same pass can pick any
// that are already due.
func (qc *QueueController) ProcessQueue(c *fiber.Ctx) error {
	ctx := c.Context()

	acquired, err := qc.Lock.Acquire(ctx)
	if err != nil {
		qc.Logger.WithError(err).Error("queue lock acquire failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to acquire queue lock",
		})
	}
	if !acquired {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   "queue run already in progress",
		})
	}
	defer func() {
		if err := qc.Lock.Release(ctx); err != nil {
			qc.Logger.WithError(err).Warn("queue lock release failed")
		}
	}()

	requeued := 0
	if c.Query("retry") == "1" {
		requeued, err = qc.Queue.RequeueFailed(ctx)
		if err != nil {
			sentry.CaptureException(err)
			qc.Logger.WithError(err).Error("requeue pass failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "failed to requeue failed tasks",
			})
		}
	}

	result, err := qc.Queue.ProcessQueue(ctx)
	if err != nil {
		sentry.CaptureException(err)
		qc.Logger.WithError(err).Error("queue pass failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "queue processing failed",
		})
	}

	response := fiber.Map{
		"success":   true,
		"processed": result.Processed,
		"message":   fmt.Sprintf("Processed %d emails", result.Processed),
	}
	if c.Query("retry") == "1" {
		response["requeued"] = requeued
	}
	if len(result.Errors) > 0 {
		response["errors"] = result.Errors
	}
	return c.JSON(response)
}
