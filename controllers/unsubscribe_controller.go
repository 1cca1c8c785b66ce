package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"relaycrm/queue"
	"relaycrm/utils"
)

// UnsubscribeController serves the one-click opt-out link embedded in
// every outbound email.
type UnsubscribeController struct {
	Queue  *queue.EmailQueue
	Secret string
	Logger *logrus.Entry
}

func NewUnsubscribeController(q *queue.EmailQueue, secret string, logger *logrus.Entry) *UnsubscribeController {
	return &UnsubscribeController{Queue: q, Secret: secret, Logger: logger}
}

const unsubscribedPage = `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 60px;">
<h1>You're unsubscribed</h1>
<p>You will no longer receive emails from us.</p>
</body>
</html>`

const invalidTokenPage = `<!DOCTYPE html>
<html>
<head><title>Link not found</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 60px;">
<h1>Link not found</h1>
<p>This unsubscribe link is invalid or has expired.</p>
</body>
</html>`

// Unsubscribe opts the contact out of all sequences. Tokens are
// self-contained, so the link keeps working however old the email is,
// and repeat clicks stay a no-op.
func (uc *UnsubscribeController) Unsubscribe(c *fiber.Ctx) error {
	contactID, err := utils.ParseUnsubscribeToken(c.Params("token"), uc.Secret)
	if err != nil {
		return c.Status(fiber.StatusNotFound).Type("html").SendString(invalidTokenPage)
	}

	if err := uc.Queue.UnsubscribeContact(c.Context(), contactID, nil); err != nil {
		uc.Logger.WithError(err).WithField("contact_id", contactID).
			Error("failed to unsubscribe contact")
		return c.Status(fiber.StatusInternalServerError).Type("html").
			SendString("<h1>Something went wrong</h1><p>Please try again later.</p>")
	}

	uc.Logger.WithField("contact_id", contactID).Info("contact unsubscribed")
	return c.Type("html").SendString(unsubscribedPage)
}
