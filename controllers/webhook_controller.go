package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relaycrm/models"
	"relaycrm/queue"
	"relaycrm/utils"
)

// ErrNoMatchingEmail is returned when an inbound reply cannot be tied
// to any sent email.
var ErrNoMatchingEmail = errors.New("no matching sent email for reply")

// WebhookController ingests delivery-provider events and inbound
// replies, and folds them into the per-email engagement ledger.
type WebhookController struct {
	DB     *gorm.DB
	Queue  *queue.EmailQueue
	Secret string
	Logger *logrus.Entry
}

func NewWebhookController(db *gorm.DB, q *queue.EmailQueue, secret string, logger *logrus.Entry) *WebhookController {
	return &WebhookController{DB: db, Queue: q, Secret: secret, Logger: logger}
}

var eventStatus = map[string]models.EmailStatus{
	"email.sent":       models.EmailSent,
	"email.delivered":  models.EmailDelivered,
	"email.opened":     models.EmailOpened,
	"email.clicked":    models.EmailClicked,
	"email.bounced":    models.EmailBounced,
	"email.complained": models.EmailComplained,
}

// HandleProviderEvent processes one signed provider webhook. Events are
// recorded append-only; an event id seen before is acknowledged without
// touching counters or status. Unknown event types and events for
// unknown emails are acknowledged too, so the provider stops retrying.
func (wc *WebhookController) HandleProviderEvent(c *fiber.Ctx) error {
	if wc.Secret == "" {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "webhook secret not configured",
		})
	}
	body := c.Body()

	signature := c.Get("webhook-signature")
	if signature == "" {
		signature = c.Get("resend-signature")
	}
	if !utils.VerifyWebhookSignature(wc.Secret, body, signature) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "invalid webhook signature",
		})
	}

	event, err := utils.ParseProviderEvent(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	if event.EventID == "" {
		event.EventID = c.Get("webhook-id")
	}

	status, known := eventStatus[event.Type]
	if !known {
		return c.JSON(fiber.Map{"success": true, "message": "event type ignored"})
	}

	audit := models.EmailEvent{
		EventType:  event.Type,
		RawPayload: string(event.Raw),
	}
	if event.EventID != "" {
		audit.ProviderEventID = utils.Pointer(event.EventID)
	}

	var emailLog models.EmailLog
	err = wc.DB.WithContext(c.Context()).
		Where("provider_email_id = ?", event.EmailID).
		First(&emailLog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Audited with a nil log reference so the trail stays complete.
		wc.Logger.WithField("email_id", event.EmailID).Warn("event for unknown email")
		if err := wc.DB.WithContext(c.Context()).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).Create(&audit).Error; err != nil {
			wc.Logger.WithError(err).Error("failed to record event")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "internal server error",
			})
		}
		return c.JSON(fiber.Map{"success": true, "message": "email not found"})
	}
	if err != nil {
		wc.Logger.WithError(err).Error("failed to load email log")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "internal server error",
		})
	}
	audit.EmailLogID = utils.Pointer(emailLog.ID)

	duplicate := false
	err = wc.DB.WithContext(c.Context()).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).Create(&audit)
		if res.Error != nil {
			return fmt.Errorf("failed to record event: %w", res.Error)
		}
		if event.EventID != "" && res.RowsAffected == 0 {
			duplicate = true
			return nil
		}

		return wc.applyEvent(tx, &emailLog, status, time.Now())
	})
	if err != nil {
		wc.Logger.WithError(err).Error("failed to apply event")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "internal server error",
		})
	}
	if duplicate {
		return c.JSON(fiber.Map{"success": true, "message": "duplicate event"})
	}

	// A complaint is a global opt-out: every open enrollment of the
	// contact stops, not just the one that sent this email.
	if status == models.EmailComplained {
		if err := wc.Queue.UnsubscribeContact(c.Context(), emailLog.ContactID, nil); err != nil {
			wc.Logger.WithError(err).Error("failed to unsubscribe complaining contact")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "internal server error",
			})
		}
	}

	return c.JSON(fiber.Map{"success": true})
}

// applyEvent folds one event into the email log. Status moves only
// forward along the engagement order; terminal statuses absorb. The
// repeat-engagement fields (counts, Last* stamps) update even when the
// status itself does not move.
func (wc *WebhookController) applyEvent(tx *gorm.DB, emailLog *models.EmailLog, status models.EmailStatus, now time.Time) error {
	updates := map[string]interface{}{}

	switch status {
	case models.EmailSent:
		if emailLog.SentAt == nil {
			updates["sent_at"] = now
		}
	case models.EmailDelivered:
		if emailLog.DeliveredAt == nil {
			updates["delivered_at"] = now
		}
	case models.EmailOpened:
		if emailLog.OpenedAt == nil {
			updates["opened_at"] = now
		}
		updates["last_opened_at"] = now
		updates["open_count"] = gorm.Expr("open_count + 1")
	case models.EmailClicked:
		// A click proves an open even when the open pixel never fired.
		if emailLog.OpenedAt == nil {
			updates["opened_at"] = now
			updates["last_opened_at"] = now
			updates["open_count"] = gorm.Expr("open_count + 1")
		}
		if emailLog.ClickedAt == nil {
			updates["clicked_at"] = now
		}
		updates["last_clicked_at"] = now
		updates["click_count"] = gorm.Expr("click_count + 1")
	case models.EmailBounced:
		if emailLog.BouncedAt == nil {
			updates["bounced_at"] = now
		}
	case models.EmailComplained:
		if emailLog.ComplainedAt == nil {
			updates["complained_at"] = now
		}
	}

	if emailLog.Status.CanAdvanceTo(status) {
		updates["status"] = status
	}

	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.EmailLog{}).Where("id = ?", emailLog.ID).
		Updates(updates).Error
}

// InboundReply is one reply message, whichever channel delivered it
// (reply webhook or the IMAP worker).
type InboundReply struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"text"`
	BodyHTML   string    `json:"html"`
	MessageID  string    `json:"message_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// HandleReply ingests a reply notification posted by an inbound-parse
// service. Same signature scheme as the provider webhook.
func (wc *WebhookController) HandleReply(c *fiber.Ctx) error {
	if wc.Secret == "" {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "webhook secret not configured",
		})
	}
	body := c.Body()

	signature := c.Get("webhook-signature")
	if !utils.VerifyWebhookSignature(wc.Secret, body, signature) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "invalid webhook signature",
		})
	}

	var reply InboundReply
	if err := c.BodyParser(&reply); err != nil || reply.From == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid reply payload",
		})
	}

	if err := wc.ProcessReply(c.Context(), reply); err != nil {
		if errors.Is(err, ErrNoMatchingEmail) {
			return c.JSON(fiber.Map{"success": true, "message": "no matching email"})
		}
		wc.Logger.WithError(err).Error("failed to process reply")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "internal server error",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ProcessReply ties an inbound reply to the most recent email sent to
// its author, marks that email replied and pauses the contact's active
// enrollment in the sending sequence so no further drip steps fire into
// a live conversation. Replies are deduplicated on Message-ID.
func (wc *WebhookController) ProcessReply(ctx context.Context, reply InboundReply) error {
	if reply.MessageID != "" {
		var seen int64
		if err := wc.DB.WithContext(ctx).Model(&models.EmailReply{}).
			Where("message_id = ?", reply.MessageID).
			Count(&seen).Error; err != nil {
			return fmt.Errorf("failed to check reply dedup: %w", err)
		}
		if seen > 0 {
			return nil
		}
	}

	var contact models.Contact
	err := wc.DB.WithContext(ctx).Where("email = ?", reply.From).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoMatchingEmail
	}
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}

	query := wc.DB.WithContext(ctx).
		Where("contact_id = ? AND sent_at IS NOT NULL", contact.ID)
	if reply.To != "" {
		query = query.Where("sender_email = ?", reply.To)
	}
	var emailLog models.EmailLog
	err = query.Order("sent_at DESC").First(&emailLog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoMatchingEmail
	}
	if err != nil {
		return fmt.Errorf("failed to load email log: %w", err)
	}

	receivedAt := reply.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	err = wc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.EmailReply{
			EmailLogID: emailLog.ID,
			ContactID:  contact.ID,
			ReplyFrom:  reply.From,
			ReplyTo:    reply.To,
			Subject:    reply.Subject,
			BodyText:   reply.BodyText,
			BodyHTML:   reply.BodyHTML,
			MessageID:  reply.MessageID,
			ReceivedAt: receivedAt,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record reply: %w", err)
		}

		updates := map[string]interface{}{}
		if emailLog.RepliedAt == nil {
			updates["replied_at"] = receivedAt
		}
		if emailLog.Status.CanAdvanceTo(models.EmailReplied) {
			updates["status"] = models.EmailReplied
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.EmailLog{}).Where("id = ?", emailLog.ID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update email log: %w", err)
			}
		}

		// Pause the conversation's sequence; a human takes over.
		if err := tx.Model(&models.ContactSequence{}).
			Where("contact_id = ? AND sequence_id = ? AND status = ?",
				contact.ID, emailLog.SequenceID, models.EnrollmentActive).
			Update("status", models.EnrollmentPaused).Error; err != nil {
			return fmt.Errorf("failed to pause enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	wc.Logger.WithFields(logrus.Fields{
		"contact_id":   contact.ID,
		"email_log_id": emailLog.ID,
	}).Info("reply recorded")
	return nil
}
