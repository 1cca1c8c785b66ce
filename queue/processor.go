package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycrm/models"
	"relaycrm/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessResult aggregates one batch pass. A non-empty Errors slice
// means a degraded but completed run, not a failure.
type ProcessResult struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
}

// ProcessQueue drains one batch of due tasks. Tasks are claimed in
// (priority, scheduled_at) order and handled sequentially so two tasks
// never interleave writes to the same enrollment. Individual send
// failures are collected and never abort the batch; only queue-store
// access failures are returned as errors.
func (q *EmailQueue) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	now := q.now()

	var tasks []models.QueueTask
	err := q.db.WithContext(ctx).
		Preload("Contact").
		Preload("Template").
		Where("status = ? AND scheduled_at <= ?", models.TaskPending, now).
		Order("priority ASC, scheduled_at ASC").
		Limit(q.cfg.BatchSize).
		Find(&tasks).Error
	if err != nil {
		return result, fmt.Errorf("failed to fetch queue items: %w", err)
	}

	if len(tasks) == 0 {
		return result, nil
	}

	for _, task := range tasks {
		paused, err := q.enrollmentPaused(ctx, task)
		if err != nil {
			return result, err
		}
		if paused {
			// Leave the task pending; it fires once the enrollment
			// is resumed.
			continue
		}

		emailID, fromEmail, sendErr := q.sendTask(ctx, &task)
		if sendErr != nil {
			if err := q.db.WithContext(ctx).Model(&models.QueueTask{}).
				Where("id = ?", task.ID).
				Updates(map[string]interface{}{
					"status":      models.TaskFailed,
					"retry_count": gorm.Expr("retry_count + 1"),
				}).Error; err != nil {
				return result, fmt.Errorf("failed to mark task failed: %w", err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", task.Contact.Email, sendErr))
			q.logger.WithFields(logrus.Fields{
				"task_id":    task.ID,
				"contact_id": task.ContactID,
			}).WithError(sendErr).Warn("send failed")
			continue
		}

		if err := q.recordSuccess(ctx, &task, emailID, fromEmail); err != nil {
			return result, err
		}
		result.Processed++
	}

	q.logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"errors":    len(result.Errors),
	}).Info("queue pass finished")

	return result, nil
}

func (q *EmailQueue) enrollmentPaused(ctx context.Context, task models.QueueTask) (bool, error) {
	var enrollment models.ContactSequence
	err := q.db.WithContext(ctx).
		Where("contact_id = ? AND sequence_id = ?", task.ContactID, task.SequenceID).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load enrollment: %w", err)
	}
	return enrollment.Status == models.EnrollmentPaused, nil
}

// sendTask resolves the sender identity, personalizes the step template
// and hands the message to the delivery provider.
func (q *EmailQueue) sendTask(ctx context.Context, task *models.QueueTask) (string, string, error) {
	if task.Contact.Email == "" {
		return "", "", errors.New("contact email not found")
	}

	fromEmail := task.SenderEmail
	fromName := q.cfg.DefaultFromName
	replyTo := ""
	if fromEmail == "" {
		fromEmail = q.cfg.DefaultFromEmail
	} else {
		var sender models.Sender
		err := q.db.WithContext(ctx).Where("from_email = ?", fromEmail).First(&sender).Error
		if err == nil {
			fromName = sender.FromName
			replyTo = sender.ReplyToEmail
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", fmt.Errorf("failed to resolve sender: %w", err)
		}
	}

	unsubscribeURL, err := utils.UnsubscribeURL(q.cfg.AppURL, task.ContactID, q.cfg.UnsubscribeSecret)
	if err != nil {
		return "", "", fmt.Errorf("failed to build unsubscribe url: %w", err)
	}

	subject := utils.PersonalizeTemplate(task.Template.Subject, task.Contact.Name)
	html := utils.PersonalizeTemplate(task.Template.BodyHTML, task.Contact.Name)
	text := utils.PersonalizeTemplate(task.Template.BodyText, task.Contact.Name)
	if text == "" {
		text = utils.HTMLToText(html)
	}
	html = utils.InjectUnsubscribeLink(html, unsubscribeURL)

	emailID, err := q.mailer.Send(utils.Email{
		From:           fromEmail,
		FromName:       fromName,
		To:             task.Contact.Email,
		Subject:        subject,
		HTML:           html,
		Text:           text,
		ReplyTo:        replyTo,
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		return "", "", err
	}
	return emailID, fromEmail, nil
}

// recordSuccess runs the post-send bookkeeping in one transaction:
// task sent, delivery record appended, enrollment stamped, next step
// scheduled or enrollment completed.
func (q *EmailQueue) recordSuccess(ctx context.Context, task *models.QueueTask, emailID, fromEmail string) error {
	now := q.now()

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QueueTask{}).Where("id = ?", task.ID).
			Update("status", models.TaskSent).Error; err != nil {
			return fmt.Errorf("failed to mark task sent: %w", err)
		}

		emailLog := models.EmailLog{
			ContactID:       task.ContactID,
			SequenceID:      task.SequenceID,
			TemplateID:      task.TemplateID,
			ProviderEmailID: emailID,
			SenderEmail:     fromEmail,
			Status:          models.EmailSent,
			SentAt:          &now,
		}
		if err := tx.Create(&emailLog).Error; err != nil {
			return fmt.Errorf("failed to create email log: %w", err)
		}

		if err := tx.Model(&models.ContactSequence{}).
			Where("contact_id = ? AND sequence_id = ?", task.ContactID, task.SequenceID).
			Update("last_sent_at", now).Error; err != nil {
			return fmt.Errorf("failed to stamp enrollment: %w", err)
		}

		return q.scheduleNext(tx, task, now)
	})
}

// scheduleNext advances the enrollment. With the sent step equal to the
// template count the enrollment is completed; otherwise the next task
// is queued at now + Intervals[current_step] days with normal priority
// and the step pointer moves forward.
func (q *EmailQueue) scheduleNext(tx *gorm.DB, task *models.QueueTask, now time.Time) error {
	var enrollment models.ContactSequence
	err := tx.Where("contact_id = ? AND sequence_id = ?", task.ContactID, task.SequenceID).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Manual one-off send outside an enrollment; nothing to advance.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}

	var sequence models.Sequence
	if err := tx.Preload("Templates", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index ASC")
	}).First(&sequence, task.SequenceID).Error; err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}

	if enrollment.CurrentStep >= len(sequence.Templates) {
		return tx.Model(&models.ContactSequence{}).Where("id = ?", enrollment.ID).
			Update("status", models.EnrollmentCompleted).Error
	}

	nextStep := enrollment.CurrentStep + 1
	var nextTemplate *models.SequenceTemplate
	for i := range sequence.Templates {
		if sequence.Templates[i].OrderIndex == nextStep {
			nextTemplate = &sequence.Templates[i]
			break
		}
	}
	if nextTemplate == nil {
		return fmt.Errorf("sequence %d has no template for step %d", sequence.ID, nextStep)
	}

	intervalDays := 0
	if enrollment.CurrentStep < len(sequence.Intervals) {
		intervalDays = sequence.Intervals[enrollment.CurrentStep]
	}
	due := now.AddDate(0, 0, intervalDays)

	next := models.QueueTask{
		ContactID:   task.ContactID,
		SequenceID:  task.SequenceID,
		TemplateID:  nextTemplate.ID,
		ScheduledAt: due,
		Priority:    models.PriorityNormal,
		Status:      models.TaskPending,
		SenderEmail: sequence.SenderEmail,
	}
	if err := tx.Create(&next).Error; err != nil {
		return fmt.Errorf("failed to queue next step: %w", err)
	}

	return tx.Model(&models.ContactSequence{}).Where("id = ?", enrollment.ID).
		Update("current_step", nextStep).Error
}

// RequeueFailed re-enqueues failed tasks below the attempt ceiling with
// exponential backoff, retry_count as the exponent. Requeued sends run
// at low priority so they never crowd out first-touch or drip traffic.
func (q *EmailQueue) RequeueFailed(ctx context.Context) (int, error) {
	now := q.now()

	var failed []models.QueueTask
	if err := q.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.TaskFailed, q.cfg.MaxRetryAttempts).
		Find(&failed).Error; err != nil {
		return 0, fmt.Errorf("failed to fetch failed tasks: %w", err)
	}

	requeued := 0
	for _, task := range failed {
		backoff := q.cfg.RetryBackoffBase * time.Duration(1<<task.RetryCount)
		if err := q.db.WithContext(ctx).Model(&models.QueueTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       models.TaskPending,
				"priority":     models.PriorityLow,
				"scheduled_at": now.Add(backoff),
			}).Error; err != nil {
			return requeued, fmt.Errorf("failed to requeue task %d: %w", task.ID, err)
		}
		requeued++
	}

	if requeued > 0 {
		q.logger.WithField("requeued", requeued).Info("failed tasks requeued")
	}
	return requeued, nil
}
