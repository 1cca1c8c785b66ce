package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycrm/models"
	"relaycrm/utils"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrSequenceInactive = errors.New("sequence is not active")
	ErrNoTemplates      = errors.New("no templates found for sequence")
	ErrInvalidStatus    = errors.New("status must be active or paused")
)

// Config carries the tuning knobs the engine needs; main wires it from
// the application config.
type Config struct {
	BatchSize         int
	AppURL            string
	UnsubscribeSecret string
	DefaultFromEmail  string
	DefaultFromName   string
	MaxRetryAttempts  int
	RetryBackoffBase  time.Duration
}

// EmailQueue owns enrollments, queue tasks and the delivery pass.
type EmailQueue struct {
	db     *gorm.DB
	mailer utils.Mailer
	cfg    Config
	logger *logrus.Entry

	now func() time.Time
}

func New(db *gorm.DB, mailer utils.Mailer, cfg Config, logger *logrus.Entry) *EmailQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Hour
	}
	return &EmailQueue{
		db:     db,
		mailer: mailer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// EnrollResult reports how many contacts were newly enrolled and how
// many were skipped because they already sit in a non-terminal
// enrollment for the sequence.
type EnrollResult struct {
	Added    int    `json:"added"`
	Existing int    `json:"existing"`
	Skipped  []uint `json:"skipped,omitempty"`
}

// Enroll adds contacts to a sequence. Contacts already active or paused
// in the sequence are reported as existing, not treated as an error.
// When startImmediately is set the step-1 task is queued at once with
// high priority.
func (q *EmailQueue) Enroll(ctx context.Context, contactIDs []uint, sequenceID uint, startImmediately bool) (EnrollResult, error) {
	var result EnrollResult
	contactIDs = dedupeIDs(contactIDs)

	var sequence models.Sequence
	if err := q.db.WithContext(ctx).Preload("Templates", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index ASC")
	}).First(&sequence, sequenceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return result, ErrSequenceNotFound
		}
		return result, fmt.Errorf("failed to load sequence: %w", err)
	}
	if !sequence.IsActive() {
		return result, ErrSequenceInactive
	}
	if len(sequence.Templates) == 0 {
		return result, ErrNoTemplates
	}

	var contacts []models.Contact
	if err := q.db.WithContext(ctx).Where("id IN ?", contactIDs).Find(&contacts).Error; err != nil {
		return result, fmt.Errorf("failed to load contacts: %w", err)
	}
	contactByID := make(map[uint]models.Contact, len(contacts))
	for _, c := range contacts {
		contactByID[c.ID] = c
	}

	var existing []models.ContactSequence
	if err := q.db.WithContext(ctx).
		Where("sequence_id = ? AND contact_id IN ? AND status IN ?",
			sequenceID, contactIDs, []string{models.EnrollmentActive, models.EnrollmentPaused}).
		Find(&existing).Error; err != nil {
		return result, fmt.Errorf("failed to check existing enrollments: %w", err)
	}
	existingIDs := make(map[uint]bool, len(existing))
	for _, e := range existing {
		existingIDs[e.ContactID] = true
	}
	result.Existing = len(existing)

	now := q.now()
	status := models.EnrollmentActive
	if !startImmediately {
		status = models.EnrollmentPaused
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range contactIDs {
			if existingIDs[id] {
				continue
			}
			contact, ok := contactByID[id]
			if !ok {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			if contact.IsUnsubscribed {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			if err := checkmail.ValidateFormat(contact.Email); err != nil {
				q.logger.WithField("contact_id", id).Warn("skipping contact with invalid email")
				result.Skipped = append(result.Skipped, id)
				continue
			}

			enrollment := models.ContactSequence{
				ContactID:   id,
				SequenceID:  sequenceID,
				Status:      status,
				CurrentStep: 1,
				StartedAt:   now,
			}
			if err := tx.Create(&enrollment).Error; err != nil {
				return fmt.Errorf("failed to create enrollment: %w", err)
			}

			if startImmediately {
				task := models.QueueTask{
					ContactID:   id,
					SequenceID:  sequenceID,
					TemplateID:  sequence.Templates[0].ID,
					ScheduledAt: now,
					Priority:    models.PriorityHigh,
					Status:      models.TaskPending,
					SenderEmail: sequence.SenderEmail,
				}
				if err := tx.Create(&task).Error; err != nil {
					return fmt.Errorf("failed to queue first step: %w", err)
				}
			}
			result.Added++
		}
		return nil
	})
	if err != nil {
		return EnrollResult{}, err
	}

	q.logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"added":       result.Added,
		"existing":    result.Existing,
	}).Info("enrollment processed")

	return result, nil
}

// SetStatus bulk-toggles enrollments between active and paused.
// Resuming an enrollment still at step 1 (nothing sent yet) re-creates
// its first task; past step 1 the already-scheduled future task stands.
func (q *EmailQueue) SetStatus(ctx context.Context, enrollmentIDs []uint, status string) error {
	if status != models.EnrollmentActive && status != models.EnrollmentPaused {
		return ErrInvalidStatus
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ContactSequence{}).
			Where("id IN ? AND status IN ?", enrollmentIDs,
				[]string{models.EnrollmentActive, models.EnrollmentPaused}).
			Update("status", status).Error; err != nil {
			return fmt.Errorf("failed to update enrollment status: %w", err)
		}

		if status != models.EnrollmentActive {
			return nil
		}

		var unstarted []models.ContactSequence
		if err := tx.Where("id IN ? AND current_step = 1 AND status = ?",
			enrollmentIDs, models.EnrollmentActive).
			Find(&unstarted).Error; err != nil {
			return fmt.Errorf("failed to load resumed enrollments: %w", err)
		}

		for _, enrollment := range unstarted {
			if err := q.ensureFirstTask(tx, enrollment); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensureFirstTask queues step 1 unless a pending task already exists
// for the pair; the invariant is one pending task per (contact,
// sequence) at a time.
func (q *EmailQueue) ensureFirstTask(tx *gorm.DB, enrollment models.ContactSequence) error {
	var pending int64
	if err := tx.Model(&models.QueueTask{}).
		Where("contact_id = ? AND sequence_id = ? AND status = ?",
			enrollment.ContactID, enrollment.SequenceID, models.TaskPending).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("failed to check pending tasks: %w", err)
	}
	if pending > 0 {
		return nil
	}

	var sequence models.Sequence
	if err := tx.Preload("Templates", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index ASC")
	}).First(&sequence, enrollment.SequenceID).Error; err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}
	if len(sequence.Templates) == 0 {
		return ErrNoTemplates
	}

	task := models.QueueTask{
		ContactID:   enrollment.ContactID,
		SequenceID:  enrollment.SequenceID,
		TemplateID:  sequence.Templates[0].ID,
		ScheduledAt: q.now(),
		Priority:    models.PriorityHigh,
		Status:      models.TaskPending,
		SenderEmail: sequence.SenderEmail,
	}
	return tx.Create(&task).Error
}

// Remove deletes enrollments and purges their pending tasks so removal
// never leaves dangling scheduled sends.
func (q *EmailQueue) Remove(ctx context.Context, enrollmentIDs []uint) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var enrollments []models.ContactSequence
		if err := tx.Where("id IN ?", enrollmentIDs).Find(&enrollments).Error; err != nil {
			return fmt.Errorf("failed to load enrollments: %w", err)
		}

		for _, e := range enrollments {
			if err := tx.Where("contact_id = ? AND sequence_id = ? AND status = ?",
				e.ContactID, e.SequenceID, models.TaskPending).
				Delete(&models.QueueTask{}).Error; err != nil {
				return fmt.Errorf("failed to purge pending tasks: %w", err)
			}
		}

		if err := tx.Where("id IN ?", enrollmentIDs).
			Delete(&models.ContactSequence{}).Error; err != nil {
			return fmt.Errorf("failed to delete enrollments: %w", err)
		}
		return nil
	})
}

// UnsubscribeContact marks the contact's non-terminal enrollments
// unsubscribed and purges their pending tasks. A nil sequenceID applies
// the global opt-out across every sequence. Calling it again is a
// no-op, which keeps the emailed unsubscribe link idempotent.
func (q *EmailQueue) UnsubscribeContact(ctx context.Context, contactID uint, sequenceID *uint) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enrollments := tx.Model(&models.ContactSequence{}).
			Where("contact_id = ? AND status IN ?", contactID,
				[]string{models.EnrollmentActive, models.EnrollmentPaused})
		if sequenceID != nil {
			enrollments = enrollments.Where("sequence_id = ?", *sequenceID)
		}
		if err := enrollments.Update("status", models.EnrollmentUnsubscribed).Error; err != nil {
			return fmt.Errorf("failed to unsubscribe enrollments: %w", err)
		}

		tasks := tx.Where("contact_id = ? AND status = ?", contactID, models.TaskPending)
		if sequenceID != nil {
			tasks = tasks.Where("sequence_id = ?", *sequenceID)
		}
		if err := tasks.Delete(&models.QueueTask{}).Error; err != nil {
			return fmt.Errorf("failed to purge pending tasks: %w", err)
		}

		if sequenceID == nil {
			if err := tx.Model(&models.Contact{}).Where("id = ?", contactID).
				Update("is_unsubscribed", true).Error; err != nil {
				return fmt.Errorf("failed to flag contact: %w", err)
			}
		}
		return nil
	})
}

// dedupeIDs drops repeated ids, keeping first-seen order.
func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
