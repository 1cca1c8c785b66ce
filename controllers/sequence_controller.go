package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/models"
	"relaycrm/queue"
	"relaycrm/utils"
)

// SequenceController manages enrollments: triggering a sequence for a
// batch of contacts, pausing/resuming, and removal.
type SequenceController struct {
	DB       *gorm.DB
	Queue    *queue.EmailQueue
	Logger   *logrus.Entry
	validate *validator.Validate
}

func NewSequenceController(db *gorm.DB, q *queue.EmailQueue, logger *logrus.Entry) *SequenceController {
	return &SequenceController{
		DB:       db,
		Queue:    q,
		Logger:   logger,
		validate: validator.New(),
	}
}

type triggerSequenceRequest struct {
	ContactIDs       []uint `json:"contact_ids" validate:"required,min=1"`
	StartImmediately *bool  `json:"start_immediately"`
}

type contactStatusRequest struct {
	EnrollmentIDs []uint `json:"enrollment_ids" validate:"required,min=1"`
	Status        string `json:"status" validate:"required,oneof=active paused"`
}

type removeContactsRequest struct {
	EnrollmentIDs []uint `json:"enrollment_ids" validate:"required,min=1"`
}

// TriggerSequence enrolls the given contacts into the sequence.
// Contacts already active or paused in it are counted as existing, not
// re-enrolled. start_immediately defaults to true.
func (sc *SequenceController) TriggerSequence(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if sequenceID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid sequence id",
		})
	}

	var req triggerSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}
	if err := sc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "contact_ids is required",
		})
	}

	startImmediately := true
	if req.StartImmediately != nil {
		startImmediately = *req.StartImmediately
	}

	result, err := sc.Queue.Enroll(c.Context(), req.ContactIDs, sequenceID, startImmediately)
	if err != nil {
		return sc.queueError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"added":    result.Added,
		"existing": result.Existing,
		"skipped":  len(result.Skipped),
	})
}

// UpdateContactStatus pauses or resumes enrollments in bulk.
func (sc *SequenceController) UpdateContactStatus(c *fiber.Ctx) error {
	var req contactStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}
	if err := sc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "enrollment_ids and a status of active or paused are required",
		})
	}

	if err := sc.Queue.SetStatus(c.Context(), req.EnrollmentIDs, req.Status); err != nil {
		return sc.queueError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"status":  req.Status,
	})
}

// RemoveContacts deletes enrollments and purges their pending sends.
// Ids come from the body or, for plain DELETE calls, from ?ids=1,2,3.
func (sc *SequenceController) RemoveContacts(c *fiber.Ctx) error {
	var req removeContactsRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "invalid request body",
			})
		}
	}
	if len(req.EnrollmentIDs) == 0 {
		for _, part := range strings.Split(c.Query("ids"), ",") {
			if id := utils.ParseUint(strings.TrimSpace(part)); id != 0 {
				req.EnrollmentIDs = append(req.EnrollmentIDs, id)
			}
		}
	}
	if len(req.EnrollmentIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "enrollment_ids is required",
		})
	}

	if err := sc.Queue.Remove(c.Context(), req.EnrollmentIDs); err != nil {
		return sc.queueError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"removed": len(req.EnrollmentIDs),
	})
}

// ListSequenceContacts returns the enrollments of a sequence with the
// contact preloaded.
func (sc *SequenceController) ListSequenceContacts(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if sequenceID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid sequence id",
		})
	}

	query := sc.DB.WithContext(c.Context()).
		Preload("Contact").
		Where("sequence_id = ?", sequenceID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var enrollments []models.ContactSequence
	if err := query.Order("created_at DESC").Find(&enrollments).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to list enrollments")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to list enrollments",
		})
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"enrollments": enrollments,
	})
}

func (sc *SequenceController) queueError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, queue.ErrSequenceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, queue.ErrSequenceInactive),
		errors.Is(err, queue.ErrNoTemplates),
		errors.Is(err, queue.ErrInvalidStatus):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	sc.Logger.WithError(err).Error("enrollment operation failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "internal server error",
	})
}
