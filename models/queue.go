package models

import (
	"time"

	"gorm.io/gorm"
)

// Queue priorities. Lower is claimed first: first-touch sends outrank
// scheduled drip continuations so a burst of new enrollments does not
// starve sequences already due; requeued retries go last.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// Queue task statuses.
const (
	TaskPending = "pending"
	TaskSent    = "sent"
	TaskFailed  = "failed"
)

// QueueTask is one scheduled send: step N of sequence S to contact C.
// A pending task becomes eligible once ScheduledAt is reached; tasks are
// claimed in (priority, scheduled_at) order.
type QueueTask struct {
	gorm.Model
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	TemplateID uint `gorm:"not null;index" json:"template_id"`

	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"`
	Priority    int       `gorm:"default:2" json:"priority"`
	Status      string    `gorm:"default:'pending';index" json:"status"`
	RetryCount  int       `gorm:"default:0" json:"retry_count"`
	SenderEmail string    `json:"sender_email"`

	// Relations
	Contact  Contact          `json:"-"`
	Sequence Sequence         `json:"-"`
	Template SequenceTemplate `gorm:"foreignKey:TemplateID" json:"-"`
}
