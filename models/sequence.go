package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses. Completed and unsubscribed are terminal; an
// enrollment can only be re-created once it left active/paused.
const (
	EnrollmentActive       = "active"
	EnrollmentPaused       = "paused"
	EnrollmentCompleted    = "completed"
	EnrollmentUnsubscribed = "unsubscribed"
)

// Sequence represents a multi-step drip campaign
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	SenderEmail string `json:"sender_email"`

	// Active gates new enrollments only; in-flight enrollments keep going.
	// Pointer so a stored false survives gorm's default handling.
	Active *bool `gorm:"default:true" json:"active"`

	// Intervals[i] is the wait in days before sending step i+1.
	// Intervals[0] is 0: the first send happens on enrollment.
	Intervals []int `gorm:"type:jsonb;serializer:json" json:"intervals"`

	// Relations
	Templates []SequenceTemplate `gorm:"foreignKey:SequenceID" json:"templates,omitempty"`
}

// IsActive treats an unset flag as active, matching the column default.
func (s *Sequence) IsActive() bool {
	return s.Active == nil || *s.Active
}

// SequenceTemplate is one step of a sequence. OrderIndex is 1-based.
type SequenceTemplate struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	OrderIndex int    `gorm:"not null" json:"order_index"`
	Subject    string `gorm:"not null" json:"subject"`
	BodyHTML   string `gorm:"type:text" json:"body_html"`
	BodyText   string `gorm:"type:text" json:"body_text"`
}

// ContactSequence tracks one contact's progress through one sequence.
// CurrentStep is 1-indexed and points at the next step to send.
type ContactSequence struct {
	gorm.Model
	ContactID  uint `gorm:"not null;index:idx_contact_sequences_pair" json:"contact_id"`
	SequenceID uint `gorm:"not null;index:idx_contact_sequences_pair" json:"sequence_id"`

	Status      string     `gorm:"default:'active';index" json:"status"`
	CurrentStep int        `gorm:"default:1" json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	LastSentAt  *time.Time `json:"last_sent_at"`

	// Relations
	Contact  Contact  `json:"-"`
	Sequence Sequence `json:"-"`
}
