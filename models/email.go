package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailStatus is the lifecycle state of one sent email.
type EmailStatus string

const (
	EmailPending    EmailStatus = "pending"
	EmailSent       EmailStatus = "sent"
	EmailDelivered  EmailStatus = "delivered"
	EmailOpened     EmailStatus = "opened"
	EmailClicked    EmailStatus = "clicked"
	EmailReplied    EmailStatus = "replied"
	EmailBounced    EmailStatus = "bounced"
	EmailFailed     EmailStatus = "failed"
	EmailComplained EmailStatus = "complained"
)

var emailStatusRank = map[EmailStatus]int{
	EmailPending:   0,
	EmailSent:      1,
	EmailDelivered: 2,
	EmailOpened:    3,
	EmailClicked:   4,
	EmailReplied:   5,
}

// Rank returns the position of s in the engagement order
// sent < delivered < opened < clicked < replied. Terminal statuses
// carry no rank.
func (s EmailStatus) Rank() (int, bool) {
	r, ok := emailStatusRank[s]
	return r, ok
}

// Terminal reports whether s is absorbing: a bounced, failed or
// complained record never changes status again.
func (s EmailStatus) Terminal() bool {
	switch s {
	case EmailBounced, EmailFailed, EmailComplained:
		return true
	}
	return false
}

// CanAdvanceTo reports whether a record at s may move to next. Status
// never regresses; terminal statuses are reachable from any
// non-terminal state.
func (s EmailStatus) CanAdvanceTo(next EmailStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	cur, _ := s.Rank()
	n, ok := next.Rank()
	return ok && n > cur
}

// EmailLog is the engagement ledger for one sent email instance.
type EmailLog struct {
	gorm.Model
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	TemplateID uint `gorm:"not null;index" json:"template_id"`

	ProviderEmailID string      `gorm:"index" json:"provider_email_id"`
	SenderEmail     string      `gorm:"index" json:"sender_email"`
	Status          EmailStatus `gorm:"default:'pending'" json:"status"`

	// First-occurrence timestamps; Last* refresh on every event.
	SentAt        *time.Time `json:"sent_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	OpenedAt      *time.Time `json:"opened_at"`
	ClickedAt     *time.Time `json:"clicked_at"`
	RepliedAt     *time.Time `json:"replied_at"`
	BouncedAt     *time.Time `json:"bounced_at"`
	ComplainedAt  *time.Time `json:"complained_at"`
	LastOpenedAt  *time.Time `json:"last_opened_at"`
	LastClickedAt *time.Time `json:"last_clicked_at"`

	OpenCount  int `gorm:"default:0" json:"open_count"`
	ClickCount int `gorm:"default:0" json:"click_count"`

	// Relations
	Contact  Contact  `json:"-"`
	Sequence Sequence `json:"-"`
}

// EmailEvent is an append-only audit row, one per received provider
// notification. Never mutated, never deleted by the engine. The unique
// index on ProviderEventID (NULLs excluded) backs event deduplication.
// EmailLogID is nil when the provider email id matched no sent email.
type EmailEvent struct {
	gorm.Model
	EmailLogID      *uint   `gorm:"index" json:"email_log_id,omitempty"`
	EventType       string  `gorm:"not null" json:"event_type"`
	ProviderEventID *string `gorm:"uniqueIndex" json:"provider_event_id,omitempty"`
	RawPayload      string  `gorm:"type:jsonb" json:"raw_payload"`
}

// EmailReply records one inbound reply matched to a sent email.
type EmailReply struct {
	gorm.Model
	EmailLogID uint `gorm:"not null;index" json:"email_log_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`

	ReplyFrom  string    `gorm:"not null" json:"reply_from"`
	ReplyTo    string    `json:"reply_to"`
	Subject    string    `json:"subject"`
	BodyText   string    `gorm:"type:text" json:"body_text"`
	BodyHTML   string    `gorm:"type:text" json:"body_html"`
	MessageID  string    `gorm:"index" json:"message_id"`
	ReceivedAt time.Time `json:"received_at"`
}
