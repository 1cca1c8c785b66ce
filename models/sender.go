package models

import "gorm.io/gorm"

// Sender represents a verified outbound identity. ReplyToEmail is the
// address replies land in; the reply worker polls its IMAP inbox.
type Sender struct {
	gorm.Model
	FromEmail    string `gorm:"not null;uniqueIndex" json:"from_email"`
	FromName     string `gorm:"not null" json:"from_name"`
	ReplyToEmail string `json:"reply_to_email"`
	IsActive     *bool  `gorm:"default:true" json:"is_active"`

	// IMAP settings for reply ingestion
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `gorm:"default:993" json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"`
	IMAPEncryption string `gorm:"default:'SSL'" json:"imap_encryption"` // SSL, STARTTLS, NONE
	IMAPMailbox    string `json:"imap_mailbox"`
}
