package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact represents a single CRM contact
type Contact struct {
	gorm.Model
	Email   string `gorm:"not null;uniqueIndex" json:"email"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Phone   string `json:"phone"`

	// Status
	LeadStatus     string `gorm:"default:'new'" json:"lead_status"` // new, qualified, disqualified, contacted, converted
	IsUnsubscribed bool   `gorm:"default:false" json:"is_unsubscribed"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Enrollments []ContactSequence `gorm:"foreignKey:ContactID" json:"enrollments,omitempty"`
}
