package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Customer mirrors the external customer directory record for one business.
type Customer struct {
	gorm.Model
	BusinessID uint `gorm:"not null;index" json:"business_id"`

	ExternalID string `gorm:"index" json:"external_id"`
	Email      string `gorm:"index" json:"email"`
	Phone      string `gorm:"index" json:"phone"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`

	// Exit signals
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	BouncedAt      *time.Time `json:"bounced_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// CustomerIdentity is how external systems refer to a customer.
type CustomerIdentity struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

func (ci CustomerIdentity) Normalized() CustomerIdentity {
	ci.ExternalID = strings.TrimSpace(ci.ExternalID)
	ci.Email = strings.ToLower(strings.TrimSpace(ci.Email))
	ci.Phone = strings.TrimSpace(ci.Phone)
	ci.FirstName = strings.TrimSpace(ci.FirstName)
	ci.LastName = strings.TrimSpace(ci.LastName)
	return ci
}

func (ci CustomerIdentity) Empty() bool {
	return ci.ExternalID == "" && ci.Email == "" && ci.Phone == ""
}

// Address returns where a message on the channel should go.
func (c *Customer) Address(ch Channel) string {
	if ch == ChannelSMS {
		return c.Phone
	}
	return c.Email
}
