package models

import "gorm.io/gorm"

// Business owns sequences, customers and templates.
type Business struct {
	gorm.Model
	Name       string `gorm:"not null" json:"name"`
	Timezone   string `gorm:"default:'UTC'" json:"timezone"`
	ReviewLink string `json:"review_link"`

	// bcrypt hash of the shared token trigger sources authenticate with
	TriggerTokenHash string `json:"-"`
}

// Template is the read-only view of the external template directory
type Template struct {
	gorm.Model
	BusinessID uint `gorm:"not null;index" json:"business_id"`

	Channel Channel `gorm:"type:varchar(8);not null" json:"channel"`
	Name    string  `gorm:"not null" json:"name"`
	Subject string  `json:"subject"`
	Body    string  `gorm:"type:text" json:"body"`
}
