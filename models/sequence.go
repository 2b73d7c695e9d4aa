package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

// TriggerEventType is the fixed set of external signals a Sequence can listen to.
type TriggerEventType string

const (
	TriggerJobCompleted         TriggerEventType = "job_completed"
	TriggerInvoicePaid          TriggerEventType = "invoice_paid"
	TriggerAppointmentCompleted TriggerEventType = "appointment_completed"
	TriggerCustomerCreated      TriggerEventType = "customer_created"

	// TriggerUnknown is accepted at ingestion but never matches a Sequence.
	TriggerUnknown TriggerEventType = "unknown"
)

var triggerEventTypes = []TriggerEventType{
	TriggerJobCompleted,
	TriggerInvoicePaid,
	TriggerAppointmentCompleted,
	TriggerCustomerCreated,
}

func TriggerEventTypes() []TriggerEventType {
	out := make([]TriggerEventType, len(triggerEventTypes))
	copy(out, triggerEventTypes)
	return out
}

func ParseTriggerEventType(s string) TriggerEventType {
	t := TriggerEventType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return TriggerUnknown
}

func (t TriggerEventType) Valid() bool {
	for _, known := range triggerEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Sequence represents an automated review-request sequence
type Sequence struct {
	gorm.Model
	BusinessID uint `gorm:"not null;index" json:"business_id"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"type:varchar(16);default:'draft';index" json:"status"`

	// Entry
	TriggerEventType  *TriggerEventType `gorm:"type:varchar(32);index" json:"trigger_event_type"`
	AllowManualEnroll bool              `gorm:"default:false" json:"allow_manual_enroll"`

	// Send policy. Quiet hours are "HH:MM" in the business timezone.
	QuietHoursStart *string `gorm:"type:varchar(5)" json:"quiet_hours_start"`
	QuietHoursEnd   *string `gorm:"type:varchar(5)" json:"quiet_hours_end"`
	RatePerHour     *int    `json:"rate_per_hour"`
	RatePerDay      *int    `json:"rate_per_day"`

	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	DuplicatedFromID *uint      `json:"duplicated_from_id,omitempty"`

	// Relations
	Steps []Step `gorm:"foreignKey:SequenceID" json:"steps"`
}

// Editable reports whether steps may be rewritten in the current status.
func (s *Sequence) Editable() bool {
	return s.Status == SequenceDraft || s.Status == SequencePaused
}

// Runnable reports whether the scheduler may act on enrollments of this sequence.
// Archived sequences stay runnable so their enrollments can be stopped.
func (s *Sequence) Runnable() bool {
	return s.Status == SequenceActive || s.Status == SequenceArchived
}

// StepAt returns the step with the given index, or nil past the end.
func (s *Sequence) StepAt(index int) *Step {
	for i := range s.Steps {
		if s.Steps[i].StepIndex == index {
			return &s.Steps[i]
		}
	}
	return nil
}
