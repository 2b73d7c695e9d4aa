package models

import "time"

type EnrollmentStatus string

const (
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentStopped  EnrollmentStatus = "stopped"
	EnrollmentFinished EnrollmentStatus = "finished"
)

type StopReason string

const (
	StopUnsubscribed     StopReason = "unsubscribed"
	StopBounced          StopReason = "bounced"
	StopCustomerStopped  StopReason = "customer_stopped"
	StopManual           StopReason = "manual_stop"
	StopSequenceArchived StopReason = "sequence_archived"
)

type EnrollmentSource string

const (
	SourceTrigger EnrollmentSource = "trigger"
	SourceManual  EnrollmentSource = "manual"
)

// Enrollment is one customer's run through one sequence. Rows are never
// deleted; at most one per (sequence, customer) is active at a time.
type Enrollment struct {
	ID         uint `gorm:"primarykey" json:"id"`
	BusinessID uint `gorm:"not null;index" json:"business_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	CustomerID uint `gorm:"not null;index" json:"customer_id"`

	Status           EnrollmentStatus `gorm:"type:varchar(16);not null;index:idx_enrollments_due,priority:1" json:"status"`
	CurrentStepIndex int              `gorm:"not null" json:"current_step_index"`
	NextRunAt        time.Time        `gorm:"not null;index:idx_enrollments_due,priority:2" json:"next_run_at"`
	StoppedReason    *StopReason      `gorm:"type:varchar(32)" json:"stopped_reason,omitempty"`
	StopRequested    bool             `gorm:"not null" json:"stop_requested"`
	Version          int              `gorm:"not null" json:"version"`

	// Set while a worker holds the enrollment for one transition.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	// A stop or nudge arrived during a claim; the claimant makes the row
	// due again when it applies its transition.
	WakeRequested bool `gorm:"not null;default:false" json:"-"`

	// Origin
	Source           EnrollmentSource  `gorm:"type:varchar(16)" json:"source"`
	TriggerEventType *TriggerEventType `gorm:"type:varchar(32)" json:"trigger_event_type,omitempty"`
	ServiceDate      *time.Time        `json:"service_date,omitempty"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (e *Enrollment) Terminal() bool {
	return e.Status == EnrollmentStopped || e.Status == EnrollmentFinished
}

func (e *Enrollment) Due(now time.Time) bool {
	return e.Status == EnrollmentActive && !e.NextRunAt.After(now) && !e.Claimed(now)
}

// Claimed reports whether a worker's lease on the enrollment is still live.
func (e *Enrollment) Claimed(now time.Time) bool {
	return e.ClaimedUntil != nil && e.ClaimedUntil.After(now)
}
