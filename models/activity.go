package models

import "time"

type EventType string

const (
	EventEnrolled           EventType = "enrolled"
	EventStepRan            EventType = "step_ran"
	EventMessageQueued      EventType = "message_queued"
	EventMessageSent        EventType = "message_sent"
	EventMessageDelivered   EventType = "message_delivered"
	EventMessageFailed      EventType = "message_failed"
	EventQuietHoursSkipped  EventType = "quiet_hours_skipped"
	EventRateLimited        EventType = "rate_limited"
	EventUnsubscribed       EventType = "unsubscribed"
	EventBounced            EventType = "bounced"
	EventEnrollmentStopped  EventType = "enrollment_stopped"
	EventEnrollmentFinished EventType = "enrollment_finished"
	EventError              EventType = "error"

	// Engagement signals reported back by delivery providers and review sites.
	EventMessageOpened   EventType = "message_opened"
	EventMessageClicked  EventType = "message_clicked"
	EventReviewSubmitted EventType = "review_submitted"
)

// EventMeta is the display metadata for an event type. Everything that
// renders activity reads it from here instead of matching strings.
type EventMeta struct {
	Type     EventType `json:"type"`
	Label    string    `json:"label"`
	Icon     string    `json:"icon"`
	Color    string    `json:"color"`
	Terminal bool      `json:"terminal"`
}

var eventMeta = []EventMeta{
	{EventEnrolled, "Enrolled", "user-plus", "blue", false},
	{EventStepRan, "Wait scheduled", "clock", "gray", false},
	{EventMessageQueued, "Message queued", "inbox", "gray", false},
	{EventMessageSent, "Message sent", "send", "green", false},
	{EventMessageDelivered, "Delivered", "check", "green", false},
	{EventMessageFailed, "Send failed", "alert-triangle", "red", false},
	{EventQuietHoursSkipped, "Deferred (quiet hours)", "moon", "amber", false},
	{EventRateLimited, "Deferred (rate limit)", "gauge", "amber", false},
	{EventUnsubscribed, "Unsubscribed", "user-x", "red", false},
	{EventBounced, "Bounced", "mail-x", "red", false},
	{EventEnrollmentStopped, "Stopped", "octagon", "red", true},
	{EventEnrollmentFinished, "Finished", "flag", "green", true},
	{EventError, "Error", "bug", "red", false},
	{EventMessageOpened, "Opened", "eye", "teal", false},
	{EventMessageClicked, "Clicked", "mouse-pointer", "teal", false},
	{EventReviewSubmitted, "Review submitted", "star", "yellow", false},
}

func EventTypes() []EventMeta {
	out := make([]EventMeta, len(eventMeta))
	copy(out, eventMeta)
	return out
}

func (t EventType) Meta() EventMeta {
	for _, m := range eventMeta {
		if m.Type == t {
			return m
		}
	}
	return EventMeta{Type: t, Label: string(t), Icon: "circle", Color: "gray"}
}

func (t EventType) Valid() bool {
	for _, m := range eventMeta {
		if m.Type == t {
			return true
		}
	}
	return false
}

// ActivityEvent is an immutable record of one enrollment transition.
type ActivityEvent struct {
	ID           uint `gorm:"primarykey" json:"id"`
	BusinessID   uint `gorm:"not null;index" json:"business_id"`
	SequenceID   uint `gorm:"not null;index:idx_activity_sequence_created,priority:1" json:"sequence_id"`
	EnrollmentID uint `gorm:"not null;index:idx_activity_enrollment_created,priority:1" json:"enrollment_id"`
	CustomerID   uint `gorm:"not null;index" json:"customer_id"`

	StepIndex *int                   `json:"step_index,omitempty"`
	EventType EventType              `gorm:"type:varchar(32);not null;index" json:"event_type"`
	Channel   *Channel               `gorm:"type:varchar(8)" json:"channel,omitempty"`
	MessageID string                 `gorm:"type:varchar(64);index" json:"message_id,omitempty"`
	Details   map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"details,omitempty"`
	// Set on provider reports only; one event per message and status.
	DedupKey *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`

	CreatedAt time.Time `gorm:"not null;index:idx_activity_sequence_created,priority:2;index:idx_activity_enrollment_created,priority:2" json:"created_at"`
}

// NewEvent builds an event for the enrollment at the given time.
func NewEvent(e *Enrollment, t EventType, at time.Time) ActivityEvent {
	return ActivityEvent{
		BusinessID:   e.BusinessID,
		SequenceID:   e.SequenceID,
		EnrollmentID: e.ID,
		CustomerID:   e.CustomerID,
		EventType:    t,
		CreatedAt:    at.UTC(),
	}
}

func (ev ActivityEvent) AtStep(index int) ActivityEvent {
	ev.StepIndex = &index
	return ev
}

func (ev ActivityEvent) On(ch Channel) ActivityEvent {
	ev.Channel = &ch
	return ev
}

func (ev ActivityEvent) With(details map[string]interface{}) ActivityEvent {
	ev.Details = details
	return ev
}
