// Package activity reads and appends the enrollment activity log.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reviewflow/apperrors"
	"reviewflow/models"
	"reviewflow/store"
)

// ConversionWindow is how long after a send a submitted review still counts
// as converted by that send.
const ConversionWindow = 7 * 24 * time.Hour

type Publisher interface {
	Publish(events ...models.ActivityEvent)
}

// Log is the append-only activity log. It has no update or delete.
type Log struct {
	DB        *gorm.DB
	Publisher Publisher
	Now       func() time.Time
}

func NewLog(db *gorm.DB, publisher Publisher) *Log {
	return &Log{DB: db, Publisher: publisher, Now: time.Now}
}

type Filter struct {
	BusinessID   uint
	SequenceID   uint
	EnrollmentID uint
	CustomerID   uint
	Channel      models.Channel
	EventTypes   []models.EventType
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

type Page struct {
	Events   []models.ActivityEvent `json:"events"`
	Total    int64                  `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// Query returns matching events, newest first.
func (l *Log) Query(ctx context.Context, f Filter) (*Page, error) {
	if f.BusinessID == 0 {
		return nil, apperrors.Invalid("business_id", "business is required")
	}
	for _, t := range f.EventTypes {
		if !t.Valid() {
			return nil, apperrors.Invalid("status", "unknown event type %q", t)
		}
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return nil, apperrors.Invalid("channel", "unknown channel %q", f.Channel)
	}

	q := l.DB.WithContext(ctx).Model(&models.ActivityEvent{}).Where("business_id = ?", f.BusinessID)
	if f.SequenceID != 0 {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if f.EnrollmentID != 0 {
		q = q.Where("enrollment_id = ?", f.EnrollmentID)
	}
	if f.CustomerID != 0 {
		q = q.Where("customer_id = ?", f.CustomerID)
	}
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if len(f.EventTypes) > 0 {
		q = q.Where("event_type IN ?", f.EventTypes)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at < ?", f.To.UTC())
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count activity: %w", err)
	}
	offset, limit := store.Page(f.Page, f.PageSize)
	events := []models.ActivityEvent{}
	if err := q.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return &Page{Events: events, Total: total, Page: offset/limit + 1, PageSize: limit}, nil
}

// Timeline returns every event of one enrollment in the order it happened.
func (l *Log) Timeline(ctx context.Context, enrollmentID uint) ([]models.ActivityEvent, error) {
	events := []models.ActivityEvent{}
	err := l.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("created_at ASC").Order("id ASC").
		Find(&events).Error
	return events, err
}

// append writes new events and announces them.
func (l *Log) append(ctx context.Context, events []models.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := l.DB.WithContext(ctx).Create(&events).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	if l.Publisher != nil {
		l.Publisher.Publish(events...)
	}
	return nil
}

// DeliveryStatus is what a provider reports about a sent message.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
)

var deliveryEvents = map[DeliveryStatus]models.EventType{
	DeliveryDelivered: models.EventMessageDelivered,
	DeliveryFailed:    models.EventMessageFailed,
	DeliveryOpened:    models.EventMessageOpened,
	DeliveryClicked:   models.EventMessageClicked,
}

type DeliveryReport struct {
	MessageID string                 `json:"message_id" validate:"required"`
	Status    DeliveryStatus         `json:"status" validate:"required"`
	Details   map[string]interface{} `json:"details"`
}

// SentMessage finds the message_sent event of a message id.
func (l *Log) SentMessage(ctx context.Context, businessID uint, messageID string) (*models.ActivityEvent, error) {
	var sent models.ActivityEvent
	err := l.DB.WithContext(ctx).
		Where("business_id = ? AND message_id = ? AND event_type = ?", businessID, messageID, models.EventMessageSent).
		First(&sent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFound("message", 0)
	}
	if err != nil {
		return nil, err
	}
	return &sent, nil
}

// RecordDelivery appends the engagement event for a previously sent message.
// Repeated reports of the same status are recorded once.
func (l *Log) RecordDelivery(ctx context.Context, businessID uint, report DeliveryReport) (*models.ActivityEvent, error) {
	eventType, ok := deliveryEvents[report.Status]
	if !ok {
		return nil, apperrors.Invalid("status", "unknown delivery status %q", report.Status)
	}
	sent, err := l.SentMessage(ctx, businessID, report.MessageID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%d:%s:%s", businessID, report.MessageID, eventType)
	ev := models.ActivityEvent{
		BusinessID:   sent.BusinessID,
		SequenceID:   sent.SequenceID,
		EnrollmentID: sent.EnrollmentID,
		CustomerID:   sent.CustomerID,
		StepIndex:    sent.StepIndex,
		EventType:    eventType,
		Channel:      sent.Channel,
		MessageID:    sent.MessageID,
		Details:      report.Details,
		DedupKey:     &key,
		CreatedAt:    l.Now().UTC(),
	}
	res := l.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return nil, fmt.Errorf("append delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.ActivityEvent
		if err := l.DB.WithContext(ctx).Where("dedup_key = ?", key).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("load recorded delivery: %w", err)
		}
		return &existing, nil
	}
	if l.Publisher != nil {
		l.Publisher.Publish(ev)
	}
	return &ev, nil
}

// RecordReview attributes a submitted review to every enrollment of the
// customer that sent a message within the conversion window. Each enrollment
// converts at most once and the review is pinned to its latest send.
func (l *Log) RecordReview(ctx context.Context, businessID, customerID uint, details map[string]interface{}) ([]models.ActivityEvent, error) {
	now := l.Now().UTC()
	var sends []models.ActivityEvent
	err := l.DB.WithContext(ctx).
		Where("business_id = ? AND customer_id = ? AND event_type = ? AND created_at >= ?",
			businessID, customerID, models.EventMessageSent, now.Add(-ConversionWindow)).
		Order("created_at DESC").Order("id DESC").
		Find(&sends).Error
	if err != nil {
		return nil, fmt.Errorf("load sends: %w", err)
	}

	var converted []uint
	if err := l.DB.WithContext(ctx).Model(&models.ActivityEvent{}).
		Where("business_id = ? AND customer_id = ? AND event_type = ?", businessID, customerID, models.EventReviewSubmitted).
		Distinct().Pluck("enrollment_id", &converted).Error; err != nil {
		return nil, fmt.Errorf("load conversions: %w", err)
	}
	seen := make(map[uint]bool, len(converted))
	for _, id := range converted {
		seen[id] = true
	}

	events := []models.ActivityEvent{}
	for _, sent := range sends {
		if seen[sent.EnrollmentID] {
			continue
		}
		seen[sent.EnrollmentID] = true
		events = append(events, models.ActivityEvent{
			BusinessID:   sent.BusinessID,
			SequenceID:   sent.SequenceID,
			EnrollmentID: sent.EnrollmentID,
			CustomerID:   sent.CustomerID,
			StepIndex:    sent.StepIndex,
			EventType:    models.EventReviewSubmitted,
			Channel:      sent.Channel,
			MessageID:    sent.MessageID,
			Details:      details,
			CreatedAt:    now,
		})
	}
	if err := l.append(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}
