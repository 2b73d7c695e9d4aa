package activity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"reviewflow/models"
	"reviewflow/store"
)

// FunnelStep counts what happened to the messages of one step.
type FunnelStep struct {
	StepIndex int   `json:"step_index"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Converted int64 `json:"converted"`
}

type Conversion struct {
	Since     time.Time `json:"since"`
	Sent      int64     `json:"sent"`
	Converted int64     `json:"converted"`
	Rate      float64   `json:"rate"`
}

type Stats struct {
	Active     int64      `json:"active"`
	Finished   int64      `json:"finished"`
	Stopped    int64      `json:"stopped"`
	Conversion Conversion `json:"conversion"`
}

var funnelEvents = []models.EventType{
	models.EventMessageSent,
	models.EventMessageFailed,
	models.EventMessageDelivered,
	models.EventMessageOpened,
	models.EventMessageClicked,
	models.EventReviewSubmitted,
}

// Funnel aggregates message outcomes per step of a sequence.
func (l *Log) Funnel(ctx context.Context, sequenceID uint) ([]FunnelStep, error) {
	var rows []struct {
		StepIndex int
		EventType models.EventType
		Count     int64
	}
	err := l.DB.WithContext(ctx).Model(&models.ActivityEvent{}).
		Select("step_index, event_type, COUNT(*) AS count").
		Where("sequence_id = ? AND step_index IS NOT NULL AND event_type IN ?", sequenceID, funnelEvents).
		Group("step_index, event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("funnel: %w", err)
	}

	byStep := map[int]*FunnelStep{}
	for _, r := range rows {
		s := byStep[r.StepIndex]
		if s == nil {
			s = &FunnelStep{StepIndex: r.StepIndex}
			byStep[r.StepIndex] = s
		}
		switch r.EventType {
		case models.EventMessageSent:
			s.Sent = r.Count
		case models.EventMessageFailed:
			s.Failed = r.Count
		case models.EventMessageDelivered:
			s.Delivered = r.Count
		case models.EventMessageOpened:
			s.Opened = r.Count
		case models.EventMessageClicked:
			s.Clicked = r.Count
		case models.EventReviewSubmitted:
			s.Converted = r.Count
		}
	}
	steps := make([]FunnelStep, 0, len(byStep))
	for _, s := range byStep {
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// Conversion relates sends since the given instant to the enrollments they converted.
func (l *Log) Conversion(ctx context.Context, sequenceID uint, since time.Time) (Conversion, error) {
	out := Conversion{Since: since.UTC()}
	base := l.DB.WithContext(ctx).Model(&models.ActivityEvent{}).
		Where("sequence_id = ? AND created_at >= ?", sequenceID, since.UTC())

	if err := base.Session(&gorm.Session{}).Where("event_type = ?", models.EventMessageSent).Count(&out.Sent).Error; err != nil {
		return out, fmt.Errorf("count sends: %w", err)
	}
	if err := base.Session(&gorm.Session{}).Where("event_type = ?", models.EventReviewSubmitted).
		Distinct("enrollment_id").Count(&out.Converted).Error; err != nil {
		return out, fmt.Errorf("count conversions: %w", err)
	}
	if out.Sent > 0 {
		out.Rate = float64(out.Converted) / float64(out.Sent)
	}
	return out, nil
}

// Stats is the enrollment breakdown plus the conversion of the last window.
func (l *Log) Stats(ctx context.Context, sequenceID uint) (*Stats, error) {
	counts, err := store.NewEnrollmentRepository(l.DB).CountByStatus(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("enrollment stats: %w", err)
	}
	conv, err := l.Conversion(ctx, sequenceID, l.Now().UTC().Add(-ConversionWindow))
	if err != nil {
		return nil, err
	}
	return &Stats{
		Active:     counts[models.EnrollmentActive],
		Finished:   counts[models.EnrollmentFinished],
		Stopped:    counts[models.EnrollmentStopped],
		Conversion: conv,
	}, nil
}
