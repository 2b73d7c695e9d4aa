package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"reviewflow/apperrors"
	"reviewflow/logging"
	"reviewflow/metrics"
	"reviewflow/models"
	"reviewflow/store"
)

// Publisher receives committed activity events for live feeds.
type Publisher interface {
	Publish(events ...models.ActivityEvent)
}

// TriggerEvent is an inbound signal from an external integration.
type TriggerEvent struct {
	EventType   string                  `json:"event_type" validate:"required"`
	Customer    models.CustomerIdentity `json:"customer"`
	ServiceDate *time.Time              `json:"service_date"`
	Payload     map[string]interface{}  `json:"payload"`
}

type IngestResult struct {
	EventType  models.TriggerEventType `json:"event_type"`
	Matched    int                     `json:"matched"`
	Enrolled   []uint                  `json:"enrolled"`
	Duplicates int                     `json:"duplicates"`
}

// Matcher turns trigger events and manual requests into enrollments.
type Matcher struct {
	Sequences   store.SequenceStore
	Enrollments store.EnrollmentStore
	Customers   store.CustomerDirectory
	Publisher   Publisher
	Logger      *logrus.Entry
	Now         func() time.Time
}

func NewMatcher(sequences store.SequenceStore, enrollments store.EnrollmentStore, customers store.CustomerDirectory, publisher Publisher) *Matcher {
	return &Matcher{
		Sequences:   sequences,
		Enrollments: enrollments,
		Customers:   customers,
		Publisher:   publisher,
		Logger:      logging.Component("trigger_matcher"),
		Now:         time.Now,
	}
}

func checkIdentity(identity models.CustomerIdentity) error {
	if identity.Empty() {
		return apperrors.Invalid("customer", "customer identity needs an email, phone or external id")
	}
	if identity.Email != "" {
		if err := checkmail.ValidateFormat(identity.Email); err != nil {
			return apperrors.Invalid("customer.email", "email %q is not valid", identity.Email)
		}
	}
	return nil
}

// Ingest enrolls the customer in every active sequence of the business that
// listens to the event type. Events that match nothing are accepted.
func (m *Matcher) Ingest(ctx context.Context, businessID uint, ev TriggerEvent) (*IngestResult, error) {
	eventType := models.ParseTriggerEventType(ev.EventType)
	result := &IngestResult{EventType: eventType, Enrolled: []uint{}}
	log := m.Logger.WithFields(logrus.Fields{"business_id": businessID, "event_type": ev.EventType})

	identity := ev.Customer.Normalized()
	if err := checkIdentity(identity); err != nil {
		metrics.TriggersTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if eventType == models.TriggerUnknown {
		log.Info("trigger event type matches no sequence, accepted")
		metrics.TriggersTotal.WithLabelValues("unmatched").Inc()
		return result, nil
	}

	sequences, err := m.Sequences.ListActiveByTrigger(ctx, businessID, eventType)
	if err != nil {
		return nil, fmt.Errorf("match sequences: %w", err)
	}
	result.Matched = len(sequences)
	if len(sequences) == 0 {
		log.Info("no active sequence for trigger")
		metrics.TriggersTotal.WithLabelValues("unmatched").Inc()
		return result, nil
	}

	customer, err := m.Customers.Resolve(ctx, businessID, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	for i := range sequences {
		seq := &sequences[i]
		enrollment, err := m.enroll(ctx, seq, customer, models.SourceTrigger, &eventType, ev.ServiceDate, ev.Payload)
		if apperrors.IsConflict(err) {
			result.Duplicates++
			metrics.TriggersTotal.WithLabelValues("duplicate").Inc()
			log.WithFields(logrus.Fields{"sequence_id": seq.ID, "customer_id": customer.ID}).
				Info("customer already active in sequence, trigger ignored")
			continue
		}
		if err != nil {
			return result, err
		}
		result.Enrolled = append(result.Enrolled, enrollment.ID)
		metrics.TriggersTotal.WithLabelValues("enrolled").Inc()
	}
	return result, nil
}

// EnrollManual enrolls one customer by hand. Duplicates are returned to the
// caller as ConflictError.
func (m *Matcher) EnrollManual(ctx context.Context, businessID, sequenceID uint, identity models.CustomerIdentity) (*models.Enrollment, error) {
	identity = identity.Normalized()
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	seq, err := m.Sequences.Get(ctx, businessID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceActive {
		return nil, apperrors.NewConflict("sequence", "sequence %d is %s, only active sequences accept enrollments", seq.ID, seq.Status)
	}
	if !seq.AllowManualEnroll {
		return nil, apperrors.NewConflict("sequence", "sequence %d does not allow manual enrollment", seq.ID)
	}
	customer, err := m.Customers.Resolve(ctx, businessID, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}
	return m.enroll(ctx, seq, customer, models.SourceManual, nil, nil, nil)
}

func (m *Matcher) enroll(ctx context.Context, seq *models.Sequence, customer *models.Customer, source models.EnrollmentSource, trigger *models.TriggerEventType, serviceDate *time.Time, payload map[string]interface{}) (*models.Enrollment, error) {
	now := m.Now().UTC()
	enrollment := &models.Enrollment{
		BusinessID:       seq.BusinessID,
		SequenceID:       seq.ID,
		CustomerID:       customer.ID,
		Status:           models.EnrollmentActive,
		NextRunAt:        now,
		Source:           source,
		TriggerEventType: trigger,
		ServiceDate:      serviceDate,
	}
	details := map[string]interface{}{"source": string(source)}
	if trigger != nil {
		details["trigger_event_type"] = string(*trigger)
	}
	if serviceDate != nil {
		details["service_date"] = serviceDate.UTC().Format(time.RFC3339)
	}
	if len(payload) > 0 {
		details["payload"] = payload
	}
	events := []models.ActivityEvent{models.NewEvent(enrollment, models.EventEnrolled, now).With(details)}

	if err := m.Enrollments.Create(ctx, enrollment, events...); err != nil {
		return nil, err
	}

	m.Logger.WithFields(logrus.Fields{
		"sequence_id":   seq.ID,
		"customer_id":   customer.ID,
		"enrollment_id": enrollment.ID,
		"source":        source,
	}).Info("customer enrolled")
	if m.Publisher != nil {
		m.Publisher.Publish(events...)
	}
	return enrollment, nil
}
