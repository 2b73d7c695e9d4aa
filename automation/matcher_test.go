package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/apperrors"
	"reviewflow/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (p *recordingPublisher) Publish(events ...models.ActivityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (h *harness) matcher(pub Publisher) *Matcher {
	m := NewMatcher(h.sequences, h.enrollments, h.customers, pub)
	m.Now = h.clock.Now
	return m
}

func TestIngestEnrollsEveryMatchingSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	biz := h.fx.Business.ID
	first := h.activeSequence(t, h.validInput())
	second := h.activeSequence(t, h.validInput())

	invoice := h.validInput()
	invoice.TriggerEventType = strPtr("invoice_paid")
	h.activeSequence(t, invoice)

	draft, err := h.defs.CreateSequence(ctx, biz, h.validInput())
	require.NoError(t, err)

	pub := &recordingPublisher{}
	serviceDate := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)
	res, err := h.matcher(pub).Ingest(ctx, biz, TriggerEvent{
		EventType:   "job_completed",
		Customer:    models.CustomerIdentity{Email: " Dana@Example.com ", FirstName: "Dana"},
		ServiceDate: &serviceDate,
		Payload:     map[string]interface{}{"job_id": "J-100"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerJobCompleted, res.EventType)
	assert.Equal(t, 2, res.Matched)
	assert.Len(t, res.Enrolled, 2)
	assert.Zero(t, res.Duplicates)

	var enrollments []models.Enrollment
	require.NoError(t, h.db.Order("sequence_id").Find(&enrollments).Error)
	require.Len(t, enrollments, 2)
	assert.Equal(t, first.ID, enrollments[0].SequenceID)
	assert.Equal(t, second.ID, enrollments[1].SequenceID)
	for _, e := range enrollments {
		assert.NotEqual(t, draft.ID, e.SequenceID)
		assert.Equal(t, models.EnrollmentActive, e.Status)
		assert.Equal(t, 0, e.CurrentStepIndex)
		assert.True(t, e.NextRunAt.Equal(t0), "first step is due immediately")
		assert.Equal(t, models.SourceTrigger, e.Source)
	}

	var customers []models.Customer
	require.NoError(t, h.db.Find(&customers).Error)
	require.Len(t, customers, 1)
	assert.Equal(t, "dana@example.com", customers[0].Email)

	require.Len(t, pub.events, 2)
	for _, ev := range pub.events {
		assert.Equal(t, models.EventEnrolled, ev.EventType)
		assert.NotZero(t, ev.EnrollmentID)
		assert.Equal(t, "trigger", ev.Details["source"])
		assert.Equal(t, "job_completed", ev.Details["trigger_event_type"])
	}
}

func TestIngestDuplicateTriggerIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	biz := h.fx.Business.ID
	seq := h.activeSequence(t, h.validInput())
	m := h.matcher(nil)
	ev := TriggerEvent{EventType: "job_completed", Customer: models.CustomerIdentity{Email: "dana@example.com"}}

	res, err := m.Ingest(ctx, biz, ev)
	require.NoError(t, err)
	require.Len(t, res.Enrolled, 1)

	h.clock.Advance(10 * time.Minute)
	res, err = m.Ingest(ctx, biz, ev)
	require.NoError(t, err)
	assert.Empty(t, res.Enrolled)
	assert.Equal(t, 1, res.Duplicates)

	var count int64
	require.NoError(t, h.db.Model(&models.Enrollment{}).Where("sequence_id = ?", seq.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var enrolledEvents int64
	require.NoError(t, h.db.Model(&models.ActivityEvent{}).
		Where("sequence_id = ? AND event_type = ?", seq.ID, models.EventEnrolled).
		Count(&enrolledEvents).Error)
	assert.EqualValues(t, 1, enrolledEvents)
}

func TestIngestUnknownEventTypeIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.activeSequence(t, h.validInput())

	res, err := h.matcher(nil).Ingest(context.Background(), h.fx.Business.ID, TriggerEvent{
		EventType: "estimate_sent",
		Customer:  models.CustomerIdentity{Phone: "+15550100"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerUnknown, res.EventType)
	assert.Zero(t, res.Matched)
	assert.Empty(t, res.Enrolled)

	var count int64
	require.NoError(t, h.db.Model(&models.Enrollment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestRejectsBadIdentity(t *testing.T) {
	h := newHarness(t)
	m := h.matcher(nil)
	ctx := context.Background()

	_, err := m.Ingest(ctx, h.fx.Business.ID, TriggerEvent{EventType: "job_completed"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = m.Ingest(ctx, h.fx.Business.ID, TriggerEvent{
		EventType: "job_completed",
		Customer:  models.CustomerIdentity{Email: "not-an-email"},
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestEnrollManual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	biz := h.fx.Business.ID
	m := h.matcher(nil)
	who := models.CustomerIdentity{Email: "dana@example.com"}

	closed := h.activeSequence(t, h.validInput())
	_, err := m.EnrollManual(ctx, biz, closed.ID, who)
	assert.True(t, apperrors.IsConflict(err), "manual enrollment must be allowed by the sequence")

	in := h.validInput()
	in.AllowManualEnroll = true
	open := h.activeSequence(t, in)

	e, err := m.EnrollManual(ctx, biz, open.ID, who)
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, e.Source)
	assert.Nil(t, e.TriggerEventType)

	_, err = m.EnrollManual(ctx, biz, open.ID, who)
	assert.True(t, apperrors.IsConflict(err), "duplicates are reported to the caller")

	_, err = h.defs.Pause(ctx, biz, open.ID)
	require.NoError(t, err)
	_, err = m.EnrollManual(ctx, biz, open.ID, models.CustomerIdentity{Email: "lee@example.com"})
	assert.True(t, apperrors.IsConflict(err), "paused sequences accept no enrollments")

	_, err = m.EnrollManual(ctx, biz, 9999, who)
	assert.True(t, apperrors.IsNotFound(err))
}
