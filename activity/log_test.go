package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reviewflow/apperrors"
	"reviewflow/models"
	"reviewflow/testutil"
)

var t0 = time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	log      *Log
	clock    *testutil.Clock
	hub      *Hub
	biz      uint
	seq      *models.Sequence
	customer *models.Customer
	enroll   *models.Enrollment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	fx := testutil.Seed(t, db, "UTC")
	clock := testutil.NewClock(t0)
	hub := NewHub()
	l := NewLog(db, hub)
	l.Now = clock.Now

	trigger := models.TriggerJobCompleted
	seq := &models.Sequence{
		BusinessID:       fx.Business.ID,
		Name:             "Post-job review",
		Status:           models.SequenceActive,
		TriggerEventType: &trigger,
		Steps: models.BuildSteps([]models.StepAction{
			models.SendEmail{TemplateID: fx.EmailTemplate.ID},
			models.Wait{Duration: time.Hour},
			models.SendSMS{TemplateID: fx.SMSTemplate.ID},
		}),
	}
	require.NoError(t, db.Create(seq).Error)
	customer := testutil.Customer(t, db, fx.Business.ID, "dana@example.com", "+15550100")
	e := &models.Enrollment{
		BusinessID: fx.Business.ID, SequenceID: seq.ID, CustomerID: customer.ID,
		Status: models.EnrollmentActive, NextRunAt: t0, Source: models.SourceTrigger,
	}
	require.NoError(t, db.Create(e).Error)

	return &fixture{db: db, log: l, clock: clock, hub: hub, biz: fx.Business.ID, seq: seq, customer: customer, enroll: e}
}

// write inserts events directly, the way the enrollment store does.
func (f *fixture) write(t *testing.T, events ...models.ActivityEvent) {
	t.Helper()
	require.NoError(t, f.db.Create(&events).Error)
}

func (f *fixture) sent(step int, ch models.Channel, messageID string, at time.Time) models.ActivityEvent {
	ev := models.NewEvent(f.enroll, models.EventMessageSent, at).AtStep(step).On(ch)
	ev.MessageID = messageID
	return ev
}

func TestQueryFiltersAndOrdersNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t,
		models.NewEvent(f.enroll, models.EventEnrolled, t0),
		models.NewEvent(f.enroll, models.EventMessageQueued, t0.Add(time.Second)).AtStep(0).On(models.ChannelEmail),
		f.sent(0, models.ChannelEmail, "m-1", t0.Add(2*time.Second)),
		models.NewEvent(f.enroll, models.EventStepRan, t0.Add(3*time.Second)).AtStep(1),
		f.sent(2, models.ChannelSMS, "m-2", t0.Add(time.Hour)),
	)

	page, err := f.log.Query(ctx, Filter{BusinessID: f.biz})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	require.Len(t, page.Events, 5)
	assert.Equal(t, models.EventMessageSent, page.Events[0].EventType)
	assert.Equal(t, models.EventEnrolled, page.Events[4].EventType)

	page, err = f.log.Query(ctx, Filter{BusinessID: f.biz, Channel: models.ChannelSMS})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "m-2", page.Events[0].MessageID)

	page, err = f.log.Query(ctx, Filter{BusinessID: f.biz, EventTypes: []models.EventType{models.EventMessageSent}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	from, to := t0.Add(time.Second), t0.Add(time.Minute)
	page, err = f.log.Query(ctx, Filter{BusinessID: f.biz, From: &from, To: &to, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Events, 2)
	assert.Equal(t, 2, page.PageSize)

	page, err = f.log.Query(ctx, Filter{BusinessID: f.biz + 100})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = f.log.Query(ctx, Filter{BusinessID: f.biz, EventTypes: []models.EventType{"exploded"}})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.log.Query(ctx, Filter{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestTimelineIsChronological(t *testing.T) {
	f := newFixture(t)
	f.write(t,
		f.sent(0, models.ChannelEmail, "m-1", t0.Add(time.Minute)),
		models.NewEvent(f.enroll, models.EventEnrolled, t0),
	)
	events, err := f.log.Timeline(context.Background(), f.enroll.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventEnrolled, events[0].EventType)
	assert.Equal(t, models.EventMessageSent, events[1].EventType)
}

func TestRecordDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, f.sent(0, models.ChannelEmail, "m-1", t0))
	feed, cancel := f.hub.Subscribe(f.biz)
	defer cancel()

	f.clock.Advance(time.Minute)
	ev, err := f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: DeliveryOpened})
	require.NoError(t, err)
	assert.Equal(t, models.EventMessageOpened, ev.EventType)
	assert.Equal(t, f.enroll.ID, ev.EnrollmentID)
	require.NotNil(t, ev.StepIndex)
	assert.Equal(t, 0, *ev.StepIndex)

	select {
	case got := <-feed:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("recorded event was not published")
	}

	again, err := f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: DeliveryOpened})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, again.ID, "repeated reports are idempotent")

	_, err = f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "unknown", Status: DeliveryOpened})
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: "teleported"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRecordDeliveryConcurrentRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, f.sent(0, models.ChannelEmail, "m-1", t0))
	feed, cancel := f.hub.Subscribe(f.biz)
	defer cancel()

	// providers retry webhooks; the same report can arrive on several
	// connections at once
	const retries = 8
	ids := make([]uint, retries)
	errs := make([]error, retries)
	var wg sync.WaitGroup
	for i := 0; i < retries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: DeliveryDelivered})
			errs[i] = err
			if ev != nil {
				ids[i] = ev.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.NotZero(t, ids[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var count int64
	require.NoError(t, f.db.Model(&models.ActivityEvent{}).
		Where("message_id = ? AND event_type = ?", "m-1", models.EventMessageDelivered).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)

	published := 0
	for done := false; !done; {
		select {
		case <-feed:
			published++
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	assert.Equal(t, 1, published, "only the inserted event is published")

	// a different status for the same message is its own event
	clicked, err := f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: DeliveryClicked})
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], clicked.ID)
}

func TestRecordReviewAttributesToLatestSendInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t,
		f.sent(0, models.ChannelEmail, "m-1", t0),
		f.sent(2, models.ChannelSMS, "m-2", t0.Add(48*time.Hour)),
	)

	f.clock.Set(t0.Add(72 * time.Hour))
	events, err := f.log.RecordReview(ctx, f.biz, f.customer.ID, map[string]interface{}{"rating": 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].StepIndex)
	assert.Equal(t, 2, *events[0].StepIndex)
	assert.Equal(t, "m-2", events[0].MessageID)

	events, err = f.log.RecordReview(ctx, f.biz, f.customer.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, events, "an enrollment converts once")
}

func TestRecordReviewIgnoresOldSends(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.sent(0, models.ChannelEmail, "m-1", t0))
	f.clock.Set(t0.Add(ConversionWindow + time.Hour))

	events, err := f.log.RecordReview(context.Background(), f.biz, f.customer.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFunnelAndConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Customer{BusinessID: f.biz, Email: "lee@example.com"}
	require.NoError(t, f.db.Create(other).Error)
	second := &models.Enrollment{
		BusinessID: f.biz, SequenceID: f.seq.ID, CustomerID: other.ID,
		Status: models.EnrollmentFinished, NextRunAt: t0, Source: models.SourceManual,
	}
	require.NoError(t, f.db.Create(second).Error)
	secondSent := models.NewEvent(second, models.EventMessageSent, t0).AtStep(0).On(models.ChannelEmail)
	secondSent.MessageID = "m-3"

	f.write(t,
		f.sent(0, models.ChannelEmail, "m-1", t0),
		secondSent,
		f.sent(2, models.ChannelSMS, "m-2", t0.Add(time.Hour)),
	)
	_, err := f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-1", Status: DeliveryDelivered})
	require.NoError(t, err)
	_, err = f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-3", Status: DeliveryDelivered})
	require.NoError(t, err)
	_, err = f.log.RecordDelivery(ctx, f.biz, DeliveryReport{MessageID: "m-3", Status: DeliveryClicked})
	require.NoError(t, err)

	f.clock.Set(t0.Add(2 * time.Hour))
	_, err = f.log.RecordReview(ctx, f.biz, other.ID, nil)
	require.NoError(t, err)

	funnel, err := f.log.Funnel(ctx, f.seq.ID)
	require.NoError(t, err)
	require.Len(t, funnel, 2)
	assert.Equal(t, FunnelStep{StepIndex: 0, Sent: 2, Delivered: 2, Clicked: 1, Converted: 1}, funnel[0])
	assert.Equal(t, FunnelStep{StepIndex: 2, Sent: 1}, funnel[1])

	stats, err := f.log.Stats(ctx, f.seq.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active)
	assert.EqualValues(t, 1, stats.Finished)
	assert.EqualValues(t, 3, stats.Conversion.Sent)
	assert.EqualValues(t, 1, stats.Conversion.Converted)
	assert.InDelta(t, 1.0/3.0, stats.Conversion.Rate, 1e-9)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	feed, cancel := hub.Subscribe(1)
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(models.ActivityEvent{ID: uint(i + 1), BusinessID: 1})
	}
	hub.Publish(models.ActivityEvent{ID: 999, BusinessID: 2})
	assert.Len(t, feed, subscriberBuffer)
	assert.Equal(t, 1, hub.Subscribers(1))

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers(1))
}
