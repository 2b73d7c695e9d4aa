package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reviewflow/activity"
	"reviewflow/apperrors"
	"reviewflow/automation"
	"reviewflow/models"
	"reviewflow/ratelimit"
	"reviewflow/sender"
	"reviewflow/store"
	"reviewflow/testutil"
)

var t0 = time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)

type env struct {
	db     *gorm.DB
	fx     testutil.Fixture
	clock  *testutil.Clock
	stores store.Stores
	fake   *sender.Fake
	hub    *activity.Hub
	worker *SequenceWorker
}

func testConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    50,
		Workers:      4,
		SendTimeout:  time.Second,
		ClaimLease:   2 * time.Minute,
		ErrorBackoff: 5 * time.Minute,
	}
}

func newEnv(t *testing.T, timezone string, now time.Time) *env {
	t.Helper()
	db := testutil.NewDB(t)
	e := &env{
		db:     db,
		fx:     testutil.Seed(t, db, timezone),
		clock:  testutil.NewClock(now),
		stores: store.New(db, time.UTC),
		fake:   &sender.Fake{},
		hub:    activity.NewHub(),
	}
	e.worker = e.newWorker(ratelimit.NewMemoryLimiter())
	return e
}

func (e *env) newWorker(limiter ratelimit.Limiter) *SequenceWorker {
	w := NewSequenceWorker(e.stores, limiter, e.fake, e.hub, testConfig())
	w.Now = e.clock.Now
	return w
}

func (e *env) email() models.StepAction { return models.SendEmail{TemplateID: e.fx.EmailTemplate.ID} }
func (e *env) sms() models.StepAction   { return models.SendSMS{TemplateID: e.fx.SMSTemplate.ID} }

func (e *env) sequence(t *testing.T, configure func(*models.Sequence), actions ...models.StepAction) *models.Sequence {
	t.Helper()
	trigger := models.TriggerJobCompleted
	seq := &models.Sequence{
		BusinessID:       e.fx.Business.ID,
		Name:             "Post-job review",
		Status:           models.SequenceActive,
		TriggerEventType: &trigger,
		Steps:            models.BuildSteps(actions),
	}
	if configure != nil {
		configure(seq)
	}
	require.NoError(t, e.stores.Sequences.Create(context.Background(), seq))
	return seq
}

func (e *env) enroll(t *testing.T, seq *models.Sequence, customer *models.Customer) *models.Enrollment {
	t.Helper()
	now := e.clock.Now()
	en := &models.Enrollment{
		BusinessID: seq.BusinessID, SequenceID: seq.ID, CustomerID: customer.ID,
		Status: models.EnrollmentActive, NextRunAt: now, Source: models.SourceManual,
	}
	require.NoError(t, e.stores.Enrollments.Create(context.Background(), en, models.NewEvent(en, models.EventEnrolled, now)))
	return en
}

func (e *env) customer(t *testing.T, email, phone string) *models.Customer {
	return testutil.Customer(t, e.db, e.fx.Business.ID, email, phone)
}

// drain runs passes until nothing is due at the current clock.
func (e *env) drain(t *testing.T, w *SequenceWorker) {
	t.Helper()
	for i := 0; i < 20; i++ {
		n, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("scheduler never settled")
}

func (e *env) reload(t *testing.T, id uint) *models.Enrollment {
	t.Helper()
	en, err := e.stores.Enrollments.Get(context.Background(), id)
	require.NoError(t, err)
	return en
}

func (e *env) timeline(t *testing.T, id uint) []models.EventType {
	t.Helper()
	events, err := activity.NewLog(e.db, nil).Timeline(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func (e *env) lastEvent(t *testing.T, id uint) models.ActivityEvent {
	t.Helper()
	var ev models.ActivityEvent
	require.NoError(t, e.db.Where("enrollment_id = ?", id).Order("id DESC").First(&ev).Error)
	return ev
}

func TestTriggerToFinishedRun(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	e.sequence(t, nil, e.email(), models.Wait{Duration: 5 * time.Hour}, e.sms())

	matcher := automation.NewMatcher(e.stores.Sequences, e.stores.Enrollments, e.stores.Customers, e.hub)
	matcher.Now = e.clock.Now
	res, err := matcher.Ingest(ctx, e.fx.Business.ID, automation.TriggerEvent{
		EventType: "job_completed",
		Customer:  models.CustomerIdentity{Email: "dana@example.com", Phone: "+15550100", FirstName: "Dana"},
	})
	require.NoError(t, err)
	require.Len(t, res.Enrolled, 1)
	id := res.Enrolled[0]

	e.drain(t, e.worker)
	en := e.reload(t, id)
	assert.Equal(t, models.EnrollmentActive, en.Status)
	assert.Equal(t, 2, en.CurrentStepIndex)
	assert.True(t, en.NextRunAt.Equal(t0.Add(5*time.Hour)), "next run at %s", en.NextRunAt)
	assert.Equal(t, []models.EventType{
		models.EventEnrolled,
		models.EventMessageQueued,
		models.EventMessageSent,
		models.EventStepRan,
	}, e.timeline(t, id))

	e.clock.Advance(5 * time.Hour)
	e.drain(t, e.worker)

	en = e.reload(t, id)
	assert.Equal(t, models.EnrollmentFinished, en.Status)
	require.NotNil(t, en.FinishedAt)
	assert.Equal(t, []models.EventType{
		models.EventEnrolled,
		models.EventMessageQueued,
		models.EventMessageSent,
		models.EventStepRan,
		models.EventMessageQueued,
		models.EventMessageSent,
		models.EventEnrollmentFinished,
	}, e.timeline(t, id))

	sent := e.fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.ChannelEmail, sent[0].Channel)
	assert.Equal(t, "dana@example.com", sent[0].To)
	assert.Equal(t, "How did we do, Dana?", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Acme Plumbing")
	assert.Equal(t, models.ChannelSMS, sent[1].Channel)
	assert.Equal(t, "+15550100", sent[1].To)

	var sentEvents []models.ActivityEvent
	require.NoError(t, e.db.Where("enrollment_id = ? AND event_type = ?", id, models.EventMessageSent).Order("id").Find(&sentEvents).Error)
	require.Len(t, sentEvents, 2)
	assert.Equal(t, sent[0].ID, sentEvents[0].MessageID, "sent events carry the message id for delivery webhooks")
}

func TestQuietHoursDeferSend(t *testing.T) {
	late := time.Date(2024, 3, 4, 23, 10, 0, 0, time.UTC)
	e := newEnv(t, "UTC", late)
	seq := e.sequence(t, func(s *models.Sequence) {
		start, end := "22:00", "08:00"
		s.QuietHoursStart, s.QuietHoursEnd = &start, &end
	}, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	outcome, err := e.worker.Process(context.Background(), en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuiet, outcome)

	got := e.reload(t, en.ID)
	morning := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.True(t, got.NextRunAt.Equal(morning), "next run at %s", got.NextRunAt)
	ev := e.lastEvent(t, en.ID)
	assert.Equal(t, models.EventQuietHoursSkipped, ev.EventType)
	assert.Equal(t, morning.Format(time.RFC3339), ev.Details["resume_at"])
	assert.Empty(t, e.fake.Sent())

	e.clock.Advance(30 * time.Minute)
	e.drain(t, e.worker)
	assert.Empty(t, e.fake.Sent(), "nothing is sent inside the window")

	e.clock.Set(morning)
	e.drain(t, e.worker)
	assert.Len(t, e.fake.Sent(), 1)
	assert.Equal(t, models.EnrollmentFinished, e.reload(t, en.ID).Status)
}

func TestQuietHoursUseBusinessTimezone(t *testing.T) {
	// 01:30 UTC is 21:30 the previous evening in New York
	e := newEnv(t, "America/New_York", time.Date(2024, 7, 2, 1, 30, 0, 0, time.UTC))
	seq := e.sequence(t, func(s *models.Sequence) {
		start, end := "21:00", "07:00"
		s.QuietHoursStart, s.QuietHoursEnd = &start, &end
	}, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	outcome, err := e.worker.Process(context.Background(), en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuiet, outcome)
	assert.True(t, e.reload(t, en.ID).NextRunAt.Equal(time.Date(2024, 7, 2, 11, 0, 0, 0, time.UTC)))
}

func TestOptOutStopsBeforeNextStep(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, nil, e.email(), e.sms(), e.email())
	customer := e.customer(t, "dana@example.com", "+15550100")
	en := e.enroll(t, seq, customer)

	outcome, err := e.worker.Process(ctx, en.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, 1, e.reload(t, en.ID).CurrentStepIndex)

	exits := automation.NewExits(e.stores.Customers, e.stores.Enrollments)
	exits.Now = e.clock.Now
	_, err = exits.Unsubscribe(ctx, e.fx.Business.ID, customer.ID)
	require.NoError(t, err)

	e.drain(t, e.worker)
	got := e.reload(t, en.ID)
	assert.Equal(t, models.EnrollmentStopped, got.Status)
	require.NotNil(t, got.StoppedReason)
	assert.Equal(t, models.StopUnsubscribed, *got.StoppedReason)
	assert.Equal(t, 1, got.CurrentStepIndex)

	tl := e.timeline(t, en.ID)
	assert.Equal(t, []models.EventType{models.EventUnsubscribed, models.EventEnrollmentStopped}, tl[len(tl)-2:])

	e.clock.Advance(24 * time.Hour)
	e.drain(t, e.worker)
	assert.Len(t, e.fake.Sent(), 1, "no sends after the opt-out")
}

func TestExitRulePrecedence(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, nil, e.email())
	customer := e.customer(t, "dana@example.com", "")
	en := e.enroll(t, seq, customer)

	require.NoError(t, e.stores.Customers.MarkBounced(ctx, customer.ID, t0))
	require.NoError(t, e.stores.Customers.MarkUnsubscribed(ctx, customer.ID, t0))
	_, err := e.stores.Enrollments.RequestStop(ctx, e.fx.Business.ID, en.ID, t0)
	require.NoError(t, err)

	outcome, err := e.worker.Process(ctx, en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	got := e.reload(t, en.ID)
	require.NotNil(t, got.StoppedReason)
	assert.Equal(t, models.StopUnsubscribed, *got.StoppedReason, "unsubscribe wins over bounce and manual stop")
}

func TestManualStopAndArchive(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, nil, e.email(), models.Wait{Duration: 48 * time.Hour}, e.sms())
	first := e.enroll(t, seq, e.customer(t, "dana@example.com", "+15550100"))
	second := e.enroll(t, seq, e.customer(t, "lee@example.com", "+15550101"))
	e.drain(t, e.worker)

	exits := automation.NewExits(e.stores.Customers, e.stores.Enrollments)
	exits.Now = e.clock.Now
	_, err := exits.StopEnrollment(ctx, e.fx.Business.ID, first.ID)
	require.NoError(t, err)

	defs := automation.NewDefinitions(e.stores.Sequences, e.stores.Enrollments, e.stores.Templates)
	defs.Now = e.clock.Now
	e.clock.Advance(time.Minute)
	_, err = defs.Archive(ctx, e.fx.Business.ID, seq.ID)
	require.NoError(t, err)

	e.drain(t, e.worker)
	a, b := e.reload(t, first.ID), e.reload(t, second.ID)
	assert.Equal(t, models.StopManual, *a.StoppedReason)
	assert.Equal(t, models.StopSequenceArchived, *b.StoppedReason)
	assert.Len(t, e.fake.Sent(), 2, "only the first step was sent")
}

func TestPausedSequenceIsFrozen(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, nil, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	defs := automation.NewDefinitions(e.stores.Sequences, e.stores.Enrollments, e.stores.Templates)
	_, err := defs.Pause(ctx, e.fx.Business.ID, seq.ID)
	require.NoError(t, err)

	n, err := e.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	outcome, err := e.worker.Process(ctx, en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, e.fake.Sent())
}

func TestRateLimitDefersToWindowEdge(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, func(s *models.Sequence) {
		limit := 10
		s.RatePerHour = &limit
	}, e.email())

	first := t0.Add(-50 * time.Minute)
	for i := 0; i < 10; i++ {
		r, err := e.worker.Limiter.Reserve(ctx, ratelimit.Key(seq.ID), ratelimit.LimitsFor(seq), first.Add(time.Duration(i)*4*time.Minute), fmt.Sprintf("earlier-%d", i))
		require.NoError(t, err)
		require.True(t, r.Allowed)
	}

	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))
	outcome, err := e.worker.Process(ctx, en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRate, outcome)

	got := e.reload(t, en.ID)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.True(t, got.NextRunAt.Equal(first.Add(time.Hour)), "next run at %s", got.NextRunAt)
	assert.Equal(t, models.EventRateLimited, e.lastEvent(t, en.ID).EventType)
	assert.Empty(t, e.fake.Sent())

	e.clock.Set(first.Add(time.Hour))
	e.drain(t, e.worker)
	assert.Len(t, e.fake.Sent(), 1)
}

func TestRateLimitHoldsUnderConcurrency(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, func(s *models.Sequence) {
		limit := 5
		s.RatePerHour = &limit
	}, e.email())
	for i := 0; i < 15; i++ {
		e.enroll(t, seq, e.customer(t, fmt.Sprintf("c%d@example.com", i), ""))
	}

	n, err := e.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Len(t, e.fake.Sent(), 5)

	var deferred int64
	require.NoError(t, e.db.Model(&models.ActivityEvent{}).Where("event_type = ?", models.EventRateLimited).Count(&deferred).Error)
	assert.EqualValues(t, 10, deferred)
}

func TestFailedSendAdvancesAndReleasesSlot(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, func(s *models.Sequence) {
		limit := 1
		s.RatePerHour = &limit
	}, e.email(), e.email())
	e.fake.Fail = func(m sender.Message) error {
		if m.To == "broken@example.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	}
	broken := e.enroll(t, seq, e.customer(t, "broken@example.com", ""))

	outcome, err := e.worker.Process(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	got := e.reload(t, broken.ID)
	assert.Equal(t, 1, got.CurrentStepIndex, "a failed send is terminal for the step")
	ev, err := activity.NewLog(e.db, nil).Timeline(ctx, broken.ID)
	require.NoError(t, err)
	last := ev[len(ev)-1]
	assert.Equal(t, models.EventMessageFailed, last.EventType)
	assert.Contains(t, last.Details["error"], "mailbox unavailable")

	healthy := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))
	outcome, err = e.worker.Process(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome, "the failed send gave its slot back")
}

func TestMissingAddressIsSendFailure(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.sms())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	outcome, err := e.worker.Process(context.Background(), en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, models.EnrollmentFinished, e.reload(t, en.ID).Status)
}

type brokenLimiter struct{}

func (brokenLimiter) Reserve(context.Context, string, []ratelimit.Limit, time.Time, string) (ratelimit.Reservation, error) {
	return ratelimit.Reservation{}, errors.New("redis: connection refused")
}

func (brokenLimiter) Release(context.Context, string, string) error { return nil }

func TestInfrastructureErrorBacksOffWithoutAdvancing(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	w := e.newWorker(brokenLimiter{})
	seq := e.sequence(t, nil, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	outcome, err := w.Process(context.Background(), en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, outcome)

	got := e.reload(t, en.ID)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.True(t, got.NextRunAt.Equal(t0.Add(5*time.Minute)))
	ev := e.lastEvent(t, en.ID)
	assert.Equal(t, models.EventError, ev.EventType)
	assert.Contains(t, ev.Details["error"], "connection refused")
}

func TestOneBadEnrollmentDoesNotBlockOthers(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.email())
	good := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))
	bad := e.enroll(t, seq, e.customer(t, "lee@example.com", ""))
	// the customer row vanishes from the directory
	require.NoError(t, e.db.Unscoped().Delete(&models.Customer{}, bad.CustomerID).Error)

	e.drain(t, e.worker)
	assert.Equal(t, models.EnrollmentFinished, e.reload(t, good.ID).Status)
	assert.Equal(t, models.EventError, e.lastEvent(t, bad.ID).EventType)
}

func TestFinalWaitFinishesImmediately(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.email(), models.Wait{Duration: time.Hour})
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	e.drain(t, e.worker)
	got := e.reload(t, en.ID)
	assert.Equal(t, models.EnrollmentFinished, got.Status)
	tl := e.timeline(t, en.ID)
	assert.Equal(t, []models.EventType{models.EventStepRan, models.EventEnrollmentFinished}, tl[len(tl)-2:])
}

func TestConcurrentWorkersSendOnce(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	workers := []*SequenceWorker{e.newWorker(e.worker.Limiter), e.newWorker(e.worker.Limiter), e.worker}
	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *SequenceWorker) {
			defer wg.Done()
			outcomes[i], _ = w.Process(context.Background(), en.ID)
		}(i, w)
	}
	wg.Wait()

	assert.Len(t, e.fake.Sent(), 1)
	finished := 0
	for _, o := range outcomes {
		if o == OutcomeFinished {
			finished++
		}
	}
	assert.Equal(t, 1, finished, "outcomes %v", outcomes)
}

func TestWorkerPublishesCommittedEvents(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.email())
	feed, cancel := e.hub.Subscribe(e.fx.Business.ID)
	defer cancel()
	e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	e.drain(t, e.worker)
	var got []models.EventType
	for len(feed) > 0 {
		ev := <-feed
		assert.NotZero(t, ev.ID)
		got = append(got, ev.EventType)
	}
	assert.Equal(t, []models.EventType{models.EventMessageQueued, models.EventMessageSent, models.EventEnrollmentFinished}, got)
}

func TestStartStopsOnCancel(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	e.worker.Config.PollInterval = 10 * time.Millisecond
	seq := e.sequence(t, nil, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return e.reload(t, en.ID).Status == models.EnrollmentFinished
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStopDuringSendKeepsSendEvents(t *testing.T) {
	cases := []struct {
		name   string
		signal func(e *env, seq *models.Sequence, en *models.Enrollment) error
		reason models.StopReason
	}{
		{
			name: "manual stop",
			signal: func(e *env, _ *models.Sequence, en *models.Enrollment) error {
				exits := automation.NewExits(e.stores.Customers, e.stores.Enrollments)
				exits.Now = e.clock.Now
				_, err := exits.StopEnrollment(context.Background(), e.fx.Business.ID, en.ID)
				return err
			},
			reason: models.StopManual,
		},
		{
			name: "unsubscribe",
			signal: func(e *env, _ *models.Sequence, en *models.Enrollment) error {
				exits := automation.NewExits(e.stores.Customers, e.stores.Enrollments)
				exits.Now = e.clock.Now
				_, err := exits.Unsubscribe(context.Background(), e.fx.Business.ID, en.CustomerID)
				return err
			},
			reason: models.StopUnsubscribed,
		},
		{
			name: "archive",
			signal: func(e *env, seq *models.Sequence, _ *models.Enrollment) error {
				defs := automation.NewDefinitions(e.stores.Sequences, e.stores.Enrollments, e.stores.Templates)
				defs.Now = e.clock.Now
				_, err := defs.Archive(context.Background(), e.fx.Business.ID, seq.ID)
				return err
			},
			reason: models.StopSequenceArchived,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, "UTC", t0)
			seq := e.sequence(t, nil, e.email(), models.Wait{Duration: 72 * time.Hour}, e.sms())
			en := e.enroll(t, seq, e.customer(t, "dana@example.com", "+15550100"))
			other := e.newWorker(e.worker.Limiter)

			// the signal and a second worker's pass land while the first
			// email is with the provider
			var once sync.Once
			var concurrent Outcome
			var hookErr error
			e.fake.Fail = func(sender.Message) error {
				once.Do(func() {
					if hookErr = tc.signal(e, seq, en); hookErr == nil {
						concurrent, hookErr = other.Process(context.Background(), en.ID)
					}
				})
				return nil
			}

			outcome, err := e.worker.Process(context.Background(), en.ID)
			require.NoError(t, err)
			require.NoError(t, hookErr)
			assert.Equal(t, OutcomeSent, outcome)
			assert.Equal(t, OutcomeSkipped, concurrent, "the claim is live while the message is in flight")
			assert.Equal(t, []models.EventType{
				models.EventEnrolled,
				models.EventMessageQueued,
				models.EventMessageSent,
			}, e.timeline(t, en.ID))

			e.drain(t, e.worker)
			got := e.reload(t, en.ID)
			assert.Equal(t, models.EnrollmentStopped, got.Status)
			require.NotNil(t, got.StoppedReason)
			assert.Equal(t, tc.reason, *got.StoppedReason)
			assert.Nil(t, got.ClaimedUntil)
			assert.Len(t, e.fake.Sent(), 1)

			tl := e.timeline(t, en.ID)
			assert.Equal(t, models.EventEnrollmentStopped, tl[len(tl)-1])
			assert.Contains(t, tl, models.EventMessageSent)
		})
	}
}

func TestStopDuringWaitClaimIsNotDelayed(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	ctx := context.Background()
	seq := e.sequence(t, nil, models.Wait{Duration: 72 * time.Hour}, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	claimed := e.reload(t, en.ID)
	require.NoError(t, e.stores.Enrollments.Claim(ctx, claimed, t0, time.Minute))
	_, err := e.stores.Enrollments.RequestStop(ctx, e.fx.Business.ID, en.ID, t0)
	require.NoError(t, err)

	// the claimant applies the wait it evaluated before seeing the stop
	resume := t0.Add(72 * time.Hour)
	_, err = e.stores.Enrollments.Apply(ctx, claimed, store.Transition{
		Status:           models.EnrollmentActive,
		CurrentStepIndex: 1,
		NextRunAt:        resume,
		Events:           []models.ActivityEvent{models.NewEvent(claimed, models.EventStepRan, t0).AtStep(0)},
		At:               t0,
	})
	require.NoError(t, err)

	e.drain(t, e.worker)
	got := e.reload(t, en.ID)
	assert.Equal(t, models.EnrollmentStopped, got.Status)
	require.NotNil(t, got.StoppedReason)
	assert.Equal(t, models.StopManual, *got.StoppedReason)
	assert.Empty(t, e.fake.Sent())
}

func TestShutdownDuringSendRecordsTransition(t *testing.T) {
	e := newEnv(t, "UTC", t0)
	seq := e.sequence(t, nil, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.fake.Fail = func(sender.Message) error {
		cancel()
		return nil
	}

	outcome, err := e.worker.Process(ctx, en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
	assert.Equal(t, []models.EventType{
		models.EventEnrolled,
		models.EventMessageQueued,
		models.EventMessageSent,
		models.EventEnrollmentFinished,
	}, e.timeline(t, en.ID))

	e.fake.Fail = nil
	e.clock.Advance(10 * time.Minute)
	e.drain(t, e.worker)
	assert.Len(t, e.fake.Sent(), 1, "the step is not sent again after the lease")
	assert.Equal(t, models.EnrollmentFinished, e.reload(t, en.ID).Status)
}

func TestSendEventsStampedAtPolicyInstant(t *testing.T) {
	checked := time.Date(2024, 3, 4, 21, 59, 30, 0, time.UTC)
	e := newEnv(t, "UTC", checked)
	seq := e.sequence(t, func(s *models.Sequence) {
		start, end := "22:00", "08:00"
		s.QuietHoursStart, s.QuietHoursEnd = &start, &end
	}, e.email())
	en := e.enroll(t, seq, e.customer(t, "dana@example.com", ""))

	// a slow provider returns after the quiet window has opened
	e.fake.Fail = func(sender.Message) error {
		e.clock.Advance(2 * time.Minute)
		return nil
	}
	outcome, err := e.worker.Process(context.Background(), en.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	var sent models.ActivityEvent
	require.NoError(t, e.db.Where("enrollment_id = ? AND event_type = ?", en.ID, models.EventMessageSent).First(&sent).Error)
	assert.True(t, sent.CreatedAt.Equal(checked), "sent at %s", sent.CreatedAt)
}

func TestAdmitReportsDeferrals(t *testing.T) {
	e := newEnv(t, "UTC", time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()
	quiet := e.sequence(t, func(s *models.Sequence) {
		start, end := "22:00", "08:00"
		s.QuietHoursStart, s.QuietHoursEnd = &start, &end
	}, e.email())

	err := e.worker.admit(ctx, quiet, ratelimit.Key(quiet.ID), "m-1", nil, e.clock.Now())
	de, ok := apperrors.AsDeferral(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, apperrors.DeferQuietHours, de.Reason)
	assert.True(t, de.Until.Equal(time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)))

	capped := e.sequence(t, func(s *models.Sequence) {
		limit := 1
		s.RatePerHour = &limit
	}, e.email())
	limits := ratelimit.LimitsFor(capped)
	now := e.clock.Now()
	require.NoError(t, e.worker.admit(ctx, capped, ratelimit.Key(capped.ID), "m-1", limits, now))
	err = e.worker.admit(ctx, capped, ratelimit.Key(capped.ID), "m-2", limits, now)
	de, ok = apperrors.AsDeferral(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, apperrors.DeferRateLimit, de.Reason)
	assert.True(t, de.Until.Equal(now.Add(time.Hour)))

	_, ok = apperrors.AsDeferral(e.newWorker(brokenLimiter{}).admit(ctx, capped, ratelimit.Key(capped.ID), "m-3", limits, now))
	assert.False(t, ok, "store failures are not deferrals")
}
