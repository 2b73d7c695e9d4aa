package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reviewflow/activity"
	"reviewflow/apperrors"
	"reviewflow/automation"
	"reviewflow/logging"
	"reviewflow/metrics"
	"reviewflow/models"
	"reviewflow/ratelimit"
	"reviewflow/sender"
	"reviewflow/store"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	SendTimeout  time.Duration
	// ClaimLease must exceed SendTimeout, otherwise a slow send can be
	// claimed again by another worker.
	ClaimLease   time.Duration
	ErrorBackoff time.Duration
	StartDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		BatchSize:    200,
		Workers:      8,
		SendTimeout:  30 * time.Second,
		ClaimLease:   2 * time.Minute,
		ErrorBackoff: 5 * time.Minute,
	}
}

// Outcome is what one Process call did to an enrollment.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeClaimLost Outcome = "claim_lost"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFinished  Outcome = "finished"
	OutcomeWaited    Outcome = "waited"
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "send_failed"
	OutcomeQuiet     Outcome = "quiet_hours"
	OutcomeRate      Outcome = "rate_limited"
	OutcomeError     Outcome = "error"
)

// SequenceWorker advances due enrollments one step at a time.
type SequenceWorker struct {
	Enrollments store.EnrollmentStore
	Sequences   store.SequenceStore
	Customers   store.CustomerDirectory
	Templates   store.TemplateDirectory
	Businesses  store.BusinessDirectory
	Limiter     ratelimit.Limiter
	Sender      sender.Sender
	Publisher   activity.Publisher
	Config      Config
	Logger      *logrus.Entry
	Now         func() time.Time
}

func NewSequenceWorker(db store.Stores, limiter ratelimit.Limiter, s sender.Sender, publisher activity.Publisher, cfg Config) *SequenceWorker {
	return &SequenceWorker{
		Enrollments: db.Enrollments,
		Sequences:   db.Sequences,
		Customers:   db.Customers,
		Templates:   db.Templates,
		Businesses:  db.Businesses,
		Limiter:     limiter,
		Sender:      sender.WithTimeout(s, cfg.SendTimeout),
		Publisher:   publisher,
		Config:      cfg,
		Logger:      logging.Component("scheduler"),
		Now:         time.Now,
	}
}

func (w *SequenceWorker) Start(ctx context.Context) {
	if w.Config.StartDelay > 0 {
		select {
		case <-time.After(w.Config.StartDelay):
		case <-ctx.Done():
			return
		}
	}
	w.Logger.WithField("interval", w.Config.PollInterval.String()).Info("Sequence worker started")

	ticker := time.NewTicker(w.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Sequence worker shutting down...")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logging.LogError("scheduler_pass_failed", err, nil)
			}
		}
	}
}

// RunOnce processes the enrollments due now with a bounded pool and returns
// how many were looked at. One enrollment failing never stops the others.
func (w *SequenceWorker) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { metrics.SchedulerPassDuration.Observe(time.Since(started).Seconds()) }()

	ids, err := w.Enrollments.ListDue(ctx, w.Now().UTC(), w.Config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due enrollments: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	workers := w.Config.Workers
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan uint)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if _, err := w.Process(ctx, id); err != nil {
					logging.LogError("enrollment_process_failed", err, map[string]interface{}{"enrollment_id": id})
				}
			}
		}()
	}
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	return len(ids), ctx.Err()
}

// Process evaluates one enrollment and applies the resulting transition.
func (w *SequenceWorker) Process(ctx context.Context, enrollmentID uint) (Outcome, error) {
	now := w.Now().UTC()
	e, err := w.Enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return OutcomeError, err
	}
	if !e.Due(now) {
		return OutcomeSkipped, nil
	}
	dueAt := e.NextRunAt

	seq, err := w.Sequences.GetByID(ctx, e.SequenceID)
	if err != nil {
		return OutcomeError, err
	}
	if !seq.Runnable() {
		// paused or back in draft: leave the enrollment frozen where it is
		return OutcomeSkipped, nil
	}

	if err := w.Enrollments.Claim(ctx, e, now, w.Config.ClaimLease); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return OutcomeClaimLost, nil
		}
		return OutcomeError, err
	}

	// A claimed step runs to completion even when ctx is cancelled, so a
	// message that went out is always recorded.
	work := context.WithoutCancel(ctx)

	log := w.Logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"sequence_id":   seq.ID,
		"customer_id":   e.CustomerID,
		"step_index":    e.CurrentStepIndex,
	})

	outcome, tr, err := w.evaluate(work, e, seq, now)
	if err != nil {
		log.WithError(err).Warn("step evaluation failed, backing off")
		logging.LogError("enrollment_evaluation_failed", err, map[string]interface{}{
			"enrollment_id": e.ID,
			"step_index":    e.CurrentStepIndex,
		})
		outcome, tr = OutcomeError, w.backoff(e, now, err)
	}

	tr.At = now
	events, err := w.Enrollments.Apply(work, e, tr)
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("enrollment changed while evaluating, transition dropped")
			return OutcomeClaimLost, nil
		}
		return OutcomeError, fmt.Errorf("apply transition: %w", err)
	}
	if w.Publisher != nil {
		w.Publisher.Publish(events...)
	}
	metrics.TransitionsTotal.WithLabelValues(string(outcome)).Inc()
	log.WithFields(logrus.Fields{"outcome": outcome, "due_at": dueAt, "next_run_at": e.NextRunAt}).Debug("enrollment processed")
	return outcome, nil
}

// stay keeps the enrollment on its current step until the given instant.
func stay(e *models.Enrollment, until time.Time, events ...models.ActivityEvent) store.Transition {
	return store.Transition{
		Status:           models.EnrollmentActive,
		CurrentStepIndex: e.CurrentStepIndex,
		NextRunAt:        until,
		Events:           events,
	}
}

func (w *SequenceWorker) backoff(e *models.Enrollment, now time.Time, cause error) store.Transition {
	resume := now.Add(w.Config.ErrorBackoff)
	ev := models.NewEvent(e, models.EventError, now).AtStep(e.CurrentStepIndex).With(map[string]interface{}{
		"error":     cause.Error(),
		"resume_at": resume.Format(time.RFC3339),
	})
	return stay(e, resume, ev)
}

func stopped(e *models.Enrollment, reason models.StopReason, now time.Time, signal models.EventType) store.Transition {
	details := map[string]interface{}{"reason": string(reason)}
	var events []models.ActivityEvent
	if signal != "" {
		events = append(events, models.NewEvent(e, signal, now).AtStep(e.CurrentStepIndex))
	}
	events = append(events, models.NewEvent(e, models.EventEnrollmentStopped, now).AtStep(e.CurrentStepIndex).With(details))
	return store.Transition{
		Status:           models.EnrollmentStopped,
		CurrentStepIndex: e.CurrentStepIndex,
		NextRunAt:        now,
		StoppedReason:    &reason,
		StoppedAt:        &now,
		Events:           events,
	}
}

// advance moves past the step at index, finishing the enrollment when it was
// the last one.
func advance(e *models.Enrollment, seq *models.Sequence, index int, next time.Time, now time.Time, events []models.ActivityEvent) (Outcome, store.Transition) {
	tr := store.Transition{
		Status:           models.EnrollmentActive,
		CurrentStepIndex: index + 1,
		NextRunAt:        next,
		Events:           events,
	}
	if seq.StepAt(index+1) != nil {
		return "", tr
	}
	tr.Status = models.EnrollmentFinished
	tr.NextRunAt = now
	tr.FinishedAt = &now
	tr.Events = append(tr.Events, models.NewEvent(e, models.EventEnrollmentFinished, now))
	return OutcomeFinished, tr
}

// exitRule reports the first reason the enrollment must stop, in precedence order.
func exitRule(e *models.Enrollment, seq *models.Sequence, c *models.Customer) (models.StopReason, models.EventType, bool) {
	switch {
	case c.UnsubscribedAt != nil:
		return models.StopUnsubscribed, models.EventUnsubscribed, true
	case c.BouncedAt != nil:
		return models.StopBounced, models.EventBounced, true
	case c.StoppedAt != nil:
		return models.StopCustomerStopped, "", true
	case e.StopRequested:
		return models.StopManual, "", true
	case seq.Status == models.SequenceArchived:
		return models.StopSequenceArchived, "", true
	}
	return "", "", false
}

// evaluate decides the transition. Errors are infrastructure failures; the
// caller turns them into a backoff.
func (w *SequenceWorker) evaluate(ctx context.Context, e *models.Enrollment, seq *models.Sequence, now time.Time) (Outcome, store.Transition, error) {
	customer, err := w.Customers.Get(ctx, e.CustomerID)
	if err != nil {
		return "", store.Transition{}, fmt.Errorf("load customer: %w", err)
	}
	if reason, signal, ok := exitRule(e, seq, customer); ok {
		return OutcomeStopped, stopped(e, reason, now, signal), nil
	}

	index := e.CurrentStepIndex
	step := seq.StepAt(index)
	if step == nil {
		return OutcomeFinished, store.Transition{
			Status:           models.EnrollmentFinished,
			CurrentStepIndex: index,
			NextRunAt:        now,
			FinishedAt:       &now,
			Events:           []models.ActivityEvent{models.NewEvent(e, models.EventEnrollmentFinished, now)},
		}, nil
	}
	action, err := step.Action()
	if err != nil {
		return "", store.Transition{}, err
	}

	switch a := action.(type) {
	case models.Wait:
		resume := now.Add(a.Duration)
		ev := models.NewEvent(e, models.EventStepRan, now).AtStep(index).With(map[string]interface{}{
			"wait_ms":   a.Duration.Milliseconds(),
			"resume_at": resume.Format(time.RFC3339),
		})
		outcome, tr := advance(e, seq, index, resume, now, []models.ActivityEvent{ev})
		if outcome == "" {
			outcome = OutcomeWaited
		}
		return outcome, tr, nil
	case models.SendAction:
		return w.send(ctx, e, seq, customer, index, a, now)
	}
	return "", store.Transition{}, fmt.Errorf("step %d: unhandled kind %s", index, action.Kind())
}

// admit applies quiet hours and the rate limit to a send at now. A blocked
// send comes back as *apperrors.DeferralError; an admitted one holds a rate
// reservation under member.
func (w *SequenceWorker) admit(ctx context.Context, seq *models.Sequence, key, member string, limits []ratelimit.Limit, now time.Time) error {
	loc, err := w.Businesses.Location(ctx, seq.BusinessID)
	if err != nil {
		return fmt.Errorf("business timezone: %w", err)
	}
	quiet, err := automation.QuietHoursFor(seq)
	if err != nil {
		return err
	}
	if resume, deferred := quiet.Deferral(now, loc); deferred {
		return &apperrors.DeferralError{Reason: apperrors.DeferQuietHours, Until: resume.UTC()}
	}
	reservation, err := w.Limiter.Reserve(ctx, key, limits, now, member)
	if err != nil {
		return err
	}
	if !reservation.Allowed {
		return &apperrors.DeferralError{Reason: apperrors.DeferRateLimit, Until: reservation.RetryAt.UTC()}
	}
	return nil
}

// deferral keeps the enrollment on its step until the blocking window ends.
func deferral(e *models.Enrollment, index int, ch models.Channel, de *apperrors.DeferralError, now time.Time) (Outcome, store.Transition) {
	eventType, outcome := models.EventQuietHoursSkipped, OutcomeQuiet
	if de.Reason == apperrors.DeferRateLimit {
		eventType, outcome = models.EventRateLimited, OutcomeRate
	}
	metrics.DeferralsTotal.WithLabelValues(string(de.Reason)).Inc()
	ev := models.NewEvent(e, eventType, now).AtStep(index).On(ch).With(map[string]interface{}{
		"resume_at": de.Until.Format(time.RFC3339),
	})
	return outcome, stay(e, de.Until, ev)
}

func (w *SequenceWorker) send(ctx context.Context, e *models.Enrollment, seq *models.Sequence, customer *models.Customer, index int, action models.SendAction, now time.Time) (Outcome, store.Transition, error) {
	ch := action.Channel()
	key := ratelimit.Key(seq.ID)
	member := fmt.Sprintf("%d:%d:%d", e.ID, index, e.Version)
	limits := ratelimit.LimitsFor(seq)

	if err := w.admit(ctx, seq, key, member, limits, now); err != nil {
		de, ok := apperrors.AsDeferral(err)
		if !ok {
			return "", store.Transition{}, err
		}
		outcome, tr := deferral(e, index, ch, de, now)
		return outcome, tr, nil
	}
	release := func() {
		if len(limits) == 0 {
			return
		}
		if err := w.Limiter.Release(ctx, key, member); err != nil {
			logging.LogError("rate_limit_release_failed", err, map[string]interface{}{"sequence_id": seq.ID, "member": member})
		}
	}

	var failure error
	msg, err := w.compose(ctx, seq, customer, action)
	if err != nil {
		var sf *apperrors.SendFailure
		if !errors.As(err, &sf) {
			release()
			return "", store.Transition{}, err
		}
		failure = err
	}

	queued := models.NewEvent(e, models.EventMessageQueued, now).AtStep(index).On(ch)
	var result models.ActivityEvent
	outcome := OutcomeSent
	if failure == nil {
		msg.SequenceID, msg.EnrollmentID = seq.ID, e.ID
		queued.MessageID = msg.ID

		started := time.Now()
		receipt, sendErr := w.Sender.Send(ctx, msg)
		metrics.SendDuration.WithLabelValues(string(ch)).Observe(time.Since(started).Seconds())
		if sendErr != nil {
			failure = sendErr
		} else {
			// stamped with the instant quiet hours and the rate window were checked at
			result = models.NewEvent(e, models.EventMessageSent, now).AtStep(index).On(ch).With(map[string]interface{}{
				"template_id": action.Template(),
				"provider_id": receipt.ProviderID,
			})
			result.MessageID = msg.ID
		}
	}
	if failure != nil {
		release()
		outcome = OutcomeFailed
		result = models.NewEvent(e, models.EventMessageFailed, now).AtStep(index).On(ch).With(map[string]interface{}{
			"template_id": action.Template(),
			"error":       failure.Error(),
		})
		result.MessageID = msg.ID
		metrics.SendsTotal.WithLabelValues(string(ch), "failed").Inc()
	} else {
		metrics.SendsTotal.WithLabelValues(string(ch), "sent").Inc()
	}

	// failed sends are terminal for the step; the enrollment moves on
	finished, tr := advance(e, seq, index, now, now, []models.ActivityEvent{queued, result})
	if finished != "" && outcome == OutcomeSent {
		outcome = OutcomeFinished
	}
	return outcome, tr, nil
}

// compose renders the step's message. Problems with the message itself come
// back as *apperrors.SendFailure; anything else is infrastructure trouble.
func (w *SequenceWorker) compose(ctx context.Context, seq *models.Sequence, customer *models.Customer, action models.SendAction) (sender.Message, error) {
	tpl, err := w.Templates.Get(ctx, seq.BusinessID, action.Template())
	if err != nil {
		if apperrors.IsNotFound(err) {
			return sender.Message{}, &apperrors.SendFailure{Channel: string(action.Channel()), Err: err}
		}
		return sender.Message{}, fmt.Errorf("load template: %w", err)
	}
	if tpl.Channel != action.Channel() {
		return sender.Message{}, &apperrors.SendFailure{
			Channel: string(action.Channel()),
			Err:     fmt.Errorf("template %d is for %s", tpl.ID, tpl.Channel),
		}
	}
	business, err := w.Businesses.Get(ctx, seq.BusinessID)
	if err != nil {
		return sender.Message{}, fmt.Errorf("load business: %w", err)
	}
	return sender.Compose(tpl, business, customer)
}
