package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"reviewflow/apperrors"
	"reviewflow/models"
)

// Transition is the full result of evaluating one enrollment. It is applied
// together with its events or not at all.
type Transition struct {
	Status           models.EnrollmentStatus
	CurrentStepIndex int
	NextRunAt        time.Time
	StoppedReason    *models.StopReason
	FinishedAt       *time.Time
	StoppedAt        *time.Time
	Events           []models.ActivityEvent
	// At is when the transition was evaluated. A wake-up requested during
	// the claim makes the enrollment due again from this instant.
	At time.Time
}

type EnrollmentStore interface {
	Create(ctx context.Context, e *models.Enrollment, events ...models.ActivityEvent) error
	Get(ctx context.Context, id uint) (*models.Enrollment, error)
	GetForBusiness(ctx context.Context, businessID, id uint) (*models.Enrollment, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]uint, error)
	ListBySequence(ctx context.Context, businessID, sequenceID uint, status models.EnrollmentStatus, page, pageSize int) ([]models.Enrollment, int64, error)
	ListActiveByCustomer(ctx context.Context, customerID uint) ([]models.Enrollment, error)
	Claim(ctx context.Context, e *models.Enrollment, now time.Time, lease time.Duration) error
	Apply(ctx context.Context, e *models.Enrollment, tr Transition) ([]models.ActivityEvent, error)
	RequestStop(ctx context.Context, businessID, id uint, now time.Time) (*models.Enrollment, error)
	Nudge(ctx context.Context, sequenceID uint, now time.Time) (int64, error)
	NudgeCustomer(ctx context.Context, customerID uint, now time.Time) (int64, error)
	CountByStatus(ctx context.Context, sequenceID uint) (map[models.EnrollmentStatus]int64, error)
}

type EnrollmentRepository struct {
	DB *gorm.DB
}

var _ EnrollmentStore = (*EnrollmentRepository)(nil)

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db}
}

// Create inserts an active enrollment and its opening events. The partial
// unique index on (sequence_id, customer_id) turns a second active
// enrollment into a ConflictError.
func (r *EnrollmentRepository) Create(ctx context.Context, e *models.Enrollment, events ...models.ActivityEvent) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			if isUniqueViolation(err) {
				return apperrors.NewConflict("enrollment",
					"customer %d is already active in sequence %d", e.CustomerID, e.SequenceID)
			}
			return fmt.Errorf("insert enrollment: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			events[i].EnrollmentID = e.ID
		}
		if err := tx.Create(&events).Error; err != nil {
			return fmt.Errorf("insert enrollment events: %w", err)
		}
		return nil
	})
}

func (r *EnrollmentRepository) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := r.DB.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err, "enrollment", id)
	}
	return &e, nil
}

func (r *EnrollmentRepository) GetForBusiness(ctx context.Context, businessID, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := r.DB.WithContext(ctx).Where("business_id = ?", businessID).First(&e, id).Error; err != nil {
		return nil, notFound(err, "enrollment", id)
	}
	return &e, nil
}

// ListDue returns ids of active enrollments whose next run is due and whose
// sequence is not paused.
func (r *EnrollmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := r.DB.WithContext(ctx).
		Model(&models.Enrollment{}).
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id").
		Where("enrollments.status = ? AND enrollments.next_run_at <= ?", models.EnrollmentActive, now.UTC()).
		Where("(enrollments.claimed_until IS NULL OR enrollments.claimed_until <= ?)", now.UTC()).
		Where("sequences.status IN ?", []models.SequenceStatus{models.SequenceActive, models.SequenceArchived}).
		Order("enrollments.next_run_at ASC").
		Limit(limit).
		Pluck("enrollments.id", &ids).Error
	return ids, err
}

func (r *EnrollmentRepository) ListBySequence(ctx context.Context, businessID, sequenceID uint, status models.EnrollmentStatus, page, pageSize int) ([]models.Enrollment, int64, error) {
	query := r.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("business_id = ? AND sequence_id = ?", businessID, sequenceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(page, pageSize)
	var enrollments []models.Enrollment
	err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&enrollments).Error
	return enrollments, total, err
}

func (r *EnrollmentRepository) ListActiveByCustomer(ctx context.Context, customerID uint) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := r.DB.WithContext(ctx).
		Where("customer_id = ? AND status = ?", customerID, models.EnrollmentActive).
		Find(&enrollments).Error
	return enrollments, err
}

// Claim takes the enrollment for one transition. It bumps the version and
// holds a lease in claimed_until; until the lease ends no other worker sees
// the row as due, and stops or nudges only flag it. On success e is reloaded
// with the claimed version.
func (r *EnrollmentRepository) Claim(ctx context.Context, e *models.Enrollment, now time.Time, lease time.Duration) error {
	db := r.DB.WithContext(ctx)
	res := db.Model(&models.Enrollment{}).
		Where("id = ? AND version = ? AND status = ? AND next_run_at <= ?", e.ID, e.Version, models.EnrollmentActive, now.UTC()).
		Where("(claimed_until IS NULL OR claimed_until <= ?)", now.UTC()).
		Updates(map[string]interface{}{
			"version":       e.Version + 1,
			"claimed_until": now.Add(lease).UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("claim enrollment %d: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	// stop flags written between the caller's read and the claim must be seen
	if err := db.First(e, e.ID).Error; err != nil {
		return fmt.Errorf("reload claimed enrollment %d: %w", e.ID, err)
	}
	return nil
}

// Apply writes the transition and its events atomically, guarded by the
// claimed version. The step index never moves backwards.
func (r *EnrollmentRepository) Apply(ctx context.Context, e *models.Enrollment, tr Transition) ([]models.ActivityEvent, error) {
	columns := map[string]interface{}{
		"status":             tr.Status,
		"current_step_index": tr.CurrentStepIndex,
		"next_run_at":        tr.NextRunAt.UTC(),
		"version":            e.Version + 1,
		"claimed_until":      nil,
	}
	if tr.StoppedReason != nil {
		columns["stopped_reason"] = *tr.StoppedReason
	}
	if tr.FinishedAt != nil {
		columns["finished_at"] = tr.FinishedAt.UTC()
	}
	if tr.StoppedAt != nil {
		columns["stopped_at"] = tr.StoppedAt.UTC()
	}

	wake := map[string]interface{}{"wake_requested": false}
	wakeAt := tr.NextRunAt
	if tr.Status == models.EnrollmentActive && !tr.At.IsZero() && tr.At.Before(wakeAt) {
		wakeAt = tr.At
		wake["next_run_at"] = wakeAt.UTC()
	}
	nextRunAt := tr.NextRunAt

	events := tr.Events
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND version = ? AND status = ? AND current_step_index <= ?",
				e.ID, e.Version, models.EnrollmentActive, tr.CurrentStepIndex).
			Updates(columns)
		if res.Error != nil {
			return fmt.Errorf("apply transition: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrClaimLost
		}
		woke := tx.Model(&models.Enrollment{}).
			Where("id = ? AND wake_requested = ?", e.ID, true).
			Updates(wake)
		if woke.Error != nil {
			return fmt.Errorf("apply wake-up: %w", woke.Error)
		}
		if woke.RowsAffected > 0 {
			nextRunAt = wakeAt
		}
		if len(events) == 0 {
			return nil
		}
		if err := tx.Create(&events).Error; err != nil {
			return fmt.Errorf("insert transition events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Version++
	e.Status = tr.Status
	e.CurrentStepIndex = tr.CurrentStepIndex
	e.NextRunAt = nextRunAt
	e.ClaimedUntil = nil
	e.WakeRequested = false
	e.StoppedReason = tr.StoppedReason
	e.FinishedAt = tr.FinishedAt
	e.StoppedAt = tr.StoppedAt
	return events, nil
}

// RequestStop flags an active enrollment for stopping and makes it due now.
// The scheduler performs the transition on its next pass.
func (r *EnrollmentRepository) RequestStop(ctx context.Context, businessID, id uint, now time.Time) (*models.Enrollment, error) {
	e, err := r.GetForBusiness(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	if e.Terminal() {
		return nil, apperrors.NewConflict("enrollment", "enrollment %d is already %s", id, e.Status)
	}
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", id, models.EnrollmentActive).
			Update("stop_requested", true).Error
		if err != nil {
			return err
		}
		_, err = wake(tx, func(db *gorm.DB) *gorm.DB { return db.Where("id = ?", id) }, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.StopRequested = true
	switch {
	case e.Claimed(now):
		e.WakeRequested = true
	case e.NextRunAt.After(now):
		e.NextRunAt = now
	}
	return e, nil
}

// Nudge makes every active enrollment of a sequence due now, so exit rules
// are evaluated without waiting out a long wait step.
func (r *EnrollmentRepository) Nudge(ctx context.Context, sequenceID uint, now time.Time) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		n, err = wake(tx, func(db *gorm.DB) *gorm.DB { return db.Where("sequence_id = ?", sequenceID) }, now)
		return err
	})
	return n, err
}

func (r *EnrollmentRepository) NudgeCustomer(ctx context.Context, customerID uint, now time.Time) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		n, err = wake(tx, func(db *gorm.DB) *gorm.DB { return db.Where("customer_id = ?", customerID) }, now)
		return err
	})
	return n, err
}

// wake makes the scoped active enrollments due now. Claimed rows keep their
// lease and get wake_requested instead; Apply honours it, so the claimant's
// transition and its events are never dropped.
func wake(tx *gorm.DB, scope func(*gorm.DB) *gorm.DB, now time.Time) (int64, error) {
	now = now.UTC()
	flagged := tx.Model(&models.Enrollment{}).Scopes(scope).
		Where("status = ? AND claimed_until > ?", models.EnrollmentActive, now).
		Update("wake_requested", true)
	if flagged.Error != nil {
		return 0, fmt.Errorf("flag claimed enrollments: %w", flagged.Error)
	}
	moved := tx.Model(&models.Enrollment{}).Scopes(scope).
		Where("status = ? AND next_run_at > ?", models.EnrollmentActive, now).
		Where("(claimed_until IS NULL OR claimed_until <= ?)", now).
		Update("next_run_at", now)
	if moved.Error != nil {
		return 0, fmt.Errorf("wake enrollments: %w", moved.Error)
	}
	return flagged.RowsAffected + moved.RowsAffected, nil
}

func (r *EnrollmentRepository) CountByStatus(ctx context.Context, sequenceID uint) (map[models.EnrollmentStatus]int64, error) {
	var rows []struct {
		Status models.EnrollmentStatus
		Count  int64
	}
	err := r.DB.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[models.EnrollmentStatus]int64{
		models.EnrollmentActive:   0,
		models.EnrollmentFinished: 0,
		models.EnrollmentStopped:  0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
