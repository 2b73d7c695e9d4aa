package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reviewflow/apperrors"
	"reviewflow/models"
)

type SequenceStore interface {
	Create(ctx context.Context, seq *models.Sequence) error
	Get(ctx context.Context, businessID, id uint) (*models.Sequence, error)
	GetByID(ctx context.Context, id uint) (*models.Sequence, error)
	List(ctx context.Context, businessID uint, status models.SequenceStatus, page, pageSize int) ([]models.Sequence, int64, error)
	ListActiveByTrigger(ctx context.Context, businessID uint, trigger models.TriggerEventType) ([]models.Sequence, error)
	Edit(ctx context.Context, businessID, id uint, fn func(seq *models.Sequence) error) (*models.Sequence, error)
}

type SequenceRepository struct {
	DB *gorm.DB
}

var _ SequenceStore = (*SequenceRepository)(nil)

func NewSequenceRepository(db *gorm.DB) *SequenceRepository {
	return &SequenceRepository{DB: db}
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_index ASC")
}

// Create inserts the sequence and its steps with contiguous indices.
func (r *SequenceRepository) Create(ctx context.Context, seq *models.Sequence) error {
	for i := range seq.Steps {
		seq.Steps[i].ID = 0
		seq.Steps[i].StepIndex = i
	}
	return r.DB.WithContext(ctx).Create(seq).Error
}

func (r *SequenceRepository) Get(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := r.DB.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("business_id = ?", businessID).
		First(&seq, id).Error
	if err != nil {
		return nil, notFound(err, "sequence", id)
	}
	return &seq, nil
}

func (r *SequenceRepository) GetByID(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := r.DB.WithContext(ctx).Preload("Steps", orderedSteps).First(&seq, id).Error; err != nil {
		return nil, notFound(err, "sequence", id)
	}
	return &seq, nil
}

func (r *SequenceRepository) List(ctx context.Context, businessID uint, status models.SequenceStatus, page, pageSize int) ([]models.Sequence, int64, error) {
	query := r.DB.WithContext(ctx).Model(&models.Sequence{}).Where("business_id = ?", businessID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(page, pageSize)
	var sequences []models.Sequence
	err := query.Preload("Steps", orderedSteps).
		Order("updated_at DESC").
		Offset(offset).Limit(limit).
		Find(&sequences).Error
	return sequences, total, err
}

func (r *SequenceRepository) ListActiveByTrigger(ctx context.Context, businessID uint, trigger models.TriggerEventType) ([]models.Sequence, error) {
	var sequences []models.Sequence
	err := r.DB.WithContext(ctx).
		Where("business_id = ? AND status = ? AND trigger_event_type = ?", businessID, models.SequenceActive, trigger).
		Order("id ASC").
		Find(&sequences).Error
	return sequences, err
}

// Edit loads the sequence under a row lock, lets fn modify it and persists
// settings and, when they changed, the full step set in one transaction.
func (r *SequenceRepository) Edit(ctx context.Context, businessID, id uint, fn func(seq *models.Sequence) error) (*models.Sequence, error) {
	var result *models.Sequence
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessID).
			First(&seq, id).Error
		if err != nil {
			return notFound(err, "sequence", id)
		}
		if err := tx.Where("sequence_id = ?", seq.ID).Order("step_index ASC").Find(&seq.Steps).Error; err != nil {
			return err
		}

		before := models.StepsSignature(seq.Steps)
		if err := fn(&seq); err != nil {
			return err
		}

		if err := tx.Model(&models.Sequence{}).Where("id = ?", seq.ID).Updates(settingsColumns(&seq)).Error; err != nil {
			return fmt.Errorf("update sequence: %w", err)
		}
		if models.StepsSignature(seq.Steps) != before {
			if err := replaceSteps(tx, seq.ID, seq.Steps); err != nil {
				return err
			}
		}
		result = &seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replaceSteps rewrites the whole step set. Indices are reassigned from 0.
func replaceSteps(tx *gorm.DB, sequenceID uint, steps []models.Step) error {
	if err := tx.Where("sequence_id = ?", sequenceID).Delete(&models.Step{}).Error; err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}
	for i := range steps {
		steps[i].ID = 0
		steps[i].SequenceID = sequenceID
		steps[i].StepIndex = i
	}
	if err := tx.Create(&steps).Error; err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflict("step", "step indices for sequence %d collide", sequenceID)
		}
		return fmt.Errorf("insert steps: %w", err)
	}
	return nil
}

func settingsColumns(seq *models.Sequence) map[string]interface{} {
	return map[string]interface{}{
		"name":                seq.Name,
		"description":         seq.Description,
		"status":              seq.Status,
		"trigger_event_type":  seq.TriggerEventType,
		"allow_manual_enroll": seq.AllowManualEnroll,
		"quiet_hours_start":   seq.QuietHoursStart,
		"quiet_hours_end":     seq.QuietHoursEnd,
		"rate_per_hour":       seq.RatePerHour,
		"rate_per_day":        seq.RatePerDay,
		"activated_at":        seq.ActivatedAt,
		"archived_at":         seq.ArchivedAt,
	}
}
