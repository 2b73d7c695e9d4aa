package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reviewflow/apperrors"
	"reviewflow/logging"
	"reviewflow/models"
	"reviewflow/store"
)

// Definitions owns sequence and step edits and the activation gate.
type Definitions struct {
	Sequences   store.SequenceStore
	Enrollments store.EnrollmentStore
	Templates   store.TemplateDirectory
	Logger      *logrus.Entry
	Now         func() time.Time
}

func NewDefinitions(sequences store.SequenceStore, enrollments store.EnrollmentStore, templates store.TemplateDirectory) *Definitions {
	return &Definitions{
		Sequences:   sequences,
		Enrollments: enrollments,
		Templates:   templates,
		Logger:      logging.Component("definitions"),
		Now:         time.Now,
	}
}

func (d *Definitions) now() time.Time {
	return d.Now().UTC()
}

func (d *Definitions) Get(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	return d.Sequences.Get(ctx, businessID, id)
}

func (d *Definitions) List(ctx context.Context, businessID uint, status models.SequenceStatus, page, pageSize int) ([]models.Sequence, int64, error) {
	return d.Sequences.List(ctx, businessID, status, page, pageSize)
}

// CreateSequence stores a new draft. Drafts may be incomplete; the rules
// are enforced on activation.
func (d *Definitions) CreateSequence(ctx context.Context, businessID uint, in SequenceInput) (*models.Sequence, error) {
	actions, err := StepActions(in.Steps)
	if err != nil {
		return nil, err
	}
	seq := &models.Sequence{BusinessID: businessID, Status: models.SequenceDraft}
	if err := in.applyTo(seq); err != nil {
		return nil, err
	}
	seq.Steps = models.BuildSteps(actions)

	if err := d.Sequences.Create(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	d.Logger.WithFields(logrus.Fields{"business_id": businessID, "sequence_id": seq.ID}).Info("sequence created")
	return seq, nil
}

// UpdateSequence replaces the settings. Archived sequences are frozen and an
// active sequence must still pass activation rules afterwards.
func (d *Definitions) UpdateSequence(ctx context.Context, businessID, id uint, in SequenceInput) (*models.Sequence, error) {
	return d.Sequences.Edit(ctx, businessID, id, func(seq *models.Sequence) error {
		if seq.Status == models.SequenceArchived {
			return apperrors.NewConflict("sequence", "sequence %d is archived", seq.ID)
		}
		if err := in.applyTo(seq); err != nil {
			return err
		}
		if seq.Status == models.SequenceActive {
			// steps of an active sequence are frozen, so templates were checked at activation
			if issues := structuralIssues(seq); len(issues) > 0 {
				return apperrors.NewValidation(sortIssues(issues))
			}
		}
		return nil
	})
}

// editSteps rewrites the step set of a draft or paused sequence.
func (d *Definitions) editSteps(ctx context.Context, businessID, id uint, fn func(actions []models.StepAction) ([]models.StepAction, error)) (*models.Sequence, error) {
	return d.Sequences.Edit(ctx, businessID, id, func(seq *models.Sequence) error {
		if !seq.Editable() {
			return apperrors.NewConflict("sequence",
				"steps of a %s sequence cannot be edited; pause it first", seq.Status)
		}
		current, err := models.Actions(seq.Steps)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		seq.Steps = models.BuildSteps(next)
		return nil
	})
}

func (d *Definitions) ReplaceSteps(ctx context.Context, businessID, id uint, actions []models.StepAction) (*models.Sequence, error) {
	return d.editSteps(ctx, businessID, id, func([]models.StepAction) ([]models.StepAction, error) {
		return actions, nil
	})
}

// AddStep inserts at position, or appends when position is nil.
func (d *Definitions) AddStep(ctx context.Context, businessID, id uint, action models.StepAction, position *int) (*models.Sequence, error) {
	return d.editSteps(ctx, businessID, id, func(current []models.StepAction) ([]models.StepAction, error) {
		at := len(current)
		if position != nil {
			at = *position
		}
		if at < 0 || at > len(current) {
			return nil, apperrors.Invalid("position", "position %d is outside 0..%d", at, len(current))
		}
		next := make([]models.StepAction, 0, len(current)+1)
		next = append(next, current[:at]...)
		next = append(next, action)
		return append(next, current[at:]...), nil
	})
}

func (d *Definitions) UpdateStep(ctx context.Context, businessID, id uint, index int, action models.StepAction) (*models.Sequence, error) {
	return d.editSteps(ctx, businessID, id, func(current []models.StepAction) ([]models.StepAction, error) {
		if index < 0 || index >= len(current) {
			return nil, apperrors.NewNotFound("step", uint(index))
		}
		next := append([]models.StepAction(nil), current...)
		next[index] = action
		return next, nil
	})
}

func (d *Definitions) DeleteStep(ctx context.Context, businessID, id uint, index int) (*models.Sequence, error) {
	return d.editSteps(ctx, businessID, id, func(current []models.StepAction) ([]models.StepAction, error) {
		if index < 0 || index >= len(current) {
			return nil, apperrors.NewNotFound("step", uint(index))
		}
		next := append([]models.StepAction(nil), current[:index]...)
		return append(next, current[index+1:]...), nil
	})
}

// ReorderSteps rewrites the step set so that new position i holds the step
// previously at order[i]. order must be a permutation of the current indices.
func (d *Definitions) ReorderSteps(ctx context.Context, businessID, id uint, order []int) (*models.Sequence, error) {
	return d.editSteps(ctx, businessID, id, func(current []models.StepAction) ([]models.StepAction, error) {
		if len(order) != len(current) {
			return nil, apperrors.Invalid("order", "order has %d entries, sequence has %d steps", len(order), len(current))
		}
		seen := make([]bool, len(current))
		next := make([]models.StepAction, len(current))
		for pos, from := range order {
			if from < 0 || from >= len(current) || seen[from] {
				return nil, apperrors.Invalid("order", "order must be a permutation of 0..%d", len(current)-1)
			}
			seen[from] = true
			next[pos] = current[from]
		}
		return next, nil
	})
}

// Validate returns every violated activation rule for the stored sequence.
func (d *Definitions) Validate(ctx context.Context, businessID, id uint) ([]apperrors.ValidationIssue, error) {
	seq, err := d.Sequences.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	return Validate(ctx, d.Templates, seq)
}

// gate moves a sequence into active after a full validation. Templates are
// looked up before the edit transaction; the edit refuses to proceed if the
// steps changed in between.
func (d *Definitions) gate(ctx context.Context, businessID, id uint, from models.SequenceStatus) (*models.Sequence, error) {
	snapshot, err := d.Sequences.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	tplIssues, err := templateIssues(ctx, d.Templates, snapshot)
	if err != nil {
		return nil, err
	}
	checked := models.StepsSignature(snapshot.Steps)

	seq, err := d.Sequences.Edit(ctx, businessID, id, func(seq *models.Sequence) error {
		if seq.Status != from {
			return apperrors.NewConflict("sequence", "cannot move a %s sequence to active", seq.Status)
		}
		if models.StepsSignature(seq.Steps) != checked {
			return apperrors.NewConflict("sequence", "steps changed during activation, retry")
		}
		issues := append(structuralIssues(seq), tplIssues...)
		if len(issues) > 0 {
			return apperrors.NewValidation(sortIssues(issues))
		}
		now := d.now()
		seq.Status = models.SequenceActive
		seq.ActivatedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.Logger.WithFields(logrus.Fields{"business_id": businessID, "sequence_id": id, "from": from}).Info("sequence activated")
	return seq, nil
}

func (d *Definitions) Activate(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	return d.gate(ctx, businessID, id, models.SequenceDraft)
}

// Resume re-runs the activation rules, since steps may have been edited while paused.
func (d *Definitions) Resume(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	return d.gate(ctx, businessID, id, models.SequencePaused)
}

func (d *Definitions) Pause(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	seq, err := d.Sequences.Edit(ctx, businessID, id, func(seq *models.Sequence) error {
		if seq.Status != models.SequenceActive {
			return apperrors.NewConflict("sequence", "only active sequences can be paused, sequence is %s", seq.Status)
		}
		seq.Status = models.SequencePaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.Logger.WithFields(logrus.Fields{"business_id": businessID, "sequence_id": id}).Info("sequence paused")
	return seq, nil
}

// Archive freezes the sequence. Its active enrollments are made due so the
// scheduler stops them on its next pass.
func (d *Definitions) Archive(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	seq, err := d.Sequences.Edit(ctx, businessID, id, func(seq *models.Sequence) error {
		if seq.Status == models.SequenceArchived {
			return apperrors.NewConflict("sequence", "sequence %d is already archived", seq.ID)
		}
		now := d.now()
		seq.Status = models.SequenceArchived
		seq.ArchivedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.Enrollments != nil {
		n, err := d.Enrollments.Nudge(ctx, id, d.now())
		if err != nil {
			logging.LogError("archive_nudge_failed", err, map[string]interface{}{"sequence_id": id})
		} else if n > 0 {
			d.Logger.WithFields(logrus.Fields{"sequence_id": id, "enrollments": n}).Info("archived sequence enrollments scheduled for stop")
		}
	}
	return seq, nil
}

// Duplicate copies settings and steps into a new draft.
func (d *Definitions) Duplicate(ctx context.Context, businessID, id uint) (*models.Sequence, error) {
	src, err := d.Sequences.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	actions, err := models.Actions(src.Steps)
	if err != nil {
		return nil, err
	}
	srcID := src.ID
	copySeq := &models.Sequence{
		BusinessID:        businessID,
		Name:              src.Name + " (copy)",
		Description:       src.Description,
		Status:            models.SequenceDraft,
		TriggerEventType:  src.TriggerEventType,
		AllowManualEnroll: src.AllowManualEnroll,
		QuietHoursStart:   src.QuietHoursStart,
		QuietHoursEnd:     src.QuietHoursEnd,
		RatePerHour:       src.RatePerHour,
		RatePerDay:        src.RatePerDay,
		DuplicatedFromID:  &srcID,
		Steps:             models.BuildSteps(actions),
	}
	if err := d.Sequences.Create(ctx, copySeq); err != nil {
		return nil, fmt.Errorf("duplicate sequence: %w", err)
	}
	return copySeq, nil
}
