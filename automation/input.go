package automation

import (
	"fmt"
	"strings"
	"time"

	"reviewflow/apperrors"
	"reviewflow/models"
)

// SequenceInput is the editable settings of a sequence plus, on create, its steps.
type SequenceInput struct {
	Name              string      `json:"name" validate:"max=120"`
	Description       string      `json:"description" validate:"max=2000"`
	TriggerEventType  *string     `json:"trigger_event_type"`
	AllowManualEnroll bool        `json:"allow_manual_enroll"`
	QuietHoursStart   *string     `json:"quiet_hours_start"`
	QuietHoursEnd     *string     `json:"quiet_hours_end"`
	RatePerHour       *int        `json:"rate_per_hour"`
	RatePerDay        *int        `json:"rate_per_day"`
	Steps             []StepInput `json:"steps" validate:"dive"`
}

// StepInput is the wire form of a step. Exactly the fields of its kind may be set.
type StepInput struct {
	Kind       string `json:"kind" validate:"required"`
	TemplateID *uint  `json:"template_id"`
	WaitMs     *int64 `json:"wait_ms"`
}

// Action converts the wire form into the closed step variant.
func (in StepInput) Action() (models.StepAction, error) {
	switch models.StepKind(strings.TrimSpace(in.Kind)) {
	case models.StepSendEmail, models.StepSendSMS:
		if in.WaitMs != nil {
			return nil, fmt.Errorf("%s step cannot have wait_ms", in.Kind)
		}
		var templateID uint
		if in.TemplateID != nil {
			templateID = *in.TemplateID
		}
		if models.StepKind(in.Kind) == models.StepSendEmail {
			return models.SendEmail{TemplateID: templateID}, nil
		}
		return models.SendSMS{TemplateID: templateID}, nil
	case models.StepWait:
		if in.TemplateID != nil {
			return nil, fmt.Errorf("wait step cannot have template_id")
		}
		var ms int64
		if in.WaitMs != nil {
			ms = *in.WaitMs
		}
		return models.Wait{Duration: time.Duration(ms) * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", in.Kind)
	}
}

// StepActions converts a list of wire steps, reporting every bad entry.
func StepActions(inputs []StepInput) ([]models.StepAction, error) {
	actions := make([]models.StepAction, 0, len(inputs))
	var issues []apperrors.ValidationIssue
	for i, in := range inputs {
		a, err := in.Action()
		if err != nil {
			issues = append(issues, stepIssue(RuleStepMalformed, i, fmt.Sprintf("step %d: %v", i, err)))
			continue
		}
		actions = append(actions, a)
	}
	if len(issues) > 0 {
		return nil, apperrors.NewValidation(issues)
	}
	return actions, nil
}

func (in SequenceInput) trigger() (*models.TriggerEventType, error) {
	if in.TriggerEventType == nil || strings.TrimSpace(*in.TriggerEventType) == "" {
		return nil, nil
	}
	t := models.ParseTriggerEventType(*in.TriggerEventType)
	if t == models.TriggerUnknown {
		return nil, apperrors.Invalid("trigger_event_type", "trigger event type %q is not supported", *in.TriggerEventType)
	}
	return &t, nil
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

// applyTo copies the settings onto seq. Steps are not touched.
func (in SequenceInput) applyTo(seq *models.Sequence) error {
	trigger, err := in.trigger()
	if err != nil {
		return err
	}
	seq.Name = strings.TrimSpace(in.Name)
	seq.Description = in.Description
	seq.TriggerEventType = trigger
	seq.AllowManualEnroll = in.AllowManualEnroll
	seq.QuietHoursStart = emptyToNil(in.QuietHoursStart)
	seq.QuietHoursEnd = emptyToNil(in.QuietHoursEnd)
	seq.RatePerHour = in.RatePerHour
	seq.RatePerDay = in.RatePerDay
	return nil
}
