package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"reviewflow/apperrors"
	"reviewflow/models"
	"reviewflow/store"
)

// Rule names reported in validation issues.
const (
	RuleNameRequired        = "name_required"
	RuleTriggerRequired     = "trigger_required"
	RuleTriggerUnknown      = "trigger_unknown"
	RuleStepsRequired       = "steps_required"
	RuleStepMalformed       = "step_malformed"
	RuleTemplateRequired    = "template_required"
	RuleTemplateNotFound    = "template_not_found"
	RuleTemplateChannel     = "template_channel_mismatch"
	RuleWaitPositive        = "wait_positive"
	RuleQuietHoursInvalid   = "quiet_hours_invalid"
	RuleRatePositive        = "rate_positive"
	RuleStepIndexContiguous = "step_index_contiguous"
)

func issue(rule, field, msg string) apperrors.ValidationIssue {
	return apperrors.ValidationIssue{Rule: rule, Field: field, Message: msg}
}

func stepIssue(rule string, index int, msg string) apperrors.ValidationIssue {
	i := index
	return apperrors.ValidationIssue{Rule: rule, Field: fmt.Sprintf("steps[%d]", index), StepIndex: &i, Message: msg}
}

// structuralIssues checks every rule that needs no template lookup.
func structuralIssues(seq *models.Sequence) []apperrors.ValidationIssue {
	var issues []apperrors.ValidationIssue

	if strings.TrimSpace(seq.Name) == "" {
		issues = append(issues, issue(RuleNameRequired, "name", "name is required"))
	}
	if seq.TriggerEventType == nil && !seq.AllowManualEnroll {
		issues = append(issues, issue(RuleTriggerRequired, "trigger_event_type",
			"a trigger event type or manual enrollment is required"))
	}
	if seq.TriggerEventType != nil && !seq.TriggerEventType.Valid() {
		issues = append(issues, issue(RuleTriggerUnknown, "trigger_event_type",
			fmt.Sprintf("trigger event type %q is not supported", *seq.TriggerEventType)))
	}
	if _, err := QuietHoursFor(seq); err != nil {
		issues = append(issues, issue(RuleQuietHoursInvalid, "quiet_hours", err.Error()))
	}
	if seq.RatePerHour != nil && *seq.RatePerHour <= 0 {
		issues = append(issues, issue(RuleRatePositive, "rate_per_hour", "rate_per_hour must be a positive integer"))
	}
	if seq.RatePerDay != nil && *seq.RatePerDay <= 0 {
		issues = append(issues, issue(RuleRatePositive, "rate_per_day", "rate_per_day must be a positive integer"))
	}

	if len(seq.Steps) == 0 {
		issues = append(issues, issue(RuleStepsRequired, "steps", "at least one step is required"))
	}
	for i, step := range seq.Steps {
		if step.StepIndex != i {
			issues = append(issues, stepIssue(RuleStepIndexContiguous, i,
				fmt.Sprintf("step at position %d has index %d", i, step.StepIndex)))
		}
		action, err := step.Action()
		if err != nil {
			issues = append(issues, stepIssue(RuleStepMalformed, i, err.Error()))
			continue
		}
		switch a := action.(type) {
		case models.Wait:
			if a.Duration <= 0 {
				issues = append(issues, stepIssue(RuleWaitPositive, i,
					fmt.Sprintf("step %d: wait_ms must be greater than 0", i)))
			}
		case models.SendAction:
			if a.Template() == 0 {
				issues = append(issues, stepIssue(RuleTemplateRequired, i,
					fmt.Sprintf("step %d: %s needs a template", i, a.Kind())))
			}
		}
	}
	return issues
}

// templateIssues resolves every send step's template in the business directory.
func templateIssues(ctx context.Context, templates store.TemplateDirectory, seq *models.Sequence) ([]apperrors.ValidationIssue, error) {
	var issues []apperrors.ValidationIssue
	for i, step := range seq.Steps {
		action, err := step.Action()
		if err != nil {
			continue
		}
		send, ok := action.(models.SendAction)
		if !ok || send.Template() == 0 {
			continue
		}
		tpl, err := templates.Get(ctx, seq.BusinessID, send.Template())
		if err != nil {
			if apperrors.IsNotFound(err) {
				issues = append(issues, stepIssue(RuleTemplateNotFound, i,
					fmt.Sprintf("step %d: template %d does not exist", i, send.Template())))
				continue
			}
			return nil, fmt.Errorf("load template %d: %w", send.Template(), err)
		}
		if tpl.Channel != send.Channel() {
			issues = append(issues, stepIssue(RuleTemplateChannel, i,
				fmt.Sprintf("step %d: %s needs an %s template, template %d is %s",
					i, send.Kind(), send.Channel(), tpl.ID, tpl.Channel)))
		}
	}
	return issues, nil
}

// sortIssues puts sequence-level issues first, then step issues in index order.
func sortIssues(issues []apperrors.ValidationIssue) []apperrors.ValidationIssue {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i].StepIndex, issues[j].StepIndex
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return *a < *b
	})
	return issues
}

// Validate evaluates every activation rule and returns all violations.
func Validate(ctx context.Context, templates store.TemplateDirectory, seq *models.Sequence) ([]apperrors.ValidationIssue, error) {
	issues := structuralIssues(seq)
	tplIssues, err := templateIssues(ctx, templates, seq)
	if err != nil {
		return nil, err
	}
	return sortIssues(append(issues, tplIssues...)), nil
}
