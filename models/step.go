package models

import (
	"fmt"
	"strings"
	"time"
)

type StepKind string

const (
	StepSendEmail StepKind = "send_email"
	StepSendSMS   StepKind = "send_sms"
	StepWait      StepKind = "wait"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// StepAction is the closed set of things a step can do. The only
// implementations are SendEmail, SendSMS and Wait.
type StepAction interface {
	Kind() StepKind
	stepAction()
}

// SendAction is implemented by the actions that dispatch a message.
type SendAction interface {
	StepAction
	Channel() Channel
	Template() uint
}

type SendEmail struct {
	TemplateID uint `json:"template_id"`
}

type SendSMS struct {
	TemplateID uint `json:"template_id"`
}

type Wait struct {
	Duration time.Duration `json:"duration"`
}

func (SendEmail) Kind() StepKind { return StepSendEmail }
func (SendSMS) Kind() StepKind   { return StepSendSMS }
func (Wait) Kind() StepKind      { return StepWait }

func (SendEmail) stepAction() {}
func (SendSMS) stepAction()   {}
func (Wait) stepAction()      {}

func (SendEmail) Channel() Channel { return ChannelEmail }
func (SendSMS) Channel() Channel   { return ChannelSMS }

func (a SendEmail) Template() uint { return a.TemplateID }
func (a SendSMS) Template() uint   { return a.TemplateID }

// Step is the persisted row behind a StepAction. Rows are always written
// through NewStep so kind and fields agree.
type Step struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	SequenceID uint      `gorm:"not null;uniqueIndex:idx_steps_sequence_index,priority:1" json:"sequence_id"`
	StepIndex  int       `gorm:"not null;uniqueIndex:idx_steps_sequence_index,priority:2" json:"step_index"`
	Kind       StepKind  `gorm:"type:varchar(16);not null" json:"kind"`
	TemplateID *uint     `json:"template_id,omitempty"`
	WaitMs     *int64    `json:"wait_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewStep(index int, action StepAction) Step {
	step := Step{StepIndex: index, Kind: action.Kind()}
	switch a := action.(type) {
	case SendEmail:
		id := a.TemplateID
		step.TemplateID = &id
	case SendSMS:
		id := a.TemplateID
		step.TemplateID = &id
	case Wait:
		ms := a.Duration.Milliseconds()
		step.WaitMs = &ms
	}
	return step
}

// Action decodes the row. Rows whose fields disagree with their kind are rejected.
func (s Step) Action() (StepAction, error) {
	switch s.Kind {
	case StepSendEmail, StepSendSMS:
		if s.WaitMs != nil {
			return nil, fmt.Errorf("step %d: %s step carries a wait duration", s.StepIndex, s.Kind)
		}
		var templateID uint
		if s.TemplateID != nil {
			templateID = *s.TemplateID
		}
		if s.Kind == StepSendEmail {
			return SendEmail{TemplateID: templateID}, nil
		}
		return SendSMS{TemplateID: templateID}, nil
	case StepWait:
		if s.TemplateID != nil {
			return nil, fmt.Errorf("step %d: wait step carries a template", s.StepIndex)
		}
		var ms int64
		if s.WaitMs != nil {
			ms = *s.WaitMs
		}
		return Wait{Duration: time.Duration(ms) * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("step %d: unknown kind %q", s.StepIndex, s.Kind)
	}
}

// Actions decodes an ordered step list.
func Actions(steps []Step) ([]StepAction, error) {
	out := make([]StepAction, 0, len(steps))
	for _, s := range steps {
		a, err := s.Action()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// BuildSteps assigns contiguous indices starting at 0.
func BuildSteps(actions []StepAction) []Step {
	steps := make([]Step, 0, len(actions))
	for i, a := range actions {
		steps = append(steps, NewStep(i, a))
	}
	return steps
}

// StepsSignature identifies the content of an ordered step list.
func StepsSignature(steps []Step) string {
	var b strings.Builder
	for i, s := range steps {
		var tpl uint
		var wait int64
		if s.TemplateID != nil {
			tpl = *s.TemplateID
		}
		if s.WaitMs != nil {
			wait = *s.WaitMs
		}
		fmt.Fprintf(&b, "%d:%s:%d:%d|", i, s.Kind, tpl, wait)
	}
	return b.String()
}
