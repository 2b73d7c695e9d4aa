package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationIssue is one violated rule. StepIndex is set for step rules.
type ValidationIssue struct {
	Rule      string `json:"rule"`
	Field     string `json:"field"`
	StepIndex *int   `json:"step_index,omitempty"`
	Message   string `json:"message"`
}

// ValidationError carries every violated rule, never just the first.
type ValidationError struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func NewValidation(issues []ValidationIssue) error {
	return &ValidationError{Issues: issues}
}

// Invalid is a single-issue ValidationError for request-level checks.
func Invalid(field, format string, a ...interface{}) error {
	return &ValidationError{Issues: []ValidationIssue{{
		Rule:    "invalid_input",
		Field:   field,
		Message: fmt.Sprintf(format, a...),
	}}}
}

type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFound(resource string, id uint) error {
	return &NotFoundError{Resource: resource, ID: id}
}

type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func NewConflict(resource, format string, a ...interface{}) error {
	return &ConflictError{Resource: resource, Message: fmt.Sprintf(format, a...)}
}

type DeferralReason string

const (
	DeferQuietHours DeferralReason = "quiet_hours"
	DeferRateLimit  DeferralReason = "rate_limited"
)

// DeferralError is a scheduling outcome, not a failure.
type DeferralError struct {
	Reason DeferralReason
	Until  time.Time
}

func (e *DeferralError) Error() string {
	return fmt.Sprintf("deferred (%s) until %s", e.Reason, e.Until.Format(time.RFC3339))
}

// SendFailure wraps an error returned by a message sender.
type SendFailure struct {
	Channel string
	Err     error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("%s send failed: %v", e.Channel, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func AsDeferral(err error) (*DeferralError, bool) {
	var de *DeferralError
	ok := errors.As(err, &de)
	return de, ok
}
