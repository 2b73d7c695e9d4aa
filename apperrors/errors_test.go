package apperrors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		notFound   bool
		conflict   bool
		validation bool
	}{
		{"not found", NewNotFound("sequence", 7), true, false, false},
		{"wrapped not found", fmt.Errorf("load: %w", NewNotFound("step", 1)), true, false, false},
		{"conflict", NewConflict("enrollment", "already active"), false, true, false},
		{"validation", NewValidation([]ValidationIssue{{Rule: "name_required"}}), false, false, true},
		{"plain", fmt.Errorf("boom"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
			assert.Equal(t, tt.validation, IsValidation(tt.err))
		})
	}
}

func TestValidationErrorListsEveryIssue(t *testing.T) {
	err := NewValidation([]ValidationIssue{
		{Rule: "name_required", Message: "name is required"},
		{Rule: "steps_required", Message: "at least one step is required"},
	})
	assert.Equal(t, "validation failed: name is required; at least one step is required", err.Error())
}

func TestAsDeferral(t *testing.T) {
	until := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	de, ok := AsDeferral(fmt.Errorf("step 2: %w", &DeferralError{Reason: DeferQuietHours, Until: until}))
	assert.True(t, ok)
	assert.Equal(t, until, de.Until)

	_, ok = AsDeferral(fmt.Errorf("other"))
	assert.False(t, ok)
}
