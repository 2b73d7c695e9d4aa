package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"reviewflow/apperrors"
)

var validate = validator.New()

// ValidateStruct checks validate tags and reports every failing field as one
// ValidationError.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	issues := make([]apperrors.ValidationIssue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.ToLower(fe.Field())
		param := fe.Param()

		var msg string
		switch fe.Tag() {
		case "required":
			msg = field + " is required"
		case "min":
			msg = field + " must be at least " + param
		case "max":
			msg = field + " must be at most " + param
		case "email":
			msg = field + " must be a valid email"
		case "oneof":
			msg = field + " must be one of " + param
		default:
			msg = field + " is invalid"
		}
		issues = append(issues, apperrors.ValidationIssue{Rule: "invalid_input", Field: field, Message: msg})
	}
	return apperrors.NewValidation(issues)
}
