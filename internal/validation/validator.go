// Package validation checks sync events with go-playground/validator.
package validation

import (
	"errors"
	"fmt"
	"sync"

	"highlightsync/internal/domain"
	"highlightsync/internal/models"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonName)
	})
	return validate
}

// ValidateEvent checks the envelope fields of a SyncEvent and returns a
// *domain.ValidationError naming the first offending field.
func ValidateEvent(ev models.SyncEvent) error {
	return ValidateStruct(&ev)
}

// ValidateStruct validates any struct carrying `validate` tags.
func ValidateStruct(s interface{}) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &domain.ValidationError{Reason: err.Error()}
	}

	fe := fieldErrs[0]
	return &domain.ValidationError{Field: fe.Field(), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
