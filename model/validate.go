package model

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// Validate checks the submission and returns a VALIDATION_ERROR listing
// every offending field.
func (r NewRequest) Validate() error {
	err := structValidator().Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewInvalidPayloadError(err.Error())
	}

	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{
			Field:   fe.Field(),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return NewValidationError(details)
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gtfield":
		return fe.Field() + " must be after " + strings.ToLower(fe.Param())
	case "email":
		return fe.Field() + " must be a valid email address"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	default:
		return fe.Field() + " is invalid"
	}
}
