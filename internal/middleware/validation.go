package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "mailreg/internal/errors"
)

const maxBodySize = 64 * 1024

// RequestValidator decodes JSON request bodies and validates them using
// struct tags.
type RequestValidator struct {
	validator *validator.Validate
}

// NewRequestValidator creates a validator that reports fields by their JSON
// name.
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{validator: v}
}

// Decode reads the JSON body of r into dst and validates it. Failures are
// returned as *apperrors.APIError with per-field details.
func (rv *RequestValidator) Decode(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(io.LimitReader(r.Body, maxBodySize), dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "Request body is required")
		}
		return apperrors.InvalidRequestWithError(err)
	}
	return rv.Struct(dst)
}

// Struct validates v.
func (rv *RequestValidator) Struct(v interface{}) error {
	err := rv.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	details := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(details)
}

// formatValidationError formats validation error messages
func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
