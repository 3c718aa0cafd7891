package util

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidateStruct checks struct tags and converts failures into an AppError.
// A missing required field yields MISSING_REQUIRED naming the first such
// field; other failures yield VALIDATION_ERROR. Details list every failure.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.ValidationError("Invalid request").WithCause(err)
	}

	details := make([]FieldError, 0, len(verrs))
	missing := ""
	for _, fe := range verrs {
		details = append(details, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		if fe.Tag() == "required" && missing == "" {
			missing = fe.Field()
		}
	}

	if missing != "" {
		return apperrors.MissingRequired(missing).WithDetails(details)
	}
	return apperrors.ValidationError("Invalid request").WithDetails(details)
}
