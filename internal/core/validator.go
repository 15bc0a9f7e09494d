package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"marketsync/internal/types"
)

// Validator wraps go-playground/validator for admin request bodies.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator. Field names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns validation_invalid_input with the
// failing fields in Details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "invalid request", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput, "request failed validation", err,
		map[string]any{"fields": fields})
}
