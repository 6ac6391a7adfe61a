// Package validator wraps go-playground/validator with the rules the engine needs.
package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"coordline/internal/domain"
)

// Validator wraps the go-playground validator for structured validation.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator with the domain rules registered: priority, response and
// notblank (non-empty after trimming).
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return domain.Priority(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("response", func(fl validator.FieldLevel) bool {
		return domain.Response(fl.Field().String()).Resolves()
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return &Validator{v: v}
}

// Struct validates a struct based on validation tags.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Var validates a single variable against a tag.
func (val *Validator) Var(field any, tag string) error {
	return val.v.Var(field, tag)
}

// FieldError is the first failing field of a validation error, if any.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

// First extracts the first field failure from err.
func First(err error) (FieldError, bool) {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return FieldError{}, false
	}
	fe := verrs[0]
	return FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()}, true
}
