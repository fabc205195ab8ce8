// Package validator validates request bodies. It is installed as echo's
// Validator so handlers call c.Validate.
package validator

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Validator wraps go-playground/validator and reports field names by their
// JSON tag.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Struct validates s and returns validator.ValidationErrors on failure.
func (val *Validator) Struct(s interface{}) error {
	return val.v.Struct(s)
}

func (val *Validator) Var(field interface{}, tag string) error {
	return val.v.Var(field, tag)
}

func (val *Validator) RegisterValidation(tag string, fn validator.Func) error {
	return val.v.RegisterValidation(tag, fn)
}

// Validate implements echo.Validator. Failures become 400 responses listing
// every offending field.
func (val *Validator) Validate(i interface{}) error {
	err := val.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, Describe(verrs))
}

// Describe renders validation errors as "field: rule" pairs.
func Describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fe.Param())
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
