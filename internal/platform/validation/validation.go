// Package validation wires go-playground/validator into echo with tags for
// the permission enumerations.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/pkg/rbac"
)

// New returns a validator that also understands the rbac_role, rbac_module
// and rbac_action tags. Field names in errors follow the json tag.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("rbac_role", func(fl validator.FieldLevel) bool {
		_, ok := rbac.ParseRole(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("rbac_module", func(fl validator.FieldLevel) bool {
		_, ok := rbac.ParseModule(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("rbac_action", func(fl validator.FieldLevel) bool {
		_, ok := rbac.ParseAction(fl.Field().String())
		return ok
	})
	return v
}

// EchoValidator adapts a validator to echo.Validator. Failures come back as
// 400 errors listing each offending field.
type EchoValidator struct {
	v *validator.Validate
}

// NewEchoValidator returns an EchoValidator over New().
func NewEchoValidator() *EchoValidator {
	return &EchoValidator{v: New()}
}

func (ev *EchoValidator) Validate(i interface{}) error {
	err := ev.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "rbac_role":
		return fmt.Sprintf("%s: unknown role %q", field, fe.Value())
	case "rbac_module":
		return fmt.Sprintf("%s: unknown module %q", field, fe.Value())
	case "rbac_action":
		return fmt.Sprintf("%s: unknown action %q", field, fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
