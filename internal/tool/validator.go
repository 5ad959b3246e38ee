package tool

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Validator checks tool results against the Result struct tags and requires
// unique names across a run.
type Validator struct {
	validate *validator.Validate
}

var _ runner.ResultsValidator = (*Validator)(nil)

// NewValidator builds a Validator that reports fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// CheckResults returns one message per violation; nil means valid.
func (v *Validator) CheckResults(results []runner.Result) []string {
	if results == nil {
		return []string{"results must be a list"}
	}
	var violations []string
	seen := make(map[string]int, len(results))
	for i := range results {
		if err := v.validate.Struct(results[i]); err != nil {
			var fieldErrs validator.ValidationErrors
			if !errors.As(err, &fieldErrs) {
				violations = append(violations, fmt.Sprintf("results[%d]: %v", i, err))
				continue
			}
			for _, fe := range fieldErrs {
				violations = append(violations, describe(i, fe))
			}
		}
		name := results[i].UniqueName
		if name == "" {
			continue
		}
		if first, dup := seen[name]; dup {
			violations = append(violations,
				fmt.Sprintf("results[%d].uniqueName %q duplicates results[%d]", i, name, first))
			continue
		}
		seen[name] = i
	}
	return violations
}

func describe(i int, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("results[%d].%s is required", i, fe.Field())
	case "gte", "lte":
		return fmt.Sprintf("results[%d].%s must be between 0 and 1, got %v", i, fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("results[%d].%s failed %q validation", i, fe.Field(), fe.Tag())
	}
}
