package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"surveyhub/api/internal/store"
)

var payloadValidate = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return lowerFirst(field.Name)
		}
		return name
	})
	return v
}

// validatePayload runs the struct tags of payload and turns failures into a
// validation error with one detail per field.
func validatePayload(payload any) error {
	err := payloadValidate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate payload: %w", err)
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details[fieldErr.Namespace()] = describeRule(fieldErr)
	}
	return validationError("invalid payload", details)
}

func describeRule(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fieldErr.Param() + " characters"
	case "min":
		return "must contain at least " + fieldErr.Param() + " item(s)"
	case "gte":
		return "must be >= " + fieldErr.Param()
	case "oneof":
		return "must be one of " + fieldErr.Param()
	}
	return "failed " + fieldErr.Tag()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// normalizeDefinition trims the definition and applies the enabled switches:
// a disabled interval or reminder is stored as NONE without value.
func normalizeDefinition(def SurveyDefinition) (SurveyDefinition, error) {
	def.NameID = strings.TrimSpace(def.NameID)
	def.Title = strings.TrimSpace(def.Title)
	def.Description = strings.TrimSpace(def.Description)
	def.DependsOn = strings.TrimSpace(def.DependsOn)
	if err := validatePayload(def); err != nil {
		return SurveyDefinition{}, err
	}

	if !def.IntervalEnabled {
		def.IntervalType = store.IntervalNone
		def.IntervalValue = 0
		def.IntervalStart = nil
	} else {
		if def.IntervalType == "" || def.IntervalType == store.IntervalNone {
			return SurveyDefinition{}, validationError("intervalType is required when the interval is enabled", nil)
		}
		if def.IntervalValue < 1 {
			return SurveyDefinition{}, validationError("intervalValue must be positive when the interval is enabled", nil)
		}
	}

	if !def.ReminderEnabled {
		def.ReminderType = store.ReminderNone
		def.ReminderValue = 0
	} else {
		if def.ReminderType == "" || def.ReminderType == store.ReminderNone {
			return SurveyDefinition{}, validationError("reminderType is required when the reminder is enabled", nil)
		}
		if def.ReminderValue < 1 {
			return SurveyDefinition{}, validationError("reminderValue must be positive when the reminder is enabled", nil)
		}
	}
	return def, nil
}

func validateQuestionInput(in QuestionInput) error {
	if in.Spec == nil {
		return validationError("question type is required", nil)
	}
	if err := validatePayload(in); err != nil {
		return err
	}
	if err := validatePayload(in.Spec); err != nil {
		return err
	}

	switch spec := in.Spec.(type) {
	case BooleanSpec, TextSpec:
		return nil
	case ChoiceSpec:
		if spec.DefaultAnswer != nil && (*spec.DefaultAnswer < 0 || *spec.DefaultAnswer >= len(spec.Answers)) {
			return validationError("defaultAnswer index is out of range", map[string]any{
				"defaultAnswer": *spec.DefaultAnswer,
				"answers":       len(spec.Answers),
			})
		}
		return nil
	case RangeSpec:
		if spec.MinValue >= spec.MaxValue {
			return validationError("minValue must be lower than maxValue", nil)
		}
		if spec.DefaultAnswer != nil && (*spec.DefaultAnswer < spec.MinValue || *spec.DefaultAnswer > spec.MaxValue) {
			return validationError("defaultAnswer must lie between minValue and maxValue", nil)
		}
		return nil
	case NumberSpec:
		if spec.MinValue > spec.MaxValue {
			return validationError("minValue must not exceed maxValue", nil)
		}
		if spec.DefaultAnswer != nil && (*spec.DefaultAnswer < spec.MinValue || *spec.DefaultAnswer > spec.MaxValue) {
			return validationError("defaultAnswer must lie between minValue and maxValue", nil)
		}
		return nil
	case ChecklistSpec:
		seen := make(map[string]struct{}, len(spec.Entries))
		for _, entry := range spec.Entries {
			if entry.ID == "" {
				continue
			}
			if _, dup := seen[entry.ID]; dup {
				return validationError("checklist entry ids must be unique", map[string]any{"id": entry.ID})
			}
			seen[entry.ID] = struct{}{}
		}
		return nil
	default:
		return validationError(fmt.Sprintf("unsupported question type %s", in.Spec.Type()), nil)
	}
}
