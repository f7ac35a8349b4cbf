// Package utils holds small stateless helpers shared across the engine
// and ticketservice packages. ValidateFormValues is the runtime
// counterpart to internal/engine/validator's definition-time validator:
// where that package checks a WorkflowDefinition is well-formed, this one
// checks a SUBMIT_FORM payload against one FORM_STEP's field definitions
// (spec: required, type coercion, length/range/regex, conditional
// requirements, date-restriction), accumulating every violation rather
// than stopping at the first.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/engine/condition"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
)

const dateLayout = "2006-01-02"

// ValidateFormValues checks submitted against every field declared across
// sections. allValues is the ticket's full merged form_values map (the
// submitted payload already folded in), since RequiredWhen and
// date-restriction checks may reference fields captured by earlier steps.
// Returns nil when every field is valid.
func ValidateFormValues(sections []entity.SectionDef, submitted map[string]interface{}, allValues map[string]interface{}) *appErrors.ValidationError {
	ve := &appErrors.ValidationError{}
	for _, section := range sections {
		if section.Repeating {
			validateRepeatingSection(ve, section, submitted)
			continue
		}
		for _, f := range section.Fields {
			validateField(ve, f, submitted[f.FieldKey], allValues, f.FieldKey)
		}
	}
	if len(ve.Errors) == 0 {
		return nil
	}
	return ve
}

func validateRepeatingSection(ve *appErrors.ValidationError, section entity.SectionDef, submitted map[string]interface{}) {
	raw, ok := submitted[section.SectionKey]
	var rows []map[string]interface{}
	if ok {
		list, isList := raw.([]interface{})
		if !isList {
			addFieldError(ve, "INVALID_TYPE", section.SectionKey, "section %q must be a list of rows", section.SectionKey)
			return
		}
		for _, r := range list {
			row, isMap := r.(map[string]interface{})
			if !isMap {
				addFieldError(ve, "INVALID_TYPE", section.SectionKey, "section %q row must be an object", section.SectionKey)
				continue
			}
			rows = append(rows, row)
		}
	}
	if len(rows) < section.MinRows {
		addFieldError(ve, "TOO_FEW_ROWS", section.SectionKey, "section %q requires at least %d row(s), got %d", section.SectionKey, section.MinRows, len(rows))
	}
	for i, row := range rows {
		for _, f := range section.Fields {
			path := fmt.Sprintf("%s[%d].%s", section.SectionKey, i, f.FieldKey)
			validateField(ve, f, row[f.FieldKey], row, path)
		}
	}
}

func validateField(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, siblingValues map[string]interface{}, path string) {
	required := f.Required
	if f.RequiredWhen != nil {
		match, err := condition.Eval(f.RequiredWhen, siblingValues)
		if err == nil {
			required = required || match
		}
	}

	empty := value == nil || value == ""
	if empty {
		if required {
			addFieldError(ve, "REQUIRED", path, "%q is required", f.FieldKey)
		}
		return
	}

	switch f.Type {
	case entity.FieldText:
		validateText(ve, f, value, path)
	case entity.FieldNumber:
		validateNumber(ve, f, value, path)
	case entity.FieldDate:
		validateDate(ve, f, value, path)
	case entity.FieldSelect:
		validateSelect(ve, f, value, path)
	case entity.FieldMultiSelect:
		validateMultiSelect(ve, f, value, path)
	}
}

func validateText(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, path string) {
	s, ok := value.(string)
	if !ok {
		addFieldError(ve, "INVALID_TYPE", path, "%q must be text", f.FieldKey)
		return
	}
	if f.MinLength > 0 && len(s) < f.MinLength {
		addFieldError(ve, "TOO_SHORT", path, "%q must be at least %d characters", f.FieldKey, f.MinLength)
	}
	if f.MaxLength > 0 && len(s) > f.MaxLength {
		addFieldError(ve, "TOO_LONG", path, "%q must be at most %d characters", f.FieldKey, f.MaxLength)
	}
	if f.Regex != "" {
		re, err := regexp.Compile(f.Regex)
		if err != nil || !re.MatchString(s) {
			addFieldError(ve, "PATTERN_MISMATCH", path, "%q does not match the required format", f.FieldKey)
		}
	}
}

func validateNumber(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, path string) {
	switch n := value.(type) {
	case float64, int, int64:
		_ = n
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			addFieldError(ve, "INVALID_TYPE", path, "%q must be a number", f.FieldKey)
		}
	default:
		addFieldError(ve, "INVALID_TYPE", path, "%q must be a number", f.FieldKey)
	}
}

func validateDate(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, path string) {
	s, ok := value.(string)
	if !ok {
		addFieldError(ve, "INVALID_TYPE", path, "%q must be a date", f.FieldKey)
		return
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		addFieldError(ve, "INVALID_TYPE", path, "%q must be a date in YYYY-MM-DD format", f.FieldKey)
		return
	}
	if f.DateRestriction == nil {
		return
	}
	today := time.Now().Truncate(24 * time.Hour)
	day := d.Truncate(24 * time.Hour)
	switch {
	case day.Before(today) && !f.DateRestriction.AllowPast:
		addFieldError(ve, "DATE_NOT_ALLOWED", path, "%q cannot be in the past", f.FieldKey)
	case day.Equal(today) && !f.DateRestriction.AllowToday:
		addFieldError(ve, "DATE_NOT_ALLOWED", path, "%q cannot be today", f.FieldKey)
	case day.After(today) && !f.DateRestriction.AllowFuture:
		addFieldError(ve, "DATE_NOT_ALLOWED", path, "%q cannot be in the future", f.FieldKey)
	}
}

func validateSelect(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, path string) {
	s, ok := value.(string)
	if !ok || !isValidOption(f.Options, s) {
		addFieldError(ve, "INVALID_OPTION", path, "%q is not a valid option for %q", value, f.FieldKey)
	}
}

func validateMultiSelect(ve *appErrors.ValidationError, f entity.FieldDef, value interface{}, path string) {
	list, ok := value.([]interface{})
	if !ok {
		addFieldError(ve, "INVALID_TYPE", path, "%q must be a list of options", f.FieldKey)
		return
	}
	for _, v := range list {
		s, ok := v.(string)
		if !ok || !isValidOption(f.Options, s) {
			addFieldError(ve, "INVALID_OPTION", path, "%q is not a valid option for %q", v, f.FieldKey)
		}
	}
}

func isValidOption(options []entity.FieldOption, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

func addFieldError(ve *appErrors.ValidationError, typ, path, format string, args ...interface{}) {
	ve.Errors = append(ve.Errors, appErrors.FieldError{Type: typ, Path: path, Message: fmt.Sprintf(format, args...)})
}
