package utils

import (
	"testing"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

func textSection(f entity.FieldDef) []entity.SectionDef {
	return []entity.SectionDef{{SectionKey: "s", Fields: []entity.FieldDef{f}}}
}

func TestValidateFormValuesRequiredField(t *testing.T) {
	sections := textSection(entity.FieldDef{FieldKey: "reason", Type: entity.FieldText, Required: true})

	if ve := ValidateFormValues(sections, map[string]interface{}{}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected a REQUIRED violation for an absent field")
	}
	if ve := ValidateFormValues(sections, map[string]interface{}{"reason": "ok"}, map[string]interface{}{"reason": "ok"}); ve != nil {
		t.Fatalf("expected no violations, got %v", ve.Errors)
	}
}

func TestValidateFormValuesTextLengthAndPattern(t *testing.T) {
	sections := textSection(entity.FieldDef{
		FieldKey:  "code",
		Type:      entity.FieldText,
		MinLength: 3,
		MaxLength: 5,
		Regex:     "^[A-Z]+$",
	})

	ve := ValidateFormValues(sections, map[string]interface{}{"code": "ab"}, map[string]interface{}{"code": "ab"})
	if ve == nil || len(ve.Errors) == 0 {
		t.Fatalf("expected a TOO_SHORT violation")
	}

	ve = ValidateFormValues(sections, map[string]interface{}{"code": "abcdef"}, map[string]interface{}{"code": "abcdef"})
	if ve == nil {
		t.Fatalf("expected a TOO_LONG violation")
	}

	ve = ValidateFormValues(sections, map[string]interface{}{"code": "abc"}, map[string]interface{}{"code": "abc"})
	if ve == nil {
		t.Fatalf("expected a PATTERN_MISMATCH violation for lowercase input")
	}

	if ve := ValidateFormValues(sections, map[string]interface{}{"code": "ABC"}, map[string]interface{}{"code": "ABC"}); ve != nil {
		t.Fatalf("expected no violations, got %v", ve.Errors)
	}
}

func TestValidateFormValuesNumber(t *testing.T) {
	sections := textSection(entity.FieldDef{FieldKey: "count", Type: entity.FieldNumber, Required: true})

	if ve := ValidateFormValues(sections, map[string]interface{}{"count": "not-a-number"}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected an INVALID_TYPE violation for a non-numeric string")
	}
	if ve := ValidateFormValues(sections, map[string]interface{}{"count": 3.0}, map[string]interface{}{}); ve != nil {
		t.Fatalf("expected no violations for a float64, got %v", ve.Errors)
	}
	if ve := ValidateFormValues(sections, map[string]interface{}{"count": "42"}, map[string]interface{}{}); ve != nil {
		t.Fatalf("expected no violations for a numeric string, got %v", ve.Errors)
	}
}

func TestValidateFormValuesDateRestriction(t *testing.T) {
	sections := textSection(entity.FieldDef{
		FieldKey:        "start_date",
		Type:            entity.FieldDate,
		DateRestriction: &entity.DateRestriction{AllowFuture: true},
	})

	past := time.Now().Add(-48 * time.Hour).Format(dateLayout)
	future := time.Now().Add(48 * time.Hour).Format(dateLayout)

	if ve := ValidateFormValues(sections, map[string]interface{}{"start_date": past}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected a DATE_NOT_ALLOWED violation for a past date")
	}
	if ve := ValidateFormValues(sections, map[string]interface{}{"start_date": future}, map[string]interface{}{}); ve != nil {
		t.Fatalf("expected no violations for an allowed future date, got %v", ve.Errors)
	}
	if ve := ValidateFormValues(sections, map[string]interface{}{"start_date": "not-a-date"}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected an INVALID_TYPE violation for an unparseable date")
	}
}

func TestValidateFormValuesSelectAndMultiSelect(t *testing.T) {
	opts := []entity.FieldOption{{Value: "a", Label: "A"}, {Value: "b", Label: "B"}}

	selectSections := textSection(entity.FieldDef{FieldKey: "choice", Type: entity.FieldSelect, Options: opts})
	if ve := ValidateFormValues(selectSections, map[string]interface{}{"choice": "z"}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected an INVALID_OPTION violation for an unlisted choice")
	}
	if ve := ValidateFormValues(selectSections, map[string]interface{}{"choice": "a"}, map[string]interface{}{}); ve != nil {
		t.Fatalf("expected no violations for a listed choice, got %v", ve.Errors)
	}

	multiSections := textSection(entity.FieldDef{FieldKey: "choices", Type: entity.FieldMultiSelect, Options: opts})
	if ve := ValidateFormValues(multiSections, map[string]interface{}{"choices": []interface{}{"a", "z"}}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected an INVALID_OPTION violation for one bad entry among several")
	}
	if ve := ValidateFormValues(multiSections, map[string]interface{}{"choices": []interface{}{"a", "b"}}, map[string]interface{}{}); ve != nil {
		t.Fatalf("expected no violations, got %v", ve.Errors)
	}
}

func TestValidateFormValuesRequiredWhen(t *testing.T) {
	sections := textSection(entity.FieldDef{
		FieldKey: "justification",
		Type:     entity.FieldText,
		RequiredWhen: &entity.ConditionGroup{
			Logic:      entity.LogicAnd,
			Conditions: []entity.Condition{{Field: "amount", Operator: entity.OpGreaterThan, Value: 1000.0}},
		},
	})

	low := map[string]interface{}{"amount": 100.0}
	if ve := ValidateFormValues(sections, map[string]interface{}{}, low); ve != nil {
		t.Fatalf("expected no REQUIRED violation when the triggering condition is false, got %v", ve.Errors)
	}

	high := map[string]interface{}{"amount": 5000.0}
	if ve := ValidateFormValues(sections, map[string]interface{}{}, high); ve == nil {
		t.Fatalf("expected a REQUIRED violation when the triggering condition is true")
	}
}

func TestValidateFormValuesRepeatingSection(t *testing.T) {
	sections := []entity.SectionDef{
		{
			SectionKey: "line_items",
			Repeating:  true,
			MinRows:    1,
			Fields: []entity.FieldDef{
				{FieldKey: "sku", Type: entity.FieldText, Required: true},
			},
		},
	}

	if ve := ValidateFormValues(sections, map[string]interface{}{}, map[string]interface{}{}); ve == nil {
		t.Fatalf("expected a TOO_FEW_ROWS violation for zero rows")
	}

	rows := []interface{}{
		map[string]interface{}{"sku": "A1"},
		map[string]interface{}{},
	}
	ve := ValidateFormValues(sections, map[string]interface{}{"line_items": rows}, map[string]interface{}{})
	if ve == nil || len(ve.Errors) != 1 {
		t.Fatalf("expected exactly one REQUIRED violation from the second row, got %v", ve)
	}
	if ve.Errors[0].Path != "line_items[1].sku" {
		t.Fatalf("expected the violation path to address the second row, got %q", ve.Errors[0].Path)
	}
}
