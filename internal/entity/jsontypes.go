package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONDefinition stores a WorkflowDefinition as jsonb. GORM scans/values
// through the Scanner/Valuer pair the way the teacher stores opaque
// payloads as []byte jsonb columns (entity.WorkflowRun.Payload).
type JSONDefinition struct {
	WorkflowDefinition
}

func (d JSONDefinition) Value() (driver.Value, error) {
	return json.Marshal(d.WorkflowDefinition)
}

func (d *JSONDefinition) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("entity: JSONDefinition.Scan: unsupported type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &d.WorkflowDefinition)
}

// JSONSnapshot stores a UserSnapshot as jsonb.
type JSONSnapshot struct {
	UserSnapshot
}

func (s JSONSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s.UserSnapshot)
}

func (s *JSONSnapshot) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("entity: JSONSnapshot.Scan: unsupported type")
		}
		b = []byte(str)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &s.UserSnapshot)
}

// StringSlice stores a []string as jsonb.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	return json.Marshal([]string(s))
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("entity: StringSlice.Scan: unsupported type")
		}
		b = []byte(str)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, (*[]string)(s))
}

// JSONMap stores an arbitrary string-keyed map as jsonb; used for
// ticket.form_values and step.data.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(map[string]interface{}(m))
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("entity: JSONMap.Scan: unsupported type")
		}
		b = []byte(str)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
