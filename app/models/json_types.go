package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList stores a JSON array of strings in a single text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// StringListMap stores a JSON object of string keys to string arrays.
// Used for provider product references keyed by "provider:purchase_type".
type StringListMap map[string][]string

func (m StringListMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string][]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringListMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string][]string)(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string][]string)(m))
	default:
		return fmt.Errorf("cannot scan %T into StringListMap", value)
	}
}
