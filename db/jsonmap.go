package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap maps a Go map onto a jsonb column. It is used for the opaque
// handler payloads (stream data, data records, integration settings) and for
// the structured error column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer. A nil map is stored as SQL NULL.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for jsonb columns.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}

	return json.Unmarshal(b, m)
}
