package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a wire identifier that may be a string or a number.
type RequestID struct {
	value any
}

// NewRequestID wraps a string or integer value as a RequestID.
func NewRequestID(value any) *RequestID {
	switch value.(type) {
	case string, int, int32, int64, uint, uint32, uint64, float64:
		return &RequestID{value: value}
	}
	return &RequestID{}
}

// String renders the ID for logging and map keys.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if s, ok := id.value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id.value)
}

// IsNil reports whether the ID is absent (a notification).
func (id *RequestID) IsNil() bool { return id == nil || id.value == nil }

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	return fmt.Errorf("request id must be a string or number, got: %s", string(data))
}
