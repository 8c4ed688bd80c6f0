// Package validation checks capability input contracts. Contracts are flat
// object schemas; argument validation collects every violated constraint so
// callers can surface an itemized, structured error rather than failing on
// the first problem.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/relaykit/relay/mcp"
)

// NamePattern constrains capability names registered with any registry.
var NamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Violation is one violated constraint.
type Violation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

// Error is an itemized validation failure.
type Error struct {
	Violations []Violation `json:"violations"`
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			parts = append(parts, v.Constraint)
			continue
		}
		parts = append(parts, v.Field+": "+v.Constraint)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Name validates a capability name against NamePattern.
func Name(name string) error {
	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid capability name %q", name)
	}
	return nil
}

// Schema validates a declared input contract at registration time.
// Registration failures are programmer errors and surface during startup.
func Schema(s *mcp.ToolInputSchema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	if s.Type != "object" {
		return fmt.Errorf("input schema type must be object, got %q", s.Type)
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property %q not declared", name)
		}
	}
	for name, p := range s.Properties {
		switch p.Type {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			return fmt.Errorf("property %q has unsupported type %q", name, p.Type)
		}
		if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
			return fmt.Errorf("property %q minimum greater than maximum", name)
		}
	}
	return nil
}

// Arguments validates a raw argument payload against the contract. A nil
// return means the payload conforms; otherwise the *Error lists every
// violated constraint.
func Arguments(s *mcp.ToolInputSchema, raw json.RawMessage) *Error {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &Error{Violations: []Violation{{Constraint: "arguments must be a JSON object"}}}
		}
	}

	var violations []Violation
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			violations = append(violations, Violation{Field: name, Constraint: "required"})
		}
	}
	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			if !s.AdditionalProperties {
				violations = append(violations, Violation{Field: name, Constraint: "unknown field"})
			}
			continue
		}
		violations = append(violations, checkProperty(name, &prop, value)...)
	}
	if len(violations) == 0 {
		return nil
	}
	return &Error{Violations: violations}
}

func checkProperty(name string, p *mcp.SchemaProperty, value any) []Violation {
	var violations []Violation

	switch p.Type {
	case "string":
		if _, ok := value.(string); !ok {
			violations = append(violations, Violation{Field: name, Constraint: "must be a string"})
		}
	case "number":
		if _, ok := value.(float64); !ok {
			violations = append(violations, Violation{Field: name, Constraint: "must be a number"})
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			violations = append(violations, Violation{Field: name, Constraint: "must be an integer"})
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			violations = append(violations, Violation{Field: name, Constraint: "must be a boolean"})
		}
	case "array":
		if _, ok := value.([]any); !ok {
			violations = append(violations, Violation{Field: name, Constraint: "must be an array"})
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			violations = append(violations, Violation{Field: name, Constraint: "must be an object"})
		}
	}
	if len(violations) > 0 {
		// Numeric and enum constraints are meaningless on a mistyped value.
		return violations
	}

	if f, ok := value.(float64); ok {
		if p.Minimum != nil && f < *p.Minimum {
			violations = append(violations, Violation{Field: name, Constraint: fmt.Sprintf("must be >= %v", *p.Minimum)})
		}
		if p.Maximum != nil && f > *p.Maximum {
			violations = append(violations, Violation{Field: name, Constraint: fmt.Sprintf("must be <= %v", *p.Maximum)})
		}
	}
	if len(p.Enum) > 0 {
		found := false
		for _, allowed := range p.Enum {
			if valueEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			violations = append(violations, Violation{Field: name, Constraint: "not an allowed value"})
		}
	}
	return violations
}

// valueEqual compares a decoded JSON value with a declared enum member,
// tolerating the int/float64 mismatch between Go literals and decoded JSON.
func valueEqual(got, want any) bool {
	if got == want {
		return true
	}
	gf, gok := got.(float64)
	switch w := want.(type) {
	case int:
		return gok && gf == float64(w)
	case int64:
		return gok && gf == float64(w)
	case float64:
		return gok && gf == w
	}
	return false
}
