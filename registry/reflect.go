package registry

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/relaykit/relay/mcp"
)

// NewTool reflects a JSON schema from the argument struct A and builds a
// tool descriptor plus a handler that decodes arguments into A before
// invoking fn. Struct fields become schema properties via `json` and
// `jsonschema` tags; non-pointer fields are required.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) (mcp.Tool, ToolHandler) {
	desc := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}
	handler := func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &a); err != nil {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.ContentBlock{mcp.TextContent("invalid arguments: " + err.Error())},
				}, nil
			}
		}
		return fn(ctx, a)
	}
	return desc, handler
}

// reflectInputSchema reflects a Go struct into the simplified flat input
// schema, inlining definitions so the result is self-contained.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	required = append(required, s.Required...)

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
