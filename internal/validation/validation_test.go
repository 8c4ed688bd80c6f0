package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/mcp"
)

func ptr(f float64) *float64 { return &f }

func testSchema() *mcp.ToolInputSchema {
	return &mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]mcp.SchemaProperty{
			"path":  {Type: "string"},
			"depth": {Type: "integer", Minimum: ptr(1), Maximum: ptr(10)},
			"mode":  {Type: "string", Enum: []any{"fast", "thorough"}},
		},
		Required: []string{"path"},
	}
}

func TestName(t *testing.T) {
	assert.NoError(t, Name("scan_files"))
	assert.NoError(t, Name("a"))
	assert.Error(t, Name(""))
	assert.Error(t, Name("9starts-with-digit"))
	assert.Error(t, Name("has space"))
	assert.Error(t, Name("x123456789012345678901234567890123456789012345678901234567890123456789"))
}

func TestSchemaRejectsBadDeclarations(t *testing.T) {
	assert.Error(t, Schema(nil))
	assert.Error(t, Schema(&mcp.ToolInputSchema{Type: "array"}))
	assert.Error(t, Schema(&mcp.ToolInputSchema{Type: "object", Required: []string{"ghost"}}))
	assert.Error(t, Schema(&mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{"x": {Type: "widget"}},
	}))
	assert.Error(t, Schema(&mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{"x": {Type: "number", Minimum: ptr(5), Maximum: ptr(1)}},
	}))
	assert.NoError(t, Schema(testSchema()))
}

func TestArgumentsConforming(t *testing.T) {
	err := Arguments(testSchema(), json.RawMessage(`{"path":"/tmp","depth":3,"mode":"fast"}`))
	assert.Nil(t, err)
}

func TestArgumentsItemizesEveryViolation(t *testing.T) {
	err := Arguments(testSchema(), json.RawMessage(`{"depth":0,"mode":"turbo","extra":true}`))
	require.NotNil(t, err)

	constraints := map[string]string{}
	for _, v := range err.Violations {
		constraints[v.Field] = v.Constraint
	}
	assert.Equal(t, "required", constraints["path"])
	assert.Contains(t, constraints["depth"], ">= 1")
	assert.Equal(t, "not an allowed value", constraints["mode"])
	assert.Equal(t, "unknown field", constraints["extra"])
	assert.Len(t, err.Violations, 4)
}

func TestArgumentsTypeMismatch(t *testing.T) {
	err := Arguments(testSchema(), json.RawMessage(`{"path":42,"depth":"deep"}`))
	require.NotNil(t, err)

	constraints := map[string]string{}
	for _, v := range err.Violations {
		constraints[v.Field] = v.Constraint
	}
	assert.Equal(t, "must be a string", constraints["path"])
	assert.Equal(t, "must be an integer", constraints["depth"])
}

func TestArgumentsNonObjectPayload(t *testing.T) {
	err := Arguments(testSchema(), json.RawMessage(`[1,2,3]`))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "JSON object")
}

func TestArgumentsEmptyPayload(t *testing.T) {
	schema := &mcp.ToolInputSchema{Type: "object"}
	assert.Nil(t, Arguments(schema, nil))

	err := Arguments(testSchema(), nil)
	require.NotNil(t, err, "missing required field on empty payload")
}
