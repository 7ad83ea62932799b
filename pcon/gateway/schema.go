package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	schemaSubmit = "submit"
	schemaResult = "result"
)

const submitResponseSchema = `{
  "type": "object",
  "required": ["result_id"],
  "properties": {
    "result_id": {"type": "string", "minLength": 1}
  }
}`

const resultResponseSchema = `{
  "type": "object",
  "required": ["completed"],
  "properties": {
    "completed": {"type": "boolean"},
    "message": {"type": ["string", "null"]}
  }
}`

// schemaSet holds compiled response schemas keyed by name.
type schemaSet struct {
	schemas map[string]*gojsonschema.Schema
}

var defaultSchemas = mustCompileSchemas(map[string]string{
	schemaSubmit: submitResponseSchema,
	schemaResult: resultResponseSchema,
})

func mustCompileSchemas(src map[string]string) *schemaSet {
	set := &schemaSet{schemas: make(map[string]*gojsonschema.Schema, len(src))}
	for name, text := range src {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			panic(fmt.Sprintf("gateway: compile %s schema: %v", name, err))
		}
		set.schemas[name] = schema
	}
	return set
}

// check validates data against the named schema. A missing body counts as
// an empty document and fails any schema with required fields.
func (s *schemaSet) check(name string, data json.RawMessage) error {
	schema, ok := s.schemas[name]
	if !ok {
		return nil
	}
	if data == nil {
		data = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(problems, "; "))
	}
	return nil
}
