package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// prdSchema pins the structural contract of prd.json. Unknown extra fields
// are tolerated; missing required fields or wrong types are not.
const prdSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["project", "userStories"],
  "properties": {
    "project": {"type": "string"},
    "branchName": {"type": "string"},
    "description": {"type": "string"},
    "userStories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "acceptanceCriteria", "passes"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "number"},
          "passes": {"type": "boolean"},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("prd.json", strings.NewReader(prdSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("prd.json")
	})
	return schema, schemaErr
}

func validatePRDBytes(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile PRD schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
