package matrix

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema constrains matrix JSON documents before they are decoded.
// Structural gaps (short rows, unknown levels) are rejected here; Validate
// re-checks the decoded form so YAML input gets the same guarantees.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "size", "cells"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "size": {"type": "integer", "minimum": 3},
    "default": {"type": "boolean"},
    "cells": {
      "type": "array",
      "minItems": 3,
      "items": {
        "type": "array",
        "minItems": 3,
        "items": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL", "low", "medium", "high", "critical"]}
      }
    }
  }
}`

const schemaURL = "https://vigil.schemas.local/matrix.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiled() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(configSchema)); err != nil {
			compileErr = fmt.Errorf("matrix: schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// DecodeJSON validates a matrix JSON document against the config schema,
// decodes it, and runs Validate. Matrices with gaps never survive load.
func DecodeJSON(data []byte) (*Matrix, error) {
	schema, err := compiled()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("matrix: invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("matrix: schema validation failed: %w", err)
	}

	var m Matrix
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("matrix: decode failed: %w", err)
	}
	normalize(&m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeYAML decodes a matrix YAML document and runs Validate.
func DecodeYAML(data []byte) (*Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("matrix: invalid YAML: %w", err)
	}
	normalize(&m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeJSON serializes a matrix. Round-tripping through DecodeJSON yields
// identical lookups.
func EncodeJSON(m *Matrix) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// normalize upper-cases cell levels so configs may use either case.
func normalize(m *Matrix) {
	for _, row := range m.Cells {
		for j, cell := range row {
			row[j] = cell.Canonical()
		}
	}
}
