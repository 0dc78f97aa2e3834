package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Property describes one argument in an input schema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Minimum     *float64  `json:"minimum,omitempty"`
	Maximum     *float64  `json:"maximum,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// Schema is an object schema with a required-field list.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ObjectSchema returns an object schema with the given properties.
func ObjectSchema(properties map[string]Property, required ...string) Schema {
	if properties == nil {
		properties = map[string]Property{}
	}
	return Schema{Type: "object", Properties: properties, Required: required}
}

// Float returns a pointer to v, for Minimum and Maximum.
func Float(v float64) *float64 { return &v }

// ValidationResult reports whether arguments satisfy a tool's input.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Valid returns a passing ValidationResult.
func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid returns a failing ValidationResult.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

const schemaURL = "input.json"

// Validator checks arguments against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile turns s into a Validator.
func (s Schema) Compile() (*Validator, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Validator{schema: schema}, nil
}

// Validate compiles s and checks args against it. Registered tools use the
// Validator compiled at registration instead.
func (s Schema) Validate(args map[string]any) ValidationResult {
	v, err := s.Compile()
	if err != nil {
		return Invalid(err.Error())
	}
	return v.Validate(args)
}

// Validate checks args. Unknown arguments are ignored.
func (v *Validator) Validate(args map[string]any) ValidationResult {
	doc, err := normalize(args)
	if err != nil {
		return Invalid(fmt.Sprintf("arguments are not JSON: %v", err))
	}

	err = v.schema.Validate(doc)
	if err == nil {
		return Valid()
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return Invalid(err.Error())
	}
	var errs []string
	collectCauses(verr, &errs)
	sort.Strings(errs)
	return Invalid(errs...)
}

// normalize round-trips args through JSON so Go numeric types become the
// float64 values the validator understands.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func collectCauses(verr *jsonschema.ValidationError, errs *[]string) {
	if len(verr.Causes) == 0 {
		*errs = append(*errs, describe(verr))
		return
	}
	for _, cause := range verr.Causes {
		collectCauses(cause, errs)
	}
}

func describe(verr *jsonschema.ValidationError) string {
	loc := strings.TrimPrefix(verr.InstanceLocation, "/")
	if loc == "" {
		return verr.Message
	}
	return fmt.Sprintf("%q: %s", strings.ReplaceAll(loc, "/", "."), verr.Message)
}

// Number converts a decoded JSON number or a Go numeric value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
