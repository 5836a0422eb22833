package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	perrors "github.com/p-blackswan/area/internal/errors"
)

var validTypes = map[string]bool{"": true, "string": true, "integer": true, "number": true, "boolean": true}

// compile generates and compiles the JSON schema of the component's parameters.
func (comp *Component) compile() error {
	props := map[string]any{}
	required := []string{}
	seen := map[string]bool{}

	for _, p := range comp.Spec.Params {
		if !identPattern.MatchString(p.Name) {
			return fmt.Errorf("invalid parameter name %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !validTypes[p.Type] {
			return fmt.Errorf("parameter %s: unsupported type %q", p.Name, p.Type)
		}

		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if len(p.Enum) > 0 {
			enum := make([]any, 0, len(p.Enum))
			for _, e := range p.Enum {
				enum = append(enum, coerce(typ, e))
			}
			prop["enum"] = enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	for _, o := range comp.Spec.Outputs {
		if !identPattern.MatchString(o.Name) {
			return fmt.Errorf("invalid output name %q", o.Name)
		}
	}

	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	url := "area://components/" + comp.ID + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	comp.schemaJSON = string(raw)
	comp.schema = schema
	return nil
}

// SchemaJSON returns the generated parameter schema.
func (comp *Component) SchemaJSON() string {
	return comp.schemaJSON
}

// ParamType returns the declared type of a parameter, or "" if unknown.
func (comp *Component) ParamType(name string) string {
	for _, p := range comp.Spec.Params {
		if p.Name == name {
			if p.Type == "" {
				return "string"
			}
			return p.Type
		}
	}
	return ""
}

// Validate coerces params to their declared types and checks them against
// the schema. Failures wrap perrors.ErrValidation.
func (comp *Component) Validate(params map[string]string) error {
	instance := make(map[string]any, len(params))
	for k, v := range params {
		typ := comp.ParamType(k)
		if typ != "string" && v == "" {
			// optional typed parameter left blank
			continue
		}
		instance[k] = coerce(typ, v)
	}

	// round-trip through JSON so the validator sees decoder types
	raw, err := json.Marshal(instance)
	if err != nil {
		return perrors.Validationf("encode parameters: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return perrors.Validationf("decode parameters: %v", err)
	}

	if err := comp.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return perrors.Validationf("%s: %s", comp.ID, flatten(ve))
		}
		return perrors.Validationf("%s: %v", comp.ID, err)
	}
	return nil
}

// coerce converts a stored string to the JSON type declared for it. Values
// that do not parse stay strings so the schema reports the type mismatch.
func coerce(typ, v string) any {
	switch typ {
	case "integer":
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return v
}

// flatten renders the leaf causes of a validation error on one line.
func flatten(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + ve.Message
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		parts = append(parts, flatten(c))
	}
	return strings.Join(parts, "; ")
}
