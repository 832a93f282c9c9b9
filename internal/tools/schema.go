package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"
)

// Schema is a parsed JSON Schema describing a tool's arguments. Validation covers the subset of JSON Schema that tool
// declarations use: type, enum, properties, required, additionalProperties and items
type Schema struct {
	raw  json.RawMessage
	root gjson.Result
}

// ParseSchema parses a JSON Schema. The schema must describe an object
func ParseSchema(raw json.RawMessage) (Schema, error) {
	if !gjson.ValidBytes(raw) {
		return Schema{}, fmt.Errorf("schema is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() || root.Get("type").String() != "object" {
		return Schema{}, fmt.Errorf("schema must describe an object")
	}
	return Schema{raw: slices.Clone(raw), root: root}, nil
}

// Raw returns the schema document
func (s Schema) Raw() json.RawMessage {
	return slices.Clone(s.raw)
}

// Validate checks args against the schema. The returned error is suitable for showing to the model
func (s Schema) Validate(args json.RawMessage) error {
	if !gjson.ValidBytes(args) {
		return fmt.Errorf("arguments are not valid JSON")
	}
	value := gjson.ParseBytes(args)
	if !value.IsObject() {
		return fmt.Errorf("arguments must be a JSON object, got %s", jsonType(value))
	}
	return checkValue("", value, s.root)
}

func checkValue(path string, value gjson.Result, schema gjson.Result) error {
	if t := schema.Get("type"); t.Exists() && !matchesType(value, t) {
		return fmt.Errorf("%s must be of type %s, got %s", describe(path), typeNames(t), jsonType(value))
	}

	if enum := schema.Get("enum"); enum.IsArray() {
		allowed := enum.Array()
		if !slices.ContainsFunc(allowed, func(e gjson.Result) bool {
			return e.Type == value.Type && e.String() == value.String()
		}) {
			var names []string
			for _, e := range allowed {
				names = append(names, e.String())
			}
			return fmt.Errorf("%s must be one of [%s], got '%s'", describe(path), strings.Join(names, ", "), value.String())
		}
	}

	switch {
	case value.IsObject():
		return checkObject(path, value, schema)
	case value.IsArray():
		items := schema.Get("items")
		if !items.Exists() {
			return nil
		}
		for i, el := range value.Array() {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), el, items); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkObject(path string, value gjson.Result, schema gjson.Result) error {
	fields := map[string]gjson.Result{}
	value.ForEach(func(key, v gjson.Result) bool {
		fields[key.String()] = v
		return true
	})

	required := map[string]bool{}
	for _, r := range schema.Get("required").Array() {
		name := r.String()
		required[name] = true
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing required property '%s'", join(path, name))
		}
	}

	properties := schema.Get("properties").Map()
	additional := schema.Get("additionalProperties")
	closed := additional.Exists() && additional.Type == gjson.False

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		propSchema, ok := properties[name]
		if !ok {
			if closed {
				return fmt.Errorf("unknown property '%s'", join(path, name))
			}
			continue
		}
		v := fields[name]
		if v.Type == gjson.Null && !required[name] {
			continue // Explicit null for an optional property means "not set"
		}
		if err := checkValue(join(path, name), v, propSchema); err != nil {
			return err
		}
	}
	return nil
}

func matchesType(value gjson.Result, t gjson.Result) bool {
	types := []gjson.Result{t}
	if t.IsArray() {
		types = t.Array()
	}
	for _, typ := range types {
		var ok bool
		switch typ.String() {
		case "object":
			ok = value.IsObject()
		case "array":
			ok = value.IsArray()
		case "string":
			ok = value.Type == gjson.String
		case "number":
			ok = value.Type == gjson.Number
		case "integer":
			ok = value.Type == gjson.Number && value.Num == math.Trunc(value.Num)
		case "boolean":
			ok = value.IsBool()
		case "null":
			ok = value.Type == gjson.Null
		}
		if ok {
			return true
		}
	}
	return false
}

func typeNames(t gjson.Result) string {
	if !t.IsArray() {
		return t.String()
	}
	var names []string
	for _, typ := range t.Array() {
		names = append(names, typ.String())
	}
	return strings.Join(names, " or ")
}

func jsonType(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	default:
		if v.IsArray() {
			return "array"
		}
		return "object"
	}
}

func join(path string, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func describe(path string) string {
	if path == "" {
		return "arguments"
	}
	return fmt.Sprintf("property '%s'", path)
}

// SchemaFor derives an argument schema from T's struct tags. Fields without omitempty are required, and properties
// not declared by T are rejected
func SchemaFor[T any]() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	s := reflector.Reflect(&v)
	if s.Type != "object" {
		return nil, fmt.Errorf("%T is not a struct", v)
	}

	var properties any = map[string]any{}
	if s.Properties != nil && s.Properties.Len() > 0 {
		properties = s.Properties
	}
	return json.Marshal(struct {
		Type                 string   `json:"type"`
		Properties           any      `json:"properties"`
		Required             []string `json:"required,omitempty"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}{
		Type:       "object",
		Properties: properties,
		Required:   s.Required,
	})
}
