package tools

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// schemaFor derives a JSON Schema object from the json, validate and desc tags
// of an argument struct.
func schemaFor(t reflect.Type) json.RawMessage {
	data, err := json.Marshal(objectSchema(t))
	if err != nil {
		panic("tools: cannot encode schema for " + t.String() + ": " + err.Error())
	}
	return data
}

func objectSchema(t reflect.Type) map[string]any {
	props := map[string]any{}
	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		prop := typeSchema(f.Type)
		if d := f.Tag.Get("desc"); d != "" {
			prop["description"] = d
		}
		rules := strings.Split(f.Tag.Get("validate"), ",")
		for _, rule := range rules {
			// Rules after dive apply to the elements.
			if rule == "dive" {
				break
			}
			applyRule(prop, rule)
			if rule == "required" {
				required = append(required, name)
			}
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func typeSchema(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": typeSchema(t.Elem())}
	case reflect.Struct:
		s := objectSchema(t)
		delete(s, "additionalProperties")
		return s
	default:
		return map[string]any{}
	}
}

// applyRule maps the validator rules that have a schema equivalent.
func applyRule(prop map[string]any, rule string) {
	key, val, _ := strings.Cut(rule, "=")
	numeric := prop["type"] == "integer" || prop["type"] == "number"
	switch key {
	case "oneof":
		prop["enum"] = strings.Fields(val)
	case "min", "gte":
		if n, err := strconv.Atoi(val); err == nil {
			switch {
			case numeric:
				prop["minimum"] = n
			case prop["type"] == "string":
				prop["minLength"] = n
			case prop["type"] == "array":
				prop["minItems"] = n
			}
		}
	case "max", "lte":
		if n, err := strconv.Atoi(val); err == nil {
			switch {
			case numeric:
				prop["maximum"] = n
			case prop["type"] == "string":
				prop["maxLength"] = n
			case prop["type"] == "array":
				prop["maxItems"] = n
			}
		}
	}
}
