package tools

import (
	"fmt"
	"strconv"
)

// ValidateArgs checks extracted arguments against a tool's JSON schema and
// returns a coerced copy. Detectors working from XML dialects deliver every
// value as a string; coercion converts those to the schema's declared type
// (number, integer, boolean) so tools see properly typed arguments no matter
// which dialect the model used.
//
// Missing required keys and uncoercible values are errors. Keys the schema
// does not declare pass through untouched; models routinely add extras and
// rejecting them would fail otherwise-sound calls.
func ValidateArgs(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if schema == nil {
		return args, nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, key := range required {
			if _, present := args[key]; !present {
				return nil, fmt.Errorf("missing required argument %q", key)
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, k := range required {
			key, _ := k.(string)
			if _, present := args[key]; !present {
				return nil, fmt.Errorf("missing required argument %q", key)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	if properties == nil {
		return args, nil
	}

	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		propSchema, declared := properties[key].(map[string]interface{})
		if !declared {
			out[key] = value
			continue
		}
		coerced, err := coerceValue(propSchema, value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", key, err)
		}
		out[key] = coerced
	}
	return out, nil
}

// coerceValue converts value to the schema's declared type where a lossless
// conversion exists.
func coerceValue(propSchema map[string]interface{}, value interface{}) (interface{}, error) {
	wantType, _ := propSchema["type"].(string)
	if wantType == "" {
		return value, nil
	}

	switch wantType {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil

	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)

	case "integer":
		switch v := value.(type) {
		case int:
			return v, nil
		case float64:
			if v != float64(int(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", value)

	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)

	case "object":
		if m, ok := value.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected object, got %T", value)

	case "array":
		if a, ok := value.([]interface{}); ok {
			return a, nil
		}
		return nil, fmt.Errorf("expected array, got %T", value)
	}

	return value, nil
}
