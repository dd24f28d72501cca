package modlife

import (
	"fmt"

	"github.com/butlerhq/substrate/pkg/config"
)

// validateConfig checks cfg against schema, rejecting unknown fields,
// missing required fields, and type mismatches. A nil schema means the
// module has no declared schema: cfg passes through unchanged.
func validateConfig(schema []FieldSchema, cfg config.ModuleConfig) (config.ModuleConfig, error) {
	if schema == nil {
		return cfg, nil
	}
	if cfg == nil {
		cfg = config.ModuleConfig{}
	}

	known := make(map[string]FieldSchema, len(schema))
	for _, f := range schema {
		known[f.Name] = f
	}

	for key := range cfg {
		if _, ok := known[key]; !ok {
			return nil, fmt.Errorf("%w: %s", config.ErrUnknownModuleField, key)
		}
	}

	for _, f := range schema {
		val, present := cfg[f.Name]
		if !present {
			if f.Required {
				return nil, fmt.Errorf("%w: %s", config.ErrMissingRequiredField, f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, val) {
			return nil, fmt.Errorf("%w: field %s expected %s", config.ErrInvalidValue, f.Name, f.Type)
		}
	}

	return cfg, nil
}

func typeMatches(t FieldType, val any) bool {
	switch t {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeInt:
		switch val.(type) {
		case int, int32, int64:
			return true
		default:
			return false
		}
	case TypeFloat:
		switch val.(type) {
		case float32, float64:
			return true
		default:
			return false
		}
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeMap:
		_, ok := val.(map[string]any)
		return ok
	case TypeList:
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
