// Package typeutil converts loosely typed values, such as decoded JSON or
// YAML maps, into concrete Go types without panicking.
package typeutil

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeInt converts value to int. Float values (JSON numbers) are truncated.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeFloat64 converts value to float64. Int types are widened.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// SafeStringSlice converts value to []string. A []any is accepted only if
// every element is a string.
func SafeStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	default:
		return nil, false
	}
}

// =============================================================================
// MAP SETTERS
// =============================================================================
//
// Each setter overwrites *dst with m[key] when the key is present and
// converts; otherwise *dst is left unchanged.

func SetInt(m map[string]any, key string, dst *int) {
	if v, ok := SafeInt(m[key]); ok {
		*dst = v
	}
}

func SetFloat64(m map[string]any, key string, dst *float64) {
	if v, ok := SafeFloat64(m[key]); ok {
		*dst = v
	}
}

func SetString(m map[string]any, key string, dst *string) {
	if v, ok := SafeString(m[key]); ok {
		*dst = v
	}
}

func SetBool(m map[string]any, key string, dst *bool) {
	if v, ok := SafeBool(m[key]); ok {
		*dst = v
	}
}

func SetStringSlice(m map[string]any, key string, dst *[]string) {
	if v, ok := SafeStringSlice(m[key]); ok {
		*dst = v
	}
}
