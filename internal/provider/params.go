package provider

import (
	"fmt"
	"strconv"
)

// StringKey reads a string-valued config key; missing or non-string yields "".
func StringKey(cfg map[string]any, key string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BoolKey reads a bool-valued config key with a default.
func BoolKey(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// IntKey reads an int-valued config key with a default. YAML decodes
// integers as int, but JSON round-trips hand us float64.
func IntKey(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// StringSliceKey reads a list of strings, tolerating []any elements.
func StringSliceKey(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// RequireString reads a mandatory string key.
func RequireString(cfg map[string]any, key string) (string, error) {
	s := StringKey(cfg, key)
	if s == "" {
		return "", fmt.Errorf("config key %q is required", key)
	}
	return s, nil
}
