package plugin

import (
	"fmt"
	"strconv"
	"time"
)

// Typed accessors over a merged plugin config map. Values decoded from JSON
// arrive as float64, strings are accepted wherever a number or bool fits.

func GetString(cfg map[string]any, key, def string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

func GetInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func GetBool(cfg map[string]any, key string, def bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetDuration accepts a Go duration string or a number of seconds.
func GetDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return def
}

// GetStringMap returns a nested string map, such as request headers.
func GetStringMap(cfg map[string]any, key string) map[string]string {
	out := make(map[string]string)
	switch v := cfg[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, s := range v {
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}
