package gguf

import (
	"fmt"
	"strings"
)

// GetString returns a string metadata value.
func (f *GGUFFile) GetString(key string) (string, error) {
	v, ok := f.KV[key]
	if !ok {
		return "", ErrMissingKey{Key: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("GGUF key %q is %T, not a string", key, v)
	}
	return s, nil
}

// GetUint returns any unsigned or non-negative integer metadata value.
func (f *GGUFFile) GetUint(key string) (uint64, error) {
	v, ok := f.KV[key]
	if !ok {
		return 0, ErrMissingKey{Key: key}
	}
	u, ok := toUint64(v)
	if !ok {
		return 0, fmt.Errorf("GGUF key %q is %T, not an unsigned integer", key, v)
	}
	return u, nil
}

// GetFloat returns any numeric metadata value as float64.
func (f *GGUFFile) GetFloat(key string) (float64, error) {
	v, ok := f.KV[key]
	if !ok {
		return 0, ErrMissingKey{Key: key}
	}
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	if u, ok := toUint64(v); ok {
		return float64(u), nil
	}
	return 0, fmt.Errorf("GGUF key %q is %T, not a number", key, v)
}

// Keys with a given prefix, in no particular order.
func (f *GGUFFile) Keys(prefix string) []string {
	var out []string
	for k := range f.KV {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int8:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	}
	return 0, false
}
