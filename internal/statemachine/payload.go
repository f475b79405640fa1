package statemachine

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"kfalifecycle/internal/sentinel"
)

// String returns a trimmed string value, "" when absent.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

// Float returns a numeric value. ok is false when the key is absent or null.
func (p Payload) Float(key string) (v float64, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		v, err = n.Float64()
		if err != nil {
			return 0, false, sentinel.Wrap(sentinel.ErrInvalidInput, err, "%s is not a number", key)
		}
	default:
		return 0, false, sentinel.New(sentinel.ErrInvalidInput, "%s is not a number", key)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, sentinel.New(sentinel.ErrInvalidInput, "%s is not a finite number", key)
	}
	return v, true, nil
}

// Int returns an integral numeric value.
func (p Payload) Int(key string) (int, bool, error) {
	v, ok, err := p.Float(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if v != math.Trunc(v) {
		return 0, false, sentinel.New(sentinel.ErrInvalidInput, "%s must be a whole number", key)
	}
	return int(v), true, nil
}

// Date parses a YYYY-MM-DD or RFC 3339 value.
func (p Payload) Date(key string) (time.Time, bool, error) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, sentinel.Wrap(sentinel.ErrInvalidInput, err, "%s is not a date", key)
	}
	return t, true, nil
}
