package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// emailShape matches the local@domain.tld shape. It deliberately accepts
// anything with a local part, a domain and at least one dot-separated
// domain suffix; full RFC 5322 parsing is not the business of this API.
var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s.]+(\.[^@\s.]+)+$`)

// validUUID reports whether s is a canonical 36-character UUID string,
// 8-4-4-4-12 hexadecimal groups separated by hyphens. The braced and URN
// forms accepted by uuid.Parse are rejected on purpose: identifiers in
// request paths are always canonical.
func validUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func validEmail(s string) bool {
	return emailShape.MatchString(s)
}

func validLatitude(v float64) bool {
	return v >= -90 && v <= 90
}

func validLongitude(v float64) bool {
	return v >= -180 && v <= 180
}

// intParam parses an optional integer query parameter, falling back to
// fallback when the parameter is absent or empty.
func intParam(query url.Values, key string, fallback int) (int, error) {
	value := query.Get(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s': not an integer", key)
	}
	return n, nil
}

// floatParam parses a required float query parameter.
func floatParam(query url.Values, key string) (float64, error) {
	value := query.Get(key)
	if value == "" {
		return 0, fmt.Errorf("parameter '%s' is required", key)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s': not a number", key)
	}
	return f, nil
}

// scalar reports whether a decoded JSON payload value can be bound as a
// query parameter. Arrays and objects cannot.
func scalar(value interface{}) bool {
	switch value.(type) {
	case nil, string, float64, bool:
		return true
	}
	return false
}
