package contracts

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"
)

// TimestampLayout is the canonical wire timestamp format: UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// FormatTimestamp renders t as a UTC ISO-8601 string with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses the ISO-8601 forms accepted on the wire.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsISOTimestamp reports whether value is a string holding a parseable ISO-8601 timestamp.
func IsISOTimestamp(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	_, ok = ParseTimestamp(s)
	return ok
}

// toValue converts an arbitrary Go value into its decoded-JSON shape so that
// typed envelopes, raw bytes, and maps all go through the same checks.
func toValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any, []any, string, bool, float64:
		return v
	case json.RawMessage:
		return decodeBytes(v)
	case []byte:
		return decodeBytes(v)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	return decodeBytes(raw)
}

func decodeBytes(raw []byte) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return decoded
}

func asRecord(value any) (map[string]any, bool) {
	record, ok := value.(map[string]any)
	return record, ok && record != nil
}

func isRecord(value any) bool {
	_, ok := asRecord(value)
	return ok
}

func nonEmptyString(value any) bool {
	s, ok := value.(string)
	return ok && s != ""
}

// optional reports whether key is absent from record or passes check.
// A present null is treated as a supplied value.
func optional(record map[string]any, key string, check func(any) bool) bool {
	value, present := record[key]
	if !present {
		return true
	}
	return check(value)
}

func isString(value any) bool {
	_, ok := value.(string)
	return ok
}

func isBool(value any) bool {
	_, ok := value.(bool)
	return ok
}

func isPositiveInteger(value any) bool {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		return v > 0
	case int64:
		return v > 0
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return false
		}
		f = n
	default:
		return false
	}
	return !math.IsInf(f, 0) && f == math.Trunc(f) && f > 0
}

func isStringRecord(value any) bool {
	record, ok := asRecord(value)
	if !ok {
		return false
	}
	for _, entry := range record {
		if !isString(entry) {
			return false
		}
	}
	return true
}

func oneOf(value any, allowed ...string) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if s == candidate {
			return true
		}
	}
	return false
}

// AsRecord returns value in decoded-JSON object form. Structs, raw JSON and
// maps are accepted; anything that does not encode to an object is rejected.
func AsRecord(value any) (map[string]any, bool) {
	return asRecord(toValue(value))
}

// AsPolicyDecisionTrace returns value as a trace when it is a valid
// PolicyDecisionTraceV1 in any accepted representation.
func AsPolicyDecisionTrace(value any) (PolicyDecisionTraceV1, bool) {
	switch v := value.(type) {
	case PolicyDecisionTraceV1:
		return v, IsPolicyDecisionTraceV1(v)
	case *PolicyDecisionTraceV1:
		if v == nil {
			return PolicyDecisionTraceV1{}, false
		}
		return *v, IsPolicyDecisionTraceV1(v)
	}

	normalized := toValue(value)
	if !IsPolicyDecisionTraceV1(normalized) {
		return PolicyDecisionTraceV1{}, false
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return PolicyDecisionTraceV1{}, false
	}
	var trace PolicyDecisionTraceV1
	if err := json.Unmarshal(raw, &trace); err != nil {
		return PolicyDecisionTraceV1{}, false
	}
	return trace, true
}
