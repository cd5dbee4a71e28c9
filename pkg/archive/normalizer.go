package archive

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
)

const metersPerMile = 1609.34

// FieldError reports the field that caused a record to be discarded
type FieldError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %s=%v: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Normalizer turns raw archive records into canonical event fields
type Normalizer struct {
	aliases   map[string]string
	required  []string
	datetimes map[string]bool
	layout    string
	floats    map[string]bool
	ints      map[string]bool
	distances map[string]bool
	rules     []config.ObjectTypeRule
}

// NewNormalizer builds a normalizer from its field tables
func NewNormalizer(cfg config.NormalizerConfig) *Normalizer {
	aliases := make(map[string]string, len(cfg.HeaderAliases))
	for k, v := range cfg.HeaderAliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = v
	}

	layout := cfg.DatetimeLayout
	if layout == "" {
		layout = time.DateTime
	}

	return &Normalizer{
		aliases:   aliases,
		required:  cfg.RequiredFields,
		datetimes: toSet(cfg.DatetimeFields),
		layout:    layout,
		floats:    toSet(cfg.FloatFields),
		ints:      toSet(cfg.IntFields),
		distances: toSet(cfg.DistanceFields),
		rules:     cfg.ObjectTypes,
	}
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// Header canonicalizes a field name: trimmed, lower-cased, then aliased
func (n *Normalizer) Header(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := n.aliases[name]; ok {
		return alias
	}
	return name
}

// ObjectType returns the record type of a segment, matching rules in order
// against the key, case-insensitively
func (n *Normalizer) ObjectType(key string) (string, bool) {
	lower := strings.ToLower(key)
	for _, rule := range n.rules {
		if strings.Contains(lower, strings.ToLower(rule.Match)) {
			return rule.Type, true
		}
	}
	return "", false
}

// Record validates and converts a raw record in place. Required fields must be
// non-empty and datetime fields must parse; numeric fields are converted, with
// empty values read as zero.
func (n *Normalizer) Record(record map[string]interface{}) (map[string]interface{}, error) {
	for _, field := range n.required {
		s, _ := asString(record[field], n.layout)
		if s == "" {
			return nil, &FieldError{Field: field, Value: record[field], Err: fmt.Errorf("required field is empty")}
		}
	}

	for field, value := range record {
		s, ok := asString(value, n.layout)
		if !ok {
			continue
		}

		switch {
		case n.datetimes[field]:
			if s == "" {
				continue
			}
			if _, err := time.Parse(n.layout, s); err != nil {
				return nil, &FieldError{Field: field, Value: value, Err: err}
			}
			record[field] = s

		case n.distances[field]:
			if s == "" {
				record[field] = int64(0)
				continue
			}
			miles, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &FieldError{Field: field, Value: value, Err: err}
			}
			record[field] = int64(miles * metersPerMile)

		case n.floats[field]:
			if s == "" {
				record[field] = 0.0
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &FieldError{Field: field, Value: value, Err: err}
			}
			record[field] = f

		case n.ints[field]:
			if s == "" {
				record[field] = int64(0)
				continue
			}
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, &FieldError{Field: field, Value: value, Err: err}
			}
			record[field] = i

		default:
			if t, isTime := value.(time.Time); isTime {
				record[field] = t.UTC().Format(time.RFC3339Nano)
			}
		}
	}

	return record, nil
}

// Timestamp extracts the business timestamp from a normalized record.
// Datetime fields use the configured layout in UTC; other strings must be
// RFC3339; numbers are epoch milliseconds.
func (n *Normalizer) Timestamp(record map[string]interface{}, attribute string) (time.Time, error) {
	value, ok := record[attribute]
	if !ok || value == nil {
		return time.Time{}, &FieldError{Field: attribute, Err: fmt.Errorf("timestamp attribute missing")}
	}

	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		if n.datetimes[attribute] {
			if ts, err := time.ParseInLocation(n.layout, v, time.UTC); err == nil {
				return ts, nil
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC(), nil
		}
		ts, err := time.ParseInLocation(n.layout, v, time.UTC)
		if err != nil {
			return time.Time{}, &FieldError{Field: attribute, Value: value, Err: err}
		}
		return ts, nil
	}

	if s, ok := asString(value, n.layout); ok {
		ms, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
	}
	return time.Time{}, &FieldError{Field: attribute, Value: value, Err: fmt.Errorf("unsupported timestamp type %T", value)}
}

// asString renders scalar values for conversion. Composite values report false.
func asString(value interface{}, layout string) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	case time.Time:
		return v.UTC().Format(layout), true
	default:
		return "", false
	}
}
