package models

import (
	"encoding/json"
	"strconv"
)

// Record is a single decoded line protocol point.
// Tags and Fields keep the order in which they appeared on the line.
// A nil Timestamp means the line carried no usable timestamp.
type Record struct {
	Measurement string
	Tags        []Tag
	Fields      []Field
	Timestamp   *int64 // Raw integer as sent (nanoseconds by convention), never rescaled
}

// Tag is an untyped key/value pair from the measurement segment
type Tag struct {
	Key   string
	Value string
}

// Field is a typed key/value pair from the field set
type Field struct {
	Key   string
	Value Value
}

// IsEmpty reports whether r is the empty record returned for unusable input.
// A record decoded from a line always has non-nil Tags and Fields, so it is never empty.
func (r Record) IsEmpty() bool {
	return r.Measurement == "" && r.Tags == nil && r.Fields == nil && r.Timestamp == nil
}

// HasTimestamp reports whether the record carries a timestamp
func (r Record) HasTimestamp() bool {
	return r.Timestamp != nil
}

// Tag returns the value of the first tag named key
func (r Record) Tag(key string) (string, bool) {
	for _, t := range r.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Field returns the value of the first field named key
func (r Record) Field(key string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// AsMap returns the generic representation used by every output encoding:
//
//	{"measurement": "cpu", "tags": [{"host": "a"}], "fields": [{"value": 2}], "timestamp": 1}
//
// Each tag and field becomes a single-key object so order survives encoders that sort map keys.
// The empty record maps to an empty map and "timestamp" is left out when absent.
func (r Record) AsMap() map[string]interface{} {
	if r.IsEmpty() {
		return map[string]interface{}{}
	}

	tags := make([]map[string]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		tags = append(tags, map[string]string{t.Key: t.Value})
	}

	fields := make([]map[string]interface{}, 0, len(r.Fields))
	for _, f := range r.Fields {
		fields = append(fields, map[string]interface{}{f.Key: f.Value.Interface()})
	}

	out := map[string]interface{}{
		"measurement": r.Measurement,
		"tags":        tags,
		"fields":      fields,
	}
	if r.Timestamp != nil {
		out["timestamp"] = *r.Timestamp
	}
	return out
}

// MarshalJSON implements json.Marshaler using the AsMap shape
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.AsMap())
}

// Int64Ptr is a small helper for building records with a timestamp
func Int64Ptr(v int64) *int64 {
	return &v
}

// Kind identifies which scalar a Value holds
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a casted field value. The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

func IntegerValue(v int64) Value { return Value{kind: KindInteger, i: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func BooleanValue(v bool) Value { return Value{kind: KindBoolean, b: v} }
func StringValue(v string) Value { return Value{kind: KindString, s: v} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }
func (v Value) Int64() int64 { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Bool() bool { return v.b }
func (v Value) Text() string { return v.s }

// Interface returns the native Go value: int64, float64, bool, string, or nil when invalid
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindBoolean:
		return v.b
	case KindString:
		return v.s
	default:
		return nil
	}
}

// String renders the value for humans; strings are quoted
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "<invalid>"
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
