// Package value implements the wire value model for query results.
//
// Result rows are JSON trees decoded with json.Number so that numeric
// values keep their exact textual form end to end. A document stored with
// a value of 4e262 is returned as 4e262, not as whatever float64
// formatting would make of it.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Value is a single wire-level value: nil, bool, string, json.Number,
// []interface{} or map[string]interface{}.
type Value = interface{}

var ErrTrailingData = errors.New("trailing data after JSON value")

// Decode parses one JSON value, preserving numbers verbatim.
func Decode(data []byte) (Value, error) {
	return DecodeReader(bytes.NewReader(data))
}

// DecodeReader parses one JSON value from r, preserving numbers verbatim.
// Anything after the first value is an error.
func DecodeReader(r io.Reader) (Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var v Value
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, ErrTrailingData
	}
	return v, nil
}

// Encode serializes v back to JSON. json.Number marshals as its raw
// text, so Decode followed by Encode is byte-preserving for numbers.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// Field walks a dot path through nested objects. The second return is
// false when any step is missing or not an object; callers treat that as
// an absent attribute (null), matching how the query layer resolves
// projections.
func Field(v Value, path []string) (Value, bool) {
	cur := v
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone deep-copies a value tree. Rows handed to the result cache are
// cloned so later callers cannot mutate cached state.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		// scalars (nil, bool, string, json.Number) are immutable
		return v
	}
}
