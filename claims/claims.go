// Package claims holds verified token payloads.
//
// Providers disagree on claim names (GitLab issues "user_login" and
// "project_path", GitHub Actions issues "actor" and "repository"), so a Set
// exposes ordered-candidate accessors instead of a schema per provider.
package claims

import (
	"encoding/json"
	"slices"
	"strconv"
)

// Set is an immutable view over a token payload. The zero value is an empty
// set.
type Set struct {
	m map[string]any
}

// New deep-copies m into a Set. Later changes to m, including to nested
// arrays and objects, are not observed.
func New(m map[string]any) Set {
	return Set{m: cloneMap(m)}
}

// Has reports whether the claim is present, whatever its value.
func (s Set) Has(name string) bool {
	_, ok := s.m[name]
	return ok
}

// String returns the claim as a string. Numeric claims are formatted without
// exponent so numeric subject ids survive. Missing or non-scalar claims yield
// the empty string.
func (s Set) String(name string) string {
	switch v := s.m[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// FirstString returns the first non-empty value among names, in order.
func (s Set) FirstString(names ...string) string {
	for _, n := range names {
		if v := s.String(n); v != "" {
			return v
		}
	}
	return ""
}

func (s Set) Issuer() string  { return s.String("iss") }
func (s Set) Subject() string { return s.String("sub") }

// Raw returns a deep copy of the underlying payload.
func (s Set) Raw() map[string]any { return cloneMap(s.m) }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container types produced by JSON decoding. Scalars
// are immutable and returned as is.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(v)
	}
	return v
}

// Decode unmarshals the payload into ref via a JSON round trip.
func (s Set) Decode(ref any) error {
	b, err := json.Marshal(s.m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// MarshalJSON renders the payload as a JSON object.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.m)
}
