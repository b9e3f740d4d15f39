package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Document is one keyed record of a collection. Values are whatever
// encoding/json produces: string, bool, json.Number, []any, map[string]any.
type Document map[string]any

// Query is an identity: equality constraints on top-level fields. Its pairs
// are persisted as part of the document they identify.
type Query map[string]any

// Clone returns a deep copy of d in decoded form.
func (d Document) Clone() Document {
	b, err := canonical(d)
	if err != nil {
		return Document{}
	}
	c, err := decode(b)
	if err != nil {
		return Document{}
	}
	return c
}

// String returns d[key] when it is a string, "" otherwise.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Strings returns d[key] as a string slice, skipping non-string members.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Bool returns d[key] when it is a bool.
func (d Document) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Int returns d[key] as an int64 when it holds a whole number.
func (d Document) Int(key string) (int64, bool) {
	switch v := d[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), v == float64(int64(v))
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Keys returns the field names of d in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// canonical encodes v with sorted object keys and no HTML escaping. Two
// structurally equal documents always encode to the same bytes.
func canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decode(b []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

// normalize round-trips v through canonical JSON so that Go values set by
// callers (ints, slices, structs) compare equal to what a later read yields.
func normalize(v any) ([]byte, error) {
	b, err := canonical(v)
	if err != nil {
		return nil, err
	}
	d, err := decode(b)
	if err != nil {
		return nil, err
	}
	return canonical(d)
}

func fingerprint(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}

// Equal reports whether a and b hold the same content.
func Equal(a, b Document) bool {
	ab, err := normalize(a)
	if err != nil {
		return false
	}
	bb, err := normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
