package message

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Field is a single header field line.
type Field struct {
	Name  string
	Value string
}

var ErrMalformedField = errors.New("field line is malformed")

// ParseField parses a field line (without the line terminator).
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5
func ParseField(line []byte) (Field, error) {
	name, value, found := bytes.Cut(line, []byte{':'})
	if !found {
		return Field{}, ErrMalformedField
	}

	// No whitespace is allowed between the field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	if !IsValidToken(string(name)) {
		return Field{}, ErrMalformedField
	}

	value = bytes.Trim(value, " \t")

	return Field{Name: string(name), Value: string(value)}, nil
}

func (f Field) Text() []byte {
	b := make([]byte, 0, len(f.Name)+2+len(f.Value))
	b = append(b, f.Name...)
	b = append(b, ':', SP)
	b = append(b, f.Value...)
	return b
}

// Headers is an ordered header collection with case-insensitive lookup.
// Order is kept because the emission order of response headers is
// observable on the wire.
type Headers struct {
	fields []Field
}

func NewHeaders(fields []Field) Headers {
	clone := make([]Field, len(fields))
	for i, f := range fields {
		if IsValidToken(f.Name) {
			f.Name = CanonicalFieldName(f.Name)
		}
		clone[i] = f
	}
	return Headers{fields: clone}
}

func (h *Headers) Fields() []Field { return h.fields }

func (h *Headers) Get(name string) (value string, ok bool) {
	name = CanonicalFieldName(name)
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns the comma-splitted values of a list-valued field.
func (h *Headers) Values(name string) (values []string, ok bool) {
	name = CanonicalFieldName(name)
	for _, f := range h.fields {
		if f.Name != name {
			continue
		}
		ok = true
		for _, v := range strings.Split(f.Value, ",") {
			if v = strings.Trim(v, " \t"); v != "" {
				values = append(values, v)
			}
		}
	}
	return values, ok
}

// Contains reports whether the field contains value as one of its
// comma-separated members, compared case-insensitively.
func (h *Headers) Contains(name, value string) bool {
	values, ok := h.Values(name)
	if !ok {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func (h *Headers) Set(name, value string) {
	if IsValidToken(name) {
		name = CanonicalFieldName(name)
	}
	for i, f := range h.fields {
		if f.Name == name {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

func (h *Headers) Add(name, value string) {
	if IsValidToken(name) {
		name = CanonicalFieldName(name)
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

func (h *Headers) Del(name string) {
	name = CanonicalFieldName(name)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name != name {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

func (h *Headers) Len() int { return len(h.fields) }

// CanonicalFieldName uppercases the first letter of each dash-separated
// word. This only works for valid tokens.
func CanonicalFieldName(s string) string {
	const capitalDiff = 'a' - 'A'
	b := []byte(s)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			c -= capitalDiff
		} else if !upper && 'A' <= c && c <= 'Z' {
			c += capitalDiff
		}
		b[i] = c
		upper = c == '-'
	}
	return string(b)
}
