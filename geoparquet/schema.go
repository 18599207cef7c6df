package geoparquet

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/landbrugsdata/medallion/geo"
)

// Type is the logical type of an attribute column.
type Type int

const (
	String Type = iota
	Int64
	Float64
	Bool
	Timestamp
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Timestamp:
		return "timestamp"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Field is an attribute column.
type Field struct {
	Name string
	Type Type
}

// Schema lists the attribute columns. The geometry column is implicit.
type Schema []Field

// Index returns the position of name or -1.
func (s Schema) Index(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// TypeOf returns the column type of a property value. Nil values have no type.
func TypeOf(v any) (Type, bool) {
	switch v.(type) {
	case string:
		return String, true
	case int, int32, int64:
		return Int64, true
	case float32, float64:
		return Float64, true
	case bool:
		return Bool, true
	case time.Time:
		return Timestamp, true
	case nil:
		return 0, false
	}
	return String, true
}

// Widen returns a type both a and b convert to without loss of meaning.
func Widen(a, b Type) Type {
	if a == b {
		return a
	}
	if (a == Int64 && b == Float64) || (a == Float64 && b == Int64) {
		return Float64
	}
	return String
}

// Infer builds the schema of fs. Columns keep first-seen order; keys of one
// feature are visited in sorted order. Columns that only ever hold nil
// become strings.
func Infer(fs []geo.Feature) Schema {
	var (
		s     Schema
		typed = map[string]bool{}
	)

	for _, f := range fs {
		keys := make([]string, 0, len(f.Properties))
		for k := range f.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			i := s.Index(k)
			if i < 0 {
				s = append(s, Field{Name: k, Type: String})
				i = len(s) - 1
			}

			t, ok := TypeOf(f.Properties[k])
			if !ok {
				continue
			}
			if !typed[k] {
				s[i].Type = t
				typed[k] = true
				continue
			}
			s[i].Type = Widen(s[i].Type, t)
		}
	}

	return s
}

// Unify merges schemas. Fields keep first-seen order and conflicting types
// are widened.
func Unify(schemas ...Schema) Schema {
	var out Schema
	for _, s := range schemas {
		for _, f := range s {
			if i := out.Index(f.Name); i >= 0 {
				out[i].Type = Widen(out[i].Type, f.Type)
				continue
			}
			out = append(out, f)
		}
	}
	return out
}

// Conform returns features whose properties hold exactly the columns of s,
// converted to the column types. Missing values become nil.
func Conform(fs []geo.Feature, s Schema) []geo.Feature {
	out := make([]geo.Feature, len(fs))
	for i, f := range fs {
		props := make(map[string]any, len(s))
		for _, fld := range s {
			props[fld.Name] = Convert(f.Properties[fld.Name], fld.Type)
		}
		out[i] = geo.Feature{Properties: props, Geometry: f.Geometry}
	}
	return out
}

// Convert converts v to t. Values that cannot be represented become nil.
func Convert(v any, t Type) any {
	if v == nil {
		return nil
	}

	switch t {
	case String:
		return formatValue(v)
	case Int64:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		}
	case Float64:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		case float32:
			return float64(n)
		case float64:
			return n
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b
		}
	case Timestamp:
		if ts, ok := v.(time.Time); ok {
			return ts
		}
	}

	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
