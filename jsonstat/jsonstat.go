// Package jsonstat flattens JSON-stat 1.x datasets as served by the
// Statistics Denmark StatBank API.
package jsonstat

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ErrInvalid is returned for documents that are not JSON-stat datasets.
var ErrInvalid = errors.New("invalid JSON-stat document")

// ValueColumn is the conventional name of the value column.
const ValueColumn = "INDHOLD"

// Dimension is one axis of the cube with its categories in index order.
type Dimension struct {
	ID     string
	Keys   []string
	Labels []string
}

// Row is one cell of the cube. Labels follow the order of Table.Dimensions.
type Row struct {
	Labels []string
	Value  *float64
}

// Table is a flattened cube.
type Table struct {
	Dimensions []Dimension
	Rows       []Row
}

// Column returns the position of the dimension id or -1.
func (t *Table) Column(id string) int {
	for i, d := range t.Dimensions {
		if d.ID == id {
			return i
		}
	}
	return -1
}

type document struct {
	Dataset *struct {
		Dimension map[string]json.RawMessage `json:"dimension"`
		Value     []json.RawMessage          `json:"value"`
	} `json:"dataset"`
}

type category struct {
	Index json.RawMessage   `json:"index"`
	Label map[string]string `json:"label"`
}

type dimension struct {
	Category *category `json:"category"`
}

// Flatten decodes a JSON-stat document into rows. Cells are laid out
// row-major with the last dimension varying fastest. Values beyond the end
// of the value array are not emitted.
func Flatten(b []byte) (*Table, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.Dataset == nil {
		return nil, xerrors.Errorf("%w: missing dataset", ErrInvalid)
	}
	if doc.Dataset.Dimension == nil || doc.Dataset.Value == nil {
		return nil, xerrors.Errorf("%w: missing dimension or value", ErrInvalid)
	}

	var ids []string
	if raw, ok := doc.Dataset.Dimension["id"]; ok {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, xerrors.Errorf("%w: dimension id: %v", ErrInvalid, err)
		}
	}
	if len(ids) == 0 {
		return nil, xerrors.Errorf("%w: missing dimension id", ErrInvalid)
	}

	t := &Table{}
	total := 1
	for _, id := range ids {
		raw, ok := doc.Dataset.Dimension[id]
		if !ok {
			continue
		}
		d, err := decodeDimension(id, raw)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		t.Dimensions = append(t.Dimensions, *d)
		total *= len(d.Keys)
	}

	if total > len(doc.Dataset.Value) {
		total = len(doc.Dataset.Value)
	}

	t.Rows = make([]Row, 0, total)
	for i := 0; i < total; i++ {
		labels := make([]string, len(t.Dimensions))
		rest := i
		for j := len(t.Dimensions) - 1; j >= 0; j-- {
			d := t.Dimensions[j]
			labels[j] = d.Labels[rest%len(d.Keys)]
			rest /= len(d.Keys)
		}

		v, err := value(doc.Dataset.Value[i])
		if err != nil {
			return nil, xerrors.Errorf("%w: value %d: %v", ErrInvalid, i, err)
		}
		t.Rows = append(t.Rows, Row{Labels: labels, Value: v})
	}

	return t, nil
}

func decodeDimension(id string, raw json.RawMessage) (*Dimension, error) {
	var d dimension
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, xerrors.Errorf("%w: dimension %s: %v", ErrInvalid, id, err)
	}
	if d.Category == nil || d.Category.Label == nil {
		return nil, nil
	}

	keys, err := indexKeys(d.Category.Index)
	if err != nil {
		return nil, xerrors.Errorf("%w: dimension %s: %v", ErrInvalid, id, err)
	}
	if keys == nil {
		// A single category may omit the index.
		for k := range d.Category.Label {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	out := &Dimension{ID: id, Keys: keys, Labels: make([]string, len(keys))}
	for i, k := range keys {
		if l, ok := d.Category.Label[k]; ok {
			out.Labels[i] = l
		} else {
			out.Labels[i] = k
		}
	}

	return out, nil
}

// indexKeys returns category keys in index order. The index is either an
// array of keys or an object of key to position.
func indexKeys(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, err
		}
		return keys, nil
	}

	var pos map[string]int
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(pos))
	for k := range pos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return pos[keys[i]] < pos[keys[j]] })

	return keys, nil
}

func value(raw json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, err
		}
		// StatBank marks confidential or missing cells with dots.
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return nil, nil
		}
		return &f, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
