/*******************************************************************************
 * Copyright (c) 2025 Genome Research Ltd.
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package clickhouse

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// JSONProperty maps one record field to a JSON column path.
type JSONProperty struct {
	// Name is the host field name.
	Name string

	// Path is the dotted JSON path the field binds to.
	Path string

	// Nested marks fields whose own type is a registered record rather
	// than a scalar.
	Nested bool

	// Ignored fields take no part in encoding.
	Ignored bool
}

// jsonTag is the struct tag controlling the reflective walker: a path
// override, or "-" to ignore the field.
const jsonTag = "chjson"

// JSONRegistry validates host record types for use with JSON columns and
// exposes their property-to-path mappings. It is client-local; lifetime
// equals the client's.
type JSONRegistry struct {
	types sync.Map // reflect.Type -> []JSONProperty
}

// NewJSONRegistry returns an empty registry.
func NewJSONRegistry() *JSONRegistry {
	return &JSONRegistry{}
}

// Register walks the exported fields of the sample's struct type and stores
// its property mapping. Registration is idempotent; cycles and duplicate
// paths are rejected.
func (r *JSONRegistry) Register(sample any) error {
	t := baseStructType(reflect.TypeOf(sample))
	if t == nil {
		return configErrorf("JSON registration needs a struct, got %T", sample)
	}

	_, err := r.register(t, map[reflect.Type]struct{}{})

	return err
}

// RegisterMapping stores a caller-supplied property list for the sample's
// type, for callers that prefer explicit descriptors over reflection.
func (r *JSONRegistry) RegisterMapping(sample any, props []JSONProperty) error {
	t := baseStructType(reflect.TypeOf(sample))
	if t == nil {
		return configErrorf("JSON registration needs a struct, got %T", sample)
	}

	if err := validatePaths(props); err != nil {
		return err
	}

	r.types.LoadOrStore(t, props)

	return nil
}

// IsRegistered reports whether the sample's type has a stored mapping.
func (r *JSONRegistry) IsRegistered(sample any) bool {
	t := baseStructType(reflect.TypeOf(sample))
	if t == nil {
		return false
	}

	_, ok := r.types.Load(t)

	return ok
}

// Properties returns the stored mapping for the sample's type.
func (r *JSONRegistry) Properties(sample any) ([]JSONProperty, bool) {
	t := baseStructType(reflect.TypeOf(sample))
	if t == nil {
		return nil, false
	}

	props, ok := r.types.Load(t)
	if !ok {
		return nil, false
	}

	return props.([]JSONProperty), true
}

// register walks t's fields, carrying the in-progress set for cycle
// detection.
func (r *JSONRegistry) register(t reflect.Type, inProgress map[reflect.Type]struct{}) ([]JSONProperty, error) {
	if props, ok := r.types.Load(t); ok {
		return props.([]JSONProperty), nil
	}

	if _, cycling := inProgress[t]; cycling {
		return nil, configErrorf("type %s participates in a registration cycle", t)
	}

	inProgress[t] = struct{}{}
	defer delete(inProgress, t)

	props, err := r.walkFields(t, inProgress)
	if err != nil {
		return nil, err
	}

	if err := validatePaths(props); err != nil {
		return nil, err
	}

	stored, _ := r.types.LoadOrStore(t, props)

	return stored.([]JSONProperty), nil
}

func (r *JSONRegistry) walkFields(t reflect.Type, inProgress map[reflect.Type]struct{}) ([]JSONProperty, error) {
	props := make([]JSONProperty, 0, t.NumField())

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		prop := JSONProperty{Name: field.Name, Path: field.Name}

		switch tag := field.Tag.Get(jsonTag); tag {
		case "":
		case "-":
			prop.Ignored = true
		default:
			prop.Path = tag
		}

		if !prop.Ignored {
			if err := r.classifyField(&prop, field.Type, inProgress); err != nil {
				return nil, fmt.Errorf("%w (field %s.%s)", err, t, field.Name)
			}
		}

		props = append(props, prop)
	}

	return props, nil
}

// classifyField marks struct-typed fields as nested, registering them
// recursively, and requires everything else to map to a ClickHouse type.
func (r *JSONRegistry) classifyField(prop *JSONProperty, ft reflect.Type,
	inProgress map[reflect.Type]struct{}) error {
	if nested := baseStructType(ft); nested != nil && !isLeafType(nested) {
		prop.Nested = true

		_, err := r.register(nested, inProgress)

		return err
	}

	// Pointer fields are nullable views of their element type.
	for ft.Kind() == reflect.Ptr {
		ft = ft.Elem()
	}

	if _, err := rowbinary.Infer(reflect.Zero(ft).Interface()); err != nil {
		return configErrorf("field type %s does not map to a ClickHouse type", ft)
	}

	return nil
}

func validatePaths(props []JSONProperty) error {
	seen := make(map[string]string, len(props))

	for _, p := range props {
		if p.Ignored {
			continue
		}

		if p.Path == "" {
			return configErrorf("field %s has an empty JSON path", p.Name)
		}

		if other, dup := seen[p.Path]; dup {
			return configErrorf("fields %s and %s share the JSON path %q", other, p.Name, p.Path)
		}

		seen[p.Path] = p.Name
	}

	return nil
}

// baseStructType unwraps pointers down to a struct type, or returns nil.
func baseStructType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}

	return t
}

// isLeafType lists struct types that are scalar values, not nested records.
func isLeafType(t reflect.Type) bool {
	switch t.String() {
	case "time.Time", "uuid.UUID", "netip.Addr", "decimal.Decimal", "big.Int",
		"rowbinary.Date", "rowbinary.DateTime", "rowbinary.DateTime64",
		"rowbinary.Time", "rowbinary.Time64", "rowbinary.Decimal":
		return true
	default:
		return strings.HasPrefix(t.String(), "rowbinary.")
	}
}
