// Package fieldmap translates business parameters into ERPNext document
// fields using explicit, versioned per-operation tables.
package fieldmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/failure"
)

// UnknownPolicy decides what happens to parameters a map does not declare.
type UnknownPolicy string

const (
	UnknownDrop        UnknownPolicy = "drop"
	UnknownPassthrough UnknownPolicy = "passthrough"
)

type Field struct {
	Param     string
	Native    string
	Transform Transform
	// Default is injected when the caller leaves the parameter absent.
	Default any
}

// FieldMap is the ordered translation table for one operation.
type FieldMap struct {
	Name     string
	Fields   []Field
	Required []string
	Unknown  UnknownPolicy
}

// Table holds every FieldMap for a catalog version. It is read-only after
// NewTable returns and safe for concurrent use.
type Table struct {
	version int
	maps    map[string]FieldMap
	names   []string
}

func NewTable(version int, maps ...FieldMap) (*Table, error) {
	table := &Table{
		version: version,
		maps:    make(map[string]FieldMap, len(maps)),
		names:   make([]string, 0, len(maps)),
	}

	var errs []error
	for _, fm := range maps {
		if err := fm.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := table.maps[fm.Name]; exists {
			errs = append(errs, fmt.Errorf("field map %q declared twice", fm.Name))
			continue
		}
		table.maps[fm.Name] = fm.clone()
		table.names = append(table.names, fm.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Strings(table.names)
	return table, nil
}

func (t *Table) Version() int {
	return t.version
}

func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

func (t *Table) Lookup(name string) (FieldMap, bool) {
	fm, ok := t.maps[name]
	if !ok {
		return FieldMap{}, false
	}
	return fm.clone(), true
}

// Map converts business params into native fields for operation. The input
// map is never modified and the result is always a fresh map.
func (t *Table) Map(operation string, params map[string]any) (map[string]any, error) {
	fm, ok := t.maps[operation]
	if !ok {
		return nil, failure.UnsupportedOperation(operation, t.names)
	}

	values := make(map[string]any, len(fm.Fields))
	for _, field := range fm.Fields {
		value, present := params[field.Param]
		if !present || isAbsent(value) {
			if field.Default == nil {
				continue
			}
			value = field.Default
		}
		values[field.Param] = value
	}

	missing := make([]string, 0)
	for _, name := range fm.Required {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, failure.MissingFields(missing)
	}

	native := make(map[string]any, len(params))
	for _, field := range fm.Fields {
		value, ok := values[field.Param]
		if !ok {
			continue
		}
		converted, err := field.Transform.apply(value)
		if err != nil {
			return nil, failure.Validation(
				fmt.Sprintf("Invalid value for field %s: %v (%v)", field.Param, describeValue(value), err),
				map[string]any{
					"field":    field.Param,
					"value":    value,
					"expected": field.Transform.expected(),
				},
			)
		}
		native[field.Native] = converted
	}

	if fm.Unknown != UnknownPassthrough {
		return native, nil
	}

	nativeNames := make(map[string]struct{}, len(fm.Fields))
	declared := make(map[string]struct{}, len(fm.Fields))
	for _, field := range fm.Fields {
		nativeNames[field.Native] = struct{}{}
		declared[field.Param] = struct{}{}
	}

	unknown := make([]string, 0)
	for key := range params {
		if _, ok := declared[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	for _, key := range unknown {
		if _, collides := nativeNames[key]; collides {
			return nil, failure.Validation(
				fmt.Sprintf("Parameter %s conflicts with a mapped field", key),
				map[string]any{"field": key},
			)
		}
		if isAbsent(params[key]) {
			continue
		}
		native[key] = params[key]
	}
	return native, nil
}

func (fm FieldMap) validate() error {
	if strings.TrimSpace(fm.Name) == "" {
		return errors.New("field map without name")
	}
	switch fm.Unknown {
	case "", UnknownDrop, UnknownPassthrough:
	default:
		return fmt.Errorf("field map %q: unknown policy %q", fm.Name, fm.Unknown)
	}

	params := make(map[string]struct{}, len(fm.Fields))
	natives := make(map[string]struct{}, len(fm.Fields))
	for _, field := range fm.Fields {
		if field.Param == "" || field.Native == "" {
			return fmt.Errorf("field map %q: field needs both param and native name", fm.Name)
		}
		if _, dup := params[field.Param]; dup {
			return fmt.Errorf("field map %q: param %q declared twice", fm.Name, field.Param)
		}
		if _, dup := natives[field.Native]; dup {
			return fmt.Errorf("field map %q: native field %q targeted twice", fm.Name, field.Native)
		}
		if !field.Transform.valid() {
			return fmt.Errorf("field map %q: unknown transform %q on %q", fm.Name, field.Transform, field.Param)
		}
		params[field.Param] = struct{}{}
		natives[field.Native] = struct{}{}
	}

	for _, name := range fm.Required {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("field map %q: required param %q is not declared", fm.Name, name)
		}
	}
	return nil
}

func (fm FieldMap) clone() FieldMap {
	clone := fm
	clone.Fields = append([]Field(nil), fm.Fields...)
	clone.Required = append([]string(nil), fm.Required...)
	if clone.Unknown == "" {
		clone.Unknown = UnknownDrop
	}
	return clone
}

func isAbsent(value any) bool {
	if value == nil {
		return true
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text) == ""
	}
	return false
}

func describeValue(value any) string {
	if text, ok := value.(string); ok {
		return fmt.Sprintf("%q", text)
	}
	return fmt.Sprintf("%v", value)
}
