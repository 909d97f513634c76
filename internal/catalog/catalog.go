// Package catalog loads the business operation table: one descriptor and
// one field map per operation, read once at startup.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/fieldmap"
	"github.com/iago/erpnext-dispatch/internal/report"
	"gopkg.in/yaml.v3"
)

//go:embed operations.yaml
var embedded []byte

// ParamReportType is the business parameter naming the report for
// operations not pinned to one.
const ParamReportType = "report_type"

var reportRequired = []string{"company", "from_date", "to_date"}

// nativeReportName is the field a raw report operation must map its report
// name to.
const nativeReportName = "report_name"

type document struct {
	Version    int             `yaml:"version"`
	Operations []operationSpec `yaml:"operations"`
}

type operationSpec struct {
	Name        string      `yaml:"name"`
	Domain      string      `yaml:"domain"`
	DocType     string      `yaml:"doctype"`
	Kind        string      `yaml:"kind"`
	ReportType  string      `yaml:"report_type"`
	Raw         bool        `yaml:"raw"`
	Subject     string      `yaml:"subject"`
	Verb        string      `yaml:"verb"`
	Description string      `yaml:"description"`
	Unknown     string      `yaml:"unknown"`
	Required    []string    `yaml:"required"`
	Fields      []fieldSpec `yaml:"fields"`
}

type fieldSpec struct {
	Param     string `yaml:"param"`
	Native    string `yaml:"native"`
	Transform string `yaml:"transform"`
	Default   any    `yaml:"default"`
}

// Catalog is immutable once built and safe for concurrent readers.
type Catalog struct {
	version    int
	operations map[string]domain.OperationDescriptor
	names      []string
	fields     *fieldmap.Table
}

// Load parses the embedded operation table.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

// Parse builds a catalog from a YAML document and rejects it as a whole when
// any operation is inconsistent.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse operations: %w", err)
	}
	if doc.Version <= 0 {
		return nil, errors.New("operations: version must be positive")
	}
	if len(doc.Operations) == 0 {
		return nil, errors.New("operations: no operations declared")
	}

	c := &Catalog{
		version:    doc.Version,
		operations: make(map[string]domain.OperationDescriptor, len(doc.Operations)),
		names:      make([]string, 0, len(doc.Operations)),
	}

	maps := make([]fieldmap.FieldMap, 0, len(doc.Operations))
	var errs []error
	for _, entry := range doc.Operations {
		descriptor, fm, err := entry.build()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := c.operations[descriptor.Name]; exists {
			errs = append(errs, fmt.Errorf("operation %q declared twice", descriptor.Name))
			continue
		}
		c.operations[descriptor.Name] = descriptor
		c.names = append(c.names, descriptor.Name)
		maps = append(maps, fm)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	table, err := fieldmap.NewTable(doc.Version, maps...)
	if err != nil {
		return nil, fmt.Errorf("operations: %w", err)
	}
	c.fields = table
	sort.Strings(c.names)
	return c, nil
}

func (s operationSpec) build() (domain.OperationDescriptor, fieldmap.FieldMap, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return domain.OperationDescriptor{}, fieldmap.FieldMap{}, errors.New("operation without name")
	}

	kind := domain.OperationKind(s.Kind)
	if !kind.Valid() {
		return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: unknown kind %q", name, s.Kind)
	}

	fm := fieldmap.FieldMap{
		Name:     name,
		Fields:   make([]fieldmap.Field, 0, len(s.Fields)),
		Required: append([]string(nil), s.Required...),
		Unknown:  fieldmap.UnknownPolicy(s.Unknown),
	}
	declared := make(map[string]bool, len(s.Fields))
	for _, field := range s.Fields {
		fm.Fields = append(fm.Fields, fieldmap.Field{
			Param:     field.Param,
			Native:    field.Native,
			Transform: fieldmap.Transform(field.Transform),
			Default:   field.Default,
		})
		declared[field.Param] = true
	}

	descriptor := domain.OperationDescriptor{
		Name:        name,
		Domain:      s.Domain,
		DocType:     strings.TrimSpace(s.DocType),
		Kind:        kind,
		FieldMap:    name,
		ReportType:  strings.TrimSpace(s.ReportType),
		Raw:         s.Raw,
		Subject:     s.Subject,
		Verb:        strings.TrimSpace(s.Verb),
		Description: s.Description,
	}
	if descriptor.Raw && kind != domain.KindRunReport {
		return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: raw only applies to run_report", name)
	}

	if kind != domain.KindRunReport {
		if descriptor.DocType == "" {
			return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: doctype is required for %s", name, kind)
		}
		if descriptor.ReportType != "" {
			return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: report_type only applies to run_report", name)
		}
		if descriptor.Subject == "" {
			descriptor.Subject = descriptor.DocType
		}
		return descriptor, fm, nil
	}

	if descriptor.Raw {
		return rawReport(descriptor, fm)
	}

	if descriptor.ReportType != "" {
		if _, err := report.Resolve(descriptor.ReportType); err != nil {
			return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: %w", name, err)
		}
	} else if !declared[ParamReportType] {
		return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: report operations need report_type pinned or declared as a param", name)
	}
	required := make(map[string]bool, len(fm.Required))
	for _, param := range fm.Required {
		required[param] = true
	}
	for _, param := range reportRequired {
		if !required[param] {
			return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: report operations must require %s", name, param)
		}
	}
	return descriptor, fm, nil
}

func rawReport(descriptor domain.OperationDescriptor, fm fieldmap.FieldMap) (domain.OperationDescriptor, fieldmap.FieldMap, error) {
	if descriptor.ReportType != "" {
		return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: raw reports take the report name as a param, not report_type", descriptor.Name)
	}
	required := make(map[string]bool, len(fm.Required))
	for _, param := range fm.Required {
		required[param] = true
	}
	for _, field := range fm.Fields {
		if field.Native == nativeReportName && required[field.Param] {
			return descriptor, fm, nil
		}
	}
	return domain.OperationDescriptor{}, fieldmap.FieldMap{}, fmt.Errorf("operation %q: raw reports must require a param mapped to %s", descriptor.Name, nativeReportName)
}

func (c *Catalog) Version() int {
	return c.version
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (domain.OperationDescriptor, bool) {
	descriptor, ok := c.operations[name]
	return descriptor, ok
}

// Names lists every operation name in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Operations lists every descriptor sorted by name.
func (c *Catalog) Operations() []domain.OperationDescriptor {
	out := make([]domain.OperationDescriptor, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.operations[name])
	}
	return out
}

// Fields is the field map table keyed by operation name.
func (c *Catalog) Fields() *fieldmap.Table {
	return c.fields
}
