package report

import (
	"fmt"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
)

// Definition describes one supported report and how to rebuild it from the
// general ledger when the query-report endpoint cannot be used.
type Definition struct {
	Type               string
	ReportName         string
	Aliases            []string
	BackingDocType     string
	DefaultPeriodicity domain.Periodicity
	// DateRangeFilter adds filter_based_on=Date Range, which the financial
	// statements need to honour from_date/to_date.
	DateRangeFilter bool
	DateField       string
	FallbackFields  []string
	// FallbackFilters are the optional filters that exist as fields on the
	// backing document type.
	FallbackFilters []string
}

var glEntryFields = []string{
	"posting_date",
	"account",
	"party_type",
	"party",
	"debit",
	"credit",
	"voucher_type",
	"voucher_no",
	"cost_center",
	"remarks",
}

var glEntryFilters = []string{
	"account",
	"party_type",
	"party",
	"cost_center",
	"project",
	"voucher_no",
	"finance_book",
}

var definitions = []Definition{
	{
		Type:               "Balance Sheet",
		ReportName:         "Balance Sheet",
		BackingDocType:     "GL Entry",
		DefaultPeriodicity: domain.PeriodicityMonthly,
		DateRangeFilter:    true,
		DateField:          "posting_date",
		FallbackFields:     glEntryFields,
		FallbackFilters:    glEntryFilters,
	},
	{
		Type:               "Profit and Loss",
		ReportName:         "Profit and Loss Statement",
		Aliases:            []string{"Income Statement", "Profit and Loss Statement"},
		BackingDocType:     "GL Entry",
		DefaultPeriodicity: domain.PeriodicityMonthly,
		DateRangeFilter:    true,
		DateField:          "posting_date",
		FallbackFields:     glEntryFields,
		FallbackFilters:    glEntryFilters,
	},
	{
		Type:               "Cash Flow",
		ReportName:         "Cash Flow",
		Aliases:            []string{"Cash Flow Statement"},
		BackingDocType:     "GL Entry",
		DefaultPeriodicity: domain.PeriodicityMonthly,
		DateRangeFilter:    true,
		DateField:          "posting_date",
		FallbackFields:     glEntryFields,
		FallbackFilters:    glEntryFilters,
	},
	{
		Type:               "Trial Balance",
		ReportName:         "Trial Balance",
		BackingDocType:     "GL Entry",
		DefaultPeriodicity: domain.PeriodicityMonthly,
		DateField:          "posting_date",
		FallbackFields:     glEntryFields,
		FallbackFilters:    glEntryFilters,
	},
	{
		Type:            "General Ledger",
		ReportName:      "General Ledger",
		BackingDocType:  "GL Entry",
		DateField:       "posting_date",
		FallbackFields:  glEntryFields,
		FallbackFilters: glEntryFilters,
	},
}

// SupportedTypes lists the canonical report types in their fixed order.
func SupportedTypes() []string {
	types := make([]string, 0, len(definitions))
	for _, definition := range definitions {
		types = append(types, definition.Type)
	}
	return types
}

// Resolve maps a report_type to its definition by exact match on the
// canonical type or one of its aliases.
func Resolve(reportType string) (Definition, error) {
	trimmed := strings.TrimSpace(reportType)
	for _, definition := range definitions {
		if trimmed == definition.Type {
			return definition.clone(), nil
		}
		for _, alias := range definition.Aliases {
			if trimmed == alias {
				return definition.clone(), nil
			}
		}
	}

	supported := SupportedTypes()
	return Definition{}, failure.Validation(
		fmt.Sprintf("Unsupported report type: %s. Supported types: %s", reportType, strings.Join(supported, ", ")),
		map[string]any{
			"report_type":     reportType,
			"supported_types": supported,
		},
	)
}

// ByReportName finds the definition whose ERPNext report name is name.
func ByReportName(name string) (Definition, bool) {
	for _, definition := range definitions {
		if definition.ReportName == name {
			return definition.clone(), true
		}
	}
	return Definition{}, false
}

func (d Definition) clone() Definition {
	clone := d
	clone.Aliases = append([]string(nil), d.Aliases...)
	clone.FallbackFields = append([]string(nil), d.FallbackFields...)
	clone.FallbackFilters = append([]string(nil), d.FallbackFilters...)
	return clone
}
