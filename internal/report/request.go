package report

import (
	"reflect"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/fieldmap"
)

// Filter keys built from the common request fields.
const (
	FilterCompany       = "company"
	FilterFromDate      = "from_date"
	FilterToDate        = "to_date"
	FilterPeriodicity   = "periodicity"
	FilterFilterBasedOn = "filter_based_on"
)

// ValidateRequest checks the request invariants and returns a normalized
// copy: trimmed company, canonical dates and the definition's default
// periodicity when none was given.
func ValidateRequest(request domain.ReportRequest, definition *Definition) (domain.ReportRequest, error) {
	normalized := domain.ReportRequest{
		Company:     strings.TrimSpace(request.Company),
		FromDate:    strings.TrimSpace(request.FromDate),
		ToDate:      strings.TrimSpace(request.ToDate),
		Periodicity: domain.Periodicity(strings.TrimSpace(string(request.Periodicity))),
		Filters:     make(map[string]any, len(request.Filters)),
	}
	for key, value := range request.Filters {
		normalized.Filters[key] = value
	}

	missing := make([]string, 0, 3)
	if normalized.Company == "" {
		missing = append(missing, FilterCompany)
	}
	if normalized.FromDate == "" {
		missing = append(missing, FilterFromDate)
	}
	if normalized.ToDate == "" {
		missing = append(missing, FilterToDate)
	}
	if len(missing) > 0 {
		return domain.ReportRequest{}, failure.MissingFields(missing)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{FilterFromDate, &normalized.FromDate},
		{FilterToDate, &normalized.ToDate},
	} {
		date, err := fieldmap.NormalizeDate(*field.value)
		if err != nil {
			return domain.ReportRequest{}, failure.Validation(
				"Invalid value for field "+field.name+": "+*field.value,
				map[string]any{"field": field.name, "value": *field.value, "expected": "date (YYYY-MM-DD)"},
			)
		}
		*field.value = date
	}

	if normalized.FromDate > normalized.ToDate {
		return domain.ReportRequest{}, failure.Validation(
			"from_date must not be after to_date",
			map[string]any{FilterFromDate: normalized.FromDate, FilterToDate: normalized.ToDate},
		)
	}

	if normalized.Periodicity == "" && definition != nil {
		normalized.Periodicity = definition.DefaultPeriodicity
	}
	if normalized.Periodicity != "" && !normalized.Periodicity.Valid() {
		allowed := make([]string, 0, len(domain.Periodicities))
		for _, p := range domain.Periodicities {
			allowed = append(allowed, string(p))
		}
		return domain.ReportRequest{}, failure.Validation(
			"Invalid periodicity: "+string(normalized.Periodicity)+". Supported values: "+strings.Join(allowed, ", "),
			map[string]any{"periodicity": string(normalized.Periodicity), "supported_periodicities": allowed},
		)
	}
	return normalized, nil
}

// BuildFilters renders the query-report filter mapping. Dates and
// periodicity are always sent; optional filters only when they carry a value.
func BuildFilters(request domain.ReportRequest, definition *Definition) map[string]any {
	filters := map[string]any{
		FilterCompany:  request.Company,
		FilterFromDate: request.FromDate,
		FilterToDate:   request.ToDate,
	}
	if request.Periodicity != "" {
		filters[FilterPeriodicity] = string(request.Periodicity)
	}
	if definition != nil && definition.DateRangeFilter {
		filters[FilterFilterBasedOn] = "Date Range"
	}
	for key, value := range request.Filters {
		if _, reserved := filters[key]; reserved {
			continue
		}
		if isEmptyFilter(value) {
			continue
		}
		filters[key] = value
	}
	return filters
}

func isEmptyFilter(value any) bool {
	if value == nil {
		return true
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text) == ""
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Slice, reflect.Map:
		return reflected.Len() == 0
	default:
		return false
	}
}
