package dispatch

import (
	"fmt"

	"github.com/iago/erpnext-dispatch/internal/domain"
)

const (
	paramReportType = "report_type"
	paramReportName = "report_name"
)

var reportFields = map[string]bool{
	"company":       true,
	"from_date":     true,
	"to_date":       true,
	"periodicity":   true,
	paramReportType: true,
}

// reportRequest splits mapped report params into the common request fields
// and the report-specific filters. A pinned report type wins over a
// caller-supplied one.
func reportRequest(descriptor domain.OperationDescriptor, native map[string]any) (string, domain.ReportRequest) {
	request := domain.ReportRequest{
		Company:     text(native["company"]),
		FromDate:    text(native["from_date"]),
		ToDate:      text(native["to_date"]),
		Periodicity: domain.Periodicity(text(native["periodicity"])),
		Filters:     make(map[string]any),
	}
	for key, value := range native {
		if reportFields[key] {
			continue
		}
		request.Filters[key] = value
	}

	reportType := descriptor.ReportType
	if reportType == "" {
		reportType = text(native[paramReportType])
	}
	return reportType, request
}

func text(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}
