package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// normalizeQueryReport turns a query_report.run payload into rows and plain
// column labels. Rows given as lists are keyed by the column field names.
func normalizeQueryReport(payload map[string]any) ([]map[string]any, []string, error) {
	if payload == nil {
		return nil, nil, errors.New("empty report payload")
	}
	rawResult, ok := payload["result"]
	if !ok {
		return nil, nil, errors.New("report payload has no result")
	}

	var items []any
	switch typed := rawResult.(type) {
	case nil:
		items = nil
	case []any:
		items = typed
	default:
		return nil, nil, fmt.Errorf("report result is %T, not a list", rawResult)
	}

	var rawColumns []any
	if value, ok := payload["columns"]; ok && value != nil {
		list, ok := value.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("report columns are %T, not a list", value)
		}
		rawColumns = list
	}
	labels, fieldnames := normalizeColumns(rawColumns)

	rows := make([]map[string]any, 0, len(items))
	for index, item := range items {
		switch typed := item.(type) {
		case map[string]any:
			row := make(map[string]any, len(typed))
			for key, value := range typed {
				row[key] = value
			}
			rows = append(rows, row)
		case []any:
			row := make(map[string]any, len(typed))
			for i, value := range typed {
				if i >= len(fieldnames) {
					break
				}
				row[fieldnames[i]] = value
			}
			rows = append(rows, row)
		case nil:
			continue
		default:
			return nil, nil, fmt.Errorf("report row %d is %T", index, item)
		}
	}
	return rows, labels, nil
}

// normalizeColumns accepts column definition objects and legacy
// "Label:Type/Options:Width" strings.
func normalizeColumns(columns []any) ([]string, []string) {
	labels := make([]string, 0, len(columns))
	fieldnames := make([]string, 0, len(columns))
	for _, column := range columns {
		switch typed := column.(type) {
		case string:
			label := typed
			if index := strings.Index(typed, ":"); index >= 0 {
				label = typed[:index]
			}
			label = strings.TrimSpace(label)
			labels = append(labels, label)
			fieldnames = append(fieldnames, scrub(label))
		case map[string]any:
			label, _ := typed["label"].(string)
			fieldname, _ := typed["fieldname"].(string)
			if strings.TrimSpace(label) == "" {
				label = fieldname
			}
			if fieldname == "" {
				fieldname = scrub(label)
			}
			labels = append(labels, strings.TrimSpace(label))
			fieldnames = append(fieldnames, fieldname)
		}
	}
	return labels, fieldnames
}

// columnsFromFirstRow derives labels for list results, which carry no
// column metadata. Only the first row is consulted.
func columnsFromFirstRow(rows []map[string]any) []string {
	if len(rows) == 0 {
		return []string{}
	}
	columns := make([]string, 0, len(rows[0]))
	for key := range rows[0] {
		columns = append(columns, key)
	}
	sort.Strings(columns)
	return columns
}

// scrub mirrors Frappe's label to fieldname conversion.
func scrub(label string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(label), " ", "_"), "-", "_"))
}
