package erpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
)

// Native parameter names with a fixed meaning for list calls. Anything else
// becomes a filter condition.
const (
	ParamName    = "name"
	ParamFields  = "fields"
	ParamFilters = "filters"
	ParamLimit   = "limit_page_length"
	ParamStart   = "limit_start"
	ParamOrderBy = "order_by"
	ParamReport  = "report_name"
	defaultLimit = 20
	maximumLimit = 500
)

type ListQuery struct {
	Fields  []string
	Filters map[string]any
	OrderBy string
	Limit   int
	Start   int
}

func (q ListQuery) values() (url.Values, error) {
	values := url.Values{}
	if len(q.Fields) > 0 {
		encoded, err := json.Marshal(q.Fields)
		if err != nil {
			return nil, failure.Validationf("fields are not serializable: %v", err)
		}
		values.Set("fields", string(encoded))
	}
	if len(q.Filters) > 0 {
		encoded, err := json.Marshal(q.Filters)
		if err != nil {
			return nil, failure.Validationf("filters are not serializable: %v", err)
		}
		values.Set("filters", string(encoded))
	}
	if q.OrderBy != "" {
		values.Set("order_by", q.OrderBy)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	values.Set("limit_page_length", strconv.Itoa(limit))
	if q.Start > 0 {
		values.Set("limit_start", strconv.Itoa(q.Start))
	}
	return values, nil
}

// ListQueryFromParams splits native list params into the list arguments and
// the equality or operator filters.
func ListQueryFromParams(params map[string]any) (ListQuery, error) {
	query := ListQuery{Filters: map[string]any{}}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := params[key]
		switch key {
		case ParamFields:
			fields, err := toStrings(value)
			if err != nil {
				return ListQuery{}, failure.Validationf("fields must be a list of field names")
			}
			query.Fields = fields
		case ParamFilters:
			filters, ok := value.(map[string]any)
			if !ok {
				return ListQuery{}, failure.Validationf("filters must be an object")
			}
			for name, condition := range filters {
				query.Filters[name] = condition
			}
		case ParamLimit:
			limit, err := toInt(value)
			if err != nil || limit < 0 {
				return ListQuery{}, failure.Validationf("limit must be a positive integer")
			}
			if limit > maximumLimit {
				limit = maximumLimit
			}
			query.Limit = limit
		case ParamStart:
			start, err := toInt(value)
			if err != nil || start < 0 {
				return ListQuery{}, failure.Validationf("start must be a positive integer")
			}
			query.Start = start
		case ParamOrderBy:
			orderBy, ok := value.(string)
			if !ok {
				return ListQuery{}, failure.Validationf("order_by must be a string")
			}
			query.OrderBy = orderBy
		default:
			query.Filters[key] = value
		}
	}
	return query, nil
}

// Execute runs one operation kind against doctype with already mapped native
// params and returns the decoded ERPNext payload.
func (c *Client) Execute(ctx context.Context, kind domain.OperationKind, doctype string, params map[string]any) (any, error) {
	switch kind {
	case domain.KindCreate:
		return c.CreateDocument(ctx, doctype, params)
	case domain.KindGet:
		name, _, err := splitName(kind, params)
		if err != nil {
			return nil, err
		}
		return c.GetDocument(ctx, doctype, name)
	case domain.KindUpdate:
		name, fields, err := splitName(kind, params)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, failure.Validationf("Nothing to update on %s %s", doctype, name)
		}
		return c.UpdateDocument(ctx, doctype, name, fields)
	case domain.KindSubmit:
		name, fields, err := splitName(kind, params)
		if err != nil {
			return nil, err
		}
		return c.SubmitDocument(ctx, doctype, name, fields)
	case domain.KindList:
		query, err := ListQueryFromParams(params)
		if err != nil {
			return nil, err
		}
		return c.ListDocuments(ctx, doctype, query)
	case domain.KindRunReport:
		reportName, _ := params[ParamReport].(string)
		if strings.TrimSpace(reportName) == "" {
			return nil, failure.MissingFields([]string{ParamReport})
		}
		filters := map[string]any{}
		if raw, present := params[ParamFilters]; present && raw != nil {
			typed, ok := raw.(map[string]any)
			if !ok {
				return nil, failure.Validationf("filters must be an object")
			}
			filters = typed
		}
		return c.RunQueryReport(ctx, strings.TrimSpace(reportName), filters)
	default:
		return nil, failure.Validationf("Unsupported operation kind: %s", kind)
	}
}

func splitName(kind domain.OperationKind, params map[string]any) (string, map[string]any, error) {
	name, _ := params[ParamName].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, failure.Validationf("A document name is required to %s", kind)
	}
	rest := make(map[string]any, len(params))
	for key, value := range params {
		if key == ParamName {
			continue
		}
		rest[key] = value
	}
	return name, rest, nil
}

func toStrings(value any) ([]string, error) {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...), nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %v is not a string", item)
			}
			out = append(out, text)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

func toInt(value any) (int, error) {
	switch typed := value.(type) {
	case int:
		return typed, nil
	case int64:
		return int(typed), nil
	case float64:
		if typed != math.Trunc(typed) || math.Abs(typed) > 1<<53 {
			return 0, fmt.Errorf("%v is not a whole number in range", typed)
		}
		return int(typed), nil
	case json.Number:
		return strconv.Atoi(typed.String())
	case string:
		return strconv.Atoi(strings.TrimSpace(typed))
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}
