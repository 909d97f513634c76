// Package report runs ERPNext financial reports with a query-report primary
// strategy and a general-ledger list fallback.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/erpnext-dispatch/internal/cache"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/erpclient"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/rs/zerolog"
)

const fallbackRowLimit = 5000

// Backend is the part of the ERPNext client the executor needs.
type Backend interface {
	RunQueryReport(ctx context.Context, reportName string, filters map[string]any) (map[string]any, error)
	ReportView(ctx context.Context, doctype string, query erpclient.ListQuery, extra map[string]any) ([]map[string]any, error)
}

type Options struct {
	// Cache is optional; nil disables result caching.
	Cache  *cache.ResultCache
	Logger zerolog.Logger
}

type Executor struct {
	backend  Backend
	cache    *cache.ResultCache
	log      zerolog.Logger
	attempts []attempt
}

type plan struct {
	request    domain.ReportRequest
	reportName string
	definition *Definition
	filters    map[string]any
}

// attempt is one strategy. applies decides, from the previous attempt's
// error, whether this one may run at all.
type attempt struct {
	name    string
	applies func(previous error) bool
	run     func(ctx context.Context, p plan) (*domain.ReportResult, error)
}

func NewExecutor(backend Backend, options Options) *Executor {
	e := &Executor{
		backend: backend,
		cache:   options.Cache,
		log:     options.Logger.With().Str("component", "report").Logger(),
	}
	e.attempts = []attempt{
		{name: "query_report", applies: always, run: e.runQueryReport},
		{name: "report_view", applies: FallbackEligible, run: e.runReportView},
	}
	return e
}

// FallbackEligible reports whether a failed primary attempt may be followed
// by the list fallback: only remote failures showing the report endpoint is
// unusable qualify.
func FallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *failure.ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var remoteErr *failure.RemoteError
	if !errors.As(err, &remoteErr) {
		return false
	}
	switch remoteErr.Reason {
	case failure.ReasonStatus, failure.ReasonUnsupported, failure.ReasonMalformed:
		return true
	default:
		return false
	}
}

func always(error) bool { return true }

// RunType resolves reportType and runs the matching report.
func (e *Executor) RunType(ctx context.Context, request domain.ReportRequest, reportType string) (*domain.ReportResult, error) {
	definition, err := Resolve(reportType)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, request, definition.ReportName)
}

// Run executes reportName. Request validation failures are returned as they
// are; remote failures of every attempted strategy come back as a
// *failure.ReportError.
func (e *Executor) Run(ctx context.Context, request domain.ReportRequest, reportName string) (*domain.ReportResult, error) {
	var definition *Definition
	if found, ok := ByReportName(reportName); ok {
		definition = &found
	}

	normalized, err := ValidateRequest(request, definition)
	if err != nil {
		return nil, err
	}

	p := plan{
		request:    normalized,
		reportName: reportName,
		definition: definition,
		filters:    BuildFilters(normalized, definition),
	}

	cacheKey := ""
	if e.cache != nil {
		cacheKey = e.cacheKey(p)
		if result, ok := e.fromCache(cacheKey); ok {
			return result, nil
		}
	}

	failures := make([]error, 0, len(e.attempts))
	var previous error
	for index, step := range e.attempts {
		if index > 0 && !step.applies(previous) {
			break
		}

		result, runErr := step.run(ctx, p)
		if runErr == nil {
			if index > 0 {
				e.log.Info().Str("report", reportName).Str("strategy", step.name).Msg("report served by fallback strategy")
			}
			e.store(cacheKey, result)
			return result, nil
		}

		var validationErr *failure.ValidationError
		if index == 0 && errors.As(runErr, &validationErr) {
			return nil, runErr
		}

		e.log.Warn().
			Str("report", reportName).
			Str("strategy", step.name).
			Err(runErr).
			Msg("report strategy failed")
		failures = append(failures, runErr)
		previous = runErr
	}

	return nil, newReportError(p, failures)
}

func (e *Executor) runQueryReport(ctx context.Context, p plan) (*domain.ReportResult, error) {
	payload, err := e.backend.RunQueryReport(ctx, p.reportName, cloneFilters(p.filters))
	if err != nil {
		return nil, err
	}

	rows, columns, err := normalizeQueryReport(payload)
	if err != nil {
		return nil, &failure.RemoteError{
			Endpoint: "/api/method/frappe.desk.query_report.run",
			Reason:   failure.ReasonMalformed,
			Message:  err.Error(),
		}
	}
	return p.result(rows, columns), nil
}

func (e *Executor) runReportView(ctx context.Context, p plan) (*domain.ReportResult, error) {
	if p.definition == nil {
		return nil, failure.Validation(
			fmt.Sprintf("Report %s is not supported without the query report endpoint", p.reportName),
			map[string]any{"report_name": p.reportName, "supported_types": SupportedTypes()},
		)
	}

	query, extra := fallbackQuery(p)
	rows, err := e.backend.ReportView(ctx, p.definition.BackingDocType, query, extra)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return p.result(rows, columnsFromFirstRow(rows)), nil
}

// fallbackQuery translates the report filters into list conditions on the
// backing document type. Dates and periodicity also travel verbatim as
// extra arguments.
func fallbackQuery(p plan) (erpclient.ListQuery, map[string]any) {
	definition := p.definition
	conditions := map[string]any{
		FilterCompany: p.request.Company,
		definition.DateField: []any{
			"between",
			[]any{p.request.FromDate, p.request.ToDate},
		},
	}
	for _, name := range definition.FallbackFilters {
		value, ok := p.filters[name]
		if !ok {
			continue
		}
		conditions[name] = value
	}

	extra := map[string]any{
		FilterFromDate: p.request.FromDate,
		FilterToDate:   p.request.ToDate,
	}
	if p.request.Periodicity != "" {
		extra[FilterPeriodicity] = string(p.request.Periodicity)
	}

	return erpclient.ListQuery{
		Fields:  append([]string(nil), definition.FallbackFields...),
		Filters: conditions,
		OrderBy: definition.DateField + " asc",
		Limit:   fallbackRowLimit,
	}, extra
}

func (p plan) result(rows []map[string]any, columns []string) *domain.ReportResult {
	return &domain.ReportResult{
		Result:     rows,
		Columns:    columns,
		ReportName: p.reportName,
		Company:    p.request.Company,
		FromDate:   p.request.FromDate,
		ToDate:     p.request.ToDate,
	}
}

func newReportError(p plan, failures []error) error {
	reportErr := &failure.ReportError{
		ReportName: p.reportName,
		Filters:    cloneFilters(p.filters),
	}
	if len(failures) > 0 {
		reportErr.Primary = failures[0]
	}
	if len(failures) > 1 {
		reportErr.Fallback = failures[1]
	}

	last := reportErr.Fallback
	if last == nil {
		last = reportErr.Primary
	}
	reportErr.Kind = failure.KindOf(last)
	return reportErr
}

func (e *Executor) cacheKey(p plan) string {
	encoded, err := json.Marshal(p.filters)
	if err != nil {
		return ""
	}
	return cache.Signature(p.reportName, string(encoded))
}

func (e *Executor) fromCache(key string) (*domain.ReportResult, bool) {
	if key == "" {
		return nil, false
	}
	raw, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	var result domain.ReportResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (e *Executor) store(key string, result *domain.ReportResult) {
	if e.cache == nil || key == "" {
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		e.log.Debug().Err(err).Msg("report result not cacheable")
		return
	}
	e.cache.Set(key, encoded)
}

func cloneFilters(filters map[string]any) map[string]any {
	cloned := make(map[string]any, len(filters))
	for key, value := range filters {
		cloned[key] = value
	}
	return cloned
}
