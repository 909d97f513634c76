package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/iago/erpnext-dispatch/internal/catalog"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/erpclient"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/policy"
	"github.com/iago/erpnext-dispatch/internal/report"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoClient struct {
	calls atomic.Int64
	err   error
	panic bool
}

func (c *echoClient) Execute(_ context.Context, kind domain.OperationKind, doctype string, params map[string]any) (any, error) {
	c.calls.Add(1)
	if c.panic {
		panic("boom")
	}
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"kind": string(kind), "doctype": doctype, "params": params}, nil
}

type reportBackend struct {
	calls   atomic.Int64
	payload map[string]any
	err     error
}

func (b *reportBackend) RunQueryReport(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
	b.calls.Add(1)
	return b.payload, b.err
}

func (b *reportBackend) ReportView(_ context.Context, _ string, _ erpclient.ListQuery, _ map[string]any) ([]map[string]any, error) {
	b.calls.Add(1)
	return nil, b.err
}

type fixture struct {
	dispatcher *Dispatcher
	client     *echoClient
	backend    *reportBackend
	catalog    *catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := catalog.Load()
	require.NoError(t, err)

	client := &echoClient{}
	backend := &reportBackend{payload: map[string]any{
		"result":  []any{map[string]any{"account": "Assets", "balance": float64(100000)}},
		"columns": []any{"Account", "Balance"},
	}}
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	return &fixture{
		dispatcher: New(Dependencies{
			Catalog:    c,
			Client:     client,
			Reports:    report.NewExecutor(backend, report.Options{Logger: logger}),
			Normalizer: failure.NewNormalizer(policy.NewRedactor("s3cr3t-key")),
			Logger:     logger,
		}),
		client:  client,
		backend: backend,
		catalog: c,
	}
}

func TestDispatchMissingParamsNeverCallsRemote(t *testing.T) {
	f := newFixture(t)

	for _, descriptor := range f.catalog.Operations() {
		fm, ok := f.catalog.Fields().Lookup(descriptor.Name)
		require.True(t, ok)

		defaults := map[string]bool{}
		for _, field := range fm.Fields {
			if field.Default != nil {
				defaults[field.Param] = true
			}
		}
		var missing []string
		for _, name := range fm.Required {
			if !defaults[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			continue
		}

		t.Run(descriptor.Name, func(t *testing.T) {
			envelope := f.dispatcher.Dispatch(context.Background(), descriptor.Name, map[string]any{})

			assert.False(t, envelope.Success)
			assert.Equal(t, domain.ErrorKindValidation, envelope.ErrorCode)
			assert.Contains(t, envelope.Message, "Missing required fields: ")
			for _, name := range missing {
				assert.Contains(t, envelope.Message, name)
			}
		})
	}

	assert.Zero(t, f.client.calls.Load())
	assert.Zero(t, f.backend.calls.Load())
}

func TestDispatchCreateSuccess(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Dispatch(context.Background(), "create_sales_invoice", map[string]any{
		"customer":     "Acme",
		"items":        []any{map[string]any{"item_code": "WIDGET", "qty": 2}},
		"invoice_date": "2025-01-15T10:00:00",
	})

	require.True(t, envelope.Success, envelope.Message)
	assert.Equal(t, "Sales invoice created successfully", envelope.Message)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, "Sales Invoice", data["doctype"])
	params := data["params"].(map[string]any)
	assert.Equal(t, "2025-01-15", params["posting_date"])
	assert.NotContains(t, params, "invoice_date")
}

func TestDispatchSuccessMessages(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		operation string
		params    map[string]any
		message   string
	}{
		{"get_customers_list", map[string]any{}, "Customer list retrieved successfully"},
		{"get_customer", map[string]any{"customer": "Acme"}, "Customer retrieved successfully"},
		{"update_task_status", map[string]any{"task": "TASK-1", "status": "Completed"}, "Task updated successfully"},
		{"approve_sales_invoice", map[string]any{"invoice_name": "SINV-1"}, "Sales invoice submitted successfully"},
		{"approve_sales_order", map[string]any{"order_name": "SO-1"}, "Sales order approved successfully"},
		{"close_issue", map[string]any{"issue": "ISS-1"}, "Issue closed successfully"},
		{"search_issues", map[string]any{"query": "printer"}, "Issue search list retrieved successfully"},
	}
	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			envelope := f.dispatcher.Dispatch(context.Background(), tt.operation, tt.params)
			require.True(t, envelope.Success, envelope.Message)
			assert.Equal(t, tt.message, envelope.Message)
		})
	}
}

func TestDispatchRawReportSkipsReportStrategy(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Dispatch(context.Background(), "execute_report", map[string]any{
		"report_name": "Stock Balance",
		"filters":     map[string]any{"warehouse": "Stores - AC"},
	})

	require.True(t, envelope.Success, envelope.Message)
	assert.Equal(t, "Report Stock Balance executed successfully", envelope.Message)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, string(domain.KindRunReport), data["kind"])
	assert.Equal(t, map[string]any{
		"report_name": "Stock Balance",
		"filters":     map[string]any{"warehouse": "Stores - AC"},
	}, data["params"])
	assert.Equal(t, int64(1), f.client.calls.Load())
	assert.Zero(t, f.backend.calls.Load())
}

func TestFailBuildsNormalizedEnvelope(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Fail(failure.Validation("Invalid job parameters: expected a JSON object", map[string]any{"job_id": "job-1"}))
	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrorKindValidation, envelope.ErrorCode)
	assert.Equal(t, "job-1", envelope.Details["job_id"])

	envelope = f.dispatcher.Fail(fmt.Errorf("encode job result: %w", fmt.Errorf("json: unsupported value: NaN")))
	assert.Equal(t, domain.ErrorKindUnknown, envelope.ErrorCode)
	assert.NotContains(t, envelope.Message, "NaN")
	assert.NotNil(t, envelope.Details)
}

func TestDispatchUnknownOperation(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Dispatch(context.Background(), "delete_everything", map[string]any{})

	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrorKindValidation, envelope.ErrorCode)
	assert.Equal(t, "Unsupported operation: delete_everything", envelope.Message)
	assert.Equal(t, f.catalog.Names(), envelope.Details["supported_operations"])
}

func TestDispatchReportRoundTrip(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Dispatch(context.Background(), "get_balance_sheet", map[string]any{
		"company":   "Acme",
		"from_date": "2025-01-01",
		"to_date":   "2025-01-31",
	})

	require.True(t, envelope.Success, envelope.Message)
	assert.Equal(t, "Balance Sheet retrieved successfully", envelope.Message)
	result := envelope.Data.(*domain.ReportResult)
	assert.Equal(t, "Acme", result.Company)
	assert.Equal(t, "2025-01-01", result.FromDate)
	assert.Equal(t, "2025-01-31", result.ToDate)
	assert.Equal(t, []string{"Account", "Balance"}, result.Columns)
}

func TestGenericReportMatchesDedicatedOperation(t *testing.T) {
	dedicated := map[string]string{
		"Balance Sheet":    "get_balance_sheet",
		"Profit and Loss":  "get_profit_and_loss",
		"Income Statement": "get_income_statement",
		"Cash Flow":        "get_cash_flow_statement",
		"Trial Balance":    "get_trial_balance",
		"General Ledger":   "get_general_ledger",
	}

	for reportType, operation := range dedicated {
		t.Run(reportType, func(t *testing.T) {
			f := newFixture(t)
			base := map[string]any{"company": "Acme", "from_date": "2025-01-01", "to_date": "2025-01-31"}

			viaOperation := f.dispatcher.Dispatch(context.Background(), operation, base)
			generic := map[string]any{"report_type": reportType}
			for key, value := range base {
				generic[key] = value
			}
			viaType := f.dispatcher.Dispatch(context.Background(), "get_financial_statements", generic)

			require.True(t, viaOperation.Success, viaOperation.Message)
			assert.Equal(t, viaOperation, viaType)
		})
	}
}

func TestDispatchInvalidReportType(t *testing.T) {
	f := newFixture(t)

	envelope := f.dispatcher.Dispatch(context.Background(), "get_financial_statements", map[string]any{
		"company":     "Acme",
		"report_type": "Invalid Report",
		"from_date":   "2025-01-01",
		"to_date":     "2025-01-31",
	})

	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrorKindValidation, envelope.ErrorCode)
	assert.Equal(t,
		"Unsupported report type: Invalid Report. Supported types: Balance Sheet, Profit and Loss, Cash Flow, Trial Balance, General Ledger",
		envelope.Message,
	)
	assert.Zero(t, f.backend.calls.Load())
}

func TestDispatchReportFailureCarriesDetails(t *testing.T) {
	f := newFixture(t)
	f.backend.err = &failure.RemoteError{Reason: failure.ReasonStatus, StatusCode: 500, Message: "Report crashed"}

	envelope := f.dispatcher.Dispatch(context.Background(), "get_general_ledger", map[string]any{
		"company":   "Acme",
		"from_date": "2025-01-01",
		"to_date":   "2025-01-31",
		"account":   "Cash",
	})

	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrorKindRemote, envelope.ErrorCode)
	assert.Equal(t, "General Ledger", envelope.Details["report_name"])
	assert.Equal(t, "Cash", envelope.Details["filters"].(map[string]any)["account"])
	assert.Contains(t, envelope.Details["primary_error"], "Report crashed")
	assert.Contains(t, envelope.Details, "fallback_error")
	assert.Equal(t, int64(2), f.backend.calls.Load())
}

func TestDispatchClassifiesRemoteFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"status", &failure.RemoteError{Reason: failure.ReasonStatus, StatusCode: 417}, domain.ErrorKindRemote},
		{"timeout", &failure.RemoteError{Reason: failure.ReasonTimeout, Err: context.DeadlineExceeded}, domain.ErrorKindNetwork},
		{"transport", &failure.RemoteError{Reason: failure.ReasonTransport}, domain.ErrorKindNetwork},
		{"unclassified", fmt.Errorf("something odd"), domain.ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.client.err = tt.err

			envelope := f.dispatcher.Dispatch(context.Background(), "get_customer", map[string]any{"customer": "Acme"})
			assert.False(t, envelope.Success)
			assert.Equal(t, tt.kind, envelope.ErrorCode)
			assert.NotNil(t, envelope.Details)
		})
	}
}

func TestDispatchRedactsSecretsInFailures(t *testing.T) {
	f := newFixture(t)
	f.client.err = &failure.RemoteError{Reason: failure.ReasonStatus, StatusCode: 401, Message: "bad key s3cr3t-key"}

	envelope := f.dispatcher.Dispatch(context.Background(), "get_customer", map[string]any{"customer": "Acme"})
	assert.NotContains(t, envelope.Message, "s3cr3t-key")
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.client.panic = true

	envelope := f.dispatcher.Dispatch(context.Background(), "get_customer", map[string]any{"customer": "Acme"})

	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrorKindUnknown, envelope.ErrorCode)
	assert.Equal(t, "Internal error while processing the operation", envelope.Message)
	assert.Equal(t, map[string]any{}, envelope.Details)
}

func TestConcurrentDispatchDoesNotLeak(t *testing.T) {
	f := newFixture(t)

	operations := []struct {
		name  string
		param string
	}{
		{"create_customer", "customer_name"},
		{"create_lead", "lead_name"},
		{"create_project", "project_name"},
		{"create_campaign", "campaign_name"},
		{"create_task", "subject"},
		{"create_warehouse", "warehouse_name"},
	}

	const calls = 60
	envelopes := make([]domain.Envelope, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := operations[i%len(operations)]
			envelopes[i] = f.dispatcher.Dispatch(context.Background(), op.name, map[string]any{
				op.param: fmt.Sprintf("value-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, envelope := range envelopes {
		op := operations[i%len(operations)]
		require.True(t, envelope.Success, envelope.Message)

		params := envelope.Data.(map[string]any)["params"].(map[string]any)
		assert.Equal(t, fmt.Sprintf("value-%d", i), params[op.param], op.name)
		for key, value := range params {
			if text, ok := value.(string); ok && key != op.param {
				assert.NotContains(t, text, "value-", "%s leaked %s", op.name, key)
			}
		}
	}
	assert.Equal(t, int64(calls), f.client.calls.Load())
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)

	descriptor, err := f.dispatcher.Describe("mark_attendance")
	require.NoError(t, err)
	assert.Equal(t, "Attendance", descriptor.DocType)

	_, err = f.dispatcher.Describe("nope")
	var validationErr *failure.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Len(t, f.dispatcher.Operations(), len(f.catalog.Names()))
}
