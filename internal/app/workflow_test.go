package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iago/erpnext-dispatch/internal/app"
	"github.com/iago/erpnext-dispatch/internal/config"
	"github.com/iago/erpnext-dispatch/internal/erpclient/erpnexttest"
	httpserver "github.com/iago/erpnext-dispatch/internal/http"
	"github.com/iago/erpnext-dispatch/internal/http/handlers"
	"github.com/iago/erpnext-dispatch/internal/queue"
	"github.com/iago/erpnext-dispatch/internal/repository"
	"github.com/iago/erpnext-dispatch/internal/service"
	"github.com/iago/erpnext-dispatch/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workflowRuntime struct {
	erp    *erpnexttest.Server
	server *httptest.Server
}

func startWorkflowRuntime(t *testing.T) workflowRuntime {
	t.Helper()

	erp := erpnexttest.NewServer(erpnexttest.Options{
		UnsupportedReports: []string{"Cash Flow"},
		RequiredToken:      "key-1234:secret-5678",
	})
	t.Cleanup(erp.Close)

	stack, err := app.NewStack(config.Config{
		ERPNextURL:       erp.URL,
		ERPNextAPIKey:    "key-1234",
		ERPNextAPISecret: "secret-5678",
		ERPNextTimeoutMS: 5000,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := repository.NewMemoryJobsRepository()
	local := queue.NewLocalQueue(64, 3, zerolog.Nop())
	jobs := service.NewJobsService(repo, local, stack.Dispatcher, service.JobsOptions{
		Redactor: stack.Redactor,
		Logger:   zerolog.Nop(),
	})
	processor := worker.NewProcessor(local, repo, stack.Dispatcher, worker.Options{
		DispatchTimeout: 5 * time.Second,
		Logger:          zerolog.Nop(),
	})
	go processor.Start(ctx)

	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(stack.Dispatcher, jobs, zerolog.Nop()),
		Logger:         zerolog.Nop(),
		AuthToken:      "host-token",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Context:        ctx,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return workflowRuntime{erp: erp, server: server}
}

func (rt workflowRuntime) call(t *testing.T, method, path string, payload any) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, rt.server.URL+path, body)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer host-token")
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	return response.StatusCode, decoded
}

func TestWorkflowCreateThenGetDocument(t *testing.T) {
	rt := startWorkflowRuntime(t)

	status, created := rt.call(t, http.MethodPost, "/v1/operations/create_customer", map[string]any{
		"customer_name": "Acme",
	})
	require.Equal(t, http.StatusOK, status, created)
	assert.Equal(t, "Customer created successfully", created["message"])
	data := created["data"].(map[string]any)
	name := data["name"].(string)
	assert.Equal(t, "Company", data["customer_type"])

	status, fetched := rt.call(t, http.MethodPost, "/v1/operations/get_customer", map[string]any{"customer": name})
	require.Equal(t, http.StatusOK, status, fetched)
	assert.Equal(t, "Acme", fetched["data"].(map[string]any)["customer_name"])
}

func TestWorkflowMissingDocumentIsRemoteError(t *testing.T) {
	rt := startWorkflowRuntime(t)

	status, body := rt.call(t, http.MethodPost, "/v1/operations/get_customer", map[string]any{"customer": "CUST-9999"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "REMOTE_ERROR", body["error_code"])
	assert.NotContains(t, body["message"], "Traceback")
}

func TestWorkflowReportPrimaryAndFallback(t *testing.T) {
	rt := startWorkflowRuntime(t)
	params := map[string]any{"company": "Acme", "from_date": "2025-01-01", "to_date": "2025-03-31"}

	status, balance := rt.call(t, http.MethodPost, "/v1/operations/get_balance_sheet", params)
	require.Equal(t, http.StatusOK, status, balance)
	result := balance["data"].(map[string]any)
	assert.Equal(t, "Balance Sheet", result["report_name"])
	assert.Equal(t, []any{"Account", "Total"}, result["columns"])
	assert.Zero(t, rt.erp.Calls.ReportView.Load())

	status, cash := rt.call(t, http.MethodPost, "/v1/operations/get_cash_flow_statement", params)
	require.Equal(t, http.StatusOK, status, cash)
	result = cash["data"].(map[string]any)
	assert.Equal(t, []any{"account", "credit", "debit", "posting_date"}, result["columns"])
	assert.Len(t, result["result"], 2)
	assert.Equal(t, int64(1), rt.erp.Calls.ReportView.Load())
}

func TestWorkflowAsyncJob(t *testing.T) {
	rt := startWorkflowRuntime(t)

	status, accepted := rt.call(t, http.MethodPost, "/v1/jobs", map[string]any{
		"operation": "create_supplier",
		"params":    map[string]any{"supplier_name": "Globex", "supplier_group": "Services"},
	})
	require.Equal(t, http.StatusAccepted, status, accepted)
	jobID := accepted["job_id"].(string)

	var job map[string]any
	require.Eventually(t, func() bool {
		_, job = rt.call(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
		return job["status"] == "done" || job["status"] == "failed"
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "done", job["status"], job)
	result := job["result"].(map[string]any)
	assert.Equal(t, true, result["success"])
}

func TestWorkflowAsyncJobFailureIsStored(t *testing.T) {
	rt := startWorkflowRuntime(t)

	status, accepted := rt.call(t, http.MethodPost, "/v1/jobs", map[string]any{
		"operation": "create_customer",
		"params":    map[string]any{},
	})
	require.Equal(t, http.StatusAccepted, status)
	jobID := accepted["job_id"].(string)

	var job map[string]any
	require.Eventually(t, func() bool {
		_, job = rt.call(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
		return job["status"] == "failed"
	}, 3*time.Second, 20*time.Millisecond)

	errorBody := job["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errorBody["code"])
	assert.Equal(t, "Missing required fields: customer_name", errorBody["message"])
	assert.Zero(t, rt.erp.Calls.Documents.Load())
}
