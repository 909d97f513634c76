package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	callcontext "github.com/iago/erpnext-dispatch/internal/context"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/http/handlers"
	"github.com/iago/erpnext-dispatch/internal/queue"
	"github.com/iago/erpnext-dispatch/internal/repository"
	"github.com/iago/erpnext-dispatch/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	mu        sync.Mutex
	envelopes map[string]domain.Envelope
	params    map[string]any
	requestID string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, name string, params map[string]any) domain.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
	d.requestID = callcontext.RequestID(ctx)
	envelope, ok := d.envelopes[name]
	if !ok {
		return domain.Envelope{ErrorCode: domain.ErrorKindValidation, Message: "Unsupported operation: " + name, Details: map[string]any{}}
	}
	return envelope
}

func (d *stubDispatcher) Operations() []domain.OperationDescriptor {
	return []domain.OperationDescriptor{
		{Name: "create_customer", Domain: "sales", DocType: "Customer", Kind: domain.KindCreate, FieldMap: "create_customer"},
	}
}

func (d *stubDispatcher) Describe(name string) (domain.OperationDescriptor, error) {
	for _, descriptor := range d.Operations() {
		if descriptor.Name == name {
			return descriptor, nil
		}
	}
	return domain.OperationDescriptor{}, failure.UnsupportedOperation(name, []string{"create_customer"})
}

type testServer struct {
	handler    http.Handler
	dispatcher *stubDispatcher
	repo       *repository.MemoryJobsRepository
	queue      *queue.LocalQueue
}

func newTestServer(t *testing.T, token string) testServer {
	t.Helper()
	dispatcher := &stubDispatcher{envelopes: map[string]domain.Envelope{
		"create_customer": {Success: true, Message: "Customer created successfully", Data: map[string]any{"name": "CUST-0001"}},
		"get_balance_sheet": {
			ErrorCode: domain.ErrorKindRemote,
			Message:   "Failed to retrieve Balance Sheet",
			Details:   map[string]any{"report_name": "Balance Sheet"},
		},
		"get_trial_balance": {ErrorCode: domain.ErrorKindNetwork, Message: "timed out", Details: map[string]any{}},
		"get_general_ledger": {ErrorCode: domain.ErrorKindUnknown, Message: "An unexpected error occurred", Details: map[string]any{}},
	}}
	repo := repository.NewMemoryJobsRepository()
	local := queue.NewLocalQueue(8, 3, zerolog.Nop())
	jobs := service.NewJobsService(repo, local, dispatcher, service.JobsOptions{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := NewRouter(RouterDependencies{
		API:            handlers.NewAPI(dispatcher, jobs, zerolog.Nop()),
		Logger:         zerolog.Nop(),
		AuthToken:      token,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Context:        ctx,
	})
	return testServer{handler: handler, dispatcher: dispatcher, repo: repo, queue: local}
}

func (s testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, "secret-token")
	recorder := server.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decodeBody(t, recorder)["status"])
}

func TestOperationsRequireAuth(t *testing.T) {
	server := newTestServer(t, "secret-token")

	recorder := server.do(t, http.MethodGet, "/v1/operations", "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = server.do(t, http.MethodGet, "/v1/operations", "", "Authorization", "Bearer secret-token")
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, float64(1), body["total"])
}

func TestDispatchOperationStatusMapping(t *testing.T) {
	server := newTestServer(t, "")

	cases := []struct {
		operation string
		status    int
		success   bool
	}{
		{operation: "create_customer", status: http.StatusOK, success: true},
		{operation: "unknown_op", status: http.StatusUnprocessableEntity},
		{operation: "get_balance_sheet", status: http.StatusBadGateway},
		{operation: "get_trial_balance", status: http.StatusGatewayTimeout},
		{operation: "get_general_ledger", status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.operation, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/v1/operations/"+tc.operation, `{"customer_name":"Acme"}`)
			assert.Equal(t, tc.status, recorder.Code)
			body := decodeBody(t, recorder)
			assert.Equal(t, tc.success, body["success"])
			if !tc.success {
				assert.Contains(t, body, "details")
				assert.Contains(t, body, "error_code")
			}
		})
	}
}

func TestDispatchOperationPassesParamsAndRequestID(t *testing.T) {
	server := newTestServer(t, "")

	recorder := server.do(t, http.MethodPost, "/v1/operations/create_customer", `{"customer_name":"Acme","credit_limit":1500}`, "X-Request-Id", "req-42")
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, "req-42", server.dispatcher.requestID)
	assert.Equal(t, "Acme", server.dispatcher.params["customer_name"])
	assert.Equal(t, json.Number("1500"), server.dispatcher.params["credit_limit"])
}

func TestDispatchOperationEmptyBody(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodPost, "/v1/operations/create_customer", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestDispatchOperationRejectsNonObjectBody(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodPost, "/v1/operations/create_customer", `["a"]`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestJobLifecycle(t *testing.T) {
	server := newTestServer(t, "")

	recorder := server.do(t, http.MethodPost, "/v1/jobs", `{"operation":"create_customer","params":{"customer_name":"Acme"}}`)
	require.Equal(t, http.StatusAccepted, recorder.Code)
	accepted := decodeBody(t, recorder)
	jobID, _ := accepted["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/v1/jobs/"+jobID, accepted["status_url"])

	recorder = server.do(t, http.MethodGet, "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	status := decodeBody(t, recorder)
	assert.Equal(t, "pending", status["status"])
	assert.Equal(t, "create_customer", status["operation"])

	recorder = server.do(t, http.MethodGet, "/v1/jobs?operation=create_customer", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), decodeBody(t, recorder)["total"])
}

func TestCreateJobUnknownOperation(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodPost, "/v1/jobs", `{"operation":"drop_tables"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestCreateJobRejectsNonObjectParams(t *testing.T) {
	server := newTestServer(t, "")
	for _, body := range []string{
		`{"operation":"create_customer","params":["Acme"]}`,
		`{"operation":"create_customer","params":"Acme"}`,
	} {
		recorder := server.do(t, http.MethodPost, "/v1/jobs", body)
		assert.Equal(t, http.StatusBadRequest, recorder.Code, body)
	}
}

func TestCreateJobIdempotency(t *testing.T) {
	server := newTestServer(t, "")
	body := `{"operation":"create_customer","params":{"customer_name":"Acme"}}`

	first := server.do(t, http.MethodPost, "/v1/jobs", body, "Idempotency-Key", "key-1")
	second := server.do(t, http.MethodPost, "/v1/jobs", body, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, decodeBody(t, first)["job_id"], decodeBody(t, second)["job_id"])

	conflict := server.do(t, http.MethodPost, "/v1/jobs", `{"operation":"create_customer","params":{}}`, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestJobStatusNotFound(t *testing.T) {
	server := newTestServer(t, "")
	recorder := server.do(t, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListJobsValidatesQuery(t *testing.T) {
	server := newTestServer(t, "")

	assert.Equal(t, http.StatusBadRequest, server.do(t, http.MethodGet, "/v1/jobs?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, server.do(t, http.MethodGet, "/v1/jobs?from=yesterday", "").Code)
	assert.Equal(t, http.StatusOK, server.do(t, http.MethodGet, "/v1/jobs?from="+time.Now().UTC().Format(time.RFC3339), "").Code)
}
