// Command dispatch-load drives the HTTP host against an in-process ERPNext
// stand-in and prints latency percentiles per scenario as JSON.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
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
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	RemoteCalls    map[string]int64 `json:"remote_calls"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type loadEnv struct {
	erp    *erpnexttest.Server
	server *httptest.Server
	cancel context.CancelFunc
}

func main() {
	createTotal := flag.Int("create-total", 300, "total create_customer dispatches")
	createConcurrency := flag.Int("create-concurrency", 24, "concurrency for create_customer dispatches")
	reportTotal := flag.Int("report-total", 200, "total balance sheet reports")
	reportConcurrency := flag.Int("report-concurrency", 16, "concurrency for balance sheet reports")
	fallbackTotal := flag.Int("fallback-total", 120, "total cash flow reports served by the fallback")
	fallbackConcurrency := flag.Int("fallback-concurrency", 16, "concurrency for fallback reports")
	jobsTotal := flag.Int("jobs-total", 200, "total async job submissions")
	jobsConcurrency := flag.Int("jobs-concurrency", 24, "concurrency for async job submissions")
	outputPath := flag.String("output", "", "optional path to persist results JSON")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	env, err := startLoadEnvironment()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start local load environment")
	}
	defer env.cancel()
	defer env.server.Close()
	defer env.erp.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	reportParams := map[string]any{"company": "Acme", "from_date": "2025-01-01", "to_date": "2025-12-31"}

	createScenario := runScenario("create_customer_sync", *createTotal, *createConcurrency, func(index int) error {
		payload := map[string]any{"customer_name": fmt.Sprintf("Customer %d", index)}
		return postJSON(client, env.server.URL+"/v1/operations/create_customer", payload, http.StatusOK)
	})

	reportScenario := runScenario("balance_sheet_primary", *reportTotal, *reportConcurrency, func(int) error {
		return postJSON(client, env.server.URL+"/v1/operations/get_balance_sheet", reportParams, http.StatusOK)
	})

	fallbackScenario := runScenario("cash_flow_fallback", *fallbackTotal, *fallbackConcurrency, func(int) error {
		return postJSON(client, env.server.URL+"/v1/operations/get_cash_flow_statement", reportParams, http.StatusOK)
	})

	jobsScenario := runScenario("jobs_enqueue", *jobsTotal, *jobsConcurrency, func(index int) error {
		payload := map[string]any{
			"operation": "create_supplier",
			"params":    map[string]any{"supplier_name": fmt.Sprintf("Supplier %d", index)},
		}
		return postJSON(client, env.server.URL+"/v1/jobs", payload, http.StatusAccepted)
	})

	results := []scenarioResult{createScenario, reportScenario, fallbackScenario, jobsScenario}
	slo := map[string]bool{
		"dispatch_p95_le_500ms":       createScenario.P95MS <= 500,
		"report_fallback_p95_le_1s":   fallbackScenario.P95MS <= 1000,
		"jobs_enqueue_p95_le_250ms":   jobsScenario.P95MS <= 250,
		"fallback_once_per_report":    env.erp.Calls.ReportView.Load() == int64(fallbackScenario.Success),
		"no_dispatch_errors_reported": createScenario.Errors == 0 && reportScenario.Errors == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		RemoteCalls: map[string]int64{
			"documents":    env.erp.Calls.Documents.Load(),
			"query_report": env.erp.Calls.QueryReport.Load(),
			"report_view":  env.erp.Calls.ReportView.Load(),
		},
		SLOEvaluation: slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to marshal load report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal().Err(err).Str("path", *outputPath).Msg("failed to write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startLoadEnvironment() (*loadEnv, error) {
	erp := erpnexttest.NewServer(erpnexttest.Options{UnsupportedReports: []string{"Cash Flow"}})

	stack, err := app.NewStack(config.Config{
		ERPNextURL:       erp.URL,
		ERPNextTimeoutMS: 5000,
	}, zerolog.Nop())
	if err != nil {
		erp.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(4096, 3, zerolog.Nop())
	jobs := service.NewJobsService(repo, localQueue, stack.Dispatcher, service.JobsOptions{Logger: zerolog.Nop()})

	processor := worker.NewProcessor(localQueue, repo, stack.Dispatcher, worker.Options{Logger: zerolog.Nop()})
	go processor.Start(ctx)

	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(stack.Dispatcher, jobs, zerolog.Nop()),
		Logger:         zerolog.Nop(),
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
		Context:        ctx,
	})

	return &loadEnv{erp: erp, server: httptest.NewServer(router), cancel: cancel}, nil
}

func runScenario(name string, total, concurrency int, requestFn func(index int) error) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	type sample struct {
		durationMS float64
		err        string
	}

	startedAt := time.Now()
	indexes := make(chan int, total)
	samples := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success, failures := 0, 0
	for item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		failures++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	throughput := 0.0
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		throughput = float64(total) / elapsed
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        failures,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url string, payload any, expectedStatus int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
