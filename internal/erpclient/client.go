// Package erpclient is a thin transport over the Frappe REST API used by
// ERPNext. It carries no business rules.
package erpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 16 << 20

type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	// InsecureSkipVerify disables TLS verification for self-signed ERPNext
	// deployments. Ignored when HTTPClient is set.
	InsecureSkipVerify bool
	// RateLimitRPS caps outgoing requests per second; 0 disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client is safe for concurrent use; all calls share one http.Client.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		config.HTTPClient = &http.Client{Transport: transport}
	}

	var limiter *rate.Limiter
	if config.RateLimitRPS > 0 {
		burst := config.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		apiSecret:  strings.TrimSpace(config.APISecret),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		limiter:    limiter,
		log:        config.Logger.With().Str("component", "erpclient").Logger(),
	}
}

func (c *Client) CreateDocument(ctx context.Context, doctype string, fields map[string]any) (map[string]any, error) {
	payload := cloneParams(fields)
	payload["doctype"] = doctype
	raw, err := c.call(ctx, http.MethodPost, resourcePath(doctype), nil, payload, "data")
	if err != nil {
		return nil, err
	}
	return decodeDocument(resourcePath(doctype), raw)
}

func (c *Client) GetDocument(ctx context.Context, doctype, name string) (map[string]any, error) {
	endpoint := resourcePath(doctype, name)
	raw, err := c.call(ctx, http.MethodGet, endpoint, nil, nil, "data")
	if err != nil {
		return nil, err
	}
	return decodeDocument(endpoint, raw)
}

func (c *Client) UpdateDocument(ctx context.Context, doctype, name string, fields map[string]any) (map[string]any, error) {
	endpoint := resourcePath(doctype, name)
	raw, err := c.call(ctx, http.MethodPut, endpoint, nil, cloneParams(fields), "data")
	if err != nil {
		return nil, err
	}
	return decodeDocument(endpoint, raw)
}

// SubmitDocument moves a draft to docstatus 1, saving any extra fields in
// the same request.
func (c *Client) SubmitDocument(ctx context.Context, doctype, name string, fields map[string]any) (map[string]any, error) {
	payload := cloneParams(fields)
	payload["docstatus"] = 1
	endpoint := resourcePath(doctype, name)
	raw, err := c.call(ctx, http.MethodPut, endpoint, nil, payload, "data")
	if err != nil {
		return nil, err
	}
	return decodeDocument(endpoint, raw)
}

func (c *Client) ListDocuments(ctx context.Context, doctype string, query ListQuery) ([]map[string]any, error) {
	endpoint := resourcePath(doctype)
	values, err := query.values()
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, http.MethodGet, endpoint, values, nil, "data")
	if err != nil {
		return nil, err
	}
	return decodeRows(endpoint, raw)
}

// RunQueryReport calls the structured query-report endpoint and returns the
// raw "message" object (result, columns and friends).
func (c *Client) RunQueryReport(ctx context.Context, reportName string, filters map[string]any) (map[string]any, error) {
	endpoint := methodPath("frappe.desk.query_report.run")
	payload := map[string]any{
		"report_name": reportName,
		"filters":     cloneParams(filters),
	}
	raw, err := c.call(ctx, http.MethodPost, endpoint, nil, payload, "message")
	if err != nil {
		return nil, err
	}
	return decodeDocument(endpoint, raw)
}

// ReportView calls the generic filtered list endpoint used by list views.
// Extra arguments are sent verbatim next to the list arguments.
func (c *Client) ReportView(ctx context.Context, doctype string, query ListQuery, extra map[string]any) ([]map[string]any, error) {
	endpoint := methodPath("frappe.desk.reportview.get_data")
	payload := cloneParams(extra)
	payload["doctype"] = doctype
	if len(query.Fields) > 0 {
		payload["fields"] = query.Fields
	} else {
		payload["fields"] = []string{"*"}
	}
	if len(query.Filters) > 0 {
		payload["filters"] = query.Filters
	}
	if query.OrderBy != "" {
		payload["order_by"] = query.OrderBy
	}
	if query.Limit > 0 {
		payload["page_length"] = query.Limit
	}
	if query.Start > 0 {
		payload["start"] = query.Start
	}

	raw, err := c.call(ctx, http.MethodPost, endpoint, nil, payload, "message")
	if err != nil {
		return nil, err
	}
	return decodeReportView(endpoint, raw)
}

func (c *Client) call(
	ctx context.Context,
	method string,
	endpoint string,
	query url.Values,
	body map[string]any,
	key string,
) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			reason := failure.ReasonTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				reason = failure.ReasonTransport
			}
			return nil, &failure.RemoteError{Endpoint: endpoint, Reason: reason, Err: err}
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: "request body is not serializable", Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, target, reader)
	if err != nil {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" && c.apiSecret != "" {
		request.Header.Set("Authorization", "token "+c.apiKey+":"+c.apiSecret)
	}

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.log.Debug().Str("method", method).Str("endpoint", endpoint).Err(err).Msg("erpnext request failed")
		return nil, transportError(timeoutCtx, endpoint, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(timeoutCtx, endpoint, fmt.Errorf("read body: %w", err))
	}

	c.log.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", response.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("erpnext request")

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, statusError(endpoint, response.StatusCode, payload)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: "response is not a JSON object", Err: err}
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: fmt.Sprintf("response has no %q field", key)}
	}
	return raw, nil
}

func transportError(ctx context.Context, endpoint string, err error) error {
	reason := failure.ReasonTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		reason = failure.ReasonTimeout
	}
	return &failure.RemoteError{Endpoint: endpoint, Reason: reason, Err: err}
}

func resourcePath(doctype string, name ...string) string {
	path := "/api/resource/" + url.PathEscape(doctype)
	for _, part := range name {
		path += "/" + url.PathEscape(part)
	}
	return path
}

func methodPath(method string) string {
	return "/api/method/" + method
}

func cloneParams(params map[string]any) map[string]any {
	cloned := make(map[string]any, len(params)+1)
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}
