package erpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/iago/erpnext-dispatch/internal/failure"
)

const maxRemoteMessageLength = 700

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// frappeError is the error body Frappe returns on failed requests. The
// traceback in "exc" is deliberately not decoded.
type frappeError struct {
	ExcType        string          `json:"exc_type"`
	Exception      string          `json:"exception"`
	Message        json.RawMessage `json:"message"`
	ServerMessages string          `json:"_server_messages"`
}

func statusError(endpoint string, statusCode int, body []byte) error {
	remoteErr := &failure.RemoteError{
		Endpoint:   endpoint,
		Reason:     failure.ReasonStatus,
		StatusCode: statusCode,
	}
	if statusCode == http.StatusNotFound && strings.HasPrefix(endpoint, "/api/method/") {
		remoteErr.Reason = failure.ReasonUnsupported
	}

	var parsed frappeError
	if err := json.Unmarshal(body, &parsed); err == nil {
		remoteErr.ExcType = parsed.ExcType
		remoteErr.Message = firstNonEmpty(
			serverMessages(parsed.ServerMessages),
			rawMessage(parsed.Message),
			exceptionMessage(parsed.Exception),
		)
	} else if !looksLikeHTML(body) {
		remoteErr.Message = strings.TrimSpace(string(body))
	}

	remoteErr.Message = truncate(cleanText(remoteErr.Message), maxRemoteMessageLength)
	return remoteErr
}

// serverMessages decodes Frappe's doubly encoded message list.
func serverMessages(encoded string) string {
	if strings.TrimSpace(encoded) == "" {
		return ""
	}
	var entries []string
	if err := json.Unmarshal([]byte(encoded), &entries); err != nil {
		return ""
	}
	messages := make([]string, 0, len(entries))
	for _, entry := range entries {
		var item struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(entry), &item); err == nil && item.Message != "" {
			messages = append(messages, item.Message)
			continue
		}
		messages = append(messages, entry)
	}
	return strings.Join(messages, "; ")
}

func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return ""
}

func exceptionMessage(exception string) string {
	exception = strings.TrimSpace(exception)
	if index := strings.Index(exception, ": "); index >= 0 {
		return exception[index+2:]
	}
	return exception
}

func decodeDocument(endpoint string, raw json.RawMessage) (map[string]any, error) {
	var document map[string]any
	if err := json.Unmarshal(raw, &document); err != nil || document == nil {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: "expected a JSON object", Err: err}
	}
	return document, nil
}

func decodeRows(endpoint string, raw json.RawMessage) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: "expected a list of objects", Err: err}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// decodeReportView accepts both the compressed {keys, values} shape and a
// plain list of objects.
func decodeReportView(endpoint string, raw json.RawMessage) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []map[string]any{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return decodeRows(endpoint, raw)
	}

	var compressed struct {
		Keys   []string `json:"keys"`
		Values [][]any  `json:"values"`
	}
	if err := json.Unmarshal(raw, &compressed); err != nil || compressed.Keys == nil {
		return nil, &failure.RemoteError{Endpoint: endpoint, Reason: failure.ReasonMalformed, Message: "expected keys and values", Err: err}
	}

	rows := make([]map[string]any, 0, len(compressed.Values))
	for index, values := range compressed.Values {
		if len(values) != len(compressed.Keys) {
			return nil, &failure.RemoteError{
				Endpoint: endpoint,
				Reason:   failure.ReasonMalformed,
				Message:  fmt.Sprintf("row %d has %d values for %d keys", index, len(values), len(compressed.Keys)),
			}
		}
		row := make(map[string]any, len(values))
		for i, key := range compressed.Keys {
			row[key] = values[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cleanText(value string) string {
	value = htmlTagPattern.ReplaceAllString(value, "")
	return strings.Join(strings.Fields(value), " ")
}

func looksLikeHTML(body []byte) bool {
	trimmed := strings.ToLower(strings.TrimSpace(string(body)))
	return strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
