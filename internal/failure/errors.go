package failure

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/iago/erpnext-dispatch/internal/domain"
)

// ValidationError reports caller-fixable input problems. It is raised before
// any remote call is attempted.
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Validation(message string, details map[string]any) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// MissingFields builds the contractual "Missing required fields: a, b" error.
func MissingFields(fields []string) *ValidationError {
	missing := append([]string(nil), fields...)
	return &ValidationError{
		Message: "Missing required fields: " + strings.Join(missing, ", "),
		Details: map[string]any{"missing_fields": missing},
	}
}

// UnsupportedOperation lists the known operation names in details.
func UnsupportedOperation(name string, supported []string) *ValidationError {
	names := append([]string(nil), supported...)
	sort.Strings(names)
	return &ValidationError{
		Message: fmt.Sprintf("Unsupported operation: %s", name),
		Details: map[string]any{
			"operation":            name,
			"supported_operations": names,
		},
	}
}

// Reason records why a remote call failed.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport"
	ReasonStatus      Reason = "status"
	ReasonMalformed   Reason = "malformed"
	ReasonUnsupported Reason = "unsupported"
)

// RemoteError wraps every failure of a call to ERPNext without discarding
// the original cause.
type RemoteError struct {
	Endpoint   string
	Reason     Reason
	StatusCode int
	// ExcType and Message come from the ERPNext error body when present.
	ExcType string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("erpnext ")
	b.WriteString(string(e.Reason))
	if e.Endpoint != "" {
		b.WriteString(" ")
		b.WriteString(e.Endpoint)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Network reports whether the store was never reached or did not answer.
func (e *RemoteError) Network() bool {
	return e.Reason == ReasonTimeout || e.Reason == ReasonTransport
}

// Description is the caller-facing summary of the failure. It never includes
// the wrapped transport error.
func (e *RemoteError) Description() string {
	switch e.Reason {
	case ReasonTimeout:
		return "ERPNext request timed out"
	case ReasonTransport:
		return "ERPNext is unreachable"
	case ReasonMalformed:
		if e.Message != "" {
			return "ERPNext returned a malformed payload: " + e.Message
		}
		return "ERPNext returned a malformed payload"
	case ReasonUnsupported:
		if e.Message != "" {
			return "ERPNext endpoint is not available: " + e.Message
		}
		return "ERPNext endpoint is not available"
	default:
		text := http.StatusText(e.StatusCode)
		if text == "" {
			text = "error"
		}
		description := fmt.Sprintf("ERPNext returned %d %s", e.StatusCode, text)
		if e.Message != "" {
			description += ": " + e.Message
		}
		return description
	}
}

// ReportError is returned when a report could not be produced by any
// strategy.
type ReportError struct {
	Kind       domain.ErrorKind
	ReportName string
	Filters    map[string]any
	Primary    error
	Fallback   error
}

func (e *ReportError) Error() string {
	last := e.Fallback
	if last == nil {
		last = e.Primary
	}
	if last == nil {
		return fmt.Sprintf("report %s failed", e.ReportName)
	}
	return fmt.Sprintf("report %s failed: %v", e.ReportName, last)
}

func (e *ReportError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// KindOf classifies err by provenance.
func KindOf(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}

	var reportErr *ReportError
	if errors.As(err, &reportErr) && reportErr.Kind != "" {
		return reportErr.Kind
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return domain.ErrorKindValidation
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.Network() {
			return domain.ErrorKindNetwork
		}
		return domain.ErrorKindRemote
	}
	if isNetworkError(err) {
		return domain.ErrorKindNetwork
	}
	return domain.ErrorKindUnknown
}
