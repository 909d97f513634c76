package failure

import (
	"context"
	"errors"
	"net"
	"unicode/utf8"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/policy"
)

const (
	maxMessageLength  = 700
	unexpectedMessage = "Unexpected error while processing the operation"
)

// Normalized is the caller-safe form of a failure.
type Normalized struct {
	Kind    domain.ErrorKind
	Message string
	Details map[string]any
}

type Normalizer struct {
	redactor *policy.Redactor
}

func NewNormalizer(redactor *policy.Redactor) *Normalizer {
	if redactor == nil {
		redactor = policy.NewRedactor()
	}
	return &Normalizer{redactor: redactor}
}

func (n *Normalizer) Normalize(err error) Normalized {
	if err == nil {
		return n.safe(Normalized{Kind: domain.ErrorKindUnknown, Message: "Unknown error"})
	}

	var reportErr *ReportError
	if errors.As(err, &reportErr) {
		return n.safe(n.report(reportErr))
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return n.safe(Normalized{
			Kind:    domain.ErrorKindValidation,
			Message: validationErr.Message,
			Details: cloneDetails(validationErr.Details),
		})
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		kind := domain.ErrorKindRemote
		if remoteErr.Network() {
			kind = domain.ErrorKindNetwork
		}
		return n.safe(Normalized{
			Kind:    kind,
			Message: remoteErr.Description(),
			Details: remoteDetails(remoteErr),
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return n.safe(Normalized{Kind: domain.ErrorKindNetwork, Message: "Request timed out"})
	}
	if errors.Is(err, context.Canceled) {
		return n.safe(Normalized{Kind: domain.ErrorKindNetwork, Message: "Request was cancelled"})
	}
	if isNetworkError(err) {
		return n.safe(Normalized{Kind: domain.ErrorKindNetwork, Message: "Network error while contacting ERPNext"})
	}

	return n.safe(Normalized{
		Kind:    domain.ErrorKindUnknown,
		Message: unexpectedMessage,
	})
}

// Panic normalizes a recovered panic value. The value itself is not exposed.
func (n *Normalizer) Panic(_ any) Normalized {
	return n.safe(Normalized{
		Kind:    domain.ErrorKindUnknown,
		Message: "Internal error while processing the operation",
	})
}

func (n *Normalizer) report(err *ReportError) Normalized {
	kind := err.Kind
	if kind == "" {
		kind = KindOf(lastCause(err))
	}

	details := map[string]any{
		"report_name": err.ReportName,
		"filters":     cloneDetails(err.Filters),
	}
	if err.Primary != nil {
		details["primary_error"] = describe(err.Primary)
	}
	if err.Fallback != nil {
		details["fallback_error"] = describe(err.Fallback)
	}

	message := "Failed to run report " + err.ReportName
	if cause := lastCause(err); cause != nil {
		message += ": " + describe(cause)
	}
	return Normalized{Kind: kind, Message: message, Details: details}
}

func (n *Normalizer) safe(result Normalized) Normalized {
	result.Message = truncate(n.redactor.String(result.Message), maxMessageLength)
	result.Details = n.redactor.Map(result.Details)
	return result
}

func lastCause(err *ReportError) error {
	if err.Fallback != nil {
		return err.Fallback
	}
	return err.Primary
}

func describe(err error) string {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Description()
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "unexpected error"
}

func remoteDetails(err *RemoteError) map[string]any {
	details := map[string]any{"reason": string(err.Reason)}
	if err.Endpoint != "" {
		details["endpoint"] = err.Endpoint
	}
	if err.StatusCode != 0 {
		details["status_code"] = err.StatusCode
	}
	if err.ExcType != "" {
		details["exc_type"] = err.ExcType
	}
	return details
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func cloneDetails(details map[string]any) map[string]any {
	cloned := make(map[string]any, len(details))
	for key, value := range details {
		cloned[key] = value
	}
	return cloned
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
