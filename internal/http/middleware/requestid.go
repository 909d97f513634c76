package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	callcontext "github.com/iago/erpnext-dispatch/internal/context"
)

const requestIDHeader = "X-Request-Id"

// Longer inbound ids are replaced rather than logged.
const maxRequestIDLength = 128

// RequestID stores the caller's X-Request-Id, or a fresh uuid, in the request
// context and echoes it back. The call source is marked as http.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}

		ctx := callcontext.WithRequestID(r.Context(), requestID)
		ctx = callcontext.WithSource(ctx, callcontext.SourceHTTP)
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	value := callcontext.RequestID(ctx)
	if value == "" {
		return "unknown"
	}
	return value
}
