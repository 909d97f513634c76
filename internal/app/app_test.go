package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/iago/erpnext-dispatch/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStackRejectsInvalidConfig(t *testing.T) {
	_, err := NewStack(config.Config{ERPNextTimeoutMS: 1000}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERPNEXT_URL")
}

func TestNewStackDispatchesAgainstERPNext(t *testing.T) {
	var calls atomic.Int32
	var authorization atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		authorization.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"name": "CUST-0001", "customer_name": "Acme"},
		})
	}))
	defer server.Close()

	stack, err := NewStack(config.Config{
		ERPNextURL:       server.URL,
		ERPNextAPIKey:    "key-1234",
		ERPNextAPISecret: "secret-5678",
		ERPNextTimeoutMS: 2000,
	}, zerolog.Nop())
	require.NoError(t, err)

	envelope := stack.Dispatcher.Dispatch(context.Background(), "create_customer", map[string]any{
		"customer_name":  "Acme",
		"customer_type":  "Company",
		"customer_group": "Commercial",
		"territory":      "All Territories",
	})
	require.True(t, envelope.Success, envelope.Message)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "token key-1234:secret-5678", authorization.Load())
	assert.NotEmpty(t, stack.Catalog.Names())
}
