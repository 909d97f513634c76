package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodesOnlyPopulatedVariant(t *testing.T) {
	success, err := json.Marshal(Envelope{Success: true, Message: "Customer created successfully", Data: map[string]any{"name": "CUST-0001"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"Customer created successfully","data":{"name":"CUST-0001"}}`, string(success))

	failure, err := json.Marshal(Envelope{ErrorCode: ErrorKindRemote, Message: "Document not found"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error_code":"REMOTE_ERROR","message":"Document not found","details":{}}`, string(failure))
}

func TestEnvelopeSuccessKeepsNullData(t *testing.T) {
	encoded, err := json.Marshal(Envelope{Success: true, Message: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"ok","data":null}`, string(encoded))
}

func TestEnvelopeDecode(t *testing.T) {
	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"success":false,"error_code":"NETWORK_ERROR","message":"timed out","details":{"reason":"timeout"}}`), &envelope))

	assert.False(t, envelope.Success)
	assert.Equal(t, ErrorKindNetwork, envelope.ErrorCode)
	assert.Equal(t, "timeout", envelope.Details["reason"])
	assert.Nil(t, envelope.Data)
}

func TestOperationKindValid(t *testing.T) {
	for _, kind := range []OperationKind{KindCreate, KindUpdate, KindSubmit, KindList, KindGet, KindRunReport} {
		assert.True(t, kind.Valid(), kind)
	}
	assert.False(t, OperationKind("delete").Valid())
}
