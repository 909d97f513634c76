package domain

import "encoding/json"

type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "VALIDATION_ERROR"
	ErrorKindRemote     ErrorKind = "REMOTE_ERROR"
	ErrorKindNetwork    ErrorKind = "NETWORK_ERROR"
	ErrorKindUnknown    ErrorKind = "UNKNOWN_ERROR"
)

// Envelope is the uniform result of every dispatched operation. Only one of the
// two variants is populated; Success tells which.
type Envelope struct {
	Success   bool
	Message   string
	Data      any
	ErrorCode ErrorKind
	Details   map[string]any
}

type successWire struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type failureWire struct {
	Success   bool           `json:"success"`
	ErrorCode ErrorKind      `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Success {
		return json.Marshal(successWire{Success: true, Message: e.Message, Data: e.Data})
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal(failureWire{
		Success:   false,
		ErrorCode: e.ErrorCode,
		Message:   e.Message,
		Details:   details,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		Success   bool           `json:"success"`
		Message   string         `json:"message"`
		Data      any            `json:"data"`
		ErrorCode ErrorKind      `json:"error_code"`
		Details   map[string]any `json:"details"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Envelope{Success: wire.Success, Message: wire.Message}
	if wire.Success {
		e.Data = wire.Data
		return nil
	}
	e.ErrorCode = wire.ErrorCode
	e.Details = wire.Details
	return nil
}
