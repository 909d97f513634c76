package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/http/middleware"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

var errInvalidPayload = errors.New("invalid payload")

// Dispatcher is the operation entry point the handlers call.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) domain.Envelope
	Operations() []domain.OperationDescriptor
	Describe(name string) (domain.OperationDescriptor, error)
}

// Jobs is the async dispatch service.
type Jobs interface {
	EnqueueDispatch(ctx context.Context, operation string, params map[string]any, requestID string) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error)
}

type API struct {
	dispatcher  Dispatcher
	jobs        Jobs
	idempotency *idempotencyStore
	log         zerolog.Logger
}

func NewAPI(dispatcher Dispatcher, jobs Jobs, logger zerolog.Logger) *API {
	return &API{
		dispatcher:  dispatcher,
		jobs:        jobs,
		idempotency: newIdempotencyStore(),
		log:         logger.With().Str("component", "http").Logger(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// decodeJSON reads one JSON value from the body. An empty body leaves value
// untouched.
func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(value); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidPayload
	}
	if decoder.More() {
		return errInvalidPayload
	}
	return nil
}

// envelopeStatus maps an envelope to the HTTP status the host answers with.
func envelopeStatus(envelope domain.Envelope) int {
	if envelope.Success {
		return http.StatusOK
	}
	switch envelope.ErrorCode {
	case domain.ErrorKindValidation:
		return http.StatusUnprocessableEntity
	case domain.ErrorKindRemote:
		return http.StatusBadGateway
	case domain.ErrorKindNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseOptionalDateTime(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errInvalidPayload
	}
	return &parsed, nil
}

type idempotencyEntry struct {
	PayloadHash uint64
	// JobID is empty while the request that reserved the key is running.
	JobID     string
	CreatedAt time.Time
}

// idempotencyStore remembers Idempotency-Key values for POST /v1/jobs for a
// limited time.
type idempotencyStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
	entries   map[string]idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		ttl:     24 * time.Hour,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]idempotencyEntry),
	}
}

// Reserve claims key for a request with payloadHash. When the key is already
// held it returns the existing entry and false; the caller must not enqueue.
func (s *idempotencyStore) Reserve(key string, payloadHash uint64) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if entry, ok := s.entries[key]; ok && now.Sub(entry.CreatedAt) <= s.ttl {
		return entry, false
	}
	s.entries[key] = idempotencyEntry{PayloadHash: payloadHash, CreatedAt: now}
	return idempotencyEntry{}, true
}

// Complete records the job created under a reserved key.
func (s *idempotencyStore) Complete(key, jobID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	entry.JobID = jobID
	entry.CreatedAt = createdAt
	s.entries[key] = entry
}

// Release frees a reserved key after the request failed.
func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.JobID == "" {
		delete(s.entries, key)
	}
}

func (s *idempotencyStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	for key, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
	s.nextSweep = now.Add(time.Minute)
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
