package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/http/middleware"
	"github.com/iago/erpnext-dispatch/internal/repository"
)

type jobRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request jobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	request.Operation = strings.TrimSpace(request.Operation)
	if request.Operation == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "operation is required")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		payloadHash := hashPayload(request)
		entry, reserved := api.idempotency.Reserve(idempotencyKey, payloadHash)
		if !reserved {
			switch {
			case entry.PayloadHash != payloadHash:
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			case entry.JobID == "":
				writeError(w, r, http.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still being processed")
			default:
				writeAccepted(w, entry.JobID, entry.CreatedAt)
			}
			return
		}
	}

	job, err := api.jobs.EnqueueDispatch(r.Context(), request.Operation, request.Params, middleware.GetRequestID(r.Context()))
	if err != nil {
		if idempotencyKey != "" {
			api.idempotency.Release(idempotencyKey)
		}
		var validation *failure.ValidationError
		if errors.As(err, &validation) {
			writeError(w, r, http.StatusUnprocessableEntity, string(domain.ErrorKindValidation), validation.Message)
			return
		}
		api.log.Error().Str("operation", request.Operation).Err(err).Msg("enqueue dispatch job")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue job")
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Complete(idempotencyKey, job.ID, job.CreatedAt)
	}
	writeAccepted(w, job.ID, job.CreatedAt)
}

func writeAccepted(w http.ResponseWriter, jobID string, acceptedAt time.Time) {
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      jobID,
		"status":      domain.JobStatusPending,
		"status_url":  "/v1/jobs/" + jobID,
		"accepted_at": acceptedAt.Format(time.RFC3339Nano),
	})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	job, err := api.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	response := map[string]any{
		"job_id":     job.ID,
		"operation":  job.Operation,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if len(job.Result) > 0 {
		response["result"] = jsonRawOrFallback(job.Result)
	}
	if strings.TrimSpace(job.ErrorMessage) != "" {
		response["error"] = map[string]any{
			"code":    job.ErrorCode,
			"message": job.ErrorMessage,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	from, err := parseOptionalDateTime(query.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid from date")
		return
	}
	to, err := parseOptionalDateTime(query.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid to date")
		return
	}

	status := domain.JobStatus(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusDone, domain.JobStatusFailed:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "status must be pending, processing, done or failed")
		return
	}

	items, total, err := api.jobs.ListJobs(r.Context(), domain.JobListFilter{
		Operation: strings.TrimSpace(query.Get("operation")),
		Status:    status,
		Page:      page,
		PageSize:  pageSize,
		From:      from,
		To:        to,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"has_next":  page*pageSize < total,
	})
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
