package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/policy"
	"github.com/iago/erpnext-dispatch/internal/queue"
	"github.com/iago/erpnext-dispatch/internal/repository"
	"github.com/rs/zerolog"
)

// OperationLookup is the part of the dispatcher the jobs service needs.
type OperationLookup interface {
	Describe(name string) (domain.OperationDescriptor, error)
}

type JobsService struct {
	repo       repository.JobsRepository
	producer   queue.Producer
	operations OperationLookup
	redactor   *policy.Redactor
	log        zerolog.Logger
	now        func() time.Time
}

type JobsOptions struct {
	Redactor *policy.Redactor
	Logger   zerolog.Logger
}

func NewJobsService(
	repo repository.JobsRepository,
	producer queue.Producer,
	operations OperationLookup,
	options JobsOptions,
) *JobsService {
	return &JobsService{
		repo:       repo,
		producer:   producer,
		operations: operations,
		redactor:   options.Redactor,
		log:        options.Logger.With().Str("component", "jobs").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueDispatch records a pending job for operation and hands it to the
// queue. An unknown operation is rejected before anything is stored.
func (s *JobsService) EnqueueDispatch(
	ctx context.Context,
	operation string,
	params map[string]any,
	requestID string,
) (*domain.Job, error) {
	descriptor, err := s.operations.Describe(operation)
	if err != nil {
		return nil, err
	}
	operation = descriptor.Name
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Operation: operation,
		Params:    encoded,
		RequestID: requestID,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := domain.QueueMessage{
		JobID:       job.ID,
		Operation:   operation,
		Params:      encoded,
		RequestID:   requestID,
		RequestedAt: now,
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		job.Status = domain.JobStatusFailed
		job.ErrorCode = string(domain.ErrorKindUnknown)
		job.ErrorMessage = s.redactor.String(err.Error())
		job.UpdatedAt = s.now()
		if updateErr := s.repo.UpdateJob(ctx, job); updateErr != nil {
			s.log.Error().Str("job_id", job.ID).Err(updateErr).Msg("mark enqueue failure")
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("operation", operation).
		Str("request_id", requestID).
		Msg("dispatch job enqueued")
	return job, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

func (s *JobsService) ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error) {
	return s.repo.ListJobs(ctx, filter)
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
