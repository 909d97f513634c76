package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	callcontext "github.com/iago/erpnext-dispatch/internal/context"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/queue"
	"github.com/iago/erpnext-dispatch/internal/repository"
	"github.com/rs/zerolog"
)

// Dispatcher runs one operation and always answers with an envelope. Fail
// builds the failure envelope for an error raised outside a dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) domain.Envelope
	Fail(err error) domain.Envelope
}

type Options struct {
	// DispatchTimeout bounds one dispatch. Zero leaves the queue context alone.
	DispatchTimeout time.Duration
	RestartDelay    time.Duration
	Logger          zerolog.Logger
}

// Processor consumes queued dispatches and persists status transitions.
type Processor struct {
	consumer   queue.Consumer
	repo       repository.JobsRepository
	dispatcher Dispatcher
	options    Options
	log        zerolog.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	repo repository.JobsRepository,
	dispatcher Dispatcher,
	options Options,
) *Processor {
	if options.RestartDelay <= 0 {
		options.RestartDelay = 2 * time.Second
	}
	return &Processor{
		consumer:   consumer,
		repo:       repo,
		dispatcher: dispatcher,
		options:    options,
		log:        options.Logger.With().Str("component", "worker").Logger(),
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.log.Error().Err(err).Msg("consume loop stopped")

		timer := time.NewTimer(p.options.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns an error only when the job could not be started.
// Once the operation has been dispatched its outcome is stored, so the remote
// call is never repeated by a redelivery.
func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	job, err := p.repo.GetJob(ctx, message.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", message.JobID, err)
	}
	switch job.Status {
	case domain.JobStatusDone, domain.JobStatusFailed:
		p.log.Warn().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("skipping finished job")
		return nil
	case domain.JobStatusProcessing:
		p.log.Warn().Str("job_id", job.ID).Msg("skipping job already started")
		return nil
	}

	params, err := decodeParams(message.Params)
	if err != nil {
		return p.finish(ctx, job, p.dispatcher.Fail(failure.Validation(
			"Invalid job parameters: expected a JSON object",
			map[string]any{"job_id": job.ID},
		)))
	}

	job.Status = domain.JobStatusProcessing
	job.Attempts = message.Attempt + 1
	job.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	dispatchCtx := callcontext.WithSource(callcontext.WithRequestID(ctx, message.RequestID), callcontext.SourceWorker)
	if p.options.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(dispatchCtx, p.options.DispatchTimeout)
		defer cancel()
	}

	envelope := p.dispatcher.Dispatch(dispatchCtx, message.Operation, params)
	return p.finish(ctx, job, envelope)
}

func (p *Processor) finish(ctx context.Context, job *domain.Job, envelope domain.Envelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		p.log.Error().Str("job_id", job.ID).Err(err).Msg("encode job result")
		envelope = p.dispatcher.Fail(fmt.Errorf("encode job result: %w", err))
		encoded, _ = json.Marshal(envelope)
	}

	job.Result = encoded
	job.UpdatedAt = time.Now().UTC()
	if envelope.Success {
		job.Status = domain.JobStatusDone
		job.ErrorCode = ""
		job.ErrorMessage = ""
	} else {
		job.Status = domain.JobStatusFailed
		job.ErrorCode = string(envelope.ErrorCode)
		job.ErrorMessage = envelope.Message
	}

	// The outcome is final even when storing it fails; a redelivery would run
	// the operation a second time.
	if err := p.repo.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		p.log.Error().Str("job_id", job.ID).Err(err).Msg("store job result")
		return nil
	}

	p.log.Info().
		Str("job_id", job.ID).
		Str("operation", job.Operation).
		Str("status", string(job.Status)).
		Msg("job processed")
	return nil
}

// decodeParams keeps numbers as json.Number, the same as the HTTP host, so
// large integers reach the dispatcher unchanged.
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return params, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&params); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after params")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
