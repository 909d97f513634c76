package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             zerolog.Logger
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.MaxInFlightBatches <= 0 {
		c.MaxInFlightBatches = 4
	}
	return c
}

type batchWriter interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

type pendingJob struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

func (p pendingJob) reply(err error) {
	p.result <- err
}

// BatchingProducer collects jobs enqueued within FlushInterval of each other
// and hands them to the backend in one write. Jobs for the same operation are
// written next to each other, oldest first, and a job id enqueued twice in the
// same window is written once.
type BatchingProducer struct {
	base   Producer
	writer batchWriter
	cfg    BatchingConfig
	log    zerolog.Logger

	in       chan pendingJob
	inFlight chan struct{}

	parentDone <-chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	cfg = cfg.withDefaults()
	producer := &BatchingProducer{
		base:       base,
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "batching_producer").Logger(),
		in:         make(chan pendingJob, cfg.QueueCapacity),
		inFlight:   make(chan struct{}, cfg.MaxInFlightBatches),
		parentDone: parent.Done(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if writer, ok := base.(batchWriter); ok {
		producer.writer = writer
	}

	go producer.loop()
	return producer
}

// Enqueue blocks until the batch holding message was written or ctx ends. A
// full buffer fails fast with ErrQueueBackpressure.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed() {
		return ErrBatchingClosed
	}

	job := pendingJob{ctx: ctx, message: message, result: make(chan error, 1)}
	select {
	case b.in <- job:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of jobs waiting to be picked up by the flush loop.
func (b *BatchingProducer) Pending() int {
	return len(b.in)
}

// Close flushes what is pending and stops the loop.
func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *BatchingProducer) loop() {
	defer close(b.done)

	var (
		window   []pendingJob
		deadline *time.Timer
		tick     <-chan time.Time
	)
	cancelDeadline := func() {
		if deadline != nil {
			deadline.Stop()
		}
		deadline, tick = nil, nil
	}
	flush := func(final bool) {
		cancelDeadline()
		if len(window) == 0 {
			return
		}
		batch := window
		window = make([]pendingJob, 0, b.cfg.MaxBatchSize)
		b.write(batch, final)
	}
	shutdown := func() {
		flush(true)
		// Jobs still sitting in the buffer were accepted; write them too.
		for {
			select {
			case job := <-b.in:
				window = append(window, job)
			default:
				flush(true)
				return
			}
		}
	}

	for {
		select {
		case <-b.parentDone:
			shutdown()
			return
		case <-b.stop:
			shutdown()
			return
		case <-tick:
			flush(false)
		case job := <-b.in:
			if err := job.ctx.Err(); err != nil {
				job.reply(err)
				continue
			}
			window = append(window, job)
			if deadline == nil {
				deadline = time.NewTimer(b.cfg.FlushInterval)
				tick = deadline.C
			}
			if len(window) >= b.cfg.MaxBatchSize {
				flush(false)
			}
		}
	}
}

func (b *BatchingProducer) write(batch []pendingJob, final bool) {
	groups := groupByJob(batch)
	if len(groups) == 0 {
		return
	}

	ctx := context.Background()
	if !final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}

	select {
	case b.inFlight <- struct{}{}:
	case <-ctx.Done():
		for _, group := range groups {
			group.reply(ctx.Err())
		}
		return
	}
	defer func() { <-b.inFlight }()

	messages := make([]domain.QueueMessage, len(groups))
	for i, group := range groups {
		messages[i] = group.message
	}

	if b.writer != nil {
		err := b.writer.EnqueueBatch(ctx, messages)
		if err != nil {
			b.log.Error().Err(err).Int("batch_size", len(messages)).Msg("batch enqueue failed")
		}
		for _, group := range groups {
			group.reply(err)
		}
		return
	}

	failed := 0
	for _, group := range groups {
		err := b.base.Enqueue(ctx, group.message)
		if err != nil {
			failed++
		}
		group.reply(err)
	}
	if failed > 0 {
		b.log.Error().Int("batch_size", len(messages)).Int("failed", failed).Msg("enqueue failed for part of a batch")
	}
}

// jobGroup is one queue message and every caller waiting on it.
type jobGroup struct {
	message domain.QueueMessage
	waiters []pendingJob
}

func (g jobGroup) reply(err error) {
	for _, waiter := range g.waiters {
		waiter.reply(err)
	}
}

func groupByJob(batch []pendingJob) []jobGroup {
	groups := make([]jobGroup, 0, len(batch))
	index := make(map[string]int, len(batch))
	for _, job := range batch {
		if err := job.ctx.Err(); err != nil {
			job.reply(err)
			continue
		}
		if job.message.JobID != "" {
			if at, seen := index[job.message.JobID]; seen {
				groups[at].waiters = append(groups[at].waiters, job)
				continue
			}
			index[job.message.JobID] = len(groups)
		}
		groups = append(groups, jobGroup{message: job.message, waiters: []pendingJob{job}})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		left, right := operationKey(groups[i].message), operationKey(groups[j].message)
		if left != right {
			return left < right
		}
		return groups[i].message.RequestedAt.Before(groups[j].message.RequestedAt)
	})
	return groups
}

func operationKey(message domain.QueueMessage) string {
	return strings.ToLower(strings.TrimSpace(message.Operation))
}
