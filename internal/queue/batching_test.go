package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.QueueMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) snapshot() [][]domain.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]domain.QueueMessage(nil), p.batches...)
}

func (p *recordingBatchProducer) totalMessages() int {
	total := 0
	for _, batch := range p.snapshot() {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

// singleProducer has no batch write and rejects one operation.
type singleProducer struct {
	mu     sync.Mutex
	reject string
	seen   []string
}

func (p *singleProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, message.JobID)
	if message.Operation == p.reject {
		return errors.New("stream unavailable")
	}
	return nil
}

func dispatchMessage(jobID, operation string, requestedAt time.Time) domain.QueueMessage {
	return domain.QueueMessage{
		JobID:       jobID,
		Operation:   operation,
		Params:      json.RawMessage(`{"customer":"Acme"}`),
		RequestedAt: requestedAt,
	}
}

func enqueueAll(t *testing.T, producer Producer, messages ...domain.QueueMessage) []error {
	t.Helper()
	errs := make([]error, len(messages))
	var wg sync.WaitGroup
	for i, message := range messages {
		wg.Add(1)
		go func(i int, message domain.QueueMessage) {
			defer wg.Done()
			errs[i] = producer.Enqueue(context.Background(), message)
		}(i, message)
	}
	wg.Wait()
	return errs
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	messages := make([]domain.QueueMessage, 0, 10)
	for i := 0; i < 10; i++ {
		messages = append(messages, dispatchMessage(
			fmt.Sprintf("job-%d", i),
			"get_customer",
			time.Now().UTC().Add(time.Duration(i)*time.Millisecond),
		))
	}
	for _, err := range enqueueAll(t, batcher, messages...) {
		require.NoError(t, err)
	}

	assert.Equal(t, 10, base.totalMessages())
	assert.Less(t, len(base.snapshot()), 10, "batching should reduce write count")
}

func TestBatchingProducerGroupsByOperation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  4,
		FlushInterval: time.Second,
		QueueCapacity: 8,
	})
	defer batcher.Close()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	operations := []string{"get_item", "create_customer", "get_item", "create_customer"}
	messages := make([]domain.QueueMessage, 0, len(operations))
	for i, operation := range operations {
		messages = append(messages, dispatchMessage(fmt.Sprintf("job-%d", i), operation, start.Add(time.Duration(i)*time.Second)))
	}
	for _, err := range enqueueAll(t, batcher, messages...) {
		require.NoError(t, err)
	}

	batches := base.snapshot()
	require.Len(t, batches, 1)
	got := make([]string, 0, 4)
	for _, message := range batches[0] {
		got = append(got, message.JobID)
	}
	assert.Equal(t, []string{"job-1", "job-3", "job-0", "job-2"}, got)
}

func TestBatchingProducerWritesDuplicateJobOnce(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
		QueueCapacity: 8,
	})
	defer batcher.Close()

	now := time.Now().UTC()
	errs := enqueueAll(t, batcher,
		dispatchMessage("job-a", "create_customer", now),
		dispatchMessage("job-a", "create_customer", now),
		dispatchMessage("job-b", "create_customer", now.Add(time.Second)),
	)
	for _, err := range errs {
		require.NoError(t, err)
	}

	batches := base.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "job-a", batches[0][0].JobID)
	assert.Equal(t, "job-b", batches[0][1].JobID)
}

func TestBatchingProducerReportsErrorsPerMessageWithoutBatchWrite(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &singleProducer{reject: "submit_invoice"}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  2,
		FlushInterval: time.Second,
		QueueCapacity: 4,
	})
	defer batcher.Close()

	now := time.Now().UTC()
	errs := enqueueAll(t, batcher,
		dispatchMessage("job-ok", "create_customer", now),
		dispatchMessage("job-bad", "submit_invoice", now),
	)

	require.NoError(t, errs[0])
	require.Error(t, errs[1])
	assert.Contains(t, errs[1].Error(), "stream unavailable")
	assert.ElementsMatch(t, []string{"job-ok", "job-bad"}, base.seen)
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(), dispatchMessage("job-first", "create_customer", time.Now().UTC()))
	}()

	// Let the loop pick the first job up and block on the backend.
	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(), dispatchMessage("job-second", "create_customer", time.Now().UTC()))
	}()

	require.Eventually(t, func() bool { return batcher.Pending() == 1 }, time.Second, 5*time.Millisecond)

	thirdErr := batcher.Enqueue(context.Background(), dispatchMessage("job-third", "create_customer", time.Now().UTC()))
	assert.ErrorIs(t, thirdErr, ErrQueueBackpressure)

	close(base.block)
	assert.NoError(t, <-firstDone)
	assert.NoError(t, <-secondDone)
}

func TestBatchingProducerFlushesOnClose(t *testing.T) {
	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(context.Background(), base, BatchingConfig{
		MaxBatchSize:  10,
		FlushInterval: time.Hour,
		QueueCapacity: 4,
	})

	done := make(chan error, 1)
	go func() {
		done <- batcher.Enqueue(context.Background(), dispatchMessage("job-1", "get_item", time.Now()))
	}()
	time.Sleep(50 * time.Millisecond)

	batcher.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 1, base.totalMessages())
}

func TestBatchingProducerRejectsAfterClose(t *testing.T) {
	batcher := NewBatchingProducer(context.Background(), &recordingBatchProducer{}, BatchingConfig{})
	batcher.Close()

	err := batcher.Enqueue(context.Background(), dispatchMessage("job-late", "get_item", time.Now()))
	assert.ErrorIs(t, err, ErrBatchingClosed)
}
