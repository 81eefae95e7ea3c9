package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
	"github.com/cuongbtq/visualdiff-farm/shared/rabbitmq"
)

// scriptedQueue replays reads in order and cancels the worker when the script runs out
type scriptedQueue struct {
	mu         sync.Mutex
	reads      []any
	reconnects int
	reconnErr  error
	cancel     context.CancelFunc
}

func (q *scriptedQueue) Read(ctx context.Context, channelName string, v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.reads) == 0 {
		q.cancel()
		return rabbitmq.ErrEmptyQueue
	}

	next := q.reads[0]
	q.reads = q.reads[1:]

	if err, ok := next.(error); ok {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (q *scriptedQueue) Reconnect(ctx context.Context) (rabbitmq.Connection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconnects++
	return nil, q.reconnErr
}

type recordingProcessor struct {
	mu    sync.Mutex
	jobs  []string
	block chan struct{}
	// ctxErr is the job context error observed once Process returns
	ctxErr error
}

func (p *recordingProcessor) Process(ctx context.Context, job *domain.JobMessage) *domain.Envelope {
	p.mu.Lock()
	p.jobs = append(p.jobs, job.ID)
	p.mu.Unlock()

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	p.ctxErr = ctx.Err()
	p.mu.Unlock()
	return &domain.Envelope{}
}

func newTestWorker(queue Queue, processor JobProcessor, grace time.Duration) *Worker {
	return NewWorker(&Config{
		Logger:        discardLogger(),
		Queue:         queue,
		Processor:     processor,
		Channel:       "chrome",
		Browser:       "chrome",
		PollInterval:  time.Millisecond,
		ShutdownGrace: grace,
	})
}

func TestWorker_Start(t *testing.T) {
	tests := []struct {
		name           string
		reads          []any
		reconnErr      error
		wantJobs       []string
		wantReconnects int
	}{
		{
			name:     "processes jobs in order",
			reads:    []any{testJob(), map[string]any{"id": "def"}},
			wantJobs: []string{"abc", "def"},
		},
		{
			name:     "empty queue keeps polling",
			reads:    []any{rabbitmq.ErrEmptyQueue, rabbitmq.ErrEmptyQueue, testJob()},
			wantJobs: []string{"abc"},
		},
		{
			name:     "malformed message is skipped",
			reads:    []any{fmt.Errorf("%w: bad json", rabbitmq.ErrMalformedMessage), testJob()},
			wantJobs: []string{"abc"},
		},
		{
			name:           "channel error reconnects",
			reads:          []any{rabbitmq.ErrChannelNotOpen, testJob()},
			wantJobs:       []string{"abc"},
			wantReconnects: 1,
		},
		{
			name:           "failed reconnect keeps trying",
			reads:          []any{rabbitmq.ErrChannelNotOpen, errors.New("connection reset"), testJob()},
			reconnErr:      rabbitmq.ErrBrokerUnavailable,
			wantJobs:       []string{"abc"},
			wantReconnects: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			queue := &scriptedQueue{reads: tt.reads, reconnErr: tt.reconnErr, cancel: cancel}
			processor := &recordingProcessor{}
			w := newTestWorker(queue, processor, time.Second)

			require.NoError(t, w.Start(ctx))

			assert.Equal(t, tt.wantJobs, processor.jobs)
			assert.Equal(t, tt.wantReconnects, queue.reconnects)
			assert.Equal(t, int64(len(tt.wantJobs)), w.Processed())
			assert.False(t, w.Busy())
		})
	}
}

func TestWorker_ShutdownGrace(t *testing.T) {
	t.Run("job finishing within grace completes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		queue := &scriptedQueue{reads: []any{testJob()}, cancel: cancel}
		processor := &recordingProcessor{block: make(chan struct{})}
		w := newTestWorker(queue, processor, time.Second)

		done := make(chan error, 1)
		go func() { done <- w.Start(ctx) }()

		require.Eventually(t, w.Busy, time.Second, time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(processor.block)

		require.NoError(t, <-done)
		assert.NoError(t, processor.ctxErr)
		assert.Equal(t, int64(1), w.Processed())
	})

	t.Run("job outliving grace is aborted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		queue := &scriptedQueue{reads: []any{testJob()}, cancel: cancel}
		processor := &recordingProcessor{block: make(chan struct{})}
		w := newTestWorker(queue, processor, 10*time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- w.Start(ctx) }()

		require.Eventually(t, w.Busy, time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop after grace period")
		}
		assert.ErrorIs(t, processor.ctxErr, context.Canceled)
	})
}
