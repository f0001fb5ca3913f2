package jobrunner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		UploadsConcurrency:         1,
		BatchProcessingConcurrency: 1,
		DeliveryConcurrency:        2,
		DefaultConcurrency:         1,
	}
}

// instrumentedJob reports the wrapped job's result on a channel, since
// worker.SpawnWorkerPool only logs Result and does not expose it to callers.
type instrumentedJob struct {
	inner worker.Job
	done  chan error
}

func (j instrumentedJob) Execute(ctx context.Context) worker.Result {
	res := j.inner.Execute(ctx)
	j.done <- res.Error()
	return res
}

func TestRunner_Submit_RunsJobOnNamedQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), testLogger())
	defer r.Stop()

	var ran atomic.Bool
	done := make(chan struct{})
	err := r.Submit(ctx, QueueUploads, NewJob("test", func(ctx context.Context) error {
		ran.Store(true)
		close(done)
		return nil
	}))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run in time")
	}
	assert.True(t, ran.Load())
}

func TestRunner_Submit_UnknownQueueErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), testLogger())
	defer r.Stop()

	err := r.Submit(ctx, QueueName("bogus"), NewJob("test", func(ctx context.Context) error { return nil }))
	assert.Error(t, err)
}

func TestRetryJob_RetriesUntilNonRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), testLogger())
	defer r.Stop()

	var attempts atomic.Int32
	done := make(chan error, 1)
	job := NewRetryJob("deliver", 5, ExponentialBackoff(time.Millisecond, 10*time.Millisecond), testLogger(),
		func(ctx context.Context, attempt int) (bool, error) {
			n := attempts.Add(1)
			return n < 3, nil
		})
	require.NoError(t, r.Submit(ctx, QueueDelivery, instrumentedJob{inner: job, done: done}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry job did not complete in time")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryJob_StopsOnHardError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), testLogger())
	defer r.Stop()

	var attempts atomic.Int32
	done := make(chan error, 1)
	job := NewRetryJob("deliver", 5, ExponentialBackoff(time.Millisecond, 10*time.Millisecond), testLogger(),
		func(ctx context.Context, attempt int) (bool, error) {
			attempts.Add(1)
			return false, errors.New("boom")
		})
	require.NoError(t, r.Submit(ctx, QueueDelivery, instrumentedJob{inner: job, done: done}))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry job did not complete in time")
	}
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunner_Schedule_EnqueuesPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), testLogger())
	defer r.Stop()

	var count atomic.Int32
	r.Schedule(ctx, 5*time.Millisecond, QueueDefault, "sweep", func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	require.Eventually(t, func() bool {
		return count.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}
