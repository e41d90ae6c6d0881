package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
	"github.com/mailctl/mailctl/internal/queue"
)

type fakeTransport struct {
	mu       sync.Mutex
	err      error
	sendFunc func(ctx context.Context, msg *message.Message) error
	calls    int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg *message.Message) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(ctx, msg)
	}
	return f.err
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewFromClient(client, "test:", "failed")
}

func decodeStub(payload []byte) (*message.Message, error) {
	return message.New("to@example.com", "hi", string(payload), message.ContentTypeText)
}

func TestWorkerSuccessDoesNotRequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Push(ctx, "SendEmail", []byte("body"), "default")
	require.NoError(t, err)

	ft := &fakeTransport{}
	w := New(Config{QueueName: "default", Sleep: 10 * time.Millisecond}, q, ft, decodeStub, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	size, err := q.Size(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
	assert.Equal(t, 1, ft.calls)
}

func TestWorkerRetriesUntilMaxTries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Push(ctx, "SendEmail", []byte("body"), "default")
	require.NoError(t, err)

	ft := &fakeTransport{err: errors.New("smtp down")}
	w := New(Config{QueueName: "default", Sleep: 5 * time.Millisecond, MaxTries: 3}, q, ft, decodeStub, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	failedCount, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, failedCount)

	records, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Job.Attempts)
}

func TestWorkerValidationErrorSkipsRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Push(ctx, "SendEmail", []byte("body"), "default")
	require.NoError(t, err)

	ft := &fakeTransport{err: mailerr.ErrSubjectMissing}
	w := New(Config{QueueName: "default", Sleep: 5 * time.Millisecond, MaxTries: 5}, q, ft, decodeStub, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	failedCount, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, failedCount)
	assert.Equal(t, 1, ft.calls)
}
