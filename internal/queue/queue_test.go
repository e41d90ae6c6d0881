package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, "test:", "failed")
}

func TestPushAndPopFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Push(ctx, "SendEmail", []byte("payload-1"), "default")
	require.NoError(t, err)
	id2, err := q.Push(ctx, "SendEmail", []byte("payload-2"), "default")
	require.NoError(t, err)

	job1, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, id1, job1.ID)

	job2, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, id2, job2.ID)

	job3, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, job3)
}

func TestPopIsAtLeastOnce(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Push(ctx, "SendEmail", []byte("payload"), "default")
	require.NoError(t, err)

	job, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 0, job.Attempts)
}

func TestRequeuePreservesIdentityAndIncrementsAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Push(ctx, "SendEmail", []byte("payload"), "default")
	require.NoError(t, err)

	job, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	createdAt := job.CreatedAt

	job.Attempts++
	require.NoError(t, q.Requeue(ctx, job))

	requeued, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, id, requeued.ID)
	assert.Equal(t, createdAt, requeued.CreatedAt)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Greater(t, requeued.RetriedAt, 0.0)
}

func TestRetriesGoToTail(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idA, err := q.Push(ctx, "SendEmail", []byte("a"), "default")
	require.NoError(t, err)
	_, err = q.Push(ctx, "SendEmail", []byte("b"), "default")
	require.NoError(t, err)

	jobA, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, idA, jobA.ID)
	require.NoError(t, q.Requeue(ctx, jobA))

	first, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "b", string(first.Payload))

	second, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, idA, second.ID)
}

func TestPushFailedAndFailedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, "SendEmail", []byte("payload"), "default")
	require.NoError(t, err)
	job, err := q.Pop(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, q.PushFailed(ctx, job, errors.New("boom")))

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	records, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, job.ID, records[0].ID)
	assert.Equal(t, "boom", records[0].Error)

	size, err := q.Size(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestRetryFailedMovesBackToActive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, "SendEmail", []byte("payload"), "default")
	require.NoError(t, err)
	job, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, q.PushFailed(ctx, job, errors.New("boom")))

	ok, err := q.RetryFailed(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	retried, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
}

func TestClearFailedRemovesAll(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, "SendEmail", []byte("payload"), "default")
	require.NoError(t, err)
	job, err := q.Pop(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, q.PushFailed(ctx, job, errors.New("boom")))

	require.NoError(t, q.ClearFailed(ctx))

	count, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}
