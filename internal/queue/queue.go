// Package queue implements a durable, at-least-once FIFO job queue on
// Redis: an active list per queue name, a Lua script that atomically pops
// an ID and fetches its envelope in one round-trip, and a parallel failed
// list for jobs that exhausted their retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailctl/mailctl/internal/mailerr"
)

// Job is one queued unit of work: a serialised message plus retry bookkeeping.
type Job struct {
	ID        string  `json:"id"`
	JobClass  string  `json:"job_class"`
	Payload   []byte  `json:"payload"`
	QueueName string  `json:"queue_name"`
	Attempts  int     `json:"attempts"`
	CreatedAt float64 `json:"created_at"`
	RetriedAt float64 `json:"retried_at,omitempty"`
}

// FailedRecord is a job that exhausted its retries, sidelined with the
// error that caused its final failure.
type FailedRecord struct {
	ID         string  `json:"id"`
	Job        Job     `json:"job"`
	Error      string  `json:"error"`
	FailedAt   float64 `json:"failed_at"`
}

// Config configures the Redis connection and key layout.
type Config struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	FailedKey  string
}

// Queue is a Redis-backed job queue.
type Queue struct {
	client    *redis.Client
	keyPrefix string
	failedKey string
	popScript *redis.Script
}

// popLuaScript atomically LPOPs a job ID off the active list and GETs
// (then deletes) its data key, so no two workers can ever observe the
// same envelope.
const popLuaScript = `
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
local data = redis.call('GET', KEYS[2] .. id)
redis.call('DEL', KEYS[2] .. id)
return {id, data}
`

// New constructs a Queue against the given Redis address.
func New(cfg Config) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: queue requires a redis address", mailerr.ErrConfig)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mailctl:"
	}
	if cfg.FailedKey == "" {
		cfg.FailedKey = "failed"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Queue{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		failedKey: cfg.FailedKey,
		popScript: redis.NewScript(popLuaScript),
	}, nil
}

// NewFromClient wraps an existing *redis.Client (used by tests against miniredis).
func NewFromClient(client *redis.Client, keyPrefix, failedKey string) *Queue {
	if keyPrefix == "" {
		keyPrefix = "mailctl:"
	}
	if failedKey == "" {
		failedKey = "failed"
	}
	return &Queue{client: client, keyPrefix: keyPrefix, failedKey: failedKey, popScript: redis.NewScript(popLuaScript)}
}

func (q *Queue) activeKey(queueName string) string {
	return q.keyPrefix + "queue:" + queueName
}

func (q *Queue) jobDataKey() string {
	return q.keyPrefix + "job:"
}

func (q *Queue) failedListKey() string {
	return q.keyPrefix + q.failedKey
}

func (q *Queue) failedDataKey(id string) string {
	return q.keyPrefix + q.failedKey + ":" + id
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func generateJobID() string {
	return "job_" + uuid.New().String()
}

// Push enqueues a new job onto queueName, assigning it a fresh ID.
func (q *Queue) Push(ctx context.Context, jobClass string, payload []byte, queueName string) (string, error) {
	id := generateJobID()
	job := Job{
		ID:        id,
		JobClass:  jobClass,
		Payload:   payload,
		QueueName: queueName,
		Attempts:  0,
		CreatedAt: nowSeconds(),
	}
	if err := q.storeAndPush(ctx, job); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) storeAndPush(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobDataKey()+job.ID, data, 24*time.Hour)
	pipe.RPush(ctx, q.activeKey(job.QueueName), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return nil
}

// Pop atomically removes and returns the oldest job on queueName, or
// (nil, nil) if the queue is empty.
func (q *Queue) Pop(ctx context.Context, queueName string) (*Job, error) {
	res, err := q.popScript.Run(ctx, q.client, []string{q.activeKey(queueName), q.jobDataKey()}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}

	// Lua `false` (empty queue) comes back as a nil interface, not an error.
	if res == nil {
		return nil, nil
	}
	resultSlice, ok := res.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return nil, nil
	}
	dataStr, ok := resultSlice[1].(string)
	if !ok || dataStr == "" {
		// the job's data key expired (TTL) before it was popped; treat as lost
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(dataStr), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Requeue pushes a job back onto its origin queue, preserving ID and
// CreatedAt and setting RetriedAt. Attempts is stored as given; the caller
// increments it before requeueing. This is the worker's only retry path;
// it never manipulates the underlying list directly.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	job.RetriedAt = nowSeconds()
	return q.storeAndPush(ctx, *job)
}

// Size reports the number of jobs currently pending on queueName.
func (q *Queue) Size(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, q.activeKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return n, nil
}

// Clear removes every pending job on queueName.
func (q *Queue) Clear(ctx context.Context, queueName string) error {
	ids, err := q.client.LRange(ctx, q.activeKey(queueName), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.activeKey(queueName))
	for _, id := range ids {
		pipe.Del(ctx, q.jobDataKey()+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return nil
}

// PushFailed sidelines a job that exhausted its retries (or hit a
// validation error), recording the error that caused the final failure.
func (q *Queue) PushFailed(ctx context.Context, job *Job, failErr error) error {
	record := FailedRecord{
		ID:       job.ID,
		Job:      *job,
		Error:    failErr.Error(),
		FailedAt: nowSeconds(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("queue: marshal failed record: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.failedDataKey(job.ID), data, 0)
	pipe.RPush(ctx, q.failedListKey(), job.ID)
	pipe.Del(ctx, q.jobDataKey()+job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return nil
}

// FailedJobs returns up to limit failed records, oldest first. limit<=0
// defaults to 100.
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]FailedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.failedListKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}

	records := make([]FailedRecord, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.Get(ctx, q.failedDataKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
		}
		var rec FailedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// FailedCount reports the number of sidelined jobs.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.failedListKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return n, nil
}

// RetryFailed moves one failed job back onto its origin active queue. It
// is not required to be atomic across both steps: if the process dies
// between them the job is still safely recoverable from the failed list.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) (bool, error) {
	data, err := q.client.Get(ctx, q.failedDataKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}

	var rec FailedRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return false, fmt.Errorf("queue: unmarshal failed record: %w", err)
	}

	if err := q.storeAndPush(ctx, rec.Job); err != nil {
		return false, err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.failedListKey(), 1, jobID)
	pipe.Del(ctx, q.failedDataKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return true, nil
}

// ClearFailed removes every sidelined job.
func (q *Queue) ClearFailed(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.failedListKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.failedListKey())
	for _, id := range ids {
		pipe.Del(ctx, q.failedDataKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrQueueUnavailable, err)
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
