package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/clipmaker/internal/services"
	"github.com/hibiken/asynq"
)

const (
	// JobTimeout bounds a single handler execution; a handler past it is
	// killed and the job counted failed.
	JobTimeout = 20 * time.Minute

	// DefaultMaxRetry is the try budget for transient failures.
	DefaultMaxRetry = 5

	// resultRetention keeps a completed task readable long enough for the
	// enqueuing pipeline to collect its result.
	resultRetention = 2 * time.Hour

	// How often AwaitResult checks the task state.
	awaitPollInterval = 2 * time.Second

	queueName = "default"
)

// ErrDuplicateJob signals that a job with the same id is already queued or
// running. The pipeline treats this as a fatal scheduling error for the stage.
var ErrDuplicateJob = errors.New("duplicate job id")

// Handle identifies an enqueued job for later result collection.
type Handle struct {
	ID   string
	Type string
}

// Queue wraps the asynq client and inspector behind the two operations the
// pipeline needs: fire a named job, then block on its result.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func New(redisAddr string) *Queue {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue schedules a named job. taskID deduplicates: a second enqueue with
// the same id while the first is still queued or running returns
// ErrDuplicateJob instead of creating a second job chain.
func (q *Queue) Enqueue(ctx context.Context, taskType, taskID string, payload interface{}) (*Handle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.TaskID(taskID),
		asynq.MaxRetry(DefaultMaxRetry),
		asynq.Timeout(JobTimeout),
		asynq.Retention(resultRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, ErrDuplicateJob
		}
		return nil, fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}

	log.Printf("[Queue] Enqueued %s (id=%s)", taskType, taskID)
	return &Handle{ID: taskID, Type: taskType}, nil
}

// AwaitResult blocks until the job reaches a terminal state or the timeout
// elapses, polling the broker. Only the calling goroutine blocks; other
// users' pipelines are unaffected.
//
// A completed job carrying an ErrorPayload envelope is returned as a typed
// adapter error so callers handle business failures and mechanical failures
// through one path.
func (q *Queue) AwaitResult(ctx context.Context, h *Handle, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s (id=%s) after %v", h.Type, h.ID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s cancelled: %w", h.Type, ctx.Err())
		case <-time.After(awaitPollInterval):
		}

		info, err := q.inspector.GetTaskInfo(queueName, h.ID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				// Retention expired or the task was never written; nothing to wait for.
				return nil, fmt.Errorf("job %s (id=%s) disappeared from the queue", h.Type, h.ID)
			}
			return nil, fmt.Errorf("failed to inspect job %s: %w", h.Type, err)
		}

		switch info.State {
		case asynq.TaskStateCompleted:
			return unwrapResult(h, info.Result)
		case asynq.TaskStateArchived:
			return nil, fmt.Errorf("job %s (id=%s) exhausted its retries: %s", h.Type, h.ID, info.LastErr)
		default:
			// pending, active, scheduled, retry — keep waiting
		}
	}
}

func unwrapResult(h *Handle, raw []byte) (json.RawMessage, error) {
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", h.Type, err)
	}

	if env.Error != nil {
		return nil, &services.Error{
			Kind:    services.Kind(env.Error.Code),
			Message: env.Error.Message,
			Detail:  env.Error.Details,
		}
	}

	return env.Result, nil
}

// WriteResult records a successful job result into the task's retained
// result slot. Called by worker handlers.
func WriteResult(t *asynq.Task, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	env, err := json.Marshal(resultEnvelope{Result: data})
	if err != nil {
		return fmt.Errorf("failed to marshal result envelope: %w", err)
	}
	// Tasks constructed outside the server (tests) carry no result writer.
	if w := t.ResultWriter(); w != nil {
		if _, err := w.Write(env); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

// WriteError records a business failure as the job's result. The job itself
// completes successfully; the caller distinguishes through the envelope.
func WriteError(t *asynq.Task, e *services.Error) error {
	env, err := json.Marshal(resultEnvelope{Error: &ErrorPayload{
		Code:    string(e.Kind),
		Message: e.Message,
		Details: e.Detail,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal error envelope: %w", err)
	}
	if w := t.ResultWriter(); w != nil {
		if _, err := w.Write(env); err != nil {
			return fmt.Errorf("failed to write error result: %w", err)
		}
	}
	return nil
}

// RetryDelay is the server's backoff policy: a linear ramp of 5 seconds per
// attempt, mirroring how the handlers themselves would ask to be deferred.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return time.Duration(n) * 5 * time.Second
}
