// Package queue implements the durable job queues over the shared Redis
// broker: at-least-once delivery, per-job retry with exponential backoff, a
// dead-letter tier, and bounded consumer concurrency.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Queue names shared with the control-plane producers.
const (
	DeviceCommands   = "device_commands"
	OutboundMessages = "outbound_messages"
	WebhookDispatch  = "webhook_dispatch"
)

// Job names.
const (
	JobConnect             = "connect"
	JobDisconnect          = "disconnect"
	JobResetSenderSessions = "reset-sender-sessions"
	JobSend                = "send"
	JobDeliver             = "deliver"
)

const (
	keyPrefix   = "cw:q:"
	popTimeout  = time.Second
	promoteTick = 500 * time.Millisecond
)

// Disposition is the handler outcome. The runtime encodes retry policy from
// the variant, not from raised errors.
type Disposition int

const (
	// Done acknowledges the job.
	Done Disposition = iota
	// Retry reschedules with backoff until attempts are exhausted.
	Retry
	// Terminal drops the job without retry; the handler already recorded the
	// failure on the row.
	Terminal
)

// Result pairs a disposition with a reason for the failure hook.
type Result struct {
	Disposition Disposition
	Reason      string
}

func Ok() Result { return Result{Disposition: Done} }
func RetryWith(reason string) Result { return Result{Disposition: Retry, Reason: reason} }
func TerminalWith(reason string) Result { return Result{Disposition: Terminal, Reason: reason} }

// Job is one unit of work. Attempts counts executions already made.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffBase time.Duration   `json:"backoffBase"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Options control retry policy at enqueue time.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) Result

// FailureHook runs after every failed attempt, retryable or not. willRetry is
// false on the last attempt, at which point the job has moved to the DLQ.
type FailureHook func(ctx context.Context, job *Job, reason string, willRetry bool, nextRetryAt time.Time)

// Queue is one named durable queue.
type Queue struct {
	rdb  *redis.Client
	name string
}

// Broker hands out queues over one shared Redis connection.
type Broker struct {
	rdb *redis.Client
}

// Connect parses the URL and verifies the broker connection.
func Connect(ctx context.Context, url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return &Broker{rdb: rdb}, nil
}

// NewBroker wraps an existing client (tests).
func NewBroker(rdb *redis.Client) *Broker { return &Broker{rdb: rdb} }

// Close releases the connection.
func (b *Broker) Close() error { return b.rdb.Close() }

// Queue returns a handle on a named queue.
func (b *Broker) Queue(name string) *Queue {
	return &Queue{rdb: b.rdb, name: name}
}

func (q *Queue) readyKey() string   { return keyPrefix + q.name }
func (q *Queue) delayedKey() string { return keyPrefix + q.name + ":delayed" }
func (q *Queue) dlqKey() string     { return keyPrefix + q.name + ":dlq" }

// Enqueue pushes a job for immediate execution. FIFO holds per producer.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		EnqueuedAt:  time.Now().UTC(),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.BackoffBase <= 0 {
		job.BackoffBase = time.Second
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue %s/%s: %w", q.name, name, err)
	}
	return job.ID, nil
}

// Depth reports ready, delayed and dead-letter counts for observability.
func (q *Queue) Depth(ctx context.Context) (ready, delayed, dlq int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.readyKey()).Result(); err != nil {
		return
	}
	if delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return
	}
	dlq, err = q.rdb.LLen(ctx, q.dlqKey()).Result()
	return
}

// Consume processes jobs with at most `concurrency` in flight until ctx is
// cancelled. Delayed jobs are promoted back to the ready list when due.
func (q *Queue) Consume(ctx context.Context, concurrency int, handler Handler, onFailure FailureHook) error {
	if concurrency < 1 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)
	promote := time.NewTicker(promoteTick)
	defer promote.Stop()

	log.Info().Str("queue", q.name).Int("concurrency", concurrency).Msg("Queue consumer started")

	for {
		select {
		case <-ctx.Done():
			// Let in-flight jobs drain.
			for i := 0; i < concurrency; i++ {
				slots <- struct{}{}
			}
			return ctx.Err()
		case <-promote.C:
			q.promoteDue(ctx)
		default:
		}

		data, err := q.rdb.BRPop(ctx, popTimeout, q.readyKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Warn().Err(err).Str("queue", q.name).Msg("Queue pop failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(data[1]), &job); err != nil {
			log.Error().Err(err).Str("queue", q.name).Msg("Dropping undecodable job")
			continue
		}

		slots <- struct{}{}
		go func(job Job) {
			defer func() { <-slots }()
			q.runJob(ctx, &job, handler, onFailure)
		}(job)
	}
}

func (q *Queue) runJob(ctx context.Context, job *Job, handler Handler, onFailure FailureHook) {
	result := handler(ctx, job)
	switch result.Disposition {
	case Done, Terminal:
		return
	case Retry:
		job.Attempts++
		willRetry := job.Attempts < job.MaxAttempts
		delay := backoffDelay(job.BackoffBase, job.Attempts)
		nextRetryAt := time.Now().UTC().Add(delay)

		if onFailure != nil {
			onFailure(ctx, job, result.Reason, willRetry, nextRetryAt)
		}

		if !willRetry {
			q.moveToDLQ(ctx, job)
			return
		}
		if err := q.schedule(ctx, job, nextRetryAt); err != nil {
			log.Error().Err(err).Str("queue", q.name).Str("jobId", job.ID).Msg("Reschedule failed, job lost until restart")
		}
	}
}

// backoffDelay is base * 2^attempts: 2s, 4s, 8s, ... after attempts 1, 2, 3
// with a 1s base.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base << uint(attempts)
	const maxDelay = 10 * time.Minute
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func (q *Queue) schedule(ctx context.Context, job *Job, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

func (q *Queue) moveToDLQ(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := q.rdb.LPush(ctx, q.dlqKey(), data).Err(); err != nil {
		log.Error().Err(err).Str("queue", q.name).Str("jobId", job.ID).Msg("DLQ push failed")
		return
	}
	log.Warn().Str("queue", q.name).Str("jobId", job.ID).Str("job", job.Name).
		Int("attempts", job.Attempts).Msg("Job moved to DLQ")
}

// promoteDue moves delayed jobs whose time has come back onto the ready list.
func (q *Queue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it first
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			log.Error().Err(err).Str("queue", q.name).Msg("Promote failed, rescheduling")
			_ = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: 0, Member: member}).Err()
		}
	}
}
