package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/monitoring"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationStore is the durable side of the archive.
type ViolationStore interface {
	CopyBatch(ctx context.Context, batch []repository.ViolationRecord) error
	Insert(ctx context.Context, v repository.ViolationRecord) error
}

// Queue is the list the journal pushes violation records onto.
type Queue interface {
	// Pop blocks up to timeout. It returns ErrQueueEmpty when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Push(ctx context.Context, items ...[]byte) error
}

// ErrQueueEmpty is returned by Queue.Pop on timeout.
var ErrQueueEmpty = errors.New("queue empty")

// RedisQueue is a Queue on a Redis list.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue returns the queue consumed by ViolationWorker.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: config.WorkerKey.PersistViolationsQueue}
}

// Pop implements Queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", err
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

// Push implements Queue with a single pipeline.
func (q *RedisQueue) Push(ctx context.Context, items ...[]byte) error {
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		pipe.RPush(ctx, q.key, it)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Len reports how many records wait to be archived.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// ViolationWorker moves journaled violations into PostgreSQL in batches.
type ViolationWorker struct {
	store ViolationStore
	queue Queue
	log   zerolog.Logger

	// backoff pauses after a Redis error or a requeue.
	backoff func(ctx context.Context, d time.Duration)
}

func NewViolationWorker(store ViolationStore, queue Queue, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store:   store,
		queue:   queue,
		log:     log.With().Str("component", "violation_worker").Logger(),
		backoff: sleepCtx,
	}
}

// Start runs until ctx is cancelled, then flushes what is buffered. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]repository.ViolationRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		raw, err := w.queue.Pop(ctx, PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Queue error, sleeping 3s")
			w.backoff(ctx, 3*time.Second)
			continue
		}

		var rec repository.ViolationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.AttemptID == "" {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed violation record")
			continue
		}
		buffer = append(buffer, rec)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []repository.ViolationRecord) {
	if err := w.store.CopyBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	monitoring.ArchivedViolationsTotal.WithLabelValues("copied").Add(float64(len(batch)))
	w.log.Debug().Int("count", len(batch)).Msg("Violations archived")
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []repository.ViolationRecord) {
	var failed []repository.ViolationRecord
	for _, v := range batch {
		if err := w.store.Insert(ctx, v); err != nil {
			w.log.Error().Err(err).Str("attempt_id", v.AttemptID).Msg("Insert failed, requeueing")
			failed = append(failed, v)
			continue
		}
		monitoring.ArchivedViolationsTotal.WithLabelValues("inserted").Inc()
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []repository.ViolationRecord) {
	payloads := make([][]byte, 0, len(items))
	for _, v := range items {
		data, _ := json.Marshal(v)
		payloads = append(payloads, data)
	}
	// Requeue even while shutting down; the records are already out of Redis.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Push(pushCtx, payloads...); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	monitoring.ArchivedViolationsTotal.WithLabelValues("requeued").Add(float64(len(items)))
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations")
	w.backoff(ctx, 2*time.Second)
}

func (w *ViolationWorker) shutdown(buffer []repository.ViolationRecord) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer")
	if len(buffer) == 0 {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
