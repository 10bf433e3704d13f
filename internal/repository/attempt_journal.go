package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// ErrAttemptNotFound is returned when no start payload is journaled.
var ErrAttemptNotFound = errors.New("attempt not found in journal")

var _ attempt.Journal = (*AttemptJournal)(nil)

// AttemptMeta is the start payload kept so another connection can rebuild the session.
type AttemptMeta struct {
	LearnerID       int           `json:"learner_id"`
	TestSlug        string        `json:"test_slug"`
	AttemptID       string        `json:"attempt_id"`
	Items           []answer.Item `json:"items"`
	StartedAt       time.Time     `json:"started_at"`
	DurationMinutes int           `json:"duration_minutes"`
	MaxViolations   int           `json:"max_violations"`
}

// Progress is what the journal knows about a running attempt.
type Progress struct {
	Answers    map[string]string
	Violations []attempt.Violation
	Status     attempt.Status
}

// MonitorEvent is published on the test monitor channel for every journal write.
type MonitorEvent struct {
	Type      string    `json:"type"`
	LearnerID int       `json:"learner_id"`
	AttemptID string    `json:"attempt_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Violation string    `json:"violation,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// ViolationRecord is queued for the durable archive.
type ViolationRecord struct {
	LearnerID int    `json:"learner_id"`
	TestSlug  string `json:"test_slug"`
	AttemptID string `json:"attempt_id"`
	Type      string `json:"type"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// AttemptJournal stores attempt progress in Redis, fans it out to monitors
// and queues violations for PostgreSQL.
type AttemptJournal struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewAttemptJournal creates a journal whose keys expire after ttl.
func NewAttemptJournal(rdb *redis.Client, ttl time.Duration) *AttemptJournal {
	return &AttemptJournal{rdb: rdb, ttl: ttl, now: time.Now}
}

// SaveMeta stores the start payload of an attempt.
func (j *AttemptJournal) SaveMeta(ctx context.Context, meta AttemptMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode attempt meta: %w", err)
	}
	key := config.CacheKey.AttemptMetaKey(meta.LearnerID, meta.AttemptID)
	if err := j.rdb.Set(ctx, key, data, j.ttl).Err(); err != nil {
		return fmt.Errorf("store attempt meta: %w", err)
	}
	return nil
}

// LoadMeta returns the start payload or ErrAttemptNotFound.
func (j *AttemptJournal) LoadMeta(ctx context.Context, learnerID int, attemptID string) (*AttemptMeta, error) {
	data, err := j.rdb.Get(ctx, config.CacheKey.AttemptMetaKey(learnerID, attemptID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt meta: %w", err)
	}
	var meta AttemptMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode attempt meta: %w", err)
	}
	return &meta, nil
}

// LoadProgress reads answers, violations and status in one round trip.
func (j *AttemptJournal) LoadProgress(ctx context.Context, learnerID int, attemptID string) (*Progress, error) {
	pipe := j.rdb.Pipeline()
	answersCmd := pipe.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(learnerID, attemptID))
	violationsCmd := pipe.LRange(ctx, config.CacheKey.AttemptViolationsKey(learnerID, attemptID), 0, -1)
	statusCmd := pipe.Get(ctx, config.CacheKey.AttemptStatusKey(learnerID, attemptID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load attempt progress: %w", err)
	}

	p := &Progress{Answers: answersCmd.Val(), Status: attempt.StatusInProgress}
	if s := statusCmd.Val(); s != "" {
		p.Status = attempt.Status(s)
	}
	for _, raw := range violationsCmd.Val() {
		var v attempt.Violation
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		p.Violations = append(p.Violations, v)
	}
	return p, nil
}

// SaveAnswer implements attempt.Journal.
func (j *AttemptJournal) SaveAnswer(ctx context.Context, ref attempt.Ref, itemID, encoded string) error {
	key := config.CacheKey.AttemptAnswersKey(ref.LearnerID, ref.AttemptID)

	pipe := j.rdb.Pipeline()
	pipe.HSet(ctx, key, itemID, encoded)
	pipe.Expire(ctx, key, j.ttl)
	j.publish(ctx, pipe, ref, MonitorEvent{Type: "answer", ItemID: itemID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal answer: %w", err)
	}
	return nil
}

// AppendViolation implements attempt.Journal. The violation is also queued
// for the archive worker.
func (j *AttemptJournal) AppendViolation(ctx context.Context, ref attempt.Ref, v attempt.Violation) error {
	entry, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}
	record, err := json.Marshal(ViolationRecord{
		LearnerID: ref.LearnerID,
		TestSlug:  ref.TestSlug,
		AttemptID: ref.AttemptID,
		Type:      string(v.Type),
		Timestamp: v.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode violation record: %w", err)
	}

	key := config.CacheKey.AttemptViolationsKey(ref.LearnerID, ref.AttemptID)
	pipe := j.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.Expire(ctx, key, j.ttl)
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, record)
	j.publish(ctx, pipe, ref, MonitorEvent{Type: "violation", Violation: string(v.Type), At: v.Timestamp})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal violation: %w", err)
	}
	return nil
}

// SetStatus implements attempt.Journal.
func (j *AttemptJournal) SetStatus(ctx context.Context, ref attempt.Ref, status attempt.Status) error {
	pipe := j.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.AttemptStatusKey(ref.LearnerID, ref.AttemptID), string(status), j.ttl)
	j.publish(ctx, pipe, ref, MonitorEvent{Type: "status", Status: string(status)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal status: %w", err)
	}
	return nil
}

// Subscribe opens the monitor channel of a test.
func (j *AttemptJournal) Subscribe(ctx context.Context, testSlug string) *redis.PubSub {
	return j.rdb.Subscribe(ctx, config.CacheKey.TestMonitorChannel(testSlug))
}

func (j *AttemptJournal) publish(ctx context.Context, pipe redis.Pipeliner, ref attempt.Ref, ev MonitorEvent) {
	ev.LearnerID = ref.LearnerID
	ev.AttemptID = ref.AttemptID
	if ev.At.IsZero() {
		ev.At = j.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(ref.TestSlug), data)
}
