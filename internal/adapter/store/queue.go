package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rinat3636/mybottg/internal/domain"
)

// Key layout for the task queue.
const (
	taskKeyPrefix   = "task:"
	taskQueueKey    = "task_queue"
	userQueuePrefix = "user_queue_count:"
	activeGenPrefix = "active_gen:"

	// TaskTTL bounds the lifetime of a task record in any state.
	TaskTTL = time.Hour
)

// Queue is the FIFO task list plus per-task status records (C4) and the
// per-user admission counters it shares with the admission controller.
type Queue struct {
	s         *Store
	userCap   int
	globalCap int
	lockTTL   time.Duration
}

// QueueConfig carries the admission caps and lock TTL.
type QueueConfig struct {
	UserCap   int
	GlobalCap int
	LockTTL   time.Duration
}

// NewQueue builds a queue with the configured caps.
func NewQueue(s *Store, cfg QueueConfig) *Queue {
	return &Queue{s: s, userCap: cfg.UserCap, globalCap: cfg.GlobalCap, lockTTL: cfg.LockTTL}
}

func taskKey(id string) string     { return taskKeyPrefix + id }
func userQueueKey(tg int64) string { return fmt.Sprintf("%s%d", userQueuePrefix, tg) }
func activeGenKey(tg int64) string { return fmt.Sprintf("%s%d", activeGenPrefix, tg) }

// Enqueue writes the task record with status queued and pushes its id to the
// queue tail. The global cap is checked first; the per-user slot must already
// be reserved by the caller. Returns the number of tasks that were waiting
// ahead.
func (q *Queue) Enqueue(ctx context.Context, rec domain.TaskRecord) (int, error) {
	qlen, err := q.s.ListLen(ctx, taskQueueKey)
	if err != nil {
		return 0, err
	}
	if qlen >= int64(q.globalCap) {
		return 0, fmt.Errorf("op=queue.enqueue id=%s: %w", rec.RequestID, domain.ErrGlobalQueueFull)
	}
	rec.Status = domain.TaskQueued
	if err := q.writeRecord(ctx, rec); err != nil {
		return 0, err
	}
	if err := q.s.PushTail(ctx, taskQueueKey, rec.RequestID); err != nil {
		// Roll the record back so no orphan survives until TTL.
		_ = q.s.Del(ctx, taskKey(rec.RequestID))
		return 0, err
	}
	return int(qlen), nil
}

// Dequeue pops the queue head and loads its record. ok is false when the
// queue is empty or the record expired; expired entries are skipped, not
// errors. The popping side releases the user's queued slot because the task
// is leaving the queued state.
func (q *Queue) Dequeue(ctx context.Context) (domain.TaskRecord, bool, error) {
	id, err := q.s.PopHead(ctx, taskQueueKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TaskRecord{}, false, nil
		}
		return domain.TaskRecord{}, false, err
	}
	rec, err := q.Task(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TaskRecord{}, false, nil
		}
		return domain.TaskRecord{}, false, err
	}
	if rec.TelegramID != 0 {
		if err := q.s.DecrFloor(ctx, userQueueKey(rec.TelegramID)); err != nil {
			// Counter self-heals over its TTL.
			return rec, true, nil
		}
	}
	return rec, true, nil
}

// RequeueHead parks a dequeued task back at the queue head, compensating the
// counter decrement done by Dequeue so the per-user slot stays reserved
// exactly once.
func (q *Queue) RequeueHead(ctx context.Context, rec domain.TaskRecord) error {
	if err := q.s.PushHead(ctx, taskQueueKey, rec.RequestID); err != nil {
		return err
	}
	if rec.TelegramID != 0 {
		if _, err := q.s.IncrWithTTL(ctx, userQueueKey(rec.TelegramID), TaskTTL); err != nil {
			return err
		}
	}
	return nil
}

// Task loads a task record by request id.
func (q *Queue) Task(ctx context.Context, id string) (domain.TaskRecord, error) {
	raw, err := q.s.Get(ctx, taskKey(id))
	if err != nil {
		return domain.TaskRecord{}, err
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("op=queue.task id=%s: %w", id, err)
	}
	return rec, nil
}

// Status returns the current status of a task; domain.ErrNotFound once the
// record expired.
func (q *Queue) Status(ctx context.Context, id string) (domain.TaskStatus, error) {
	rec, err := q.Task(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// SetStatus transitions a task along the status DAG. Illegal transitions
// return domain.ErrConflict; terminal states are absorbing.
func (q *Queue) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	rec, err := q.Task(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if !domain.CanTransition(rec.Status, status) {
		return fmt.Errorf("op=queue.set_status id=%s %s->%s: %w", id, rec.Status, status, domain.ErrConflict)
	}
	rec.Status = status
	if status == domain.TaskProcessing {
		rec.StartedAt = time.Now().Unix()
	}
	return q.writeRecord(ctx, rec)
}

// CancelQueued cancels a task that is still waiting in the queue: flips the
// status, removes the id from the list, and releases the user's queued slot.
// Returns the record so the caller can refund and unlock. ok is false when
// the task is not in the queued state.
func (q *Queue) CancelQueued(ctx context.Context, id string) (domain.TaskRecord, bool, error) {
	rec, err := q.Task(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TaskRecord{}, false, nil
		}
		return domain.TaskRecord{}, false, err
	}
	if rec.Status != domain.TaskQueued {
		return domain.TaskRecord{}, false, nil
	}
	rec.Status = domain.TaskCancelled
	if err := q.writeRecord(ctx, rec); err != nil {
		return domain.TaskRecord{}, false, err
	}
	if _, err := q.s.RemoveFirst(ctx, taskQueueKey, id); err != nil {
		return domain.TaskRecord{}, false, err
	}
	if rec.TelegramID != 0 {
		_ = q.s.DecrFloor(ctx, userQueueKey(rec.TelegramID))
	}
	return rec, true, nil
}

// CancelProcessing marks a processing task cancelled so the worker discards
// the result at its next checkpoint. ok is false unless the task is
// currently processing.
func (q *Queue) CancelProcessing(ctx context.Context, id string) (bool, error) {
	rec, err := q.Task(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.Status != domain.TaskProcessing {
		return false, nil
	}
	rec.Status = domain.TaskCancelled
	if err := q.writeRecord(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of queued task ids.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.s.ListLen(ctx, taskQueueKey)
}

// ReserveUserSlot increments the user's queued counter and rejects when the
// cap is exceeded, rolling the increment back.
func (q *Queue) ReserveUserSlot(ctx context.Context, telegramID int64) error {
	n, err := q.s.IncrWithTTL(ctx, userQueueKey(telegramID), TaskTTL)
	if err != nil {
		return err
	}
	if n > int64(q.userCap) {
		_ = q.s.DecrFloor(ctx, userQueueKey(telegramID))
		return fmt.Errorf("op=queue.reserve_user_slot user=%d: %w", telegramID, domain.ErrUserQueueFull)
	}
	return nil
}

// ReleaseUserSlot gives a reserved queued slot back.
func (q *Queue) ReleaseUserSlot(ctx context.Context, telegramID int64) error {
	return q.s.DecrFloor(ctx, userQueueKey(telegramID))
}

// UserQueuedCount reads the user's queued counter.
func (q *Queue) UserQueuedCount(ctx context.Context, telegramID int64) (int64, error) {
	v, err := q.s.Get(ctx, userQueueKey(telegramID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(v, &n); err != nil {
		return 0, nil
	}
	return n, nil
}

// AcquireActiveLock takes the per-user generation mutex with only-if-absent
// semantics. The value is the request id holding the lock.
func (q *Queue) AcquireActiveLock(ctx context.Context, telegramID int64, requestID string) (bool, error) {
	return q.s.SetIfAbsent(ctx, activeGenKey(telegramID), requestID, q.lockTTL)
}

// ReleaseActiveLock frees the per-user generation mutex.
func (q *Queue) ReleaseActiveLock(ctx context.Context, telegramID int64) error {
	return q.s.Del(ctx, activeGenKey(telegramID))
}

// ActiveRequestID returns the request id currently holding the user's lock,
// or domain.ErrNotFound.
func (q *Queue) ActiveRequestID(ctx context.Context, telegramID int64) (string, error) {
	return q.s.Get(ctx, activeGenKey(telegramID))
}

// ScanTasks returns all live task records. Used by the stuck-task reaper;
// the keyspace is bounded by the global queue cap plus in-flight tasks.
func (q *Queue) ScanTasks(ctx context.Context) ([]domain.TaskRecord, error) {
	keys, err := q.s.ScanKeys(ctx, taskKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskRecord, 0, len(keys))
	for _, k := range keys {
		raw, err := q.s.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec domain.TaskRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Queue) writeRecord(ctx context.Context, rec domain.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=queue.write_record id=%s: %w", rec.RequestID, err)
	}
	return q.s.Set(ctx, taskKey(rec.RequestID), string(raw), TaskTTL)
}
