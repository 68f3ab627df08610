// Package batch implements the batch store: a set of task IDs tracked
// as one unit, with atomic completion/failure marking via a Redis Lua
// script so concurrent workers never lose an update.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a batch ID has no record.
var ErrNotFound = errors.New("batch: not found")

// State is a Batch's lifecycle state.
type State string

const (
	StatePending            State = "pending"
	StateProcessing         State = "processing"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StatePartiallyCompleted State = "partially_completed"
	StateCancelled          State = "cancelled"
)

// Batch is the persisted record; CompletedTaskIDs/FailedTaskIDs are
// maintained as Redis sets alongside this struct, not embedded in it.
type Batch struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	State       State      `json:"state"`
	TaskIDs     []string   `json:"task_ids"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	batchKeyFmt     = "taskqueue:batch:%s"
	completedSetFmt = "taskqueue:batch:%s:completed"
	failedSetFmt    = "taskqueue:batch:%s:failed"
)

// markScript atomically: adds taskID to the completed or failed set
// (no duplicates), flips Pending -> Processing, and recomputes the
// terminal state once every task ID has landed in one of the sets.
// KEYS: 1=batch hash, 2=completed set, 3=failed set.
// ARGV: 1=taskID, 2=outcome ("completed"|"failed"), 3=nowRFC3339.
var markScript = redis.NewScript(`
local batchKey = KEYS[1]
local completedKey = KEYS[2]
local failedKey = KEYS[3]
local taskId = ARGV[1]
local outcome = ARGV[2]
local now = ARGV[3]

if redis.call('EXISTS', batchKey) == 0 then
  return {0, "batch not found"}
end

if outcome == "completed" then
  redis.call('SADD', completedKey, taskId)
else
  redis.call('SADD', failedKey, taskId)
end

local state = redis.call('HGET', batchKey, 'state')
if state == 'pending' then
  redis.call('HSET', batchKey, 'state', 'processing')
  state = 'processing'
end

local totalStr = redis.call('HGET', batchKey, 'total')
local total = tonumber(totalStr)
local completedCount = redis.call('SCARD', completedKey)
local failedCount = redis.call('SCARD', failedKey)

if (completedCount + failedCount) >= total then
  local newState
  if failedCount == 0 then
    newState = 'completed'
  elseif completedCount == 0 then
    newState = 'failed'
  else
    newState = 'partially_completed'
  end
  redis.call('HSET', batchKey, 'state', newState, 'completed_at', now)
  state = newState
end

return {1, state}
`)

// Store is the Redis-backed batch store.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func batchKey(id string) string     { return fmt.Sprintf(batchKeyFmt, id) }
func completedKey(id string) string { return fmt.Sprintf(completedSetFmt, id) }
func failedKey(id string) string    { return fmt.Sprintf(failedSetFmt, id) }

// Create stores a new Pending batch and indexes each task ID to it.
func (s *Store) Create(ctx context.Context, b *Batch) error {
	b.State = StatePending
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, batchKey(b.ID), map[string]any{
		"id":    b.ID,
		"name":  b.Name,
		"state": string(StatePending),
		"total": len(b.TaskIDs),
		"task_ids": mustJSON(b.TaskIDs),
		"created_at": b.CreatedAt.Format(time.RFC3339Nano),
	})
	for _, taskID := range b.TaskIDs {
		pipe.Set(ctx, fmt.Sprintf("taskqueue:batch:task_index:%s", taskID), b.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch: create: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// markTask is the shared implementation for MarkTaskCompleted/Failed.
func (s *Store) markTask(ctx context.Context, batchID, taskID, outcome string) (State, error) {
	res, err := markScript.Run(ctx, s.client,
		[]string{batchKey(batchID), completedKey(batchID), failedKey(batchID)},
		taskID, outcome, time.Now().UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return "", fmt.Errorf("batch: mark %s: %w", outcome, err)
	}
	if res[0].(int64) == 0 {
		return "", fmt.Errorf("batch: %s", res[1])
	}
	return State(res[1].(string)), nil
}

// MarkTaskCompleted records taskID as completed within batchID.
func (s *Store) MarkTaskCompleted(ctx context.Context, batchID, taskID string) (State, error) {
	return s.markTask(ctx, batchID, taskID, "completed")
}

// MarkTaskFailed records taskID as failed within batchID.
func (s *Store) MarkTaskFailed(ctx context.Context, batchID, taskID string) (State, error) {
	return s.markTask(ctx, batchID, taskID, "failed")
}

// Get returns the current batch record. The completed/failed sets are
// not read; Progress reports their combined size.
func (s *Store) Get(ctx context.Context, batchID string) (*Batch, error) {
	fields, err := s.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("batch: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	var taskIDs []string
	_ = json.Unmarshal([]byte(fields["task_ids"]), &taskIDs)
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])

	b := &Batch{
		ID:        fields["id"],
		Name:      fields["name"],
		State:     State(fields["state"]),
		TaskIDs:   taskIDs,
		CreatedAt: createdAt,
	}
	if completedAt, ok := fields["completed_at"]; ok && completedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, completedAt)
		if err == nil {
			b.CompletedAt = &t
		}
	}
	return b, nil
}

// Progress returns floor(100 * (completed+failed) / total).
func (s *Store) Progress(ctx context.Context, batchID string) (int, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if len(b.TaskIDs) == 0 {
		return 100, nil
	}
	completed, err := s.client.SCard(ctx, completedKey(batchID)).Result()
	if err != nil {
		return 0, err
	}
	failed, err := s.client.SCard(ctx, failedKey(batchID)).Result()
	if err != nil {
		return 0, err
	}
	return int(100 * (completed + failed) / int64(len(b.TaskIDs))), nil
}

// Delete removes the batch and its index entries.
func (s *Store) Delete(ctx context.Context, batchID string) error {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, batchKey(batchID), completedKey(batchID), failedKey(batchID))
	for _, taskID := range b.TaskIDs {
		pipe.Del(ctx, fmt.Sprintf("taskqueue:batch:task_index:%s", taskID))
	}
	_, err = pipe.Exec(ctx)
	return err
}
