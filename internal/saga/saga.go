// Package saga implements the saga store: a multi-step workflow with
// forward execution and compensation. Every update of a stored saga is
// a compare-and-swap: the saga is read with a plain GET, mutated in Go,
// and written back by a Lua script that applies the write (with the
// state-index move and any terminal TTL) only if the stored value is
// still the one that was read. A lost race re-runs the whole
// read-mutate-write cycle, so concurrent workers updating different
// steps of the same saga never lose an update. Create writes its
// task-index entries with separate commands after its script.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is a Saga's lifecycle state.
type State string

const (
	StateCreated            State = "created"
	StateExecuting           State = "executing"
	StateCompensating       State = "compensating"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateCompensated        State = "compensated"
	StateCompensationFailed State = "compensation_failed"
	StateCancelled          State = "cancelled"
)

func (s State) isTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateCompensationFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StepState is a SagaStep's lifecycle state.
type StepState string

const (
	StepPending            StepState = "pending"
	StepExecuting          StepState = "executing"
	StepCompleted          StepState = "completed"
	StepFailed             StepState = "failed"
	StepCompensating       StepState = "compensating"
	StepCompensated        StepState = "compensated"
	StepCompensationFailed StepState = "compensation_failed"
)

// Step is one unit of forward/compensating work within a Saga.
type Step struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Order                  int        `json:"order"`
	ExecuteTaskSignature   string     `json:"execute_task_signature"`
	CompensateTaskSignature string    `json:"compensate_task_signature,omitempty"`
	State                  StepState  `json:"state"`
	ExecuteTaskID          string     `json:"execute_task_id,omitempty"`
	CompensateTaskID       string     `json:"compensate_task_id,omitempty"`
	Result                 string     `json:"result,omitempty"`
	Error                  string     `json:"error,omitempty"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

// Saga is the persisted workflow record.
type Saga struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	State            State      `json:"state"`
	CurrentStepIndex int        `json:"current_step_index"`
	Steps            []Step     `json:"steps"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

const (
	sagaKeyFmt      = "taskqueue:saga:%s"
	stateIndexFmt   = "taskqueue:saga:state:%s"
	taskIndexFmt    = "taskqueue:saga:task_index:%s"
)

func sagaKey(id string) string    { return fmt.Sprintf(sagaKeyFmt, id) }
func stateIndex(s State) string   { return fmt.Sprintf(stateIndexFmt, s) }
func taskIndex(id string) string  { return fmt.Sprintf(taskIndexFmt, id) }

// Store is the Redis-backed saga store.
type Store struct {
	client      *redis.Client
	completedTTL time.Duration
}

// New builds a Store. completedTTL is applied to a saga's key once it
// reaches a terminal state, rounded up to whole seconds; zero means no
// expiry. Task-index entries are not given a TTL.
func New(client *redis.Client, completedTTL time.Duration) *Store {
	return &Store{client: client, completedTTL: completedTTL}
}

// ErrConcurrentUpdate marks a swap that lost a compare-and-swap race
// against another writer updating the same saga. withRetry treats it
// like a transient error: the whole load-mutate-write cycle re-runs
// against the freshly stored value, so a losing update is re-applied
// rather than silently dropped. Per spec, concurrent step updates on
// the same saga must be serialized by the store, never last-writer-wins.
var ErrConcurrentUpdate = errors.New("saga: changed concurrently")

func isConcurrentUpdateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "saga changed concurrently")
}

// isTransient classifies connection/timeout/loading errors, plus a
// lost compare-and-swap race (ErrConcurrentUpdate), as retryable, per
// the store's resilience policy.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrentUpdate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "busy", "loading", "i/o timeout", "reset by peer"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs op up to 5 times with linear backoff while it
// fails with a transient error. Compare-and-swap collisions (saga.swap)
// need more headroom than plain connection hiccups since several
// workers can legitimately race to update different steps of the same
// saga at once.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// createScript stores the saga blob and adds it to its initial state
// index; Create indexes the steps' task IDs afterwards.
// KEYS[1] = saga key. ARGV[1] = saga JSON. ARGV[2] = state index key.
// ARGV[3] = createdAt unix seconds.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('saga already exists')
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', ARGV[2], ARGV[3], KEYS[1])
return 'OK'
`)

// Create stores a new saga, indexing it by its initial state.
func (s *Store) Create(ctx context.Context, saga *Saga) error {
	if saga.State == "" {
		saga.State = StateCreated
	}
	data, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("saga: marshal: %w", err)
	}
	return withRetry(ctx, func() error {
		err := createScript.Run(ctx, s.client, []string{sagaKey(saga.ID)},
			string(data), stateIndex(saga.State), saga.CreatedAt.Unix()).Err()
		if err != nil {
			return fmt.Errorf("saga: create: %w", err)
		}
		for _, step := range saga.Steps {
			if step.ExecuteTaskID != "" {
				s.client.Set(ctx, taskIndex(step.ExecuteTaskID), saga.ID, 0)
			}
			if step.CompensateTaskID != "" {
				s.client.Set(ctx, taskIndex(step.CompensateTaskID), saga.ID, 0)
			}
		}
		return nil
	})
}

func (s *Store) load(ctx context.Context, id string) (*Saga, error) {
	data, err := s.client.Get(ctx, sagaKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("saga: %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load: %w", err)
	}
	var saga Saga
	if err := json.Unmarshal(data, &saga); err != nil {
		return nil, fmt.Errorf("saga: unmarshal: %w", err)
	}
	return &saga, nil
}

// swapScript conditionally writes a saga back only if the stored
// version still matches oldVersion (optimistic concurrency), atomic
// with the state-index move. KEYS[1]=saga key. ARGV[1]=expected old
// JSON, ARGV[2]=new JSON, ARGV[3]=old state index key (may be empty),
// ARGV[4]=new state index key (may be empty), ARGV[5]=score, ARGV[6]=ttl seconds (0=none).
var swapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
  return redis.error_reply('saga changed concurrently')
end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[3] ~= '' then
  redis.call('ZREM', ARGV[3], KEYS[1])
end
if ARGV[4] ~= '' then
  redis.call('ZADD', ARGV[4], ARGV[5], KEYS[1])
end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 'OK'
`)

// swap performs a compare-and-swap update of the stored saga,
// retrying the whole load-mutate-write cycle if another writer races
// it. mutate must be a pure function of the loaded saga.
func (s *Store) swap(ctx context.Context, id string, mutate func(*Saga) error) (*Saga, error) {
	var result *Saga
	err := withRetry(ctx, func() error {
		saga, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		oldData, err := json.Marshal(saga)
		if err != nil {
			return err
		}
		oldState := saga.State

		if err := mutate(saga); err != nil {
			return err
		}

		newData, err := json.Marshal(saga)
		if err != nil {
			return err
		}

		oldIdx, newIdx := "", ""
		if saga.State != oldState {
			oldIdx = stateIndex(oldState)
			newIdx = stateIndex(saga.State)
		}
		ttl := 0
		if saga.State.isTerminal() && s.completedTTL > 0 {
			ttl = int((s.completedTTL + time.Second - 1) / time.Second)
		}

		runErr := swapScript.Run(ctx, s.client, []string{sagaKey(id)},
			string(oldData), string(newData), oldIdx, newIdx, saga.CreatedAt.Unix(), ttl).Err()
		if runErr != nil {
			if isConcurrentUpdateErr(runErr) {
				return fmt.Errorf("saga: swap: %w", ErrConcurrentUpdate)
			}
			return fmt.Errorf("saga: swap: %w", runErr)
		}
		result = saga
		return nil
	})
	return result, err
}

// UpdateState moves the saga between state indexes, stamping
// CompletedAt and applying a TTL on terminal transitions.
func (s *Store) UpdateState(ctx context.Context, id string, newState State, failureReason string) (*Saga, error) {
	return s.swap(ctx, id, func(saga *Saga) error {
		if saga.State == newState {
			return nil
		}
		saga.State = newState
		if failureReason != "" {
			saga.FailureReason = failureReason
		}
		if newState.isTerminal() {
			now := time.Now().UTC()
			saga.CompletedAt = &now
		}
		return nil
	})
}

// StepUpdate carries the optional fields UpdateStepState may set.
type StepUpdate struct {
	TaskID           *string
	CompensateTaskID *string
	Result           *string
	ErrorMessage     *string
}

// UpdateStepState updates the matching step, applying the
// auto-transition rule: if the step moves to Failed and an earlier
// step is Completed with a compensate task defined, the saga moves to
// Compensating; otherwise it moves to Failed.
func (s *Store) UpdateStepState(ctx context.Context, id, stepID string, newState StepState, update StepUpdate) (*Saga, error) {
	return s.swap(ctx, id, func(saga *Saga) error {
		idx := findStep(saga.Steps, stepID)
		if idx < 0 {
			return fmt.Errorf("saga: step %s not found", stepID)
		}
		step := &saga.Steps[idx]
		now := time.Now().UTC()

		switch newState {
		case StepExecuting:
			step.StartedAt = &now
		case StepCompleted, StepFailed:
			step.CompletedAt = &now
		}
		step.State = newState
		if update.TaskID != nil {
			step.ExecuteTaskID = *update.TaskID
		}
		if update.CompensateTaskID != nil {
			step.CompensateTaskID = *update.CompensateTaskID
		}
		if update.Result != nil {
			step.Result = *update.Result
		}
		if update.ErrorMessage != nil {
			step.Error = *update.ErrorMessage
		}

		if newState == StepFailed {
			needsCompensation := false
			for i := 0; i < idx; i++ {
				if saga.Steps[i].State == StepCompleted && saga.Steps[i].CompensateTaskSignature != "" {
					needsCompensation = true
					break
				}
			}
			if needsCompensation {
				saga.State = StateCompensating
			} else {
				saga.State = StateFailed
				saga.FailureReason = step.Error
				saga.CompletedAt = &now
			}
		}
		return nil
	})
}

func findStep(steps []Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// AdvanceStep increments CurrentStepIndex; if it reaches the step
// count, the saga transitions to Completed.
func (s *Store) AdvanceStep(ctx context.Context, id string) (*Saga, error) {
	return s.swap(ctx, id, func(saga *Saga) error {
		saga.CurrentStepIndex++
		if saga.CurrentStepIndex >= len(saga.Steps) {
			saga.State = StateCompleted
			now := time.Now().UTC()
			saga.CompletedAt = &now
		}
		return nil
	})
}

// MarkStepCompensated sets the step's terminal compensation state.
// Once no step remains in Completed or Compensating with a compensate
// task defined, the saga reaches its own compensation-terminal state:
// CompensationFailed if any step ended CompensationFailed, else
// Compensated.
func (s *Store) MarkStepCompensated(ctx context.Context, id, stepID string, success bool, compensateTaskID, errorMessage string) (*Saga, error) {
	return s.swap(ctx, id, func(saga *Saga) error {
		idx := findStep(saga.Steps, stepID)
		if idx < 0 {
			return fmt.Errorf("saga: step %s not found", stepID)
		}
		step := &saga.Steps[idx]
		now := time.Now().UTC()
		if success {
			step.State = StepCompensated
		} else {
			step.State = StepCompensationFailed
			step.Error = errorMessage
		}
		if compensateTaskID != "" {
			step.CompensateTaskID = compensateTaskID
		}
		step.CompletedAt = &now

		pendingCompensation := false
		anyCompensationFailed := false
		for _, st := range saga.Steps {
			if (st.State == StepCompleted || st.State == StepCompensating) && st.CompensateTaskSignature != "" {
				pendingCompensation = true
			}
			if st.State == StepCompensationFailed {
				anyCompensationFailed = true
			}
		}
		if !pendingCompensation {
			if anyCompensationFailed {
				saga.State = StateCompensationFailed
			} else {
				saga.State = StateCompensated
			}
			saga.CompletedAt = &now
		}
		return nil
	})
}

// deleteScript atomically removes the saga, its task-index entries,
// and its state-index membership.
var deleteScript = redis.NewScript(`
local sagaKey = KEYS[1]
local data = redis.call('GET', sagaKey)
if not data then
  return 0
end
local saga = cjson.decode(data)
redis.call('ZREM', ARGV[1], sagaKey)
redis.call('DEL', sagaKey)
for _, step in ipairs(saga.steps) do
  if step.execute_task_id and step.execute_task_id ~= '' then
    redis.call('DEL', 'taskqueue:saga:task_index:' .. step.execute_task_id)
  end
  if step.compensate_task_id and step.compensate_task_id ~= '' then
    redis.call('DEL', 'taskqueue:saga:task_index:' .. step.compensate_task_id)
  end
end
return 1
`)

// Delete atomically removes the saga, its task-index entries, and its
// state-index membership.
func (s *Store) Delete(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		saga, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		res, err := deleteScript.Run(ctx, s.client, []string{sagaKey(id)}, stateIndex(saga.State)).Int64()
		if err != nil {
			return fmt.Errorf("saga: delete: %w", err)
		}
		if res == 0 {
			return fmt.Errorf("saga: %s not found", id)
		}
		return nil
	})
}

// GetSagaIDForTask reverse-looks-up the saga owning taskID.
func (s *Store) GetSagaIDForTask(ctx context.Context, taskID string) (string, error) {
	id, err := s.client.Get(ctx, taskIndex(taskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("saga: getSagaIdForTask: %w", err)
	}
	return id, nil
}

// GetByState returns up to limit sagas in state, newest-created first.
func (s *Store) GetByState(ctx context.Context, state State, limit int64) ([]*Saga, error) {
	keys, err := s.client.ZRevRange(ctx, stateIndex(state), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("saga: getByState: %w", err)
	}
	sagas := make([]*Saga, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var saga Saga
		if err := json.Unmarshal(data, &saga); err != nil {
			continue
		}
		sagas = append(sagas, &saga)
	}
	return sagas, nil
}

// Get returns the saga by ID.
func (s *Store) Get(ctx context.Context, id string) (*Saga, error) {
	return s.load(ctx, id)
}
