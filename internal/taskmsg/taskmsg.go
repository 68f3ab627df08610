// Package taskmsg defines the wire envelope exchanged between
// producers, the broker, and workers: TaskMessage, BrokerDelivery, and
// TaskResult.
package taskmsg

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is a coarse scheduling class, 0 (lowest) through 9 (highest).
type Priority int

const (
	PriorityLowest  Priority = 0
	PriorityLow     Priority = 2
	PriorityDefault Priority = 5
	PriorityHigh    Priority = 7
	PriorityHighest Priority = 9
)

// Clamp folds an out-of-range priority back into [0,9].
func (p Priority) Clamp() Priority {
	switch {
	case p < PriorityLowest:
		return PriorityLowest
	case p > PriorityHighest:
		return PriorityHighest
	default:
		return p
	}
}

// State is a TaskResult's lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateStarted  State = "started"
	StateSuccess  State = "success"
	StateFailure  State = "failure"
	StateRetry    State = "retry"
	StateRevoked  State = "revoked"
	StateRejected State = "rejected"
	StateRequeued State = "requeued"
)

// IsTerminal reports whether no further transition is expected.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// TaskMessage is the immutable wire envelope published to the broker.
type TaskMessage struct {
	ID             string            `json:"id"`
	TaskName       string            `json:"task_name"`
	Args           []byte            `json:"args"`
	ContentType    string            `json:"content_type"`
	Timestamp      time.Time         `json:"timestamp"`
	Queue          string            `json:"queue"`
	Priority       Priority          `json:"priority"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	ETA            *time.Time        `json:"eta,omitempty"`
	Expires        *time.Time        `json:"expires,omitempty"`
	ParentID       string            `json:"parent_id,omitempty"`
	RootID         string            `json:"root_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	PartitionKey   string            `json:"partition_key,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// NewTaskMessage constructs a message with a fresh ID, the current
// timestamp, and a clamped priority.
func NewTaskMessage(taskName, queue string, args []byte, contentType string, priority Priority, maxRetries int) *TaskMessage {
	return &TaskMessage{
		ID:          uuid.New().String(),
		TaskName:    taskName,
		Args:        args,
		ContentType: contentType,
		Timestamp:   time.Now().UTC(),
		Queue:       queue,
		Priority:    priority.Clamp(),
		MaxRetries:  maxRetries,
		Headers:     make(map[string]string),
	}
}

// CanRetry reports whether another attempt is permitted.
func (m *TaskMessage) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// IncrementAttempts returns a copy of m with RetryCount incremented,
// leaving the original untouched (messages are immutable once published).
func (m *TaskMessage) IncrementAttempts() *TaskMessage {
	clone := *m
	clone.RetryCount++
	return &clone
}

// ToJSON serializes the message.
func (m *TaskMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a message.
func FromJSON(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// BrokerDelivery is a TaskMessage plus the opaque delivery tag a
// broker uses to ack/nack it. Must be acknowledged exactly once.
type BrokerDelivery struct {
	Message     *TaskMessage
	DeliveryTag string
	Queue       string
}

// ExceptionInfo captures a failure for storage/transport without
// requiring the backend to understand Go error types.
type ExceptionInfo struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// TaskResult is the terminal or intermediate outcome of one task
// execution, keyed by task ID in the result backend and subject to TTL.
type TaskResult struct {
	TaskID              string            `json:"task_id"`
	State               State             `json:"state"`
	ResultBytes         []byte            `json:"result_bytes,omitempty"`
	ContentType         string            `json:"content_type,omitempty"`
	Exception           *ExceptionInfo    `json:"exception,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Duration            time.Duration     `json:"duration,omitempty"`
	Retries             int               `json:"retries"`
	Worker              string            `json:"worker,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	RetryAfter          *time.Duration    `json:"retry_after,omitempty"`
	DoNotIncrementRetry bool              `json:"do_not_increment_retry,omitempty"`
}

// NewPendingResult returns the initial result recorded when a message
// is accepted for processing.
func NewPendingResult(taskID string) *TaskResult {
	return &TaskResult{
		TaskID:   taskID,
		State:    StatePending,
		Metadata: make(map[string]string),
	}
}

func (r *TaskResult) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func FromResultJSON(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
