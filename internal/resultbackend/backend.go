// Package resultbackend stores TaskResults by task ID with expiry and
// supports blocking wait-for-result via push notification with a
// polling fallback. Two implementations are provided: Postgres (the
// durable, SQL-native path) and Redis (for deployments that run no
// separate database).
package resultbackend

import (
	"context"
	"errors"
	"time"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// Backend is the contract producers and workers use to persist and
// retrieve task outcomes, implemented by PostgresBackend and RedisBackend.
type Backend interface {
	// StoreResult upserts result, applying expiry, and notifies any
	// waiters blocked on result.TaskID.
	StoreResult(ctx context.Context, result *taskmsg.TaskResult) error
	// GetResult returns the currently stored result, or ErrNotFound.
	GetResult(ctx context.Context, taskID string) (*taskmsg.TaskResult, error)
	// WaitForResult blocks until a result appears, timeout elapses, or
	// ctx is canceled.
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*taskmsg.TaskResult, error)
	// UpdateState changes only the state field of a stored result,
	// without a full result payload or a wait-for-result notification.
	UpdateState(ctx context.Context, taskID string, state taskmsg.State) error
	// GetState returns only the current state, or ErrNotFound.
	GetState(ctx context.Context, taskID string) (taskmsg.State, error)
}

// ErrNotFound is returned by GetResult/GetState when no result is
// stored for a task ID.
var ErrNotFound = errors.New("resultbackend: result not found")

// ErrTimeout is returned by WaitForResult when timeout elapses before
// a result appears.
var ErrTimeout = errors.New("resultbackend: wait timed out")

// ErrOperationCanceled is returned by WaitForResult when ctx is
// canceled before a result appears.
var ErrOperationCanceled = errors.New("resultbackend: wait canceled")

// DefaultExpiry is applied when a backend's configured expiry is zero.
const DefaultExpiry = 24 * time.Hour
