package revocation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type runningTask struct {
	cancel context.CancelFunc
}

// Manager maintains a map of locally-running task IDs to linked
// cancellation tokens, reacting to revocation events by cancelling the
// matching task's token.
type Manager struct {
	mu      sync.Mutex
	running map[string]runningTask
	store   *Store
	log     zerolog.Logger
}

// NewManager builds a manager bound to store.
func NewManager(store *Store, log zerolog.Logger) *Manager {
	return &Manager{
		running: make(map[string]runningTask),
		store:   store,
		log:     log.With().Str("component", "revocation_manager").Logger(),
	}
}

// RegisterTask links parentCtx to a new cancellable context for
// taskID and tracks it as locally running. The caller must call the
// returned release func when the task finishes, regardless of outcome.
func (m *Manager) RegisterTask(parentCtx context.Context, taskID string) (ctx context.Context, release func()) {
	linked, cancel := context.WithCancel(parentCtx)
	m.mu.Lock()
	m.running[taskID] = runningTask{cancel: cancel}
	m.mu.Unlock()

	return linked, func() {
		m.mu.Lock()
		delete(m.running, taskID)
		m.mu.Unlock()
		cancel()
	}
}

// PreExecutionCheck reports whether taskID is revoked before the
// handler has started; if so, the executor must skip execution and
// emit a Revoked result with terminated=false.
func (m *Manager) PreExecutionCheck(ctx context.Context, taskID string) (bool, error) {
	return m.store.IsRevoked(ctx, taskID)
}

// Run consumes revocation events from events (as produced by
// Store.Subscribe) until ctx is done, cancelling the linked token of
// any locally-running task named in an Immediate or terminate=true event.
func (m *Manager) Run(ctx context.Context, events <-chan Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-events:
			if !ok {
				return
			}
			if entry.Options.Signal != SignalImmediate && !entry.Options.Terminate {
				continue
			}
			m.mu.Lock()
			task, found := m.running[entry.TaskID]
			m.mu.Unlock()
			if found {
				m.log.Info().Str("task_id", entry.TaskID).Msg("cancelling locally running task on revocation")
				task.cancel()
			}
		}
	}
}

// IsRunning reports whether taskID is currently tracked as locally running.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[taskID]
	return ok
}
