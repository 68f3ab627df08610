// Package executor implements the single-task execution pipeline: registry
// lookup, revocation and rate-limit admission checks, filter-wrapped handler
// invocation under a time limit, and outcome classification into the result
// backend and (on terminal failure) the dead-letter store.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/batch"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/events"
	"github.com/taskqueue/taskqueue/internal/filter"
	"github.com/taskqueue/taskqueue/internal/metrics"
	"github.com/taskqueue/taskqueue/internal/ratelimit"
	"github.com/taskqueue/taskqueue/internal/registry"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/saga"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
	"github.com/taskqueue/taskqueue/internal/timelimit"
	"github.com/taskqueue/taskqueue/pkg/task"
)

// Kind classifies the outcome of one Execute call.
type Kind string

const (
	KindUnknownTask Kind = "unknown_task"
	KindRevoked     Kind = "revoked"
	KindRateLimited Kind = "rate_limited"
	KindSuccess     Kind = "success"
	KindRequeued    Kind = "requeued"
	KindRetry       Kind = "retry"
	KindRejected    Kind = "rejected"
	KindFailure     Kind = "failure"
)

// Outcome is the classification the broker-facing worker loop uses to
// decide ack/requeue/dead-letter.
type Outcome struct {
	Kind         Kind
	Result       *taskmsg.TaskResult
	RetryAfter   time.Duration
	RequeueDelay time.Duration
	Terminated   bool // true when a running handler's context was cancelled by revocation
}

// FilterResolver resolves a handler-declared filter type (see
// pkg/task.Filtered) to a live Filter instance. Returning false omits it.
type FilterResolver func(reflect.Type) (filter.Filter, bool)

// Config bundles the executor's collaborators. ResultBackend, Registry,
// RevocationManager, and WorkerID are required; everything else is
// optional and disables the corresponding step when nil/zero.
type Config struct {
	Registry              *registry.Registry
	RevocationManager     *revocation.Manager
	RateLimiter           *ratelimit.Limiter
	ResultBackend         resultbackend.Backend
	DeadLetterStore       *dlq.Store
	BatchStore            *batch.Store
	SagaStore             *saga.Store
	Publisher             events.Publisher
	GlobalFilters         []filter.Filter
	ResolveFilter         FilterResolver
	Locator               func(taskID string) *task.ServiceLocator
	WorkerID              string
	RateLimitRequeueDelay time.Duration
	Log                   zerolog.Logger
}

// Executor runs one TaskMessage through the full admission, execution,
// and outcome-persistence pipeline.
type Executor struct {
	cfg Config
	log zerolog.Logger
}

// New builds an Executor from cfg.
func New(cfg Config) *Executor {
	return &Executor{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "executor").Logger(),
	}
}

// Execute runs delivery.Message to completion (or admission rejection),
// persisting the terminal or intermediate TaskResult and returning an
// Outcome the worker loop uses to ack, requeue, or dead-letter.
func (e *Executor) Execute(ctx context.Context, delivery *taskmsg.BrokerDelivery) (*Outcome, error) {
	msg := delivery.Message
	log := e.log.With().Str("task_id", msg.ID).Str("task_name", msg.TaskName).Logger()
	start := time.Now()

	reg, ok := e.cfg.Registry.Lookup(msg.TaskName)
	if !ok {
		log.Warn().Msg("unknown task name")
		return &Outcome{Kind: KindUnknownTask}, nil
	}

	if e.cfg.RevocationManager != nil {
		revoked, err := e.cfg.RevocationManager.PreExecutionCheck(ctx, msg.ID)
		if err != nil {
			log.Warn().Err(err).Msg("revocation check failed, proceeding")
		} else if revoked {
			result := &taskmsg.TaskResult{
				TaskID: msg.ID,
				State:  taskmsg.StateRevoked,
				Worker: e.cfg.WorkerID,
			}
			e.persist(ctx, result)
			e.dispatch(ctx, events.EventTaskRevoked, msg, map[string]interface{}{"reason": "revoked_before_start"})
			return &Outcome{Kind: KindRevoked, Result: result}, nil
		}
	}

	if e.cfg.RateLimiter != nil && reg.RateLimitPolicy != nil {
		policy := ratelimit.Policy{
			Limit:       reg.RateLimitPolicy.Limit,
			Window:      reg.RateLimitPolicy.RateLimitWindow(),
			ResourceKey: reg.RateLimitPolicy.ResourceKey,
		}
		lease, err := e.cfg.RateLimiter.TryAcquire(ctx, policy)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, admitting task")
		} else if !lease.Acquired {
			retryAfter := lease.RetryAfter
			if e.cfg.RateLimitRequeueDelay > 0 {
				retryAfter = e.cfg.RateLimitRequeueDelay
			}
			// Not persisted to the result backend: this is admission
			// back-pressure, not a recorded attempt.
			result := &taskmsg.TaskResult{
				TaskID:              msg.ID,
				State:               taskmsg.StateRetry,
				Worker:              e.cfg.WorkerID,
				RetryAfter:          &retryAfter,
				DoNotIncrementRetry: true,
			}
			return &Outcome{Kind: KindRateLimited, Result: result, RetryAfter: retryAfter}, nil
		}
	}

	runCtx, release := e.registerRunning(ctx, msg.ID)
	defer release()

	startedResult := taskmsg.NewPendingResult(msg.ID)
	startedResult.State = taskmsg.StateStarted
	startedResult.Worker = e.cfg.WorkerID
	e.persist(ctx, startedResult)
	e.dispatch(ctx, events.EventTaskStarted, msg, nil)
	e.dispatch(ctx, events.EventTaskPreRun, msg, nil)

	ec := &filter.ExecutionContext{
		TaskID:   msg.ID,
		TaskName: msg.TaskName,
		Args:     msg.Args,
		Headers:  msg.Headers,
	}
	pipeline := e.buildPipeline(reg)

	fired, err := pipeline.RunExecuting(runCtx, ec)
	if err != nil {
		return e.finishFailure(ctx, msg, start, fmt.Errorf("filter onExecuting: %w", err)), nil
	}
	if ec.SkipResult != nil {
		e.persist(ctx, ec.SkipResult)
		return &Outcome{Kind: classifyState(ec.SkipResult.State), Result: ec.SkipResult}, nil
	}
	if ec.RequeueMessage {
		result := &taskmsg.TaskResult{TaskID: msg.ID, State: taskmsg.StateRequeued, Worker: e.cfg.WorkerID}
		e.persist(ctx, result)
		e.dispatch(ctx, events.EventTaskRequeued, msg, map[string]interface{}{"requeue_delay": ec.RequeueDelay.String()})
		return &Outcome{Kind: KindRequeued, Result: result, RequeueDelay: ec.RequeueDelay}, nil
	}

	result, execErr := e.invoke(runCtx, reg, msg, startedResult)

	ec.Result = result
	ec.Exception = execErr
	if execErr != nil {
		if exErr := pipeline.RunException(runCtx, ec); exErr != nil {
			log.Error().Err(exErr).Msg("filter onException failed")
		}
		if ec.ExceptionHandled && ec.Result != nil {
			result, execErr = ec.Result, nil
		}
	}
	if execErr == nil {
		if exErr := pipeline.RunExecuted(runCtx, ec, fired); exErr != nil {
			log.Error().Err(exErr).Msg("filter onExecuted failed")
		}
		if ec.Result != nil {
			result = ec.Result
		}
	}

	if execErr != nil {
		return e.classifyError(ctx, msg, start, execErr), nil
	}

	result.Duration = time.Since(start)
	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	e.persist(ctx, result)
	e.dispatch(ctx, events.EventTaskCompleted, msg, nil)
	e.dispatch(ctx, events.EventTaskPostRun, msg, nil)
	e.advanceWorkflows(ctx, msg, true)
	metrics.RecordTaskCompletion(msg.TaskName, "success", result.Duration.Seconds())

	return &Outcome{Kind: KindSuccess, Result: result}, nil
}

// invoke deserializes the handler's input and runs it under its
// declared time limit (if any), inside the filter-wrapped scope.
func (e *Executor) invoke(ctx context.Context, reg *registry.TaskRegistration, msg *taskmsg.TaskMessage, started *taskmsg.TaskResult) (*taskmsg.TaskResult, error) {
	handler, ok := reg.Handler.(task.Handler)
	if !ok {
		return nil, fmt.Errorf("executor: registration for %q has no task.Handler", msg.TaskName)
	}

	input := handler.NewInput()
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, input); err != nil {
			return nil, fmt.Errorf("executor: unmarshal args: %w", err)
		}
	}

	var locator *task.ServiceLocator
	if e.cfg.Locator != nil {
		locator = e.cfg.Locator(msg.ID)
	}
	tc := task.NewContext(locator, func(ctx context.Context, state string, metadata map[string]string) error {
		if e.cfg.ResultBackend == nil {
			return nil
		}
		if len(metadata) > 0 {
			e.log.Debug().Str("task_id", msg.ID).Interface("metadata", metadata).Msg("intermediate state metadata")
		}
		return e.cfg.ResultBackend.UpdateState(ctx, msg.ID, taskmsg.State(state))
	})
	tc.TaskID = msg.ID
	tc.ParentID = msg.ParentID
	tc.RootID = msg.RootID
	tc.CorrelationID = msg.CorrelationID
	tc.TenantID = msg.TenantID
	tc.Queue = msg.Queue
	tc.SentAt = msg.Timestamp
	tc.ETA = msg.ETA
	tc.Expires = msg.Expires
	tc.Headers = msg.Headers
	tc.RetryCount = msg.RetryCount
	tc.MaxRetries = msg.MaxRetries

	var policy timelimit.Policy
	if reg.TimeLimitPolicy != nil {
		policy = timelimit.Policy{SoftLimit: reg.TimeLimitPolicy.Soft(), HardLimit: reg.TimeLimitPolicy.Hard()}
	}

	out, err := timelimit.Run(ctx, msg.ID, policy, func(runCtx context.Context) (any, error) {
		return handler.Execute(runCtx, input, tc)
	})
	if err != nil {
		return nil, err
	}

	resultBytes, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal result: %w", err)
	}

	return &taskmsg.TaskResult{
		TaskID:      msg.ID,
		State:       taskmsg.StateSuccess,
		ResultBytes: resultBytes,
		ContentType: "application/json",
		Retries:     msg.RetryCount,
		Worker:      e.cfg.WorkerID,
	}, nil
}

// classifyError maps an execution error to a RetryError, RejectError,
// revocation-induced cancellation, or a plain Failure, persisting the
// corresponding result and dead-lettering on terminal failure.
func (e *Executor) classifyError(ctx context.Context, msg *taskmsg.TaskMessage, start time.Time, execErr error) *Outcome {
	var retryErr *task.RetryError
	if errors.As(execErr, &retryErr) {
		result := &taskmsg.TaskResult{
			TaskID:     msg.ID,
			State:      taskmsg.StateRetry,
			Retries:    msg.RetryCount,
			Worker:     e.cfg.WorkerID,
			RetryAfter: &retryErr.Countdown,
		}
		if retryErr.Cause != nil {
			result.Exception = &taskmsg.ExceptionInfo{Type: "RetryError", Message: retryErr.Cause.Error()}
		}
		e.persist(ctx, result)
		e.dispatch(ctx, events.EventTaskRetrying, msg, map[string]interface{}{"countdown": retryErr.Countdown.String()})
		metrics.RecordTaskRetry(msg.TaskName)
		return &Outcome{Kind: KindRetry, Result: result, RetryAfter: retryErr.Countdown}
	}

	var rejectErr *task.RejectError
	if errors.As(execErr, &rejectErr) {
		result := &taskmsg.TaskResult{
			TaskID:    msg.ID,
			State:     taskmsg.StateRejected,
			Retries:   msg.RetryCount,
			Worker:    e.cfg.WorkerID,
			Exception: &taskmsg.ExceptionInfo{Type: "RejectError", Message: rejectErr.Reason},
		}
		e.persist(ctx, result)
		e.dispatch(ctx, events.EventTaskRejected, msg, map[string]interface{}{"reason": rejectErr.Reason})
		e.deadLetter(ctx, msg, rejectErr.Reason)
		return &Outcome{Kind: KindRejected, Result: result}
	}

	if e.cfg.RevocationManager != nil && isCancellation(execErr) {
		if revoked, revErr := e.cfg.RevocationManager.PreExecutionCheck(ctx, msg.ID); revErr == nil && revoked {
			result := &taskmsg.TaskResult{TaskID: msg.ID, State: taskmsg.StateRevoked, Worker: e.cfg.WorkerID}
			e.persist(ctx, result)
			e.dispatch(ctx, events.EventTaskRevoked, msg, map[string]interface{}{"reason": "revoked_during_execution"})
			return &Outcome{Kind: KindRevoked, Result: result, Terminated: true}
		}
	}

	return e.finishFailure(ctx, msg, start, execErr)
}

func (e *Executor) finishFailure(ctx context.Context, msg *taskmsg.TaskMessage, start time.Time, execErr error) *Outcome {
	completedAt := time.Now().UTC()
	result := &taskmsg.TaskResult{
		TaskID:      msg.ID,
		State:       taskmsg.StateFailure,
		Retries:     msg.RetryCount,
		Worker:      e.cfg.WorkerID,
		CompletedAt: &completedAt,
		Duration:    time.Since(start),
		Exception:   &taskmsg.ExceptionInfo{Type: fmt.Sprintf("%T", execErr), Message: execErr.Error()},
	}
	e.persist(ctx, result)
	e.dispatch(ctx, events.EventTaskFailed, msg, map[string]interface{}{"error": execErr.Error()})
	e.dispatch(ctx, events.EventTaskPostRun, msg, nil)
	metrics.RecordTaskCompletion(msg.TaskName, "failure", result.Duration.Seconds())

	if !msg.CanRetry() {
		e.deadLetter(ctx, msg, execErr.Error())
		e.advanceWorkflows(ctx, msg, false)
	}
	return &Outcome{Kind: KindFailure, Result: result}
}

// advanceWorkflows reports a terminal task outcome to the batch and/or
// saga the task declared membership in via msg.Headers, so a batch's
// aggregate state and a saga step's state move forward without the
// caller needing to poll the result backend itself. Both are
// best-effort: a task need not belong to either.
func (e *Executor) advanceWorkflows(ctx context.Context, msg *taskmsg.TaskMessage, success bool) {
	if e.cfg.BatchStore != nil {
		if batchID := msg.Headers["batch_id"]; batchID != "" {
			var err error
			if success {
				_, err = e.cfg.BatchStore.MarkTaskCompleted(ctx, batchID, msg.ID)
			} else {
				_, err = e.cfg.BatchStore.MarkTaskFailed(ctx, batchID, msg.ID)
			}
			if err != nil {
				e.log.Error().Err(err).Str("batch_id", batchID).Str("task_id", msg.ID).Msg("failed to advance batch")
			}
		}
	}

	if e.cfg.SagaStore != nil {
		sagaID := msg.Headers["saga_id"]
		stepID := msg.Headers["saga_step_id"]
		if sagaID != "" && stepID != "" {
			newState := saga.StepCompleted
			if !success {
				newState = saga.StepFailed
			}
			if _, err := e.cfg.SagaStore.UpdateStepState(ctx, sagaID, stepID, newState, saga.StepUpdate{}); err != nil {
				e.log.Error().Err(err).Str("saga_id", sagaID).Str("step_id", stepID).Msg("failed to update saga step")
				return
			}
			if success {
				if _, err := e.cfg.SagaStore.AdvanceStep(ctx, sagaID); err != nil {
					e.log.Error().Err(err).Str("saga_id", sagaID).Msg("failed to advance saga")
				}
			}
		}
	}
}

func (e *Executor) deadLetter(ctx context.Context, msg *taskmsg.TaskMessage, reason string) {
	if e.cfg.DeadLetterStore == nil {
		return
	}
	if err := e.cfg.DeadLetterStore.Store(ctx, msg, reason, nil); err != nil {
		e.log.Error().Err(err).Str("task_id", msg.ID).Msg("failed to dead-letter task")
		return
	}
	metrics.IncrementDLQAdded()
}

func (e *Executor) registerRunning(ctx context.Context, taskID string) (context.Context, func()) {
	if e.cfg.RevocationManager == nil {
		return ctx, func() {}
	}
	return e.cfg.RevocationManager.RegisterTask(ctx, taskID)
}

func (e *Executor) persist(ctx context.Context, result *taskmsg.TaskResult) {
	if e.cfg.ResultBackend == nil {
		return
	}
	if err := e.cfg.ResultBackend.StoreResult(ctx, result); err != nil {
		e.log.Error().Err(err).Str("task_id", result.TaskID).Msg("failed to persist task result")
	}
}

func (e *Executor) dispatch(ctx context.Context, eventType events.EventType, msg *taskmsg.TaskMessage, extra map[string]interface{}) {
	if e.cfg.Publisher == nil {
		return
	}
	event := events.NewEvent(eventType, events.TaskEventData(msg.ID, msg.TaskName, fmt.Sprintf("%d", msg.Priority), extra))
	if err := e.cfg.Publisher.Publish(ctx, event); err != nil {
		e.log.Debug().Err(err).Msg("failed to publish task event")
	}
}

// buildPipeline composes the configured global filters with any
// per-task filters reg.FilterTypes resolves to.
func (e *Executor) buildPipeline(reg *registry.TaskRegistration) *filter.Pipeline {
	all := make([]filter.Filter, 0, len(e.cfg.GlobalFilters)+len(reg.FilterTypes))
	all = append(all, e.cfg.GlobalFilters...)
	if e.cfg.ResolveFilter != nil {
		for _, t := range reg.FilterTypes {
			if f, ok := e.cfg.ResolveFilter(t); ok {
				all = append(all, f)
			}
		}
	}
	return filter.New(all...)
}

func classifyState(state taskmsg.State) Kind {
	switch state {
	case taskmsg.StateRevoked:
		return KindRevoked
	case taskmsg.StateRejected:
		return KindRejected
	case taskmsg.StateRetry:
		return KindRetry
	case taskmsg.StateRequeued:
		return KindRequeued
	case taskmsg.StateFailure:
		return KindFailure
	default:
		return KindSuccess
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
