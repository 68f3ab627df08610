package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ttl)
}

func newSaga(id string, steps ...Step) *Saga {
	return &Saga{
		ID:        id,
		Name:      "order-fulfillment",
		State:     StateCreated,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Name: "reserve-inventory", Order: 0, ExecuteTaskSignature: "inventory.reserve", CompensateTaskSignature: "inventory.release", State: StepPending},
		Step{ID: "step2", Name: "charge-card", Order: 1, ExecuteTaskSignature: "payments.charge", CompensateTaskSignature: "payments.refund", State: StepPending},
	)
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State)
	assert.Len(t, got.Steps, 2)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1", Step{ID: "step1", ExecuteTaskSignature: "a"})
	require.NoError(t, s.Create(ctx, saga))
	assert.Error(t, s.Create(ctx, saga))
}

func TestUpdateStateMovesBetweenIndexes(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1", Step{ID: "step1", ExecuteTaskSignature: "a"})
	require.NoError(t, s.Create(ctx, saga))

	_, err := s.UpdateState(ctx, "s1", StateExecuting, "")
	require.NoError(t, err)

	created, err := s.GetByState(ctx, StateCreated, 10)
	require.NoError(t, err)
	assert.Empty(t, created)

	executing, err := s.GetByState(ctx, StateExecuting, 10)
	require.NoError(t, err)
	require.Len(t, executing, 1)
	assert.Equal(t, "s1", executing[0].ID)
}

func TestUpdateStepStateFailureWithoutCompensationTargetFailsSaga(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "a", State: StepExecuting},
	)
	require.NoError(t, s.Create(ctx, saga))

	errMsg := "card declined"
	got, err := s.UpdateStepState(ctx, "s1", "step1", StepFailed, StepUpdate{ErrorMessage: &errMsg})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, errMsg, got.FailureReason)
	require.NotNil(t, got.CompletedAt)
}

func TestConcurrentStepUpdatesBothSurviveViaRetry(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "a", State: StepExecuting},
		Step{ID: "step2", Order: 1, ExecuteTaskSignature: "b", State: StepExecuting},
	)
	require.NoError(t, s.Create(ctx, saga))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.UpdateStepState(ctx, "s1", "step1", StepCompleted, StepUpdate{})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := s.UpdateStepState(ctx, "s1", "step2", StepCompleted, StepUpdate{})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, got.Steps[0].State)
	assert.Equal(t, StepCompleted, got.Steps[1].State)
}

func TestUpdateStepStateFailureWithEarlierCompensatableStepTriggersCompensating(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "inventory.reserve", CompensateTaskSignature: "inventory.release", State: StepCompleted},
		Step{ID: "step2", Order: 1, ExecuteTaskSignature: "payments.charge", CompensateTaskSignature: "payments.refund", State: StepExecuting},
	)
	require.NoError(t, s.Create(ctx, saga))

	errMsg := "payment gateway timeout"
	got, err := s.UpdateStepState(ctx, "s1", "step2", StepFailed, StepUpdate{ErrorMessage: &errMsg})
	require.NoError(t, err)
	assert.Equal(t, StateCompensating, got.State)
}

func TestAdvanceStepCompletesSagaAtLastStep(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "a", State: StepCompleted},
	)
	saga.CurrentStepIndex = 0
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.AdvanceStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
}

func TestAdvanceStepMidwayStaysInProgress(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "a", State: StepCompleted},
		Step{ID: "step2", Order: 1, ExecuteTaskSignature: "b", State: StepPending},
	)
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.AdvanceStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.NotEqual(t, StateCompleted, got.State)
}

func TestMarkStepCompensatedResolvesToCompensatedWhenAllSucceed(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "inventory.reserve", CompensateTaskSignature: "inventory.release", State: StepCompensating},
		Step{ID: "step2", Order: 1, ExecuteTaskSignature: "payments.charge", CompensateTaskSignature: "payments.refund", State: StepFailed},
	)
	saga.State = StateCompensating
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.MarkStepCompensated(ctx, "s1", "step1", true, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, got.State)
	require.NotNil(t, got.CompletedAt)
}

func TestMarkStepCompensatedResolvesToCompensationFailedOnAnyFailure(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "inventory.reserve", CompensateTaskSignature: "inventory.release", State: StepCompensating},
	)
	saga.State = StateCompensating
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.MarkStepCompensated(ctx, "s1", "step1", false, "", "release failed")
	require.NoError(t, err)
	assert.Equal(t, StateCompensationFailed, got.State)
}

func TestMarkStepCompensatedStaysCompensatingWithStepsRemaining(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1",
		Step{ID: "step1", Order: 0, ExecuteTaskSignature: "a", CompensateTaskSignature: "a.undo", State: StepCompensating},
		Step{ID: "step2", Order: 1, ExecuteTaskSignature: "b", CompensateTaskSignature: "b.undo", State: StepCompensating},
	)
	saga.State = StateCompensating
	require.NoError(t, s.Create(ctx, saga))

	got, err := s.MarkStepCompensated(ctx, "s1", "step1", true, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateCompensating, got.State)
}

func TestGetSagaIDForTask(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1", Step{ID: "step1", ExecuteTaskSignature: "a", ExecuteTaskID: "task-123"})
	require.NoError(t, s.Create(ctx, saga))

	id, err := s.GetSagaIDForTask(ctx, "task-123")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	missing, err := s.GetSagaIDForTask(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDeleteRemovesSagaAndIndexes(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	saga := newSaga("s1", Step{ID: "step1", ExecuteTaskSignature: "a", ExecuteTaskID: "task-123"})
	require.NoError(t, s.Create(ctx, saga))

	require.NoError(t, s.Delete(ctx, "s1"))

	_, err := s.Get(ctx, "s1")
	assert.Error(t, err)
	id, err := s.GetSagaIDForTask(ctx, "task-123")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestTerminalStateAppliesTTL(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()
	saga := newSaga("s1", Step{ID: "step1", ExecuteTaskSignature: "a", State: StepCompleted})
	saga.CurrentStepIndex = 0
	require.NoError(t, s.Create(ctx, saga))

	_, err := s.AdvanceStep(ctx, "s1")
	require.NoError(t, err)

	ttl := s.client.TTL(ctx, sagaKey("s1")).Val()
	assert.Greater(t, ttl, time.Duration(0))
}
