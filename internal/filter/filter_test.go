package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

type recordingFilter struct {
	BaseFilter
	log        *[]string
	onExecute  func(ec *ExecutionContext) error
	onExc      func(ec *ExecutionContext) error
}

func (f recordingFilter) OnExecuting(_ context.Context, ec *ExecutionContext) error {
	*f.log = append(*f.log, f.Name()+":executing")
	if f.onExecute != nil {
		return f.onExecute(ec)
	}
	return nil
}

func (f recordingFilter) OnExecuted(_ context.Context, ec *ExecutionContext) error {
	*f.log = append(*f.log, f.Name()+":executed")
	return nil
}

func (f recordingFilter) OnException(_ context.Context, ec *ExecutionContext) error {
	*f.log = append(*f.log, f.Name()+":exception")
	if f.onExc != nil {
		return f.onExc(ec)
	}
	return nil
}

func TestPipelineOrdersExecutingForwardAndExecutedReverse(t *testing.T) {
	var log []string
	p := New(
		recordingFilter{BaseFilter: NewBase(2, "second"), log: &log},
		recordingFilter{BaseFilter: NewBase(1, "first"), log: &log},
	)
	ec := &ExecutionContext{TaskID: "t1"}

	fired, err := p.RunExecuting(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, fired, 2)

	err = p.RunExecuted(context.Background(), ec, fired)
	require.NoError(t, err)

	assert.Equal(t, []string{"first:executing", "second:executing", "second:executed", "first:executed"}, log)
}

func TestPipelineStopsOnSkipResult(t *testing.T) {
	var log []string
	p := New(
		recordingFilter{BaseFilter: NewBase(1, "skipper"), log: &log, onExecute: func(ec *ExecutionContext) error {
			ec.SkipResult = taskmsg.NewPendingResult("t1")
			return nil
		}},
		recordingFilter{BaseFilter: NewBase(2, "never"), log: &log},
	)
	ec := &ExecutionContext{}
	fired, err := p.RunExecuting(context.Background(), ec)
	require.NoError(t, err)
	assert.Len(t, fired, 1)
	assert.Equal(t, []string{"skipper:executing"}, log)
}

func TestPipelineStopsOnError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	p := New(
		recordingFilter{BaseFilter: NewBase(1, "failer"), log: &log, onExecute: func(ec *ExecutionContext) error {
			return boom
		}},
		recordingFilter{BaseFilter: NewBase(2, "never"), log: &log},
	)
	_, err := p.RunExecuting(context.Background(), &ExecutionContext{})
	assert.ErrorIs(t, err, boom)
}

func TestRunExceptionStopsWhenHandled(t *testing.T) {
	var log []string
	p := New(
		recordingFilter{BaseFilter: NewBase(2, "outer"), log: &log},
		recordingFilter{BaseFilter: NewBase(1, "inner"), log: &log, onExc: func(ec *ExecutionContext) error {
			ec.ExceptionHandled = true
			return nil
		}},
	)
	ec := &ExecutionContext{}
	err := p.RunException(context.Background(), ec)
	require.NoError(t, err)
	// reverse declared order: "outer" (order 2) fires before "inner" (order 1)
	assert.Equal(t, []string{"outer:exception", "inner:exception"}, log)
	assert.True(t, ec.ExceptionHandled)
}
