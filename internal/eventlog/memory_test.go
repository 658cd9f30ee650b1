// Copyright 2026 fanjia1024

package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	gen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	return NewMemoryStore(gen)
}

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		id, err := s.Emit(ctx, &Event{ExecutionID: 1, EventType: StepStarted, NodeName: "a"})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestEmitRejectsBadEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Emit(ctx, &Event{EventType: StepStarted})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg)

	_, err = s.Emit(ctx, &Event{ExecutionID: 1, EventType: "mystery"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg)
}

func TestByExecutionFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*Event{
		{ExecutionID: 1, EventType: ExecutionStart},
		{ExecutionID: 1, EventType: StepStarted, NodeName: "a"},
		{ExecutionID: 1, EventType: ActionCompleted, NodeName: "a", Status: StatusCompleted},
		{ExecutionID: 2, EventType: ExecutionStart},
	} {
		_, err := s.Emit(ctx, e)
		require.NoError(t, err)
	}

	all, err := s.ByExecution(ctx, 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byType, err := s.ByExecution(ctx, 1, Filter{EventTypes: []Type{ActionCompleted}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "a", byType[0].NodeName)

	byNode, err := s.ByExecution(ctx, 1, Filter{NodeName: "a"})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)
}

func TestLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Emit(ctx, &Event{ExecutionID: 1, EventType: ActionCompleted, NodeName: "a",
		Status: StatusCompleted, Result: map[string]interface{}{"v": 1}})
	require.NoError(t, err)
	_, err = s.Emit(ctx, &Event{ExecutionID: 1, EventType: ActionCompleted, NodeName: "a",
		Status: StatusCompleted, Result: map[string]interface{}{"v": 2}})
	require.NoError(t, err)

	latest, err := s.Latest(ctx, 1, "a", ActionCompleted)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, map[string]interface{}{"v": 2}, latest.Result)

	none, err := s.Latest(ctx, 1, "a", StepCompleted)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNodeResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	emit := func(e *Event) {
		t.Helper()
		_, err := s.Emit(ctx, e)
		require.NoError(t, err)
	}

	emit(&Event{ExecutionID: 1, EventType: ActionCompleted, NodeName: "a",
		Status: StatusCompleted, Result: map[string]interface{}{"result": float64(1)}})
	emit(&Event{ExecutionID: 1, EventType: ActionCompleted, NodeName: "b",
		Status: StatusFailed, Result: map[string]interface{}{"result": "nope"}})
	emit(&Event{ExecutionID: 1, EventType: Result, NodeName: "c",
		Status: StatusSuccess, Result: map[string]interface{}{"x": "y", "z": 1}})
	// 同一步骤后写覆盖先写
	emit(&Event{ExecutionID: 1, EventType: ActionCompleted, NodeName: "a",
		Status: StatusCompleted, Result: map[string]interface{}{"result": float64(2)}})

	results, err := s.NodeResults(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, float64(2), results["a"], "single result key is unwrapped, latest wins")
	assert.NotContains(t, results, "b", "failed events do not contribute")
	assert.Equal(t, map[string]interface{}{"x": "y", "z": 1}, results["c"])
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for execID := int64(1); execID <= 3; execID++ {
		_, err := s.Emit(ctx, &Event{ExecutionID: execID, EventType: ExecutionStart})
		require.NoError(t, err)
	}

	list, err := s.ListExecutions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].ExecutionID, "newest first")
}
