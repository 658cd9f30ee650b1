// Copyright 2026 fanjia1024

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/pkg/snowflake"
)

func newTestQueue(t *testing.T) Store {
	t.Helper()
	gen, err := snowflake.NewGenerator(2)
	require.NoError(t, err)
	return NewMemoryStore(gen)
}

func TestEnqueueIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	e := &Entry{ExecutionID: 1, NodeID: "1-step-2", Action: map[string]interface{}{"type": "http"}}
	id1, inserted, err := q.Enqueue(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	// 同一 (execution_id, node_id) 重复入队被吸收
	id2, inserted, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "1-step-2"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	// 不同执行的同名 node 互不影响
	_, inserted, err = q.Enqueue(ctx, &Entry{ExecutionID: 2, NodeID: "1-step-2"})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestLeaseOrderAndAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "low", Priority: 1})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "high", Priority: 9})
	require.NoError(t, err)

	e, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "high", e.NodeID, "higher priority drains first")
	assert.Equal(t, StatusLeased, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "w1", e.WorkerID)

	e2, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, "low", e2.NodeID)

	// 队列空
	e3, err := q.Lease(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, e3)
}

func TestCompleteAndSize(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "a"})
	require.NoError(t, err)
	e, err := q.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)

	done, err := q.Complete(ctx, e.QueueID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size[StatusDone])
	assert.Equal(t, 0, size[StatusQueued])
}

func TestFailRetryThenDead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	// 第一次失败 → retry，延迟后可再租
	e, err := q.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	entry, dead, err := q.Fail(ctx, e.QueueID, true, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, StatusRetry, entry.Status)
	assert.Empty(t, entry.WorkerID)

	time.Sleep(5 * time.Millisecond)

	// 第二次失败：attempts 耗尽 → dead
	e, err = q.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Attempts)
	entry, dead, err = q.Fail(ctx, e.QueueID, true, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, StatusDead, entry.Status)
}

func TestFailNoRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "a"})
	require.NoError(t, err)
	e, err := q.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)

	_, dead, err := q.Fail(ctx, e.QueueID, false, time.Minute)
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestFailDecidesOnCurrentAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "a", MaxAttempts: 2})
	require.NoError(t, err)

	// 租约过期被 reap 抢回、另一个 worker 再租，attempts 走到上限
	first, err := q.Lease(ctx, "w1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Reap(ctx)
	require.NoError(t, err)
	second, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)

	// 原 worker 迟到的 fail：判定要用条目当前的 attempts，直接进 dead
	entry, dead, err := q.Fail(ctx, first.QueueID, true, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, StatusDead, entry.Status)
}

func TestReap(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "a"})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "w", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 扫回后可重新租，attempts 继续累加
	e, err := q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Attempts)
}

func TestHeartbeat(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "a"})
	require.NoError(t, err)
	e, err := q.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(ctx, e.QueueID, 2*time.Minute))
	got, err := q.Get(ctx, e.QueueID)
	require.NoError(t, err)
	assert.True(t, got.LeaseUntil.After(e.LeaseUntil))

	assert.Error(t, q.Heartbeat(ctx, 424242, 0))
}

func TestMarkDoneByNode(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, &Entry{ExecutionID: 1, NodeID: "1-step-3"})
	require.NoError(t, err)
	require.NoError(t, q.MarkDoneByNode(ctx, 1, "1-step-3"))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size[StatusDone])

	// 不存在的 node 不报错
	assert.NoError(t, q.MarkDoneByNode(ctx, 1, "ghost"))
}
