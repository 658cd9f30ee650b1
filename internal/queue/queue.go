// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue 事务性任务队列：(execution_id, node_id) 唯一约束提供幂等入队，
// FOR UPDATE SKIP LOCKED 支撑多 worker 并发租约，租约过期由 reaper 扫回。
package queue

import (
	"context"
	"time"
)

// Status 队列条目状态
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusRetry  Status = "retry"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// 入队缺省值
const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	DefaultLease       = 60 * time.Second
	DefaultRetryDelay  = 60 * time.Second
)

// Entry 一条队列任务。Action 是编码后的任务 JSON，Context 是渲染任务时的模板上下文。
type Entry struct {
	QueueID       int64                  `json:"queue_id"`
	ExecutionID   int64                  `json:"execution_id"`
	CatalogID     int64                  `json:"catalog_id,omitempty"`
	NodeID        string                 `json:"node_id"`
	Action        map[string]interface{} `json:"action"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Priority      int                    `json:"priority"`
	Status        Status                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"max_attempts"`
	AvailableAt   time.Time              `json:"available_at"`
	WorkerID      string                 `json:"worker_id,omitempty"`
	LeaseUntil    time.Time              `json:"lease_until,omitempty"`
	LastHeartbeat time.Time              `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Store 队列存储。Lease/Complete/Fail 是 worker 协议，Reap 是后台扫回。
type Store interface {
	// Enqueue 幂等入队；(execution_id, node_id) 已存在时 inserted=false 且不报错
	Enqueue(ctx context.Context, e *Entry) (queueID int64, inserted bool, err error)
	// Lease 按优先级取一条可执行任务并上租约；队列空返回 nil, nil
	Lease(ctx context.Context, workerID string, lease time.Duration) (*Entry, error)
	// Heartbeat 刷新心跳，extend > 0 时顺延租约
	Heartbeat(ctx context.Context, queueID int64, extend time.Duration) error
	// Complete 标记完成，返回条目供驱动层触发 broker
	Complete(ctx context.Context, queueID int64) (*Entry, error)
	// Fail 失败处理：尝试次数耗尽或 retry=false 时标记 dead，否则延迟重试。
	// dead=true 时调用方负责补发 step_failed / execution_failed 事件。
	Fail(ctx context.Context, queueID int64, retry bool, retryDelay time.Duration) (entry *Entry, dead bool, err error)
	// Reap 将租约过期的 leased 条目扫回 queued，返回扫回数量
	Reap(ctx context.Context) (int, error)
	// Get 按 queue_id 查询
	Get(ctx context.Context, queueID int64) (*Entry, error)
	// Size 各状态条目计数
	Size(ctx context.Context) (map[Status]int, error)
	// MarkDoneByNode 按 (execution_id, node_id) 标记完成（循环聚合收尾用）
	MarkDoneByNode(ctx context.Context, executionID int64, nodeID string) error
	Close()
}

// applyDefaults 入队前补缺省值
func applyDefaults(e *Entry) {
	if e.Priority == 0 {
		e.Priority = DefaultPriority
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.AvailableAt.IsZero() {
		e.AvailableAt = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Status = StatusQueued
}
