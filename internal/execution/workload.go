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

// Package execution 执行生命周期：initializer 启动执行，projection 从事件日志
// 投影执行视图，workload 表保存每次执行渲染后的输入。
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "playbook-platform/pkg/errors"
)

// Workload 每次执行的合并输入：playbook.workload 深合并调用方 payload，写入后只读
type Workload struct {
	ExecutionID int64                  `json:"execution_id"`
	CatalogID   int64                  `json:"catalog_id"`
	Data        map[string]interface{} `json:"data"`
	CreatedAt   time.Time              `json:"created_at"`
}

// WorkloadStore workload 行存储
type WorkloadStore interface {
	Put(ctx context.Context, w *Workload) error
	Get(ctx context.Context, executionID int64) (*Workload, error)
	Close()
}

type memoryWorkloads struct {
	mu   sync.RWMutex
	rows map[int64]*Workload
}

// NewMemoryWorkloadStore 创建内存 workload 存储
func NewMemoryWorkloadStore() WorkloadStore {
	return &memoryWorkloads{rows: make(map[int64]*Workload)}
}

func (s *memoryWorkloads) Put(ctx context.Context, w *Workload) error {
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.rows[w.ExecutionID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *memoryWorkloads) Get(ctx context.Context, executionID int64) (*Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.rows[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: workload for execution %d", pkgerrors.ErrNotFound, executionID)
	}
	cp := *w
	return &cp, nil
}

func (s *memoryWorkloads) Close() {}

type pgWorkloads struct {
	pool *pgxpool.Pool
}

// NewPostgresWorkloadStore 基于已有连接池创建 workload 存储
func NewPostgresWorkloadStore(pool *pgxpool.Pool) WorkloadStore {
	return &pgWorkloads{pool: pool}
}

func (s *pgWorkloads) Put(ctx context.Context, w *Workload) error {
	data, err := json.Marshal(w.Data)
	if err != nil {
		return err
	}
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workloads (execution_id, catalog_id, data, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (execution_id) DO NOTHING`,
		w.ExecutionID, w.CatalogID, data, createdAt)
	return err
}

func (s *pgWorkloads) Get(ctx context.Context, executionID int64) (*Workload, error) {
	var w Workload
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, catalog_id, data, created_at FROM workloads
		WHERE execution_id = $1`, executionID).
		Scan(&w.ExecutionID, &w.CatalogID, &data, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: workload for execution %d", pkgerrors.ErrNotFound, executionID)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &w.Data)
	}
	return &w, nil
}

func (s *pgWorkloads) Close() {}
