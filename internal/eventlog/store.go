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

package eventlog

import "context"

// Filter 事件查询条件；零值表示全量
type Filter struct {
	EventTypes []Type
	NodeName   string
	Limit      int
}

// Store 事件日志存储。实现必须保证 append-only 与事件 ID 单调。
type Store interface {
	// Emit 分配 Snowflake ID 并原子持久化；未知 event_type 或缺 execution_id 拒绝
	Emit(ctx context.Context, e *Event) (int64, error)
	// ByExecution 按 event_id 升序返回一个执行的事件
	ByExecution(ctx context.Context, executionID int64, f Filter) ([]Event, error)
	// Latest 某步骤某类型的最新事件；无则 nil, nil
	Latest(ctx context.Context, executionID int64, nodeName string, t Type) (*Event, error)
	// NodeResults 投影每个步骤最近一次非空成功结果（action_completed / result）
	NodeResults(ctx context.Context, executionID int64) (map[string]interface{}, error)
	// ListExecutions 按 execution_start 事件倒序列出执行
	ListExecutions(ctx context.Context, limit int) ([]Event, error)
	Close()
}

// mergeResult 取事件 result 的展示值：单键 data/result 包装时解开
func mergeResult(r map[string]interface{}) interface{} {
	if r == nil {
		return nil
	}
	if len(r) == 1 {
		if v, ok := r["result"]; ok {
			return v
		}
	}
	return r
}
