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

// Package eventlog 维护执行事件日志：append-only，(execution_id, event_id) 主键，
// 事件 ID 为 Snowflake，单执行内严格单调。事件是执行状态的唯一事实来源。
package eventlog

import "time"

// Type 事件类型（闭集，emit 时校验）
type Type string

const (
	ExecutionStart    Type = "execution_start"
	StepStarted       Type = "step_started"
	ActionStarted     Type = "action_started"
	ActionCompleted   Type = "action_completed"
	ActionError       Type = "action_error"
	ActionFailed      Type = "action_failed"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	StepResult        Type = "step_result"
	LoopIteration     Type = "loop_iteration"
	LoopCompleted     Type = "loop_completed"
	Result            Type = "result"
	ExecutionComplete Type = "execution_complete"
	ExecutionFailed   Type = "execution_failed"
)

var validTypes = map[Type]bool{
	ExecutionStart: true, StepStarted: true, ActionStarted: true,
	ActionCompleted: true, ActionError: true, ActionFailed: true,
	StepCompleted: true, StepFailed: true, StepResult: true,
	LoopIteration: true, LoopCompleted: true, Result: true,
	ExecutionComplete: true, ExecutionFailed: true,
}

// Valid 事件类型是否在闭集内
func (t Type) Valid() bool { return validTypes[t] }

// Terminal 执行级终态事件
func (t Type) Terminal() bool { return t == ExecutionComplete || t == ExecutionFailed }

// 事件与执行状态
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
)

// Event 一条执行事件。CurrentIndex 用指针区分「第 0 次迭代」与「非迭代事件」。
type Event struct {
	EventID           int64                  `json:"event_id"`
	ExecutionID       int64                  `json:"execution_id"`
	CatalogID         int64                  `json:"catalog_id,omitempty"`
	ParentEventID     int64                  `json:"parent_event_id,omitempty"`
	ParentExecutionID int64                  `json:"parent_execution_id,omitempty"`
	EventType         Type                   `json:"event_type"`
	NodeID            string                 `json:"node_id,omitempty"`
	NodeName          string                 `json:"node_name,omitempty"`
	NodeType          string                 `json:"node_type,omitempty"`
	Status            string                 `json:"status,omitempty"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	CurrentIndex      *int                   `json:"current_index,omitempty"`
	CurrentItem       interface{}            `json:"current_item,omitempty"`
	LoopID            string                 `json:"loop_id,omitempty"`
	LoopName          string                 `json:"loop_name,omitempty"`
	Duration          int64                  `json:"duration,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Succeeded 事件携带成功状态（worker 端两种写法都接受）
func (e *Event) Succeeded() bool {
	return e.Status == StatusCompleted || e.Status == StatusSuccess
}

// ContextBool context 中的布尔标记
func (e *Event) ContextBool(key string) bool {
	if e.Context == nil {
		return false
	}
	b, _ := e.Context[key].(bool)
	return b
}
