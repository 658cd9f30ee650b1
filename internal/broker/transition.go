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

package broker

import (
	"context"
	"fmt"

	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/queue"
	"playbook-platform/internal/template"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/utils"
)

// taskFields 任务物化时从步骤定义拷贝的字段白名单
var taskFields = []string{
	"type", "code", "command", "sql", "url", "method", "headers", "params",
	"query", "connection", "path", "collection", "element", "mode", "where",
	"limit", "auth", "save", "credential", "retry", "playbook", "return_step",
	"timeout",
}

// DispatchStep 发 step_started 并把任务入队；iterator 步骤转交循环编排。
// step 必须已 Normalize。
func (b *Broker) DispatchStep(ctx context.Context, executionID, catalogID int64,
	pb *playbook.Playbook, step playbook.Step, edgeArgs map[string]interface{},
	evalCtx map[string]interface{}) error {

	if step.IsIterator() {
		return b.dispatchLoop(ctx, executionID, catalogID, pb, step, edgeArgs, evalCtx)
	}

	node := nodeID(executionID, pb, step.Name)

	// step_started 每步至多一条
	if prev, err := b.events.Latest(ctx, executionID, step.Name, eventlog.StepStarted); err != nil {
		return err
	} else if prev == nil {
		if _, err := b.events.Emit(ctx, &eventlog.Event{
			ExecutionID: executionID,
			CatalogID:   catalogID,
			EventType:   eventlog.StepStarted,
			NodeID:      node,
			NodeName:    step.Name,
			NodeType:    "step",
			Status:      eventlog.StatusRunning,
		}); err != nil {
			return err
		}
		metrics.EventEmitTotal.WithLabelValues(string(eventlog.StepStarted)).Inc()
	}

	task := materializeTask(step, edgeArgs, evalCtx)
	entry := queue.Entry{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      node,
		Action:      task,
		Context:     evalCtx,
		MaxAttempts: b.stepMaxAttempts(step),
	}
	_, inserted, err := b.queue.Enqueue(ctx, &entry)
	if err != nil {
		return err
	}
	if inserted {
		b.logger.Info("step enqueued",
			"execution_id", executionID, "step", step.Name, "node_id", node)
	}
	return nil
}

// materializeTask 步骤定义 → worker 任务：白名单字段拷贝，边参并入 args（边参赢），
// args 在当前上下文中深度渲染。
func materializeTask(step playbook.Step, edgeArgs map[string]interface{},
	evalCtx map[string]interface{}) map[string]interface{} {

	task := map[string]interface{}{
		"step": step.Name,
		"type": step.Type,
	}
	for _, f := range taskFields {
		if v, ok := step.Attr(f); ok {
			task[f] = v
		}
	}
	args := utils.DeepMerge(step.Args(), edgeArgs)
	if len(args) > 0 {
		task["args"] = template.RenderMap(args, evalCtx)
	}
	return task
}

// stepMaxAttempts retry: {max_attempts} 覆盖队列缺省
func (b *Broker) stepMaxAttempts(step playbook.Step) int {
	if retry, ok := step.Attr("retry"); ok {
		if m, ok := retry.(map[string]interface{}); ok {
			if v, ok := utils.ToInt64(m["max_attempts"]); ok && v > 0 {
				return int(v)
			}
		}
	}
	return b.maxAttempts
}

// stepRetryDelay retry: {retry_delay_seconds} 覆盖队列缺省
func (b *Broker) stepRetryDelay(task map[string]interface{}) int {
	if retry, ok := task["retry"].(map[string]interface{}); ok {
		if v, ok := utils.ToInt64(retry["retry_delay_seconds"]); ok && v > 0 {
			return int(v)
		}
	}
	return int(b.retryDelay.Seconds())
}

// nodeID 步骤的稳定节点 ID：执行 ID + 步骤在工作流中的序号
func nodeID(executionID int64, pb *playbook.Playbook, stepName string) string {
	for i, s := range pb.Workflow {
		if s.Name == stepName {
			return fmt.Sprintf("%d-step-%d", executionID, i)
		}
	}
	return fmt.Sprintf("%d-step-%s", executionID, stepName)
}
