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
	"time"

	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/queue"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/utils"
)

// HandleEvent 事件落盘后的驱动入口：完成类事件触发求值，迭代事件走循环聚合，
// 子执行终态回传父执行。
func (b *Broker) HandleEvent(ctx context.Context, e *eventlog.Event) error {
	switch e.EventType {
	case eventlog.ActionCompleted, eventlog.StepResult:
		if e.LoopID != "" && e.CurrentIndex != nil {
			return b.onIterationCompleted(ctx, e)
		}
		return b.Evaluate(ctx, e.ExecutionID)

	case eventlog.Result:
		if e.LoopID != "" && e.CurrentIndex != nil {
			name := e.LoopName
			if name == "" {
				name = e.NodeName
			}
			return b.afterIteration(ctx, e.ExecutionID, name, e.LoopID, *e.CurrentIndex)
		}
		return b.Evaluate(ctx, e.ExecutionID)

	case eventlog.ExecutionComplete, eventlog.ExecutionFailed:
		if e.ParentExecutionID != 0 {
			return b.onChildComplete(ctx, e)
		}
		return nil

	default:
		// step_started / action_started / action_error 等只是轨迹，不驱动状态
		return nil
	}
}

// onIterationCompleted worker 对循环迭代发的 action_completed：先落一条统一的
// result 事件，再走聚合路径
func (b *Broker) onIterationCompleted(ctx context.Context, e *eventlog.Event) error {
	idx := *e.CurrentIndex
	name := e.LoopName
	if name == "" {
		name = e.NodeName
	}

	// 去重：该迭代的 result 已存在就不再发
	existing, err := b.events.ByExecution(ctx, e.ExecutionID, eventlog.Filter{
		EventTypes: []eventlog.Type{eventlog.Result},
	})
	if err != nil {
		return err
	}
	for i := range existing {
		r := &existing[i]
		if r.LoopID == e.LoopID && r.CurrentIndex != nil && *r.CurrentIndex == idx {
			return b.afterIteration(ctx, e.ExecutionID, name, e.LoopID, idx)
		}
	}

	if _, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   e.ExecutionID,
		CatalogID:     e.CatalogID,
		ParentEventID: e.EventID,
		EventType:     eventlog.Result,
		NodeID:        e.NodeID,
		NodeName:      name,
		NodeType:      "loop",
		Status:        eventlog.StatusSuccess,
		Result:        e.Result,
		CurrentIndex:  &idx,
		CurrentItem:   e.CurrentItem,
		LoopID:        e.LoopID,
		LoopName:      name,
	}); err != nil {
		return err
	}
	metrics.EventEmitTotal.WithLabelValues(string(eventlog.Result)).Inc()
	return b.afterIteration(ctx, e.ExecutionID, name, e.LoopID, idx)
}

// onChildComplete 子执行到终态：取最终结果，对父执行落一条迭代 result 事件
func (b *Broker) onChildComplete(ctx context.Context, e *eventlog.Event) error {
	starts, err := b.events.ByExecution(ctx, e.ExecutionID, eventlog.Filter{
		EventTypes: []eventlog.Type{eventlog.ExecutionStart}, Limit: 1,
	})
	if err != nil {
		return err
	}
	if len(starts) == 0 {
		return nil
	}
	meta := starts[0].Context

	parentStep, _ := meta["parent_step"].(string)
	iterNode, _ := meta["node_id"].(string)
	loopID, _ := meta["loop_id"].(string)
	loopName, _ := meta["loop_name"].(string)
	returnStep, _ := meta["return_step"].(string)
	if loopName == "" {
		loopName = parentStep
	}
	idx := 0
	if v, ok := utils.ToInt64(meta["current_index"]); ok {
		idx = int(v)
	}
	if parentStep == "" || loopID == "" {
		return nil // 非循环子执行
	}

	result, err := b.childFinalResult(ctx, e, returnStep)
	if err != nil {
		return err
	}

	// 去重后对父执行记迭代结果
	existing, err := b.events.ByExecution(ctx, e.ParentExecutionID, eventlog.Filter{
		EventTypes: []eventlog.Type{eventlog.Result},
	})
	if err != nil {
		return err
	}
	for i := range existing {
		r := &existing[i]
		if r.LoopID == loopID && r.CurrentIndex != nil && *r.CurrentIndex == idx {
			return b.afterIteration(ctx, e.ParentExecutionID, loopName, loopID, idx)
		}
	}

	if _, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:       e.ParentExecutionID,
		ParentExecutionID: e.ExecutionID,
		ParentEventID:     e.EventID,
		EventType:         eventlog.Result,
		NodeID:            iterNode,
		NodeName:          loopName,
		NodeType:          "playbook",
		Status:            eventlog.StatusSuccess,
		Result:            result,
		CurrentIndex:      &idx,
		CurrentItem:       meta["current_item"],
		LoopID:            loopID,
		LoopName:          loopName,
	}); err != nil {
		return err
	}
	return b.afterIteration(ctx, e.ParentExecutionID, loopName, loopID, idx)
}

// childFinalResult 子执行最终结果：execution_complete 的 result 优先，
// 其次 return_step 指定步骤，最后兜底最后一条有内容的 action_completed
func (b *Broker) childFinalResult(ctx context.Context, e *eventlog.Event, returnStep string) (map[string]interface{}, error) {
	if e.EventType == eventlog.ExecutionFailed {
		msg := e.Error
		if msg == "" {
			msg = "child execution failed"
		}
		return map[string]interface{}{"error": msg}, nil
	}
	if len(e.Result) > 0 {
		return e.Result, nil
	}
	results, err := b.events.NodeResults(ctx, e.ExecutionID)
	if err != nil {
		return nil, err
	}
	if returnStep != "" {
		if v, ok := results[returnStep]; ok {
			return wrapResult(v), nil
		}
	}
	// 最后一条有内容的 action_completed
	events, err := b.events.ByExecution(ctx, e.ExecutionID, eventlog.Filter{
		EventTypes: []eventlog.Type{eventlog.ActionCompleted},
	})
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Succeeded() && len(events[i].Result) > 0 {
			return events[i].Result, nil
		}
	}
	return map[string]interface{}{}, nil
}

// OnQueueComplete worker 标记完成后的驱动钩子
func (b *Broker) OnQueueComplete(ctx context.Context, entry *queue.Entry) error {
	metrics.QueueCompleteTotal.Inc()
	return b.Evaluate(ctx, entry.ExecutionID)
}

// OnQueueDead 条目进 dead：补 step_failed 与 execution_failed，之后不再有任何入队
func (b *Broker) OnQueueDead(ctx context.Context, entry *queue.Entry, errMsg string) error {
	stepName, _ := entry.Action["step"].(string)
	if stepName == "" {
		stepName = entry.NodeID
	}
	if errMsg == "" {
		errMsg = "max attempts exhausted"
	}

	if prev, err := b.events.Latest(ctx, entry.ExecutionID, stepName, eventlog.StepFailed); err != nil {
		return err
	} else if prev == nil {
		if _, err := b.events.Emit(ctx, &eventlog.Event{
			ExecutionID: entry.ExecutionID,
			CatalogID:   entry.CatalogID,
			EventType:   eventlog.StepFailed,
			NodeID:      entry.NodeID,
			NodeName:    stepName,
			NodeType:    "step",
			Status:      eventlog.StatusFailed,
			Error:       errMsg,
		}); err != nil {
			return err
		}
	}

	if prev, err := b.events.Latest(ctx, entry.ExecutionID, "", eventlog.ExecutionFailed); err != nil {
		return err
	} else if prev != nil {
		return nil
	}

	// 子执行失败要能传播回父循环，终态事件带上 parent_execution_id
	var parentExec int64
	catalogID := entry.CatalogID
	if starts, err := b.events.ByExecution(ctx, entry.ExecutionID, eventlog.Filter{
		EventTypes: []eventlog.Type{eventlog.ExecutionStart}, Limit: 1,
	}); err == nil && len(starts) > 0 {
		parentExec = starts[0].ParentExecutionID
		if catalogID == 0 {
			catalogID = starts[0].CatalogID
		}
	}

	failed := &eventlog.Event{
		ExecutionID:       entry.ExecutionID,
		CatalogID:         entry.CatalogID,
		ParentExecutionID: parentExec,
		EventType:         eventlog.ExecutionFailed,
		NodeName:          stepName,
		Status:            eventlog.StatusFailed,
		Error:             errMsg,
		Result:            map[string]interface{}{"failed_step": stepName},
	}
	if _, err := b.events.Emit(ctx, failed); err != nil {
		return err
	}
	metrics.ExecutionTotal.WithLabelValues("failed").Inc()
	b.logger.Error("execution failed",
		"execution_id", entry.ExecutionID, "step", stepName, "err", errMsg)

	// 失败同样是终态，local 凭据一并清掉
	if b.keychain != nil {
		if cent, err := b.catalog.FetchByID(ctx, catalogID); err == nil {
			if pb, err := cent.Playbook(); err == nil {
				b.releaseLocalCredentials(ctx, pb, catalogID, entry.ExecutionID)
			}
		}
	}

	if parentExec != 0 {
		if err := b.HandleEvent(ctx, failed); err != nil {
			b.logger.Error("propagate child failure",
				"execution_id", entry.ExecutionID, "err", err)
		}
	}
	return nil
}

// RetryDelayFor 条目的重试延迟：步骤 retry 配置覆盖队列缺省
func (b *Broker) RetryDelayFor(entry *queue.Entry) time.Duration {
	return time.Duration(b.stepRetryDelay(entry.Action)) * time.Second
}

func wrapResult(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": v}
}
