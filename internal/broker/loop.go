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
	"time"

	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/queue"
	"playbook-platform/internal/template"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/utils"
)

// loopHold 迭代器占位条目的 available_at 偏移：条目只为占住 (execution_id, node_id)
// 槽位并在聚合时标记 done，worker 永远租不到它
const loopHold = 87600 * time.Hour

// dispatchLoop 循环 fan-out：展开集合，全部 loop_iteration 事件先落盘，
// async 全量入队，sync 只发第 0 个迭代，后续由结果事件驱动。
func (b *Broker) dispatchLoop(ctx context.Context, executionID, catalogID int64,
	pb *playbook.Playbook, step playbook.Step, edgeArgs map[string]interface{},
	evalCtx map[string]interface{}) error {

	loopID := fmt.Sprintf("%d:%s", executionID, step.Name)
	parentNode := nodeID(executionID, pb, step.Name)

	// fan-out 幂等：已有迭代事件说明另一次求值展开过了
	if prev, err := b.events.Latest(ctx, executionID, step.Name, eventlog.LoopIteration); err != nil {
		return err
	} else if prev != nil {
		return nil
	}
	// 占位条目抢 (execution_id, node_id) 槽位，并发求值只有一个胜出
	placeholder := queue.Entry{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      parentNode,
		Action:      map[string]interface{}{"step": step.Name, "type": "iterator"},
		Context:     evalCtx,
		AvailableAt: time.Now().Add(loopHold),
	}
	_, inserted, err := b.queue.Enqueue(ctx, &placeholder)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	items := b.expandCollection(step, edgeArgs, evalCtx)

	// 空集合：零个迭代，直接发空聚合，父转移照常触发
	if len(items) == 0 {
		return b.emitLoopAggregate(ctx, executionID, catalogID, pb, step, loopID, []interface{}{})
	}

	for k, item := range items {
		idx := k
		if _, err := b.events.Emit(ctx, &eventlog.Event{
			ExecutionID:  executionID,
			CatalogID:    catalogID,
			EventType:    eventlog.LoopIteration,
			NodeID:       iterNodeID(parentNode, k),
			NodeName:     step.Name,
			NodeType:     "loop",
			Status:       eventlog.StatusRunning,
			CurrentIndex: &idx,
			CurrentItem:  item,
			LoopID:       loopID,
			LoopName:     step.Name,
		}); err != nil {
			return err
		}
		metrics.EventEmitTotal.WithLabelValues(string(eventlog.LoopIteration)).Inc()
	}
	b.logger.Info("loop fan-out",
		"execution_id", executionID, "step", step.Name, "iterations", len(items), "mode", step.Mode())

	sync := step.Mode() == "sync"
	for k, item := range items {
		if sync && k > 0 {
			break
		}
		if err := b.dispatchIteration(ctx, executionID, catalogID, pb, step, k, item, loopID, evalCtx); err != nil {
			return err
		}
	}
	return nil
}

// dispatchIteration 单个迭代：子 playbook 起子执行，其余入队给 worker
func (b *Broker) dispatchIteration(ctx context.Context, executionID, catalogID int64,
	pb *playbook.Playbook, step playbook.Step, k int, item interface{},
	loopID string, evalCtx map[string]interface{}) error {

	parentNode := nodeID(executionID, pb, step.Name)
	iterNode := iterNodeID(parentNode, k)
	task := step.Task()

	if childPath, ok := task["playbook"].(string); ok && childPath != "" {
		return b.spawnChild(ctx, executionID, step, iterNode, k, item, loopID, task, evalCtx)
	}

	iterCtx := make(map[string]interface{}, len(evalCtx)+2)
	for key, v := range evalCtx {
		iterCtx[key] = v
	}
	iterCtx[step.Element()] = item
	iterCtx["current_index"] = k

	action := make(map[string]interface{}, len(task)+5)
	for key, v := range task {
		action[key] = v
	}
	if len(action) == 0 {
		action["type"] = "python"
	}
	action["step"] = step.Name
	action["element"] = step.Element()
	action["loop_id"] = loopID
	action["current_index"] = k
	if args, ok := action["args"].(map[string]interface{}); ok {
		action["args"] = template.RenderMap(args, iterCtx)
	}

	entry := queue.Entry{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      iterNode,
		Action:      action,
		Context:     iterCtx,
		MaxAttempts: b.stepMaxAttempts(step),
	}
	_, _, err := b.queue.Enqueue(ctx, &entry)
	return err
}

// spawnChild 为一个迭代启动子执行，父迭代元数据进子执行的启动上下文
func (b *Broker) spawnChild(ctx context.Context, executionID int64, step playbook.Step,
	iterNode string, k int, item interface{}, loopID string,
	task map[string]interface{}, evalCtx map[string]interface{}) error {

	if b.execChild == nil {
		return fmt.Errorf("no child executor configured for sub-playbook loop %q", step.Name)
	}
	childPath, _ := task["playbook"].(string)
	returnStep, _ := task["return_step"].(string)

	iterCtx := make(map[string]interface{}, len(evalCtx)+1)
	for key, v := range evalCtx {
		iterCtx[key] = v
	}
	iterCtx[step.Element()] = item

	payload := map[string]interface{}{step.Element(): item}
	if args, ok := task["args"].(map[string]interface{}); ok {
		payload = utils.DeepMerge(template.RenderMap(args, iterCtx), payload)
	}

	childID, err := b.execChild(ctx, childPath, payload, ChildMeta{
		ParentExecutionID: executionID,
		ParentStep:        step.Name,
		NodeID:            iterNode,
		CurrentIndex:      k,
		CurrentItem:       item,
		LoopID:            loopID,
		LoopName:          step.Name,
		ReturnStep:        returnStep,
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "spawn child execution for %s iter %d", step.Name, k)
	}
	b.logger.Info("child execution spawned",
		"parent_execution_id", executionID, "child_execution_id", childID,
		"step", step.Name, "index", k)
	return nil
}

// expandCollection 解析集合并应用 where 过滤与 limit 截断
func (b *Broker) expandCollection(step playbook.Step, edgeArgs map[string]interface{},
	evalCtx map[string]interface{}) []interface{} {

	collection := step.Collection()
	if collection == nil {
		collection = edgeArgs["collection"]
	}
	items := template.RenderCollection(collection, evalCtx)

	where := step.AttrString("where")
	if where != "" {
		filtered := items[:0:0]
		for _, item := range items {
			whereCtx := make(map[string]interface{}, len(evalCtx)+1)
			for k, v := range evalCtx {
				whereCtx[k] = v
			}
			whereCtx[step.Element()] = item
			if template.RenderBool(where, whereCtx) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if v, ok := step.Attr("limit"); ok {
		if limit, ok := utils.ToInt64(v); ok && limit > 0 && int(limit) < len(items) {
			items = items[:limit]
		}
	}
	return items
}

// afterIteration 每条迭代结果落盘后调用：sync 模式补发下一个迭代，然后检查聚合
func (b *Broker) afterIteration(ctx context.Context, executionID int64,
	stepName, loopID string, doneIdx int) error {

	snap, err := b.load(ctx, executionID)
	if err != nil {
		return err
	}
	raw, ok := snap.pb.StepByName(stepName)
	if !ok {
		return fmt.Errorf("loop step %q not in playbook", stepName)
	}
	step, err := playbook.Normalize(raw)
	if err != nil {
		return err
	}

	if step.Mode() == "sync" {
		if err := b.dispatchNextIteration(ctx, snap, step, loopID, doneIdx+1); err != nil {
			b.logger.Error("dispatch next sync iteration failed",
				"execution_id", executionID, "step", stepName, "index", doneIdx+1, "err", err)
		}
	}
	return b.aggregateLoop(ctx, snap, step, loopID)
}

// dispatchNextIteration sync 模式：按 loop_iteration 事件找到下一个元素并下发
func (b *Broker) dispatchNextIteration(ctx context.Context, snap *snapshot,
	step playbook.Step, loopID string, next int) error {

	for i := range snap.events {
		e := &snap.events[i]
		if e.EventType != eventlog.LoopIteration || e.LoopID != loopID {
			continue
		}
		if e.CurrentIndex == nil || *e.CurrentIndex != next {
			continue
		}
		return b.dispatchIteration(ctx, snap.executionID, snap.catalogID, snap.pb,
			step, next, e.CurrentItem, loopID, snap.evalCtx)
	}
	return nil // 没有下一个迭代
}

// aggregateLoop 事件驱动 fan-in：expected = loop_iteration 数，done = 非空迭代结果数，
// done ≥ expected 且还没发过聚合时发最终 action_completed。
func (b *Broker) aggregateLoop(ctx context.Context, snap *snapshot,
	step playbook.Step, loopID string) error {

	expected := 0
	results := make(map[int]interface{})
	for i := range snap.events {
		e := &snap.events[i]
		switch {
		case e.EventType == eventlog.LoopIteration && e.LoopID == loopID:
			expected++
		case e.EventType == eventlog.Result && e.LoopID == loopID &&
			e.CurrentIndex != nil && len(e.Result) > 0:
			results[*e.CurrentIndex] = iterationResult(e.Result)
		case e.EventType == eventlog.ActionCompleted && e.NodeName == step.Name &&
			e.ContextBool("loop_completed"):
			return nil // 聚合已经发过
		}
	}
	if expected == 0 || len(results) < expected {
		return nil
	}

	ordered := make([]interface{}, 0, expected)
	for i := 0; i < expected; i++ {
		if r, ok := results[i]; ok {
			ordered = append(ordered, r)
		}
	}
	return b.emitLoopAggregate(ctx, snap.executionID, snap.catalogID, snap.pb, step, loopID, ordered)
}

// emitLoopAggregate 发最终聚合：父步骤的 action_completed（不带 loop_id，交给
// 常规 newly-completed 扫描）、dashboard 用的 result 与 loop_completed 标记，
// 占位条目标记 done，再触发一轮求值。每个 (execution, loop step) 恰好一次。
func (b *Broker) emitLoopAggregate(ctx context.Context, executionID, catalogID int64,
	pb *playbook.Playbook, step playbook.Step, loopID string, ordered []interface{}) error {

	parentNode := nodeID(executionID, pb, step.Name)
	count := len(ordered)

	aggregate, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		EventType:   eventlog.ActionCompleted,
		NodeID:      parentNode,
		NodeName:    step.Name,
		NodeType:    "loop",
		Status:      eventlog.StatusCompleted,
		Result: map[string]interface{}{
			"data": map[string]interface{}{
				"results": ordered, "result": ordered, "count": count,
			},
			"results": ordered,
			"result":  ordered,
			"count":   count,
		},
		Context: map[string]interface{}{
			"loop_completed":   true,
			"total_iterations": count,
		},
	})
	if err != nil {
		return err
	}

	marker := map[string]interface{}{"results": ordered, "count": count}
	if _, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   executionID,
		CatalogID:     catalogID,
		ParentEventID: aggregate,
		EventType:     eventlog.Result,
		NodeID:        parentNode,
		NodeName:      step.Name,
		NodeType:      "loop",
		Status:        eventlog.StatusSuccess,
		Result:        marker,
		LoopID:        loopID,
		LoopName:      step.Name,
	}); err != nil {
		return err
	}
	if _, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   executionID,
		CatalogID:     catalogID,
		ParentEventID: aggregate,
		EventType:     eventlog.LoopCompleted,
		NodeID:        parentNode,
		NodeName:      step.Name,
		NodeType:      "loop",
		Status:        eventlog.StatusCompleted,
		Result:        marker,
		LoopID:        loopID,
		LoopName:      step.Name,
		Context:       map[string]interface{}{"total_iterations": count},
	}); err != nil {
		return err
	}

	if err := b.queue.MarkDoneByNode(ctx, executionID, parentNode); err != nil {
		return err
	}
	b.logger.Info("loop aggregated",
		"execution_id", executionID, "step", step.Name, "count", count)
	return b.Evaluate(ctx, executionID)
}

// iterationResult 单键 {result: v} 解包成 v
func iterationResult(r map[string]interface{}) interface{} {
	if len(r) == 1 {
		if v, ok := r["result"]; ok {
			return v
		}
	}
	return r
}

func iterNodeID(parentNode string, k int) string {
	return fmt.Sprintf("%s-iter-%d", parentNode, k)
}
