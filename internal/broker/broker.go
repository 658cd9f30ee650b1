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

// Package broker 执行推进器：对事件日志快照求值，决定发事件、入队还是收尾。
// Evaluate 幂等，可在每个完成事件后安全重放；幂等性来自队列 (execution_id, node_id)
// 唯一约束与 step_completed 去重，不靠锁。
package broker

import (
	"context"
	"fmt"
	"time"

	"playbook-platform/internal/catalog"
	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/queue"
	"playbook-platform/internal/template"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/metrics"
)

// ChildMeta 子执行与父循环迭代的关联信息
type ChildMeta struct {
	ParentExecutionID int64
	ParentStep        string
	NodeID            string
	CurrentIndex      int
	CurrentItem       interface{}
	LoopID            string
	LoopName          string
	ReturnStep        string
}

// ExecChildFunc 启动一次子 playbook 执行；由装配层注入，避免 broker 依赖 initializer
type ExecChildFunc func(ctx context.Context, path string, payload map[string]interface{}, meta ChildMeta) (int64, error)

// Broker 状态推进器
type Broker struct {
	events    eventlog.Store
	queue     queue.Store
	catalog   *catalog.Catalog
	keychain  keychain.Store
	logger    *log.Logger
	execChild ExecChildFunc

	retryDelay  time.Duration
	maxAttempts int
}

// New 创建 broker
func New(events eventlog.Store, q queue.Store, cat *catalog.Catalog, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		events:      events,
		queue:       q,
		catalog:     cat,
		logger:      logger,
		retryDelay:  queue.DefaultRetryDelay,
		maxAttempts: queue.DefaultMaxAttempts,
	}
}

// SetChildExecutor 注入子执行启动函数
func (b *Broker) SetChildExecutor(fn ExecChildFunc) { b.execChild = fn }

// SetKeychainStore 注入凭据存储；终态时清理 local scope 条目
func (b *Broker) SetKeychainStore(s keychain.Store) { b.keychain = s }

// SetQueueDefaults 覆盖入队缺省
func (b *Broker) SetQueueDefaults(maxAttempts int, retryDelay time.Duration) {
	if maxAttempts > 0 {
		b.maxAttempts = maxAttempts
	}
	if retryDelay > 0 {
		b.retryDelay = retryDelay
	}
}

// snapshot 一次求值用到的全部状态
type snapshot struct {
	executionID int64
	catalogID   int64
	start       *eventlog.Event
	pb          *playbook.Playbook
	events      []eventlog.Event
	evalCtx     map[string]interface{}
}

func (b *Broker) load(ctx context.Context, executionID int64) (*snapshot, error) {
	events, err := b.events.ByExecution(ctx, executionID, eventlog.Filter{})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("execution %d has no events", executionID)
	}
	var start *eventlog.Event
	for i := range events {
		if events[i].EventType == eventlog.ExecutionStart {
			start = &events[i]
			break
		}
	}
	if start == nil {
		return nil, fmt.Errorf("execution %d has no execution_start event", executionID)
	}

	entry, err := b.catalog.FetchByID(ctx, start.CatalogID)
	if err != nil {
		return nil, err
	}
	pb, err := entry.Playbook()
	if err != nil {
		return nil, err
	}

	evalCtx, err := b.buildContext(ctx, start)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		executionID: executionID,
		catalogID:   start.CatalogID,
		start:       start,
		pb:          pb,
		events:      events,
		evalCtx:     evalCtx,
	}, nil
}

// buildContext 求值上下文：workload + 每个已完成步骤的最新结果按步骤名平铺
func (b *Broker) buildContext(ctx context.Context, start *eventlog.Event) (map[string]interface{}, error) {
	results, err := b.events.NodeResults(ctx, start.ExecutionID)
	if err != nil {
		return nil, err
	}
	evalCtx := make(map[string]interface{}, len(results)+2)
	workload, _ := start.Context["workload"].(map[string]interface{})
	evalCtx["workload"] = workload
	evalCtx["start"] = map[string]interface{}{"args": workload}
	for name, res := range results {
		evalCtx[name] = res
	}
	return evalCtx, nil
}

func (s *snapshot) terminal() bool {
	for _, e := range s.events {
		if e.EventType.Terminal() {
			return true
		}
	}
	return false
}

func (s *snapshot) stepCompleted() map[string]bool {
	out := make(map[string]bool)
	for _, e := range s.events {
		if e.EventType == eventlog.StepCompleted {
			out[e.NodeName] = true
		}
	}
	return out
}

// Evaluate 推进一次执行。对同一快照重复调用产生相同的已提交状态。
func (b *Broker) Evaluate(ctx context.Context, executionID int64) error {
	started := time.Now()
	defer func() {
		metrics.BrokerEvalDuration.Observe(time.Since(started).Seconds())
	}()

	snap, err := b.load(ctx, executionID)
	if err != nil {
		metrics.BrokerEvalTotal.WithLabelValues("error").Inc()
		return err
	}
	if snap.terminal() {
		metrics.BrokerEvalTotal.WithLabelValues("terminal").Inc()
		return nil
	}

	completed := snap.stepCompleted()

	// 找 newly-completed：有 action_completed / step_result 但还没有 step_completed 的步骤。
	// 循环迭代事件（带 loop_id）不在此处处理，聚合完成后 broker 会发不带 loop_id 的汇总事件。
	seen := make(map[string]bool)
	for i := range snap.events {
		e := &snap.events[i]
		if e.EventType != eventlog.ActionCompleted && e.EventType != eventlog.StepResult {
			continue
		}
		if !e.Succeeded() || e.NodeName == "" || e.LoopID != "" {
			continue
		}
		if completed[e.NodeName] || seen[e.NodeName] {
			continue
		}
		step, ok := snap.pb.StepByName(e.NodeName)
		if !ok {
			continue
		}
		seen[e.NodeName] = true
		// 单步求值出错只记日志，不能让一个坏步骤卡死整个执行
		if err := b.advanceStep(ctx, snap, step, e); err != nil {
			b.logger.Error("advance step failed",
				"execution_id", executionID, "step", e.NodeName, "err", err)
			continue
		}
		completed[e.NodeName] = true
	}

	if err := b.finalize(ctx, snap, completed); err != nil {
		metrics.BrokerEvalTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.BrokerEvalTotal.WithLabelValues("ok").Inc()
	return nil
}

// advanceStep 给 newly-completed 步骤补 step_completed 并评估其转移
func (b *Broker) advanceStep(ctx context.Context, snap *snapshot, step playbook.Step, completion *eventlog.Event) error {
	// 并发调用下二次检查，重复的 step_completed 静默丢弃
	if prev, err := b.events.Latest(ctx, snap.executionID, step.Name, eventlog.StepCompleted); err != nil {
		return err
	} else if prev != nil {
		return nil
	}
	_, err := b.events.Emit(ctx, &eventlog.Event{
		ExecutionID:   snap.executionID,
		CatalogID:     snap.catalogID,
		ParentEventID: completion.EventID,
		EventType:     eventlog.StepCompleted,
		NodeID:        completion.NodeID,
		NodeName:      step.Name,
		NodeType:      "step",
		Status:        eventlog.StatusCompleted,
	})
	if err != nil {
		return err
	}
	metrics.EventEmitTotal.WithLabelValues(string(eventlog.StepCompleted)).Inc()

	return b.followTransitions(ctx, snap, step, 0)
}

// followTransitions 评估一个步骤的 next 列表；控制步骤递归展开，可执行步骤入队
func (b *Broker) followTransitions(ctx context.Context, snap *snapshot, step playbook.Step, depth int) error {
	if depth > len(snap.pb.Workflow) {
		return fmt.Errorf("control step chain too deep at %q", step.Name)
	}
	for _, tr := range step.Next {
		trCtx := make(map[string]interface{}, len(snap.evalCtx)+1)
		for k, v := range snap.evalCtx {
			trCtx[k] = v
		}
		trCtx["result"] = snap.evalCtx[step.Name]
		if !template.RenderBool(tr.When, trCtx) {
			continue
		}

		target, ok := snap.pb.StepByName(tr.Step)
		if !ok {
			b.logger.Warn("transition to unknown step",
				"execution_id", snap.executionID, "from", step.Name, "to", tr.Step)
			continue
		}
		normalized, err := playbook.Normalize(target)
		if err != nil {
			b.logger.Error("normalize step failed", "step", target.Name, "err", err)
			continue
		}
		if normalized.Actionable() {
			if err := b.DispatchStep(ctx, snap.executionID, snap.catalogID, snap.pb,
				normalized, tr.EdgeArgs(), snap.evalCtx); err != nil {
				b.logger.Error("dispatch step failed",
					"execution_id", snap.executionID, "step", normalized.Name, "err", err)
			}
			continue
		}
		// start/end/route 或无类型：不入队，继续展开它自己的 next
		if err := b.followTransitions(ctx, snap, target, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// finalize end 步骤收尾：end 可达且从 start 沿满足的转移可达的可执行步骤
// 全部完成时，渲染 end 的 result 映射并发 execution_complete。
// end 不可达（中途断链）的执行干净停住，不发终态。
func (b *Broker) finalize(ctx context.Context, snap *snapshot, completed map[string]bool) error {
	reachable, endReachable := b.reachableActionable(snap.pb, snap.evalCtx)
	if !endReachable {
		return nil
	}
	done := 0
	for name := range completed {
		if reachable[name] {
			done++
		}
	}
	if done < len(reachable) {
		return nil
	}
	// 并发下终态只发一次
	if prev, err := b.events.Latest(ctx, snap.executionID, "", eventlog.ExecutionComplete); err != nil {
		return err
	} else if prev != nil {
		return nil
	}

	result := b.renderFinalResult(ctx, snap)
	complete := &eventlog.Event{
		ExecutionID:       snap.executionID,
		CatalogID:         snap.catalogID,
		ParentExecutionID: snap.start.ParentExecutionID,
		EventType:         eventlog.ExecutionComplete,
		NodeName:          playbook.StepEnd,
		NodeType:          "step",
		Status:            eventlog.StatusCompleted,
		Result:            result,
	}
	if _, err := b.events.Emit(ctx, complete); err != nil {
		return err
	}
	metrics.ExecutionTotal.WithLabelValues("completed").Inc()
	b.logger.Info("execution completed", "execution_id", snap.executionID)
	b.releaseLocalCredentials(ctx, snap.pb, snap.catalogID, snap.executionID)

	// 子执行的终态要回传父执行的循环迭代
	if complete.ParentExecutionID != 0 {
		if err := b.HandleEvent(ctx, complete); err != nil {
			b.logger.Error("propagate child completion",
				"execution_id", snap.executionID, "err", err)
		}
	}
	return nil
}

// releaseLocalCredentials local scope 凭据随执行过期：终态后按 playbook 声明逐条删除。
// global/catalog/shared 条目跨执行存活，不动。
func (b *Broker) releaseLocalCredentials(ctx context.Context, pb *playbook.Playbook, catalogID, executionID int64) {
	if b.keychain == nil {
		return
	}
	for _, spec := range pb.Keychain {
		switch spec.Scope {
		case keychain.ScopeGlobal, keychain.ScopeCatalog, keychain.ScopeShared:
			continue
		}
		if err := b.keychain.Delete(ctx, catalogID, spec.Name, executionID); err != nil {
			b.logger.Warn("release local credential",
				"execution_id", executionID, "name", spec.Name, "err", err)
		}
	}
}

// renderFinalResult end.result 映射在聚合上下文中渲染；映射为空则聚合全部步骤结果
func (b *Broker) renderFinalResult(ctx context.Context, snap *snapshot) map[string]interface{} {
	endStep, ok := snap.pb.StepByName(playbook.StepEnd)
	if ok && len(endStep.Result) > 0 {
		return template.RenderMap(endStep.Result, snap.evalCtx)
	}
	results, err := b.events.NodeResults(ctx, snap.executionID)
	if err != nil || len(results) == 0 {
		return nil
	}
	return results
}

// reachableActionable 从 start 出发、只沿当前上下文中谓词满足的转移，可达的
// 可执行步骤集，以及 end 是否可达
func (b *Broker) reachableActionable(pb *playbook.Playbook, evalCtx map[string]interface{}) (map[string]bool, bool) {
	out := make(map[string]bool)
	visited := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		step, ok := pb.StepByName(name)
		if !ok {
			return
		}
		normalized, err := playbook.Normalize(step)
		if err == nil && normalized.Actionable() {
			out[name] = true
		}
		for _, tr := range step.Next {
			trCtx := make(map[string]interface{}, len(evalCtx)+1)
			for k, v := range evalCtx {
				trCtx[k] = v
			}
			trCtx["result"] = evalCtx[name]
			if !template.RenderBool(tr.When, trCtx) {
				continue
			}
			walk(tr.Step)
		}
	}
	walk(playbook.StepStart)
	return out, visited[playbook.StepEnd]
}
