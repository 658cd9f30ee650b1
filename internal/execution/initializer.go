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

package execution

import (
	"context"
	"fmt"

	"playbook-platform/internal/broker"
	"playbook-platform/internal/catalog"
	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/template"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/snowflake"
	"playbook-platform/pkg/utils"
)

// Request 启动一次执行
type Request struct {
	CatalogID int64
	Path      string
	Version   int // 0 为 latest
	Payload   map[string]interface{}
	Requestor map[string]interface{}
}

// Initializer 执行启动器：解析目录条目、播种 workload、处理 keychain、
// 发 execution_start 并下发第一个可执行步骤。
type Initializer struct {
	catalog  *catalog.Catalog
	events   eventlog.Store
	workload WorkloadStore
	keychain *keychain.Processor
	broker   *broker.Broker
	gen      *snowflake.Generator
	logger   *log.Logger
}

// NewInitializer 创建启动器，并把自己注册为 broker 的子执行入口
func NewInitializer(cat *catalog.Catalog, events eventlog.Store, wl WorkloadStore,
	kc *keychain.Processor, b *broker.Broker, gen *snowflake.Generator, logger *log.Logger) *Initializer {

	if logger == nil {
		logger = log.Default()
	}
	ini := &Initializer{
		catalog:  cat,
		events:   events,
		workload: wl,
		keychain: kc,
		broker:   b,
		gen:      gen,
		logger:   logger,
	}
	b.SetChildExecutor(ini.ExecuteChild)
	return ini
}

// Execute 启动一次顶层执行，返回 execution_id
func (i *Initializer) Execute(ctx context.Context, req Request) (int64, error) {
	return i.execute(ctx, req, nil)
}

// ExecuteChild broker 循环 fan-out 的子执行入口
func (i *Initializer) ExecuteChild(ctx context.Context, path string,
	payload map[string]interface{}, meta broker.ChildMeta) (int64, error) {
	return i.execute(ctx, Request{Path: path, Payload: payload}, &meta)
}

func (i *Initializer) execute(ctx context.Context, req Request, child *broker.ChildMeta) (int64, error) {
	entry, err := i.resolve(ctx, req)
	if err != nil {
		return 0, err
	}
	if entry.Kind != playbook.KindPlaybook {
		return 0, fmt.Errorf("%w: %s is a %s, not a Playbook", pkgerrors.ErrInvalidArg, entry.Path, entry.Kind)
	}
	pb, err := entry.Playbook()
	if err != nil {
		return 0, err
	}

	executionID := i.gen.Next()
	workload := utils.DeepMerge(pb.Workload, req.Payload)

	if err := i.workload.Put(ctx, &Workload{
		ExecutionID: executionID,
		CatalogID:   entry.CatalogID,
		Data:        workload,
	}); err != nil {
		return 0, err
	}

	evalCtx := map[string]interface{}{
		"workload": workload,
		"start":    map[string]interface{}{"args": workload},
	}
	if i.keychain != nil && len(pb.Keychain) > 0 {
		if err := i.keychain.Process(ctx, pb.Keychain, entry.CatalogID, executionID, evalCtx); err != nil {
			return 0, err
		}
	}

	startCtx := map[string]interface{}{
		"workload": workload,
		"path":     entry.Path,
		"version":  entry.Version,
	}
	if len(req.Requestor) > 0 {
		startCtx["requestor"] = req.Requestor
	}
	start := &eventlog.Event{
		ExecutionID: executionID,
		CatalogID:   entry.CatalogID,
		EventType:   eventlog.ExecutionStart,
		NodeName:    playbook.StepStart,
		NodeType:    "step",
		Status:      eventlog.StatusRunning,
		Context:     startCtx,
	}
	if child != nil {
		start.ParentExecutionID = child.ParentExecutionID
		startCtx["parent_execution_id"] = child.ParentExecutionID
		startCtx["parent_step"] = child.ParentStep
		startCtx["node_id"] = child.NodeID
		startCtx["current_index"] = child.CurrentIndex
		startCtx["current_item"] = child.CurrentItem
		startCtx["loop_id"] = child.LoopID
		startCtx["loop_name"] = child.LoopName
		if child.ReturnStep != "" {
			startCtx["return_step"] = child.ReturnStep
		}
	}
	if _, err := i.events.Emit(ctx, start); err != nil {
		return 0, err
	}
	metrics.ExecutionTotal.WithLabelValues("started").Inc()
	i.logger.Info("execution started",
		"execution_id", executionID, "path", entry.Path, "version", entry.Version)

	if err := i.dispatchFirst(ctx, executionID, entry.CatalogID, pb, evalCtx); err != nil {
		return 0, err
	}
	// 退化工作流（无可执行步骤）在首轮求值直接收尾
	if err := i.broker.Evaluate(ctx, executionID); err != nil {
		i.logger.Error("initial evaluation failed", "execution_id", executionID, "err", err)
	}
	return executionID, nil
}

func (i *Initializer) resolve(ctx context.Context, req Request) (*catalog.Entry, error) {
	if req.CatalogID != 0 {
		return i.catalog.FetchByID(ctx, req.CatalogID)
	}
	if req.Path == "" {
		return nil, fmt.Errorf("%w: execute needs catalog_id or path", pkgerrors.ErrInvalidArg)
	}
	return i.catalog.FetchByPath(ctx, req.Path, req.Version)
}

// dispatchFirst 从 start 沿无条件首转移走到第一个可执行步骤并下发。
// start 自己可执行时直接用 start。
func (i *Initializer) dispatchFirst(ctx context.Context, executionID, catalogID int64,
	pb *playbook.Playbook, evalCtx map[string]interface{}) error {

	cur, ok := pb.StepByName(playbook.StepStart)
	if !ok {
		return fmt.Errorf("%w: no start step", pkgerrors.ErrInvalidPlaybook)
	}
	var edgeArgs map[string]interface{}
	for hops := 0; hops <= len(pb.Workflow); hops++ {
		step, err := playbook.Normalize(cur)
		if err != nil {
			return err
		}
		if step.Actionable() {
			return i.broker.DispatchStep(ctx, executionID, catalogID, pb, step, edgeArgs, evalCtx)
		}
		if len(cur.Next) == 0 {
			return nil // 干净停住，不崩
		}
		tr := cur.Next[0]
		if tr.When != "" && !template.RenderBool(tr.When, evalCtx) {
			return nil
		}
		edgeArgs = tr.EdgeArgs()
		next, ok := pb.StepByName(tr.Step)
		if !ok {
			return fmt.Errorf("%w: start chain points to unknown step %q", pkgerrors.ErrInvalidPlaybook, tr.Step)
		}
		cur = next
	}
	return nil
}
