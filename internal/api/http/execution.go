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

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/execution"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/metrics"
)

// Execute 启动一次执行
// POST /api/execute；body {catalog_id | path [, version], payload, requestor}
func (h *Handler) Execute(c context.Context, ctx *app.RequestContext) {
	var req struct {
		CatalogID interface{}            `json:"catalog_id"`
		Path      string                 `json:"path"`
		Version   interface{}            `json:"version"`
		Payload   map[string]interface{} `json:"payload"`
		Requestor map[string]interface{} `json:"requestor"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
		return
	}

	r := execution.Request{
		Path:      req.Path,
		Version:   parseVersion(req.Version),
		Payload:   req.Payload,
		Requestor: req.Requestor,
	}
	if id, ok := parseID(req.CatalogID); ok {
		r.CatalogID = id
	}

	executionID, err := h.initializer.Execute(c, r)
	if err != nil {
		hlog.CtxErrorf(c, "execute failed: %v", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":       "ok",
		"execution_id": formatID(executionID),
	})
}

// EmitEvent worker 上报事件；落盘后驱动 broker
// POST /api/events
func (h *Handler) EmitEvent(c context.Context, ctx *app.RequestContext) {
	event, err := decodeEvent(ctx.Request.Body())
	if err != nil {
		respondError(ctx, err)
		return
	}

	if _, err := h.events.Emit(c, event); err != nil {
		respondError(ctx, err)
		return
	}
	metrics.EventEmitTotal.WithLabelValues(string(event.EventType)).Inc()

	// 事件驱动求值：失败不回滚事件，记日志后由下一个完成事件补救
	if err := h.broker.HandleEvent(c, event); err != nil {
		hlog.CtxErrorf(c, "handle event %d for execution %d failed: %v",
			event.EventID, event.ExecutionID, err)
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":   "ok",
		"event_id": formatID(event.EventID),
	})
}

// decodeEvent 事件 JSON 反序列化；ID 字段接受字符串或数字
func decodeEvent(body []byte) (*eventlog.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err)
	}

	ids := make(map[string]int64, 4)
	for _, key := range []string{"execution_id", "catalog_id", "parent_event_id", "parent_execution_id"} {
		if v, ok := raw[key]; ok {
			if id, ok := parseID(v); ok {
				ids[key] = id
			}
			delete(raw, key)
		}
	}
	delete(raw, "event_id") // 事件 ID 由服务端分配

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err)
	}
	var event eventlog.Event
	if err := json.Unmarshal(buf, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err)
	}
	event.ExecutionID = ids["execution_id"]
	event.CatalogID = ids["catalog_id"]
	event.ParentEventID = ids["parent_event_id"]
	event.ParentExecutionID = ids["parent_execution_id"]

	if event.ExecutionID == 0 {
		return nil, fmt.Errorf("%w: execution_id is required", pkgerrors.ErrInvalidArg)
	}
	if !event.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event_type %q", pkgerrors.ErrInvalidArg, event.EventType)
	}
	return &event, nil
}

// EventsByExecution 一次执行的事件日志
// GET /api/events/by-execution/:id?event_type=a,b&node_name=&limit=
func (h *Handler) EventsByExecution(c context.Context, ctx *app.RequestContext) {
	executionID, ok := parseID(ctx.Param("id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad execution id", pkgerrors.ErrInvalidArg))
		return
	}

	filter := eventlog.Filter{NodeName: string(ctx.Query("node_name"))}
	if raw := string(ctx.Query("event_type")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.EventTypes = append(filter.EventTypes, eventlog.Type(strings.TrimSpace(t)))
		}
	}
	if raw := string(ctx.Query("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	events, err := h.events.ByExecution(c, executionID, filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"execution_id": formatID(executionID),
		"events":       events,
		"total":        len(events),
	})
}

// Executions 最近的执行列表
// GET /api/executions?limit=
func (h *Handler) Executions(c context.Context, ctx *app.RequestContext) {
	limit := 50
	if raw := string(ctx.Query("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	views, err := h.projection.List(c, limit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"executions": views,
		"total":      len(views),
	})
}

// ExecutionByID 单个执行的投影视图
// GET /api/executions/:id
func (h *Handler) ExecutionByID(c context.Context, ctx *app.RequestContext) {
	executionID, ok := parseID(ctx.Param("id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad execution id", pkgerrors.ErrInvalidArg))
		return
	}
	view, err := h.projection.Get(c, executionID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, view)
}
