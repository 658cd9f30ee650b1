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
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"playbook-platform/internal/queue"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/metrics"
)

// QueueLease worker 租一条任务
// POST /api/queue/lease；body {worker_id [, lease_seconds]}
// 响应 {status, job}，队列空时 job 为 null
func (h *Handler) QueueLease(c context.Context, ctx *app.RequestContext) {
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
		return
	}
	if req.WorkerID == "" {
		// 匿名 worker 也要能租：给它一个一次性身份
		req.WorkerID = "worker-" + uuid.NewString()
	}
	lease := h.leaseDuration
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}

	entry, err := h.queue.Lease(c, req.WorkerID, lease)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if entry == nil {
		metrics.QueueLeaseTotal.WithLabelValues("false").Inc()
		ctx.JSON(consts.StatusOK, map[string]interface{}{"status": "ok", "job": nil})
		return
	}
	metrics.QueueLeaseTotal.WithLabelValues("true").Inc()
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"job": map[string]interface{}{
			"queue_id":     formatID(entry.QueueID),
			"execution_id": formatID(entry.ExecutionID),
			"catalog_id":   formatID(entry.CatalogID),
			"node_id":      entry.NodeID,
			"action":       entry.Action,
			"context":      entry.Context,
			"attempts":     entry.Attempts,
			"max_attempts": entry.MaxAttempts,
		},
	})
}

// QueueHeartbeat 刷新心跳，extend_seconds > 0 时顺延租约
// POST /api/queue/:id/heartbeat
func (h *Handler) QueueHeartbeat(c context.Context, ctx *app.RequestContext) {
	queueID, ok := parseID(ctx.Param("id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad queue id", pkgerrors.ErrInvalidArg))
		return
	}
	var req struct {
		ExtendSeconds int `json:"extend_seconds"`
	}
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
			return
		}
	}

	if err := h.queue.Heartbeat(c, queueID, time.Duration(req.ExtendSeconds)*time.Second); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"status": "ok"})
}

// QueueComplete worker 标记任务完成，触发一轮求值
// POST /api/queue/:id/complete
func (h *Handler) QueueComplete(c context.Context, ctx *app.RequestContext) {
	queueID, ok := parseID(ctx.Param("id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad queue id", pkgerrors.ErrInvalidArg))
		return
	}

	entry, err := h.queue.Complete(c, queueID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if err := h.broker.OnQueueComplete(c, entry); err != nil {
		hlog.CtxErrorf(c, "evaluate after complete of %d failed: %v", queueID, err)
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"status": "ok"})
}

// QueueFail worker 标记任务失败；重试或进 dead
// POST /api/queue/:id/fail；body {error [, retry=true, retry_delay_seconds]}
func (h *Handler) QueueFail(c context.Context, ctx *app.RequestContext) {
	queueID, ok := parseID(ctx.Param("id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad queue id", pkgerrors.ErrInvalidArg))
		return
	}
	req := struct {
		Error             string `json:"error"`
		Retry             *bool  `json:"retry"`
		RetryDelaySeconds int    `json:"retry_delay_seconds"`
	}{}
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
			return
		}
	}
	retry := req.Retry == nil || *req.Retry

	current, err := h.queue.Get(c, queueID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	delay := h.broker.RetryDelayFor(current)
	if req.RetryDelaySeconds > 0 {
		delay = time.Duration(req.RetryDelaySeconds) * time.Second
	}

	entry, dead, err := h.queue.Fail(c, queueID, retry, delay)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if dead {
		metrics.QueueFailTotal.WithLabelValues("dead").Inc()
		if err := h.broker.OnQueueDead(c, entry, req.Error); err != nil {
			hlog.CtxErrorf(c, "record dead entry %d failed: %v", queueID, err)
		}
	} else {
		metrics.QueueFailTotal.WithLabelValues("retry").Inc()
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":   "ok",
		"dead":     dead,
		"attempts": entry.Attempts,
	})
}

// QueueSize 各状态条目计数
// GET /api/queue/size?status=
func (h *Handler) QueueSize(c context.Context, ctx *app.RequestContext) {
	size, err := h.queue.Size(c)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if raw := string(ctx.Query("status")); raw != "" {
		st := queue.Status(raw)
		ctx.JSON(consts.StatusOK, map[string]interface{}{
			"status": st,
			"count":  size[st],
		})
		return
	}
	total := 0
	counts := make(map[string]int, len(size))
	for st, n := range size {
		counts[string(st)] = n
		total += n
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"counts": counts,
		"total":  total,
	})
}
