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

// Package http 控制面 REST 层：目录注册与查询、执行启动与巡检、事件写入、
// 队列租约协议与凭据解析。服务器本身无状态，所有状态在存储层。
package http

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-platform/internal/broker"
	"playbook-platform/internal/catalog"
	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/execution"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/queue"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/secrets"
	"playbook-platform/pkg/utils"
)

// Handler HTTP 处理器
type Handler struct {
	catalog     *catalog.Catalog
	events      eventlog.Store
	queue       queue.Store
	broker      *broker.Broker
	initializer *execution.Initializer
	projection  *execution.Projection
	keychain    keychain.Store
	secrets     secrets.Store
	logger      *log.Logger

	leaseDuration time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(cat *catalog.Catalog, events eventlog.Store, q queue.Store,
	b *broker.Broker, ini *execution.Initializer, proj *execution.Projection,
	kc keychain.Store, sec secrets.Store, logger *log.Logger) *Handler {

	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		catalog:       cat,
		events:        events,
		queue:         q,
		broker:        b,
		initializer:   ini,
		projection:    proj,
		keychain:      kc,
		secrets:       sec,
		logger:        logger,
		leaseDuration: queue.DefaultLease,
	}
}

// SetLeaseDuration 覆盖 worker 租约时长缺省
func (h *Handler) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		h.leaseDuration = d
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "playbook-api",
		"timestamp": time.Now().Unix(),
	})
}

// Metrics Prometheus 文本格式指标
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// statusFor 哨兵错误 → HTTP 状态码
func statusFor(err error) int {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrNotFound):
		return consts.StatusNotFound
	case pkgerrors.Is(err, pkgerrors.ErrConflict):
		return consts.StatusConflict
	case pkgerrors.Is(err, pkgerrors.ErrInvalidArg),
		pkgerrors.Is(err, pkgerrors.ErrInvalidPlaybook),
		pkgerrors.Is(err, pkgerrors.ErrMissingPath):
		return consts.StatusBadRequest
	default:
		return consts.StatusInternalServerError
	}
}

func respondError(ctx *app.RequestContext, err error) {
	ctx.JSON(statusFor(err), map[string]interface{}{"error": err.Error()})
}

// parseID 宽松解析 ID：Snowflake ID 超出 JSON 安全整数范围，
// 客户端可以传字符串也可以传数字
func parseID(v interface{}) (int64, bool) {
	if s, ok := v.(string); ok {
		id, err := strconv.ParseInt(s, 10, 64)
		return id, err == nil
	}
	return utils.ToInt64(v)
}

// formatID ID 在响应里统一用字符串，避免 JS 侧精度丢失
func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
