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
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"

	"playbook-platform/internal/api/http/middleware"
)

// Router 控制面路由
type Router struct {
	handler *Handler
	mw      *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// Build 创建 Hertz server 并注册全部路由
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)
	r.Register(h)
	return h
}

// Register 注册路由。health 与 metrics 不走认证，其余在 JWT 启用时受保护。
func (r *Router) Register(h *server.Hertz) {
	if r.mw.CORSEnabled() {
		h.Use(r.mw.CORS())
	}
	if r.mw.RateLimitEnabled() {
		h.Use(r.mw.RateLimit())
	}

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/metrics", r.handler.Metrics)

	if jwtMW := r.mw.JWT(); jwtMW != nil {
		api.POST("/auth/login", jwtMW.LoginHandler)
		api.Use(jwtMW.MiddlewareFunc())
	}

	cat := api.Group("/catalog")
	{
		cat.POST("/register", r.handler.CatalogRegister)
		cat.POST("/list", r.handler.CatalogList)
		cat.POST("/resource", r.handler.CatalogResource)
	}

	api.POST("/execute", r.handler.Execute)

	events := api.Group("/events")
	{
		events.POST("", r.handler.EmitEvent)
		events.GET("/by-execution/:id", r.handler.EventsByExecution)
	}

	api.GET("/executions", r.handler.Executions)
	api.GET("/executions/:id", r.handler.ExecutionByID)

	q := api.Group("/queue")
	{
		q.POST("/lease", r.handler.QueueLease)
		q.POST("/:id/heartbeat", r.handler.QueueHeartbeat)
		q.POST("/:id/complete", r.handler.QueueComplete)
		q.POST("/:id/fail", r.handler.QueueFail)
		q.GET("/size", r.handler.QueueSize)
	}

	api.POST("/keychain/:catalog_id/:name", r.handler.KeychainPut)
	api.GET("/credentials/:name", r.handler.CredentialGet)
}
