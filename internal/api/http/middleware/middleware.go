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

// Package middleware 控制面 HTTP 中间件：CORS、全局限流、可选 JWT 认证
package middleware

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hertzjwt "github.com/hertz-contrib/jwt"
	"golang.org/x/time/rate"

	"playbook-platform/pkg/config"
)

// Middleware 中间件集合，按配置装配
type Middleware struct {
	cors    *config.CORSConfig
	limiter *rate.Limiter
	jwt     *hertzjwt.HertzJWTMiddleware
}

// New 按 API 配置创建中间件集合
func New(cfg *config.APIConfig) (*Middleware, error) {
	m := &Middleware{}
	if cfg == nil {
		return m, nil
	}
	if cfg.CORS.Enable {
		m.cors = &cfg.CORS
	}
	if cfg.Middleware.RateLimit {
		rps := cfg.Middleware.RateLimitRPS
		if rps <= 0 {
			rps = 100
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.Middleware.Auth {
		jwtMW, err := newJWT(&cfg.Middleware)
		if err != nil {
			return nil, err
		}
		m.jwt = jwtMW
	}
	return m, nil
}

// JWT 认证中间件；未启用时为 nil
func (m *Middleware) JWT() *hertzjwt.HertzJWTMiddleware { return m.jwt }

// CORSEnabled CORS 是否启用
func (m *Middleware) CORSEnabled() bool { return m.cors != nil }

// RateLimitEnabled 限流是否启用
func (m *Middleware) RateLimitEnabled() bool { return m.limiter != nil }

// CORS 跨域响应头；OPTIONS 预检直接 204
func (m *Middleware) CORS() app.HandlerFunc {
	origins := "*"
	if m.cors != nil && len(m.cors.AllowOrigins) > 0 {
		origins = strings.Join(m.cors.AllowOrigins, ", ")
	}
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 进程级令牌桶限流
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.limiter.Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]interface{}{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}
