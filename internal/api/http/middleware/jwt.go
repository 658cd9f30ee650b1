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

package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hertzjwt "github.com/hertz-contrib/jwt"

	"playbook-platform/pkg/config"
)

const identityKey = "service"

// newJWT 装配服务间 JWT 认证：/auth/login 以共享密钥换 token，
// 后续请求带 Bearer token
func newJWT(cfg *config.MiddlewareConfig) (*hertzjwt.HertzJWTMiddleware, error) {
	if cfg.JWTKey == "" {
		return nil, fmt.Errorf("api.middleware.jwt_key is required when auth is enabled")
	}
	timeout := config.Duration(cfg.JWTTimeout, time.Hour)
	maxRefresh := config.Duration(cfg.JWTMaxRefresh, time.Hour)

	return hertzjwt.New(&hertzjwt.HertzJWTMiddleware{
		Realm:       "playbook",
		Key:         []byte(cfg.JWTKey),
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: identityKey,

		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var login struct {
				Service string `json:"service"`
				Secret  string `json:"secret"`
			}
			if err := c.BindJSON(&login); err != nil {
				return nil, hertzjwt.ErrMissingLoginValues
			}
			if login.Service == "" ||
				subtle.ConstantTimeCompare([]byte(login.Secret), []byte(cfg.JWTKey)) != 1 {
				return nil, hertzjwt.ErrFailedAuthentication
			}
			return login.Service, nil
		},
		PayloadFunc: func(data interface{}) hertzjwt.MapClaims {
			if svc, ok := data.(string); ok {
				return hertzjwt.MapClaims{identityKey: svc}
			}
			return hertzjwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := hertzjwt.ExtractClaims(ctx, c)
			return claims[identityKey]
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]interface{}{"error": message})
		},
		HTTPStatusMessageFunc: func(e error, ctx context.Context, c *app.RequestContext) string {
			return e.Error()
		},
		LoginResponse: func(ctx context.Context, c *app.RequestContext, code int, token string, expire time.Time) {
			c.JSON(consts.StatusOK, map[string]interface{}{
				"token":  token,
				"expire": expire.Format(time.RFC3339),
			})
		},
	})
}
