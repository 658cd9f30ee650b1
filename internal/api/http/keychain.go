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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-platform/internal/keychain"
	pkgerrors "playbook-platform/pkg/errors"
)

// KeychainPut 写入一条凭据（内部端点，执行启动器与 renew 任务用）
// POST /api/keychain/:catalog_id/:name
func (h *Handler) KeychainPut(c context.Context, ctx *app.RequestContext) {
	catalogID, ok := parseID(ctx.Param("catalog_id"))
	if !ok {
		respondError(ctx, fmt.Errorf("%w: bad catalog_id", pkgerrors.ErrInvalidArg))
		return
	}
	name := ctx.Param("name")
	if name == "" {
		respondError(ctx, fmt.Errorf("%w: name is required", pkgerrors.ErrInvalidArg))
		return
	}

	var req struct {
		ExecutionID    interface{}            `json:"execution_id"`
		TokenData      map[string]interface{} `json:"token_data"`
		CredentialType string                 `json:"credential_type"`
		CacheType      string                 `json:"cache_type"`
		ScopeType      string                 `json:"scope_type"`
		TTLSeconds     int                    `json:"ttl_seconds"`
		AutoRenew      bool                   `json:"auto_renew"`
		RenewConfig    map[string]interface{} `json:"renew_config"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
		return
	}
	if len(req.TokenData) == 0 {
		respondError(ctx, fmt.Errorf("%w: token_data is required", pkgerrors.ErrInvalidArg))
		return
	}

	entry := &keychain.Entry{
		CatalogID:      catalogID,
		Name:           name,
		TokenData:      req.TokenData,
		CredentialType: req.CredentialType,
		CacheType:      req.CacheType,
		ScopeType:      req.ScopeType,
		AutoRenew:      req.AutoRenew,
		RenewConfig:    req.RenewConfig,
	}
	if id, ok := parseID(req.ExecutionID); ok {
		entry.ExecutionID = id
	}
	if entry.CacheType == "" {
		entry.CacheType = keychain.CacheToken
	}
	if entry.ScopeType == "" {
		entry.ScopeType = keychain.ScopeGlobal
	}
	ttl := keychain.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	entry.ExpiresAt = time.Now().Add(ttl)

	if err := h.keychain.Put(c, entry); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"status": "ok", "name": name})
}

// CredentialGet 解析一条凭据：先查 keychain 缓存，缺省回落到凭据存储。
// token 数据只有显式 include_data 才返回。
// GET /api/credentials/:name?include_data=true&catalog_id=&execution_id=
func (h *Handler) CredentialGet(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("name")
	includeData := string(ctx.Query("include_data")) == "true"
	catalogID, _ := parseID(string(ctx.Query("catalog_id")))
	executionID, _ := parseID(string(ctx.Query("execution_id")))

	if entry, err := h.keychain.Get(c, catalogID, name, executionID); err == nil {
		view := map[string]interface{}{
			"name":            entry.Name,
			"source":          "keychain",
			"credential_type": entry.CredentialType,
			"scope_type":      entry.ScopeType,
			"expires_at":      entry.ExpiresAt,
		}
		if includeData {
			view["token_data"] = entry.TokenData
		}
		ctx.JSON(consts.StatusOK, view)
		return
	}

	raw, err := h.secrets.Get(c, name)
	if err != nil {
		respondError(ctx, fmt.Errorf("%w: credential %q", pkgerrors.ErrNotFound, name))
		return
	}
	view := map[string]interface{}{
		"name":   name,
		"source": "secrets",
	}
	if includeData {
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			view["data"] = doc
		} else {
			view["data"] = raw
		}
	}
	ctx.JSON(consts.StatusOK, view)
}
