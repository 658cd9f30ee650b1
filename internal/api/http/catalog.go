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
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-platform/internal/catalog"
	pkgerrors "playbook-platform/pkg/errors"
)

type registerRequest struct {
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	ResourceType  string `json:"resource_type"`
}

// CatalogRegister 注册一个 playbook
// POST /api/catalog/register；body 为 JSON {content|content_base64, resource_type}
// 或直接的 YAML 文本
func (h *Handler) CatalogRegister(c context.Context, ctx *app.RequestContext) {
	content, kind, err := registerPayload(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}

	entry, err := h.catalog.Register(c, content, kind)
	if err != nil {
		hlog.CtxErrorf(c, "catalog register failed: %v", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":     "ok",
		"catalog_id": formatID(entry.CatalogID),
		"path":       entry.Path,
		"version":    entry.Version,
		"kind":       entry.Kind,
	})
}

// registerPayload 解出待注册的 YAML 文本；base64 透明解码
func registerPayload(ctx *app.RequestContext) (content, kind string, err error) {
	body := ctx.Request.Body()
	if len(body) == 0 {
		return "", "", fmt.Errorf("%w: empty body", pkgerrors.ErrInvalidArg)
	}

	if strings.Contains(string(ctx.ContentType()), "application/json") {
		var req registerRequest
		if err := ctx.BindJSON(&req); err != nil {
			return "", "", fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err)
		}
		kind = req.ResourceType
		switch {
		case req.ContentBase64 != "":
			decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				return "", "", fmt.Errorf("%w: content_base64 is not valid base64", pkgerrors.ErrInvalidArg)
			}
			content = string(decoded)
		case req.Content != "":
			content = decodeMaybeBase64(req.Content)
		default:
			return "", "", fmt.Errorf("%w: content or content_base64 is required", pkgerrors.ErrInvalidArg)
		}
		return content, kind, nil
	}
	// 非 JSON 的 body 直接当 YAML
	return decodeMaybeBase64(string(body)), "", nil
}

// decodeMaybeBase64 客户端可能把 YAML 做 base64 再传；解出来像 YAML 才采用
func decodeMaybeBase64(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.ContainsAny(trimmed, ":\n") {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return s
	}
	if strings.Contains(string(decoded), ":") {
		return string(decoded)
	}
	return s
}

// CatalogList 列出目录条目，resource_type 可选过滤
// POST /api/catalog/list
func (h *Handler) CatalogList(c context.Context, ctx *app.RequestContext) {
	var req struct {
		ResourceType string `json:"resource_type"`
	}
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
			return
		}
	}

	entries, err := h.catalog.List(c, req.ResourceType)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"entries": catalogViews(entries),
		"total":   len(entries),
	})
}

// CatalogResource 取一条目录记录：catalog_id 或 (path, version|"latest")
// POST /api/catalog/resource
func (h *Handler) CatalogResource(c context.Context, ctx *app.RequestContext) {
	var req struct {
		CatalogID interface{} `json:"catalog_id"`
		Path      string      `json:"path"`
		Version   interface{} `json:"version"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		respondError(ctx, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArg, err))
		return
	}

	var entry *catalog.Entry
	var err error
	if id, ok := parseID(req.CatalogID); ok && id != 0 {
		entry, err = h.catalog.FetchByID(c, id)
	} else if req.Path != "" {
		entry, err = h.catalog.FetchByPath(c, req.Path, parseVersion(req.Version))
	} else {
		respondError(ctx, fmt.Errorf("%w: catalog_id or path is required", pkgerrors.ErrInvalidArg))
		return
	}
	if err != nil {
		respondError(ctx, err)
		return
	}

	view := catalogView(*entry)
	view["content"] = entry.Content
	view["payload"] = entry.Payload
	ctx.JSON(consts.StatusOK, view)
}

// parseVersion "latest"、空或 0 都解析为最新
func parseVersion(v interface{}) int {
	if s, ok := v.(string); ok {
		if s == "" || s == "latest" {
			return 0
		}
	}
	if n, ok := parseID(v); ok {
		return int(n)
	}
	return 0
}

func catalogView(e catalog.Entry) map[string]interface{} {
	return map[string]interface{}{
		"catalog_id": formatID(e.CatalogID),
		"path":       e.Path,
		"version":    e.Version,
		"kind":       e.Kind,
		"created_at": e.CreatedAt,
	}
}

func catalogViews(entries []catalog.Entry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, catalogView(e))
	}
	return out
}
