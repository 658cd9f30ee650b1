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

package keychain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"playbook-platform/internal/playbook"
	"playbook-platform/internal/template"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/secrets"
)

// DefaultSecretManagerBase GCP Secret Manager 访问 API 根路径，测试中可替换
const DefaultSecretManagerBase = "https://secretmanager.googleapis.com/v1"

// Processor 在执行启动时把 playbook.keychain 条目逐个解析为可用凭据。
// 条目按声明顺序解析，后面的模板可经 keychain.<name>.<field> 引用前面的结果。
type Processor struct {
	store             Store
	secrets           secrets.Store
	client            *resty.Client
	secretManagerBase string
	defaultTTL        time.Duration
}

// NewProcessor 创建凭据处理器
func NewProcessor(store Store, sec secrets.Store, httpTimeout time.Duration) *Processor {
	if httpTimeout <= 0 {
		httpTimeout = 15 * time.Second
	}
	return &Processor{
		store:             store,
		secrets:           sec,
		client:            resty.New().SetTimeout(httpTimeout),
		secretManagerBase: DefaultSecretManagerBase,
		defaultTTL:        DefaultTTL,
	}
}

// SetSecretManagerBase 覆盖 secret-manager API 根路径
func (p *Processor) SetSecretManagerBase(base string) {
	p.secretManagerBase = strings.TrimRight(base, "/")
}

// SetDefaultTTL 覆盖新条目的缺省 TTL
func (p *Processor) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		p.defaultTTL = ttl
	}
}

// Process 解析并存储一组凭据声明。任何一条失败整个执行启动失败。
func (p *Processor) Process(ctx context.Context, specs []playbook.KeychainSpec,
	catalogID, executionID int64, tplCtx map[string]interface{}) error {

	kcCtx := make(map[string]interface{}, len(tplCtx)+1)
	for k, v := range tplCtx {
		kcCtx[k] = v
	}
	resolved := make(map[string]interface{})
	kcCtx["keychain"] = resolved

	for _, spec := range specs {
		entry, err := p.resolve(ctx, spec, catalogID, executionID, kcCtx)
		if err != nil {
			metrics.KeychainResolveTotal.WithLabelValues(spec.Kind, "error").Inc()
			return pkgerrors.Wrapf(err, "resolve keychain entry %s", spec.Name)
		}
		if err := p.store.Put(ctx, entry); err != nil {
			return pkgerrors.Wrapf(err, "store keychain entry %s", spec.Name)
		}
		metrics.KeychainResolveTotal.WithLabelValues(spec.Kind, "ok").Inc()
		resolved[spec.Name] = entry.TokenData
	}
	return nil
}

// Resolve worker 取用入口：按 (catalog_id, name, execution_id) 查
func (p *Processor) Resolve(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	return p.store.Get(ctx, catalogID, name, executionID)
}

// RenewDue 续期 before 之前会过期的 auto_renew 条目；单条失败只记日志路径，整体不中断
func (p *Processor) RenewDue(ctx context.Context, before time.Time) (renewed int, errs []error) {
	entries, err := p.store.ListRenewable(ctx, before)
	if err != nil {
		return 0, []error{err}
	}
	for _, e := range entries {
		spec := specFromRenewConfig(e)
		fresh, err := p.resolve(ctx, spec, e.CatalogID, e.ExecutionID, map[string]interface{}{})
		if err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "renew %s", e.Name))
			continue
		}
		if err := p.store.Put(ctx, fresh); err != nil {
			errs = append(errs, err)
			continue
		}
		renewed++
	}
	return renewed, errs
}

func (p *Processor) resolve(ctx context.Context, spec playbook.KeychainSpec,
	catalogID, executionID int64, tplCtx map[string]interface{}) (*Entry, error) {

	entry := &Entry{
		CatalogID:      catalogID,
		Name:           spec.Name,
		CredentialType: spec.Kind,
		CacheType:      CacheToken,
		ScopeType:      scopeOf(spec),
		AutoRenew:      spec.AutoRenew,
		CreatedAt:      time.Now(),
	}
	if entry.ScopeType == ScopeLocal {
		entry.ExecutionID = executionID
	}
	if entry.ScopeType == ScopeShared {
		// shared 跨 playbook，catalog 维度归零
		entry.CatalogID = 0
	}
	entry.ExpiresAt = time.Now().Add(p.defaultTTL)
	if spec.AutoRenew {
		entry.RenewConfig = renewConfig(spec)
	}

	switch spec.Kind {
	case "static", "":
		data := make(map[string]interface{}, len(spec.Map))
		for k, v := range spec.Map {
			rendered, err := template.Render(v, tplCtx)
			if err != nil {
				return nil, err
			}
			data[k] = rendered
		}
		entry.TokenData = data

	case "bearer":
		token, err := template.Render(spec.Token, tplCtx)
		if err != nil {
			return nil, err
		}
		entry.TokenData = map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
		}

	case "oauth2":
		data, expiresAt, err := p.resolveOAuth2(ctx, spec, tplCtx)
		if err != nil {
			return nil, err
		}
		entry.TokenData = data
		if !expiresAt.IsZero() {
			entry.ExpiresAt = expiresAt
		}

	case "secret_manager":
		data, err := p.resolveSecretManager(ctx, spec, catalogID, executionID, tplCtx)
		if err != nil {
			return nil, err
		}
		entry.TokenData = data
		entry.CacheType = CacheSecret

	case "credential", "google_oauth", "google_service_account":
		data, expiresAt, err := p.resolveCredential(ctx, spec)
		if err != nil {
			return nil, err
		}
		entry.TokenData = data
		if !expiresAt.IsZero() {
			entry.ExpiresAt = expiresAt
		}

	default:
		return nil, fmt.Errorf("%w: unknown keychain kind %q", pkgerrors.ErrInvalidArg, spec.Kind)
	}
	return entry, nil
}

// resolveOAuth2 client-credentials 流程：POST 表单到 endpoint，取 access_token/expires_in
func (p *Processor) resolveOAuth2(ctx context.Context, spec playbook.KeychainSpec,
	tplCtx map[string]interface{}) (map[string]interface{}, time.Time, error) {

	endpoint, err := template.Render(spec.Endpoint, tplCtx)
	if err != nil {
		return nil, time.Time{}, err
	}
	form := make(map[string]string, len(spec.Data))
	for k, v := range spec.Data {
		rendered, err := template.Render(v, tplCtx)
		if err != nil {
			return nil, time.Time{}, err
		}
		form[k] = rendered
	}

	req := p.client.R().SetContext(ctx).SetFormData(form)
	for k, v := range spec.Headers {
		rendered, err := template.Render(v, tplCtx)
		if err != nil {
			return nil, time.Time{}, err
		}
		req.SetHeader(k, rendered)
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return nil, time.Time{}, err
	}
	if resp.IsError() {
		return nil, time.Time{}, fmt.Errorf("oauth2 token endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, time.Time{}, fmt.Errorf("oauth2 response is not JSON: %w", err)
	}
	if _, ok := body["access_token"]; !ok {
		return nil, time.Time{}, fmt.Errorf("oauth2 response has no access_token")
	}

	var expiresAt time.Time
	if v, ok := body["expires_in"].(float64); ok && v > 0 {
		expiresAt = time.Now().Add(time.Duration(v) * time.Second)
	}
	return body, expiresAt, nil
}

// resolveSecretManager 用引用的 auth 凭据换 provider token，再逐 key 拉取并解码 secret
func (p *Processor) resolveSecretManager(ctx context.Context, spec playbook.KeychainSpec,
	catalogID, executionID int64, tplCtx map[string]interface{}) (map[string]interface{}, error) {

	if spec.Auth == "" {
		return nil, fmt.Errorf("%w: secret_manager entry needs auth", pkgerrors.ErrInvalidArg)
	}
	token, err := p.accessToken(ctx, spec.Auth, catalogID, executionID, tplCtx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(spec.Map))
	for key, secretPath := range spec.Map {
		url := secretPath
		if !strings.HasPrefix(url, "http") {
			url = p.secretManagerBase + "/" + strings.TrimLeft(secretPath, "/") + ":access"
		}
		resp, err := p.client.R().SetContext(ctx).
			SetAuthToken(token).
			Get(url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("secret access for %s returned %d", key, resp.StatusCode())
		}
		var body struct {
			Payload struct {
				Data string `json:"data"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return nil, err
		}
		decoded, err := base64.StdEncoding.DecodeString(body.Payload.Data)
		if err != nil {
			return nil, fmt.Errorf("secret %s payload is not base64: %w", key, err)
		}
		out[key] = string(decoded)
	}
	return out, nil
}

// resolveCredential 取存储的凭据文档；Google service-account key 走 JWT-bearer 换新 token
func (p *Processor) resolveCredential(ctx context.Context, spec playbook.KeychainSpec) (map[string]interface{}, time.Time, error) {
	ref := spec.Ref
	if ref == "" {
		ref = spec.Name
	}
	raw, err := p.secrets.Get(ctx, ref)
	if err != nil {
		return nil, time.Time{}, pkgerrors.Wrapf(err, "credential %s", ref)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// 非 JSON 凭据按 bearer token 处理
		return map[string]interface{}{"access_token": raw, "token_type": "Bearer"}, time.Time{}, nil
	}
	if t, _ := doc["type"].(string); t == "service_account" {
		return mintServiceAccountToken(ctx, doc, spec.Scopes)
	}
	return doc, time.Time{}, nil
}

// accessToken 先查已解析的 keychain（含本轮 in-flight 的 tplCtx），再退回凭据存储
func (p *Processor) accessToken(ctx context.Context, name string,
	catalogID, executionID int64, tplCtx map[string]interface{}) (string, error) {

	if kc, ok := tplCtx["keychain"].(map[string]interface{}); ok {
		if data, ok := kc[name].(map[string]interface{}); ok {
			if tok, ok := data["access_token"].(string); ok && tok != "" {
				return tok, nil
			}
		}
	}
	if entry, err := p.store.Get(ctx, catalogID, name, executionID); err == nil {
		if tok, ok := entry.TokenData["access_token"].(string); ok && tok != "" {
			return tok, nil
		}
	}
	data, _, err := p.resolveCredential(ctx, playbook.KeychainSpec{Name: name})
	if err != nil {
		return "", err
	}
	if tok, ok := data["access_token"].(string); ok && tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("%w: no access_token for auth %s", pkgerrors.ErrNotFound, name)
}

func scopeOf(spec playbook.KeychainSpec) string {
	switch spec.Scope {
	case ScopeGlobal, ScopeCatalog, ScopeShared:
		return spec.Scope
	}
	return ScopeLocal
}

// renewConfig 保留再解析需要的字段
func renewConfig(spec playbook.KeychainSpec) map[string]interface{} {
	out := map[string]interface{}{"kind": spec.Kind, "name": spec.Name}
	if spec.Endpoint != "" {
		out["endpoint"] = spec.Endpoint
	}
	if spec.Token != "" {
		out["token"] = spec.Token
	}
	if spec.Ref != "" {
		out["ref"] = spec.Ref
	}
	if spec.Scope != "" {
		out["scope"] = spec.Scope
	}
	if len(spec.Scopes) > 0 {
		out["scopes"] = spec.Scopes
	}
	if len(spec.Headers) > 0 {
		out["headers"] = spec.Headers
	}
	if len(spec.Data) > 0 {
		out["data"] = spec.Data
	}
	if len(spec.Map) > 0 {
		out["map"] = spec.Map
	}
	if spec.Auth != "" {
		out["auth"] = spec.Auth
	}
	return out
}

func specFromRenewConfig(e Entry) playbook.KeychainSpec {
	spec := playbook.KeychainSpec{Name: e.Name, Kind: e.CredentialType, AutoRenew: true}
	rc := e.RenewConfig
	if rc == nil {
		return spec
	}
	if v, ok := rc["endpoint"].(string); ok {
		spec.Endpoint = v
	}
	if v, ok := rc["token"].(string); ok {
		spec.Token = v
	}
	if v, ok := rc["ref"].(string); ok {
		spec.Ref = v
	}
	if v, ok := rc["scope"].(string); ok {
		spec.Scope = v
	}
	spec.Scopes = stringSlice(rc["scopes"])
	if v, ok := rc["auth"].(string); ok {
		spec.Auth = v
	}
	spec.Headers = stringMap(rc["headers"])
	spec.Data = stringMap(rc["data"])
	spec.Map = stringMap(rc["map"])
	return spec
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func stringMap(v interface{}) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
