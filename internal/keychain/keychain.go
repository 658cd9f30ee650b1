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

// Package keychain 执行期凭据：playbook keychain 块在执行启动时逐条解析为
// token 数据，按 scope 决定生命周期，worker 经 resolver 端点取用。
package keychain

import (
	"context"
	"time"
)

// Scope 凭据生命周期域
const (
	ScopeGlobal  = "global"  // bucket 级，默认 24h TTL
	ScopeCatalog = "catalog" // 同一 playbook 的所有执行共享
	ScopeShared  = "shared"  // 跨 playbook 共享
	ScopeLocal   = "local"   // 绑定单个 execution，随执行过期
)

// 缓存类别
const (
	CacheToken  = "token"
	CacheSecret = "secret"
)

// DefaultTTL global/catalog 级凭据的缺省存活时间
const DefaultTTL = 24 * time.Hour

// Entry 一条已解析的凭据
type Entry struct {
	CatalogID      int64                  `json:"catalog_id"`
	ExecutionID    int64                  `json:"execution_id,omitempty"` // local scope 才非零
	Name           string                 `json:"name"`
	TokenData      map[string]interface{} `json:"token_data"`
	CredentialType string                 `json:"credential_type"`
	CacheType      string                 `json:"cache_type"`
	ScopeType      string                 `json:"scope_type"`
	ExpiresAt      time.Time              `json:"expires_at"`
	AutoRenew      bool                   `json:"auto_renew"`
	RenewConfig    map[string]interface{} `json:"renew_config,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Expired 是否已过期（零值 ExpiresAt 表示不过期）
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store 凭据存储。Get 先按 (catalog_id, name, execution_id) 精确查，
// 再退回 execution_id=0 的 catalog 级条目。
type Store interface {
	Put(ctx context.Context, e *Entry) error
	Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error)
	Delete(ctx context.Context, catalogID int64, name string, executionID int64) error
	// ListRenewable auto_renew 且将在 before 之前过期的条目
	ListRenewable(ctx context.Context, before time.Time) ([]Entry, error)
	Close()
}
