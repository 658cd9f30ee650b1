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

// Package catalog playbook 目录：不可变版本化存储，(path, version) 自然键，
// 注册永远插入新行，latest 解析为 MAX(version)。
package catalog

import (
	"context"
	"fmt"
	"time"

	"playbook-platform/internal/playbook"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

// Entry 一条目录记录，插入后不可变
type Entry struct {
	CatalogID int64                  `json:"catalog_id"`
	Path      string                 `json:"path"`
	Version   int                    `json:"version"`
	Kind      string                 `json:"kind"`
	Content   string                 `json:"content"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store 目录存储原语；版本号与 end 步骤合成在 Catalog 层处理
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, catalogID int64) (*Entry, error)
	// GetByPath version <= 0 解析为 latest
	GetByPath(ctx context.Context, path string, version int) (*Entry, error)
	LatestVersion(ctx context.Context, path string) (int, error)
	List(ctx context.Context, kind string) ([]Entry, error)
	Close()
}

// Catalog 注册与查询服务
type Catalog struct {
	store Store
	gen   *snowflake.Generator
}

// New 创建目录服务
func New(store Store, gen *snowflake.Generator) *Catalog {
	return &Catalog{store: store, gen: gen}
}

// Register 注册一个资源。YAML 非法返回 ErrInvalidPlaybook，无 path 返回
// ErrMissingPath。Playbook 类文档缺 end 步骤时合成隐式终止步骤。
func (c *Catalog) Register(ctx context.Context, content string, kind string) (*Entry, error) {
	pb, err := playbook.Parse(content)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = pb.Kind
	}
	if kind == "" {
		kind = playbook.KindPlaybook
	}

	path := pb.Path()
	if path == "" {
		return nil, fmt.Errorf("%w: metadata.path and metadata.name are both empty", pkgerrors.ErrMissingPath)
	}

	payload, err := playbook.ParseGeneric(content)
	if err != nil {
		return nil, err
	}

	if kind == playbook.KindPlaybook {
		if err := pb.Validate(); err != nil {
			return nil, err
		}
		if !pb.HasEndStep() {
			pb.EnsureEndStep()
			if wf, ok := payload["workflow"].([]interface{}); ok {
				payload["workflow"] = append(wf, map[string]interface{}{"step": playbook.StepEnd})
			}
		}
	}

	latest, err := c.store.LatestVersion(ctx, path)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		CatalogID: c.gen.Next(),
		Path:      path,
		Version:   latest + 1,
		Kind:      kind,
		Content:   content,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := c.store.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchByID 按 catalog_id 取
func (c *Catalog) FetchByID(ctx context.Context, catalogID int64) (*Entry, error) {
	return c.store.GetByID(ctx, catalogID)
}

// FetchByPath 按 (path, version) 取；version <= 0 为 latest
func (c *Catalog) FetchByPath(ctx context.Context, path string, version int) (*Entry, error) {
	return c.store.GetByPath(ctx, path, version)
}

// List 按 created_at 倒序列出，kind 为空不过滤
func (c *Catalog) List(ctx context.Context, kind string) ([]Entry, error) {
	return c.store.List(ctx, kind)
}

// Playbook 解析条目内容为 Playbook，并保证 end 步骤存在
func (e *Entry) Playbook() (*playbook.Playbook, error) {
	pb, err := playbook.Parse(e.Content)
	if err != nil {
		return nil, err
	}
	if e.Kind == playbook.KindPlaybook {
		pb.EnsureEndStep()
	}
	return pb, nil
}
