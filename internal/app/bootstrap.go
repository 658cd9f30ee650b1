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

package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"playbook-platform/internal/catalog"
	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/execution"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/queue"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/secrets"
	"playbook-platform/pkg/snowflake"
)

// Bootstrap 统一初始化：catalog / 事件日志 / 队列 / workload / keychain / secrets
// 共用一套存储后端，供 api 进程装配，避免在 cmd 内写业务
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Gen      *snowflake.Generator
	Pool     *pgxpool.Pool
	Catalog  *catalog.Catalog
	Events   eventlog.Store
	Queue    queue.Store
	Workload execution.WorkloadStore
	Keychain keychain.Store
	Secrets  secrets.Store
}

// NewBootstrap 根据配置创建 Bootstrap。storage.type=postgres 时四个存储
// 共享一个 pgx 连接池；否则全部落内存（单进程开发模式）。
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	gen, err := snowflake.NewGenerator(cfg.Server.NodeID)
	if err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger, Gen: gen}

	switch cfg.Storage.Type {
	case "postgres":
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("storage.type=postgres 需要 storage.dsn")
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("解析 storage.dsn 失败: %w", err)
		}
		if cfg.Storage.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Storage.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
		}
		b.Pool = pool
		b.Catalog = catalog.New(catalog.NewPostgresStore(pool), gen)
		b.Events = eventlog.NewPostgresStore(pool, gen)
		b.Queue = queue.NewPostgresStore(pool, gen)
		b.Workload = execution.NewPostgresWorkloadStore(pool)
		b.Keychain = keychain.NewPostgresStore(pool)
	case "", "memory":
		b.Catalog = catalog.New(catalog.NewMemoryStore(), gen)
		b.Events = eventlog.NewMemoryStore(gen)
		b.Queue = queue.NewMemoryStore(gen)
		b.Workload = execution.NewMemoryWorkloadStore()
		b.Keychain = keychain.NewMemoryStore()
	default:
		return nil, fmt.Errorf("未知 storage.type: %q", cfg.Storage.Type)
	}

	// keychain 可选 Redis 后端：token 带 TTL，天然适合过期语义
	if cfg.Keychain.Cache.Type == "redis" {
		kc, err := keychain.NewRedisStore(ctx, cfg.Keychain.Cache.Addr,
			cfg.Keychain.Cache.Password, cfg.Keychain.Cache.DB)
		if err != nil {
			return nil, fmt.Errorf("连接 keychain Redis 失败: %w", err)
		}
		b.Keychain = kc
		logger.Info("keychain 使用 Redis 后端", "addr", cfg.Keychain.Cache.Addr)
	}

	sec, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
		K8s: secrets.K8sConfig{SecretsPath: cfg.Secrets.K8s.SecretsPath},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化凭据存储失败: %w", err)
	}
	// 开发模式预置凭据
	for name, value := range cfg.Secrets.Seed {
		if err := sec.Set(ctx, name, value); err != nil {
			logger.Warn("预置凭据失败", "name", name, "err", err)
		}
	}
	b.Secrets = sec

	logger.Info("存储初始化完成",
		"storage", storageLabel(cfg.Storage.Type),
		"keychain_cache", cfg.Keychain.Cache.Type,
		"secrets", cfg.Secrets.Provider)
	return b, nil
}

// Close 释放连接池等资源
func (b *Bootstrap) Close() {
	if b.Keychain != nil {
		b.Keychain.Close()
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}

func storageLabel(t string) string {
	if t == "" {
		return "memory"
	}
	return t
}
