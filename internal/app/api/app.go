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

// Package api API 进程装配：broker、执行启动器、keychain 处理器、HTTP 路由，
// 以及 reaper 与凭据续期两个后台环路。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"playbook-platform/internal/api/http"
	"playbook-platform/internal/api/http/middleware"
	"playbook-platform/internal/app"
	"playbook-platform/internal/broker"
	"playbook-platform/internal/execution"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/queue"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/metrics"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	bootstrap    *app.Bootstrap
	broker       *broker.Broker
	processor    *keychain.Processor
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	b := broker.New(bootstrap.Events, bootstrap.Queue, bootstrap.Catalog, bootstrap.Logger)
	b.SetQueueDefaults(cfg.Queue.DefaultMaxAttempts,
		config.Duration(cfg.Queue.RetryDelay, queue.DefaultRetryDelay))
	b.SetKeychainStore(bootstrap.Keychain)

	processor := keychain.NewProcessor(bootstrap.Keychain, bootstrap.Secrets,
		config.Duration(cfg.Keychain.HTTPTimeout, 10*time.Second))
	processor.SetDefaultTTL(config.Duration(cfg.Keychain.DefaultTTL, keychain.DefaultTTL))
	if cfg.Keychain.SecretManagerBase != "" {
		processor.SetSecretManagerBase(cfg.Keychain.SecretManagerBase)
	}

	ini := execution.NewInitializer(bootstrap.Catalog, bootstrap.Events, bootstrap.Workload,
		processor, b, bootstrap.Gen, bootstrap.Logger)
	proj := execution.NewProjection(bootstrap.Events, bootstrap.Workload)

	handler := http.NewHandler(bootstrap.Catalog, bootstrap.Events, bootstrap.Queue,
		b, ini, proj, bootstrap.Keychain, bootstrap.Secrets, bootstrap.Logger)
	handler.SetLeaseDuration(config.Duration(cfg.Queue.LeaseDuration, queue.DefaultLease))

	mw, err := middleware.New(&cfg.API)
	if err != nil {
		return nil, fmt.Errorf("初始化中间件失败: %w", err)
	}
	if mw.JWT() != nil {
		bootstrap.Logger.Info("JWT 认证已启用")
	}

	return &App{
		bootstrap: bootstrap,
		broker:    b,
		processor: processor,
		router:    http.NewRouter(handler, mw),
	}, nil
}

// Run 启动 HTTP 服务与后台环路，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 日志配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "playbook-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用",
				"service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel
	a.loopDone = make(chan struct{})
	go a.backgroundLoops(loopCtx)

	return a.hertz.Run()
}

// backgroundLoops reaper 与凭据续期环路。Lease 超时条目扫回 queued，
// auto_renew 凭据在过期前重新解析。
func (a *App) backgroundLoops(ctx context.Context) {
	defer close(a.loopDone)
	cfg := a.bootstrap.Config

	reapEvery := config.Duration(cfg.Queue.ReapInterval, 30*time.Second)
	renewEvery := config.Duration(cfg.Keychain.RenewInterval, 5*time.Minute)
	reapTicker := time.NewTicker(reapEvery)
	renewTicker := time.NewTicker(renewEvery)
	defer reapTicker.Stop()
	defer renewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reapTicker.C:
			n, err := a.bootstrap.Queue.Reap(ctx)
			if err != nil {
				a.bootstrap.Logger.Error("reap 失败", "err", err)
				continue
			}
			if n > 0 {
				metrics.QueueReapedTotal.Add(float64(n))
				a.bootstrap.Logger.Info("回收过期租约", "count", n)
			}
			if size, err := a.bootstrap.Queue.Size(ctx); err == nil {
				for st, c := range size {
					metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(c))
				}
			}
		case <-renewTicker.C:
			// 提前一个扫描周期续期，给外发请求留余量
			renewed, errs := a.processor.RenewDue(ctx, time.Now().Add(2*renewEvery))
			for _, err := range errs {
				a.bootstrap.Logger.Error("凭据续期失败", "err", err)
			}
			if renewed > 0 {
				a.bootstrap.Logger.Info("凭据已续期", "count", renewed)
			}
		}
	}
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.loopCancel != nil {
		a.loopCancel()
		select {
		case <-a.loopDone:
		case <-ctx.Done():
		}
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.bootstrap.Close()
	return nil
}
