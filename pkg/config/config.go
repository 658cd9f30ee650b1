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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Keychain   KeychainConfig   `mapstructure:"keychain"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig 服务器实例配置
type ServerConfig struct {
	// NodeID Snowflake 节点编号（0~1023），多副本部署时每副本唯一
	NodeID int64 `mapstructure:"node_id"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
	RateLimit     bool   `mapstructure:"rate_limit"`
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"`
}

// StorageConfig 存储配置：catalog / 事件日志 / 队列 / keychain 共用一套后端
type StorageConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"` // 连接池上限，<=0 走 pgx 默认
}

// QueueConfig 任务队列配置（租约、重试、回收）
type QueueConfig struct {
	LeaseDuration      string `mapstructure:"lease_duration"`       // worker 租约时长，空则 60s
	ReapInterval       string `mapstructure:"reap_interval"`        // reaper 扫描周期，空则 30s
	DefaultMaxAttempts int    `mapstructure:"default_max_attempts"` // <=0 则 3
	RetryDelay         string `mapstructure:"retry_delay"`          // 失败重试延迟，空则 60s
}

// KeychainConfig keychain 凭据缓存配置
type KeychainConfig struct {
	DefaultTTL    string      `mapstructure:"default_ttl"`    // global 作用域 TTL，空则 24h
	HTTPTimeout   string      `mapstructure:"http_timeout"`   // 出站凭据请求超时，空则 10s
	RenewInterval string      `mapstructure:"renew_interval"` // auto_renew 扫描周期，空则 5m
	Cache         CacheConfig `mapstructure:"cache"`          // 可选 Redis TTL 缓存
	// SecretManagerBase 云 secret-manager API 基地址；map 中的相对路径相对于它解析
	SecretManagerBase string `mapstructure:"secret_manager_base"`
}

// CacheConfig Redis 缓存配置（type=redis 启用）
type CacheConfig struct {
	Type     string `mapstructure:"type"` // "" | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// SecretsConfig 凭据存储配置（pkg/secrets）
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // memory | env | vault | k8s
	Vault    VaultConfig       `mapstructure:"vault"`
	K8s      K8sSecretsConfig  `mapstructure:"k8s"`
	Seed     map[string]string `mapstructure:"seed"` // memory provider 的预置凭据（开发用）
}

// VaultConfig Vault 凭据后端配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// K8sSecretsConfig K8s 挂载凭据配置
type K8sSecretsConfig struct {
	SecretsPath string `mapstructure:"secrets_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// Load 加载配置：依次查找 .、./configs、/etc/playbook 下的 config.yaml；
// 环境变量前缀 PLAYBOOK_，层级以 _ 连接（如 PLAYBOOK_STORAGE_DSN）。
// 文件不存在不报错（纯环境变量/默认值运行），解析失败报错。
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/playbook")
	v.SetEnvPrefix("PLAYBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

// LoadFile 从指定路径加载配置（CLI --config 用）
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

// Duration 解析配置中的时长字符串；空或非法时返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
