// Copyright 2026 fanjia1024
// Credential store abstraction

package secrets

import (
	"context"
)

// Store 凭据存储接口：值为凭据文档（通常是 JSON，如 service account key）
type Store interface {
	// Get 按名称获取凭据内容
	Get(ctx context.Context, name string) (string, error)

	// Set 写入凭据内容
	Set(ctx context.Context, name string, value string) error

	// Delete 删除凭据
	Delete(ctx context.Context, name string) error

	// List 按前缀列出凭据名
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config 凭据存储配置
type Config struct {
	Provider string      `mapstructure:"provider"` // vault | k8s | env | memory
	Vault    VaultConfig `mapstructure:"vault"`
	K8s      K8sConfig   `mapstructure:"k8s"`
}

// NewStore 按 Provider 创建凭据存储；未配置时默认 memory
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "vault":
		return NewVaultStore(config.Vault)
	case "k8s":
		return NewK8sStore(config.K8s)
	case "env":
		return NewEnvStore(), nil
	default:
		return NewMemoryStore(), nil
	}
}
