// Copyright 2026 fanjia1024
// HashiCorp Vault credential store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`     // Vault 服务地址（如 http://vault:8200）
	Token      string `mapstructure:"token"`       // Vault token
	PathPrefix string `mapstructure:"path_prefix"` // KV 路径前缀（如 "secret"）
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault 凭据存储；连接失败立即报错，避免启动后首次解析才暴露
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := "secret"
	if config.PathPrefix != "" {
		prefix = config.PathPrefix
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) buildPath(name string) string {
	return fmt.Sprintf("%s/data/%s", v.pathPrefix, name)
}

func (v *vaultStore) Get(ctx context.Context, name string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.buildPath(name))
	if err != nil {
		return "", fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("credential not found: %s", name)
	}
	// KV v2：内容位于 data.data
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}
	if val, ok := data["value"].(string); ok {
		return val, nil
	}
	for _, val := range data {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	return "", fmt.Errorf("credential value not found: %s", name)
}

func (v *vaultStore) Set(ctx context.Context, name string, value string) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.buildPath(name), payload); err != nil {
		return fmt.Errorf("failed to write credential to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, name string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.buildPath(name)); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := fmt.Sprintf("%s/metadata", v.pathPrefix)
	if prefix != "" {
		searchPath = fmt.Sprintf("%s/metadata/%s", v.pathPrefix, prefix)
	}
	secret, err := v.client.Logical().ListWithContext(ctx, searchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var names []string
	for _, k := range keys {
		if s, ok := k.(string); ok {
			names = append(names, strings.TrimSuffix(s, "/"))
		}
	}
	return names, nil
}
