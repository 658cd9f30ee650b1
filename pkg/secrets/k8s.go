// Copyright 2026 fanjia1024
// Kubernetes mounted-secret credential store

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// K8sConfig Kubernetes 挂载路径配置
type K8sConfig struct {
	// SecretsPath secret volume 挂载路径，默认 /var/run/secrets/playbook
	SecretsPath string `mapstructure:"secrets_path"`
}

type k8sStore struct {
	secretsPath string
}

// NewK8sStore 创建基于挂载文件的凭据存储（每个凭据一个文件，文件名即凭据名）
func NewK8sStore(config K8sConfig) (Store, error) {
	path := config.SecretsPath
	if path == "" {
		path = "/var/run/secrets/playbook"
	}
	return &k8sStore{secretsPath: path}, nil
}

func (k *k8sStore) Get(ctx context.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(k.secretsPath, name))
	if err != nil {
		return "", fmt.Errorf("credential not found: %s", name)
	}
	return strings.TrimSpace(string(data)), nil
}

func (k *k8sStore) Set(ctx context.Context, name string, value string) error {
	return fmt.Errorf("k8s credential store is read-only")
}

func (k *k8sStore) Delete(ctx context.Context, name string) error {
	return fmt.Errorf("k8s credential store is read-only")
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(k.secretsPath)
	if err != nil {
		return nil, nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
