// Copyright 2026 fanjia1024
// Environment variable based credential store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct{}

// NewEnvStore 创建环境变量凭据存储；名称即变量名
func NewEnvStore() Store {
	return &envStore{}
}

func (e *envStore) Get(ctx context.Context, name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", name)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, name string, value string) error {
	return os.Setenv(name, value)
}

func (e *envStore) Delete(ctx context.Context, name string) error {
	return os.Unsetenv(name)
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) > 0 && strings.HasPrefix(parts[0], prefix) {
			names = append(names, parts[0])
		}
	}
	return names, nil
}
