// Copyright 2026 fanjia1024
// In-memory credential store

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type memoryStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewMemoryStore 创建内存凭据存储（开发与测试用；进程退出即失）
func NewMemoryStore() Store {
	return &memoryStore{creds: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.creds[name]
	if !ok {
		return "", fmt.Errorf("credential not found: %s", name)
	}
	return v, nil
}

func (m *memoryStore) Set(ctx context.Context, name string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[name] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, name)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for k := range m.creds {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	return names, nil
}
