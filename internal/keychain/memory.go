// Copyright 2026 fanjia1024

package keychain

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "playbook-platform/pkg/errors"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore 创建内存凭据存储
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]*Entry)}
}

func entryKey(catalogID int64, name string, executionID int64) string {
	return fmt.Sprintf("%d:%s:%d", catalogID, name, executionID)
}

func (s *memoryStore) Put(ctx context.Context, e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: keychain entry without name", pkgerrors.ErrInvalidArg)
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries[entryKey(e.CatalogID, e.Name, e.ExecutionID)] = &cp
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	// 先 execution 级，再 catalog 级
	for _, key := range []string{
		entryKey(catalogID, name, executionID),
		entryKey(catalogID, name, 0),
	} {
		if e, ok := s.entries[key]; ok && !e.Expired(now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: keychain entry %s", pkgerrors.ErrNotFound, name)
}

func (s *memoryStore) Delete(ctx context.Context, catalogID int64, name string, executionID int64) error {
	s.mu.Lock()
	delete(s.entries, entryKey(catalogID, name, executionID))
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListRenewable(ctx context.Context, before time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.AutoRenew && !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(before) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memoryStore) Close() {}
