// Copyright 2026 fanjia1024

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	pkgerrors "playbook-platform/pkg/errors"
)

type memoryStore struct {
	mu      sync.RWMutex
	byID    map[int64]*Entry
	byPath  map[string][]*Entry // path → 按 version 升序
}

// NewMemoryStore 创建内存目录存储
func NewMemoryStore() Store {
	return &memoryStore{
		byID:   make(map[int64]*Entry),
		byPath: make(map[string][]*Entry),
	}
}

func (s *memoryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byPath[e.Path] {
		if existing.Version == e.Version {
			return fmt.Errorf("%w: %s version %d", pkgerrors.ErrConflict, e.Path, e.Version)
		}
	}
	cp := *e
	s.byID[e.CatalogID] = &cp
	s.byPath[e.Path] = append(s.byPath[e.Path], &cp)
	return nil
}

func (s *memoryStore) GetByID(ctx context.Context, catalogID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[catalogID]
	if !ok {
		return nil, fmt.Errorf("%w: catalog entry %d", pkgerrors.ErrNotFound, catalogID)
	}
	cp := *e
	return &cp, nil
}

func (s *memoryStore) GetByPath(ctx context.Context, path string, version int) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Entry
	for _, e := range s.byPath[path] {
		if version > 0 {
			if e.Version == version {
				found = e
				break
			}
		} else if found == nil || e.Version > found.Version {
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: playbook %s", pkgerrors.ErrNotFound, path)
	}
	cp := *found
	return &cp, nil
}

func (s *memoryStore) LatestVersion(ctx context.Context, path string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0
	for _, e := range s.byPath[path] {
		if e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (s *memoryStore) List(ctx context.Context, kind string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.byID {
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CatalogID > out[j].CatalogID })
	return out, nil
}

func (s *memoryStore) Close() {}
