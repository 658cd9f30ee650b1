// Copyright 2026 fanjia1024

package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

// memoryStore 内存实现，与 pg 实现语义一致，用于测试与单机开发
type memoryStore struct {
	mu     sync.RWMutex
	events map[int64][]Event // execution_id → 按 event_id 升序
	gen    *snowflake.Generator
}

// NewMemoryStore 创建内存事件日志
func NewMemoryStore(gen *snowflake.Generator) Store {
	return &memoryStore{
		events: make(map[int64][]Event),
		gen:    gen,
	}
}

func (s *memoryStore) Emit(ctx context.Context, e *Event) (int64, error) {
	if e.ExecutionID == 0 {
		return 0, fmt.Errorf("%w: event without execution_id", pkgerrors.ErrInvalidArg)
	}
	if !e.EventType.Valid() {
		return 0, fmt.Errorf("%w: unknown event_type %q", pkgerrors.ErrInvalidArg, e.EventType)
	}
	e.EventID = s.gen.Next()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.events[e.ExecutionID] = append(s.events[e.ExecutionID], *e)
	s.mu.Unlock()
	return e.EventID, nil
}

func (s *memoryStore) ByExecution(ctx context.Context, executionID int64, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events[executionID] {
		if !matchFilter(e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) Latest(ctx context.Context, executionID int64, nodeName string, t Type) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[executionID]
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.EventType == t && (nodeName == "" || e.NodeName == nodeName) {
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) NodeResults(ctx context.Context, executionID int64) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{})
	for _, e := range s.events[executionID] {
		if e.EventType != ActionCompleted && e.EventType != Result {
			continue
		}
		if !e.Succeeded() || e.NodeName == "" || len(e.Result) == 0 {
			continue
		}
		out[e.NodeName] = mergeResult(e.Result)
	}
	return out, nil
}

func (s *memoryStore) ListExecutions(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, list := range s.events {
		for _, e := range list {
			if e.EventType == ExecutionStart {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID > out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Close() {}

func matchFilter(e Event, f Filter) bool {
	if f.NodeName != "" && e.NodeName != f.NodeName {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
