// Copyright 2026 fanjia1024

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

// memoryStore 内存实现，语义与 pg 实现对齐
type memoryStore struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	byNode  map[string]int64 // "{execution_id}:{node_id}" → queue_id
	gen     *snowflake.Generator
}

// NewMemoryStore 创建内存队列
func NewMemoryStore(gen *snowflake.Generator) Store {
	return &memoryStore{
		entries: make(map[int64]*Entry),
		byNode:  make(map[string]int64),
		gen:     gen,
	}
}

func nodeKey(executionID int64, nodeID string) string {
	return fmt.Sprintf("%d:%s", executionID, nodeID)
}

func (s *memoryStore) Enqueue(ctx context.Context, e *Entry) (int64, bool, error) {
	if e.ExecutionID == 0 || e.NodeID == "" {
		return 0, false, fmt.Errorf("%w: enqueue requires execution_id and node_id", pkgerrors.ErrInvalidArg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nodeKey(e.ExecutionID, e.NodeID)
	if existing, ok := s.byNode[key]; ok {
		return existing, false, nil
	}
	entry := *e
	applyDefaults(&entry)
	entry.QueueID = s.gen.Next()
	s.entries[entry.QueueID] = &entry
	s.byNode[key] = entry.QueueID
	e.QueueID = entry.QueueID
	return entry.QueueID, true, nil
}

func (s *memoryStore) Lease(ctx context.Context, workerID string, lease time.Duration) (*Entry, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Entry
	for _, e := range s.entries {
		if e.Status != StatusQueued && e.Status != StatusRetry {
			continue
		}
		if e.AvailableAt.After(now) {
			continue
		}
		if best == nil || e.Priority > best.Priority ||
			(e.Priority == best.Priority && e.QueueID < best.QueueID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusLeased
	best.WorkerID = workerID
	best.LeaseUntil = now.Add(lease)
	best.LastHeartbeat = now
	best.Attempts++
	cp := *best
	return &cp, nil
}

func (s *memoryStore) Heartbeat(ctx context.Context, queueID int64, extend time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok || e.Status != StatusLeased {
		return fmt.Errorf("%w: no leased entry %d", pkgerrors.ErrNotFound, queueID)
	}
	e.LastHeartbeat = time.Now()
	if extend > 0 {
		e.LeaseUntil = time.Now().Add(extend)
	}
	return nil
}

func (s *memoryStore) Complete(ctx context.Context, queueID int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	e.Status = StatusDone
	cp := *e
	return &cp, nil
}

func (s *memoryStore) Fail(ctx context.Context, queueID int64, retry bool, retryDelay time.Duration) (*Entry, bool, error) {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return nil, false, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	if !retry || e.Attempts >= e.MaxAttempts {
		e.Status = StatusDead
		cp := *e
		return &cp, true, nil
	}
	e.Status = StatusRetry
	e.AvailableAt = time.Now().Add(retryDelay)
	e.WorkerID = ""
	cp := *e
	return &cp, false, nil
}

func (s *memoryStore) Reap(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == StatusLeased && e.LeaseUntil.Before(now) {
			e.Status = StatusQueued
			e.WorkerID = ""
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Get(ctx context.Context, queueID int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	cp := *e
	return &cp, nil
}

func (s *memoryStore) Size(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Status]int)
	for _, e := range s.entries {
		out[e.Status]++
	}
	return out, nil
}

func (s *memoryStore) MarkDoneByNode(ctx context.Context, executionID int64, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byNode[nodeKey(executionID, nodeID)]
	if !ok {
		return nil
	}
	if e, ok := s.entries[id]; ok {
		e.Status = StatusDone
	}
	return nil
}

func (s *memoryStore) Close() {}
