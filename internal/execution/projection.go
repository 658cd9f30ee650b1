// Copyright 2026 fanjia1024

package execution

import (
	"context"
	"fmt"
	"time"

	"playbook-platform/internal/eventlog"
	pkgerrors "playbook-platform/pkg/errors"
)

// 投影出的执行状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// View 从事件日志投影出的执行视图
type View struct {
	ExecutionID int64                  `json:"execution_id"`
	CatalogID   int64                  `json:"catalog_id"`
	Path        string                 `json:"path,omitempty"`
	Version     int                    `json:"version,omitempty"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailedStep  string                 `json:"failed_step,omitempty"`
	Workload    map[string]interface{} `json:"workload,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// Projection 执行视图查询
type Projection struct {
	events   eventlog.Store
	workload WorkloadStore
}

// NewProjection 创建投影查询
func NewProjection(events eventlog.Store, wl WorkloadStore) *Projection {
	return &Projection{events: events, workload: wl}
}

// Get 单个执行的详细视图，含 workload
func (p *Projection) Get(ctx context.Context, executionID int64) (*View, error) {
	events, err := p.events.ByExecution(ctx, executionID, eventlog.Filter{})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: execution %d", pkgerrors.ErrNotFound, executionID)
	}
	view := project(events)
	if w, err := p.workload.Get(ctx, executionID); err == nil {
		view.Workload = w.Data
	}
	return view, nil
}

// List 最近的执行列表（无 workload）
func (p *Projection) List(ctx context.Context, limit int) ([]View, error) {
	starts, err := p.events.ListExecutions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(starts))
	for i := range starts {
		events, err := p.events.ByExecution(ctx, starts[i].ExecutionID, eventlog.Filter{
			EventTypes: []eventlog.Type{
				eventlog.ExecutionStart, eventlog.ExecutionComplete, eventlog.ExecutionFailed,
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *project(events))
	}
	return out, nil
}

func project(events []eventlog.Event) *View {
	view := &View{Status: StatusRunning}
	for i := range events {
		e := &events[i]
		switch e.EventType {
		case eventlog.ExecutionStart:
			view.ExecutionID = e.ExecutionID
			view.CatalogID = e.CatalogID
			view.StartedAt = e.CreatedAt
			if e.Context != nil {
				view.Path, _ = e.Context["path"].(string)
				switch v := e.Context["version"].(type) {
				case int:
					view.Version = v
				case float64:
					view.Version = int(v)
				}
			}
		case eventlog.ExecutionComplete:
			view.Status = StatusCompleted
			view.Result = e.Result
			finished := e.CreatedAt
			view.FinishedAt = &finished
		case eventlog.ExecutionFailed:
			view.Status = StatusFailed
			view.Error = e.Error
			if e.Result != nil {
				view.FailedStep, _ = e.Result["failed_step"].(string)
			}
			finished := e.CreatedAt
			view.FinishedAt = &finished
		}
	}
	return view
}
