// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

const eventColumns = `execution_id, event_id, catalog_id, parent_event_id, parent_execution_id,
	event_type, node_id, node_name, node_type, status, result, error, context,
	current_index, current_item, loop_id, loop_name, duration, created_at`

// pgStore PostgreSQL 实现；events 表按 execution_id 范围分区，主键 (execution_id, event_id)
type pgStore struct {
	pool *pgxpool.Pool
	gen  *snowflake.Generator
}

// NewPostgresStore 基于已有连接池创建事件日志（池由 app 装配层统一管理）
func NewPostgresStore(pool *pgxpool.Pool, gen *snowflake.Generator) Store {
	return &pgStore{pool: pool, gen: gen}
}

func (s *pgStore) Emit(ctx context.Context, e *Event) (int64, error) {
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

	result, err := marshalJSON(e.Result)
	if err != nil {
		return 0, err
	}
	evtCtx, err := marshalJSON(e.Context)
	if err != nil {
		return 0, err
	}
	item, err := marshalJSON(e.CurrentItem)
	if err != nil {
		return 0, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		e.ExecutionID, e.EventID, nullInt64(e.CatalogID), nullInt64(e.ParentEventID),
		nullInt64(e.ParentExecutionID), string(e.EventType), e.NodeID, e.NodeName,
		e.NodeType, e.Status, result, e.Error, evtCtx,
		e.CurrentIndex, item, e.LoopID, e.LoopName, e.Duration, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return e.EventID, nil
}

func (s *pgStore) ByExecution(ctx context.Context, executionID int64, f Filter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE execution_id = $1`
	args := []interface{}{executionID}
	if f.NodeName != "" {
		args = append(args, f.NodeName)
		query += fmt.Sprintf(" AND node_name = $%d", len(args))
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	query += " ORDER BY event_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *pgStore) Latest(ctx context.Context, executionID int64, nodeName string, t Type) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE execution_id = $1 AND event_type = $2`
	args := []interface{}{executionID, string(t)}
	if nodeName != "" {
		args = append(args, nodeName)
		query += " AND node_name = $3"
	}
	query += " ORDER BY event_id DESC LIMIT 1"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (s *pgStore) NodeResults(ctx context.Context, executionID int64) (map[string]interface{}, error) {
	// DISTINCT ON 取每个步骤最新一条成功结果
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (node_name) node_name, result FROM events
		WHERE execution_id = $1
		  AND event_type IN ($2, $3)
		  AND status IN ($4, $5)
		  AND node_name <> ''
		  AND result IS NOT NULL
		ORDER BY node_name, event_id DESC`,
		executionID, string(ActionCompleted), string(Result), StatusCompleted, StatusSuccess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]interface{})
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var r map[string]interface{}
		if err := json.Unmarshal(raw, &r); err != nil || len(r) == 0 {
			continue
		}
		out[name] = mergeResult(r)
	}
	return out, rows.Err()
}

func (s *pgStore) ListExecutions(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE event_type = $1
		ORDER BY event_id DESC LIMIT $2`,
		string(ExecutionStart), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *pgStore) Close() {}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var catalogID, parentEventID, parentExecID *int64
		var result, evtCtx, item []byte
		if err := rows.Scan(&e.ExecutionID, &e.EventID, &catalogID, &parentEventID,
			&parentExecID, &e.EventType, &e.NodeID, &e.NodeName, &e.NodeType,
			&e.Status, &result, &e.Error, &evtCtx,
			&e.CurrentIndex, &item, &e.LoopID, &e.LoopName, &e.Duration, &e.CreatedAt); err != nil {
			return nil, err
		}
		if catalogID != nil {
			e.CatalogID = *catalogID
		}
		if parentEventID != nil {
			e.ParentEventID = *parentEventID
		}
		if parentExecID != nil {
			e.ParentExecutionID = *parentExecID
		}
		if len(result) > 0 {
			_ = json.Unmarshal(result, &e.Result)
		}
		if len(evtCtx) > 0 {
			_ = json.Unmarshal(evtCtx, &e.Context)
		}
		if len(item) > 0 {
			_ = json.Unmarshal(item, &e.CurrentItem)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]interface{}); ok && m == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}

func nullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
