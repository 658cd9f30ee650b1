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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

const entryColumns = `queue_id, execution_id, catalog_id, node_id, action, context, priority,
	status, attempts, max_attempts, available_at, worker_id, lease_until, last_heartbeat, created_at`

// pgStore PostgreSQL 实现
type pgStore struct {
	pool *pgxpool.Pool
	gen  *snowflake.Generator
}

// NewPostgresStore 基于已有连接池创建队列
func NewPostgresStore(pool *pgxpool.Pool, gen *snowflake.Generator) Store {
	return &pgStore{pool: pool, gen: gen}
}

func (s *pgStore) Enqueue(ctx context.Context, e *Entry) (int64, bool, error) {
	if e.ExecutionID == 0 || e.NodeID == "" {
		return 0, false, fmt.Errorf("%w: enqueue requires execution_id and node_id", pkgerrors.ErrInvalidArg)
	}
	entry := *e
	applyDefaults(&entry)
	entry.QueueID = s.gen.Next()

	action, err := json.Marshal(entry.Action)
	if err != nil {
		return 0, false, err
	}
	var qctx []byte
	if entry.Context != nil {
		if qctx, err = json.Marshal(entry.Context); err != nil {
			return 0, false, err
		}
	}

	// ON CONFLICT DO NOTHING：同一步骤重复入队静默吸收，broker 重放因此安全
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO queue (queue_id, execution_id, catalog_id, node_id, action, context,
			priority, status, attempts, max_attempts, available_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (execution_id, node_id) DO NOTHING`,
		entry.QueueID, entry.ExecutionID, entry.CatalogID, entry.NodeID, action, qctx,
		entry.Priority, string(entry.Status), entry.Attempts, entry.MaxAttempts,
		entry.AvailableAt, entry.CreatedAt)
	if err != nil {
		return 0, false, err
	}
	if cmd.RowsAffected() == 0 {
		var existing int64
		err := s.pool.QueryRow(ctx,
			`SELECT queue_id FROM queue WHERE execution_id = $1 AND node_id = $2`,
			entry.ExecutionID, entry.NodeID).Scan(&existing)
		if err != nil {
			return 0, false, err
		}
		return existing, false, nil
	}
	e.QueueID = entry.QueueID
	return entry.QueueID, true, nil
}

func (s *pgStore) Lease(ctx context.Context, workerID string, lease time.Duration) (*Entry, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var queueID int64
	err = tx.QueryRow(ctx, `
		SELECT queue_id FROM queue
		WHERE status IN ($1, $2) AND available_at <= $3
		ORDER BY priority DESC, queue_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		string(StatusQueued), string(StatusRetry), now).Scan(&queueID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE queue SET status = $1, worker_id = $2, lease_until = $3,
			last_heartbeat = $4, attempts = attempts + 1
		WHERE queue_id = $5
		RETURNING `+entryColumns,
		string(StatusLeased), workerID, now.Add(lease), now, queueID)
	if err != nil {
		return nil, err
	}
	entry, err := scanOne(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *pgStore) Heartbeat(ctx context.Context, queueID int64, extend time.Duration) error {
	query := `UPDATE queue SET last_heartbeat = now()`
	args := []interface{}{queueID}
	if extend > 0 {
		args = append(args, time.Now().Add(extend))
		query += `, lease_until = $2`
	}
	query += ` WHERE queue_id = $1 AND status = '` + string(StatusLeased) + `'`
	cmd, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: no leased entry %d", pkgerrors.ErrNotFound, queueID)
	}
	return nil
}

func (s *pgStore) Complete(ctx context.Context, queueID int64) (*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue SET status = $1 WHERE queue_id = $2
		RETURNING `+entryColumns,
		string(StatusDone), queueID)
	if err != nil {
		return nil, err
	}
	entry, err := scanOne(rows)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	return entry, nil
}

func (s *pgStore) Fail(ctx context.Context, queueID int64, retry bool, retryDelay time.Duration) (*Entry, bool, error) {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	// 读判写合一：attempts 判定基于行的当前值，reap 抢回再租也不会看到旧计数
	rows, err := s.pool.Query(ctx, `
		UPDATE queue SET
			status = CASE WHEN $2 AND attempts < max_attempts THEN $4 ELSE $5 END,
			available_at = CASE WHEN $2 AND attempts < max_attempts THEN $3 ELSE available_at END,
			worker_id = CASE WHEN $2 AND attempts < max_attempts THEN NULL ELSE worker_id END
		WHERE queue_id = $1
		RETURNING `+entryColumns,
		queueID, retry, time.Now().Add(retryDelay), string(StatusRetry), string(StatusDead))
	if err != nil {
		return nil, false, err
	}
	entry, err := scanOne(rows)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	return entry, entry.Status == StatusDead, nil
}

func (s *pgStore) Reap(ctx context.Context) (int, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = $1, worker_id = NULL
		WHERE status = $2 AND lease_until < now()`,
		string(StatusQueued), string(StatusLeased))
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *pgStore) Get(ctx context.Context, queueID int64) (*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE queue_id = $1`, queueID)
	if err != nil {
		return nil, err
	}
	entry, err := scanOne(rows)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: queue entry %d", pkgerrors.ErrNotFound, queueID)
	}
	return entry, nil
}

func (s *pgStore) Size(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (s *pgStore) MarkDoneByNode(ctx context.Context, executionID int64, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = $1 WHERE execution_id = $2 AND node_id = $3`,
		string(StatusDone), executionID, nodeID)
	return err
}

func (s *pgStore) Close() {}

func scanOne(rows pgx.Rows) (*Entry, error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e Entry
	var catalogID *int64
	var action, qctx []byte
	var workerID *string
	var leaseUntil, lastHeartbeat *time.Time
	if err := rows.Scan(&e.QueueID, &e.ExecutionID, &catalogID, &e.NodeID, &action, &qctx,
		&e.Priority, &e.Status, &e.Attempts, &e.MaxAttempts, &e.AvailableAt,
		&workerID, &leaseUntil, &lastHeartbeat, &e.CreatedAt); err != nil {
		return nil, err
	}
	if catalogID != nil {
		e.CatalogID = *catalogID
	}
	if workerID != nil {
		e.WorkerID = *workerID
	}
	if leaseUntil != nil {
		e.LeaseUntil = *leaseUntil
	}
	if lastHeartbeat != nil {
		e.LastHeartbeat = *lastHeartbeat
	}
	if len(action) > 0 {
		_ = json.Unmarshal(action, &e.Action)
	}
	if len(qctx) > 0 {
		_ = json.Unmarshal(qctx, &e.Context)
	}
	return &e, nil
}
