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

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "playbook-platform/pkg/errors"
)

const catalogColumns = `catalog_id, path, version, kind, content, payload, meta, created_at`

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 基于已有连接池创建目录存储
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Insert(ctx context.Context, e *Entry) error {
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return err
	}
	meta, err := marshalMap(e.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO catalog (catalog_id, path, version, kind, content, payload, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.CatalogID, e.Path, e.Version, e.Kind, e.Content, payload, meta, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s version %d", pkgerrors.ErrConflict, e.Path, e.Version)
		}
		return err
	}
	return nil
}

func (s *pgStore) GetByID(ctx context.Context, catalogID int64) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+catalogColumns+` FROM catalog WHERE catalog_id = $1`, catalogID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: catalog entry %d", pkgerrors.ErrNotFound, catalogID)
	}
	return e, err
}

func (s *pgStore) GetByPath(ctx context.Context, path string, version int) (*Entry, error) {
	var row pgx.Row
	if version > 0 {
		row = s.pool.QueryRow(ctx,
			`SELECT `+catalogColumns+` FROM catalog WHERE path = $1 AND version = $2`,
			path, version)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT `+catalogColumns+` FROM catalog WHERE path = $1 ORDER BY version DESC LIMIT 1`,
			path)
	}
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: playbook %s", pkgerrors.ErrNotFound, path)
	}
	return e, err
}

func (s *pgStore) LatestVersion(ctx context.Context, path string) (int, error) {
	var v *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(version) FROM catalog WHERE path = $1`, path).Scan(&v)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

func (s *pgStore) List(ctx context.Context, kind string) ([]Entry, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *pgStore) Close() {}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var payload, meta []byte
	if err := row.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Kind, &e.Content,
		&payload, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &e.Payload)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &e.Meta)
	}
	return &e, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
