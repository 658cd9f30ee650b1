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

package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "playbook-platform/pkg/errors"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 基于已有连接池创建凭据存储
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Put(ctx context.Context, e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: keychain entry without name", pkgerrors.ErrInvalidArg)
	}
	tokenData, err := json.Marshal(e.TokenData)
	if err != nil {
		return err
	}
	var renewConfig []byte
	if e.RenewConfig != nil {
		if renewConfig, err = json.Marshal(e.RenewConfig); err != nil {
			return err
		}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var expiresAt *time.Time
	if !e.ExpiresAt.IsZero() {
		expiresAt = &e.ExpiresAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO keychain (catalog_id, execution_id, name, token_data, credential_type,
			cache_type, scope_type, expires_at, auto_renew, renew_config, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (catalog_id, name, execution_id) DO UPDATE SET
			token_data = EXCLUDED.token_data,
			credential_type = EXCLUDED.credential_type,
			cache_type = EXCLUDED.cache_type,
			scope_type = EXCLUDED.scope_type,
			expires_at = EXCLUDED.expires_at,
			auto_renew = EXCLUDED.auto_renew,
			renew_config = EXCLUDED.renew_config`,
		e.CatalogID, e.ExecutionID, e.Name, tokenData, e.CredentialType,
		e.CacheType, e.ScopeType, expiresAt, e.AutoRenew, renewConfig, createdAt)
	return err
}

func (s *pgStore) Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT catalog_id, execution_id, name, token_data, credential_type, cache_type,
			scope_type, expires_at, auto_renew, renew_config, created_at
		FROM keychain
		WHERE catalog_id = $1 AND name = $2 AND execution_id IN ($3, 0)
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY execution_id DESC
		LIMIT 1`,
		catalogID, name, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: keychain entry %s", pkgerrors.ErrNotFound, name)
	}
	return scanKeychain(rows)
}

func (s *pgStore) Delete(ctx context.Context, catalogID int64, name string, executionID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM keychain WHERE catalog_id = $1 AND name = $2 AND execution_id = $3`,
		catalogID, name, executionID)
	return err
}

func (s *pgStore) ListRenewable(ctx context.Context, before time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT catalog_id, execution_id, name, token_data, credential_type, cache_type,
			scope_type, expires_at, auto_renew, renew_config, created_at
		FROM keychain
		WHERE auto_renew = true AND expires_at IS NOT NULL AND expires_at < $1`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanKeychain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *pgStore) Close() {}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanKeychain(row scannable) (*Entry, error) {
	var e Entry
	var tokenData, renewConfig []byte
	var expiresAt *time.Time
	if err := row.Scan(&e.CatalogID, &e.ExecutionID, &e.Name, &tokenData, &e.CredentialType,
		&e.CacheType, &e.ScopeType, &expiresAt, &e.AutoRenew, &renewConfig, &e.CreatedAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	if len(tokenData) > 0 {
		_ = json.Unmarshal(tokenData, &e.TokenData)
	}
	if len(renewConfig) > 0 {
		_ = json.Unmarshal(renewConfig, &e.RenewConfig)
	}
	return &e, nil
}
