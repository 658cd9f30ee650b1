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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "playbook-platform/pkg/errors"
)

// redisStore Redis 实现：TTL 由 Redis 原生过期承担，过期条目自动消失。
// auto_renew 条目额外进一个 set 以便续期扫描。
type redisStore struct {
	rdb *redis.Client
}

const renewSetKey = "keychain:renewable"

// NewRedisStore 创建 Redis 凭据存储
func NewRedisStore(ctx context.Context, addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func redisKey(catalogID int64, name string, executionID int64) string {
	return fmt.Sprintf("keychain:%d:%s:%d", catalogID, name, executionID)
}

func (s *redisStore) Put(ctx context.Context, e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: keychain entry without name", pkgerrors.ErrInvalidArg)
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !cp.ExpiresAt.IsZero() {
		ttl = time.Until(cp.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	key := redisKey(cp.CatalogID, cp.Name, cp.ExecutionID)
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}
	if cp.AutoRenew {
		return s.rdb.SAdd(ctx, renewSetKey, key).Err()
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	for _, key := range []string{
		redisKey(catalogID, name, executionID),
		redisKey(catalogID, name, 0),
	} {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	}
	return nil, fmt.Errorf("%w: keychain entry %s", pkgerrors.ErrNotFound, name)
}

func (s *redisStore) Delete(ctx context.Context, catalogID int64, name string, executionID int64) error {
	key := redisKey(catalogID, name, executionID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, renewSetKey, key).Err()
}

func (s *redisStore) ListRenewable(ctx context.Context, before time.Time) ([]Entry, error) {
	keys, err := s.rdb.SMembers(ctx, renewSetKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// 条目已过期消失，顺手把 set 清干净
			s.rdb.SRem(ctx, renewSetKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *redisStore) Close() {
	s.rdb.Close()
}
