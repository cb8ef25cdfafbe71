// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/redis/go-redis/v9"
)

// JobStore keeps job records. Save inserts or replaces.
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
}

// MemoryJobStore keeps jobs in process memory. Records are copied in and out,
// so callers never share a job with the store.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]model.Job)}
}

func (m *MemoryJobStore) Save(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// RedisJobStore keeps jobs as JSON strings that expire after TTL.
type RedisJobStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisJobStore wraps an existing client. A zero ttl keeps records forever.
func NewRedisJobStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key of a job.
func (r *RedisJobStore) Key(id string) string { return r.prefix + id }

func (r *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.Key(job.ID), b, r.ttl).Err()
}

func (r *RedisJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	b, err := r.rdb.Get(ctx, r.Key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	job := &model.Job{}
	if err := json.Unmarshal(b, job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return job, nil
}

// NewJobStore creates the store selected by the job_store section. The
// returned close function releases the Redis connection pool, if any.
//
// Inputs:
//   - ctx: Used to ping Redis once, so a bad URL fails at start-up.
//   - config: The job_store section is read.
//
// Outputs:
//   - JobStore: The memory or Redis store.
//   - func() error: Releases the store.
//   - error: An unknown backend, a malformed URL or an unreachable server.
func NewJobStore(ctx context.Context, config *cloud.Config) (JobStore, func() error, error) {
	noop := func() error { return nil }
	switch config.JobStore.Backend {
	case "", "memory":
		return NewMemoryJobStore(), noop, nil
	case "redis":
		opts, err := redis.ParseURL(config.JobStore.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid job_store.redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
		}
		ttl := time.Duration(config.JobStore.TTLMinutes) * time.Minute
		return NewRedisJobStore(rdb, config.JobStore.KeyPrefix, ttl), rdb.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown job_store.backend %q", config.JobStore.Backend)
	}
}
