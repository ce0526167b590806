package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/stepflow/types"
)

const (
	defaultKeyPrefix = "stepflow:"
	workflowSegment  = "workflow:"
	ownerSegment     = "owner:"
	indexSegment     = "workflows"
)

// RedisStorage is a Redis-backed Store. Each workflow is one key holding the
// encoded aggregate; two sets index workflows globally and per owner.
type RedisStorage struct {
	client *redis.Client
	codec  Codec
	prefix string
}

// RedisOptions configures the Redis connection and encoding.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string // defaults to "stepflow:"
	Codec        Codec  // defaults to JSONCodec
}

// NewRedisStorage connects to Redis and verifies the connection with PING.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.KeyPrefix, opts.Codec), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, prefix string, codec Codec) *RedisStorage {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisStorage{client: client, codec: codec, prefix: prefix}
}

func (s *RedisStorage) workflowKey(id string) string { return s.prefix + workflowSegment + id }
func (s *RedisStorage) ownerKey(owner string) string { return s.prefix + ownerSegment + owner }
func (s *RedisStorage) indexKey() string             { return s.prefix + indexSegment }

// Save writes the workflow and updates the indexes in one pipeline.
func (s *RedisStorage) Save(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		if wf.ID == "" {
			return fmt.Errorf("save workflow: empty id")
		}
		data, err := s.codec.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.workflowKey(wf.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), wf.ID)
		if wf.OwnerID != "" {
			pipe.SAdd(ctx, s.ownerKey(wf.OwnerID), wf.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save workflow %s in Redis: %w", wf.ID, err)
		}
		return nil
	})
}

// Load reads and decodes a workflow.
func (s *RedisStorage) Load(ctx context.Context, id string) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		key := s.workflowKey(id)
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Workflow{}, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return types.Workflow{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return s.decode(key, data)
	})
}

func (s *RedisStorage) decode(key string, data []byte) (types.Workflow, error) {
	var wf types.Workflow
	if err := s.codec.Unmarshal(data, &wf); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return wf, nil
}

// List returns workflows owned by ownerID, or all workflows when ownerID is empty.
func (s *RedisStorage) List(ctx context.Context, ownerID string) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		set := s.indexKey()
		if ownerID != "" {
			set = s.ownerKey(ownerID)
		}
		ids, err := s.client.SMembers(ctx, set).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", set, err)
		}
		wfs, err := s.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		sortByCreation(wfs)
		return wfs, nil
	})
}

// loadMany fetches ids with MGET, skipping IDs whose key has vanished.
func (s *RedisStorage) loadMany(ctx context.Context, ids []string) ([]types.Workflow, error) {
	if len(ids) == 0 {
		return []types.Workflow{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.workflowKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget workflows: %w", err)
	}

	out := make([]types.Workflow, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		wf, err := s.decode(keys[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// ClearFinished removes completed, failed and cancelled workflows and their index entries.
func (s *RedisStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to read workflow index: %w", err)
		}
		wfs, err := s.loadMany(ctx, ids)
		if err != nil {
			return err
		}

		pipe := s.client.Pipeline()
		removed := 0
		for _, wf := range wfs {
			if !isFinished(wf.Status) {
				continue
			}
			pipe.Del(ctx, s.workflowKey(wf.ID))
			pipe.SRem(ctx, s.indexKey(), wf.ID)
			if wf.OwnerID != "" {
				pipe.SRem(ctx, s.ownerKey(wf.OwnerID), wf.ID)
			}
			removed++
		}
		if removed == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// Client exposes the underlying client.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
