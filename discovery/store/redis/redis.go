// Package redis provides a Redis-backed RecordStore. The registry itself
// stays authoritative for indexes and expiry; Redis serves as the external
// source of truth the registry can be rebuilt from.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cortexos/cadp/discovery"
)

const recordKeyPrefix = "cadp:record:"

const indexKey = "cadp:records"

// Config holds connection settings for the Redis store.
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Store persists records as JSON values with a set index of agent IDs. It
// deliberately does not implement the BulkReader capability: reads go
// through Scan so the registry exercises the query-based fallback path.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redis store: nil config")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Put(ctx context.Context, rec *discovery.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis store: marshal record: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.AgentID, data, 0)
	pipe.SAdd(ctx, indexKey, rec.AgentID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, agentID string) (*discovery.AgentRecord, bool, error) {
	data, err := s.rdb.Get(ctx, recordKeyPrefix+agentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec discovery.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("redis store: unmarshal record: %w", err)
	}
	return &rec, true, nil
}

func (s *Store) Delete(ctx context.Context, agentID string) (bool, error) {
	pipe := s.rdb.Pipeline()
	del := pipe.Del(ctx, recordKeyPrefix+agentID)
	pipe.SRem(ctx, indexKey, agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, indexKey).Result()
	return int(n), err
}

func (s *Store) Scan(ctx context.Context, fn func(*discovery.AgentRecord) bool) error {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, ok, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Index member without a value: left over from a partial
			// delete, skip it.
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ discovery.RecordStore = (*Store)(nil)
