// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playmech/gametx/pkg/saga"
)

// Redis key naming conventions.
const (
	// instanceKeyPattern is the pattern for instance keys: {prefix}txn:{id}
	instanceKeyPattern = "%stxn:%s"

	// stateIndexKeyPattern is the pattern for the per-state index set:
	// {prefix}index:state:{state}
	stateIndexKeyPattern = "%sindex:state:%s"
)

// RedisConfig configures the Redis-backed state store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" mapstructure:"addr"`

	// Password authenticates the connection. Empty disables auth.
	Password string `json:"-" mapstructure:"password"`

	// DB selects the Redis logical database.
	DB int `json:"db" mapstructure:"db"`

	// KeyPrefix namespaces all keys written by the store.
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`

	// TerminalTTL, when > 0, expires terminal instances after the given
	// duration. Non-terminal instances never expire: they must survive for
	// crash-resume.
	TerminalTTL time.Duration `json:"terminal_ttl" mapstructure:"terminal_ttl"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
}

// DefaultRedisConfig returns a configuration for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "gametx:",
		TerminalTTL: 24 * time.Hour,
		DialTimeout: 5 * time.Second,
	}
}

// RedisStore is a Redis-backed saga.StateStore. Instances are stored as JSON
// under {prefix}txn:{transactionID}, with a per-state index set supporting
// List. The append-only outcome log and the single-writer-per-transaction
// contract are preserved because the engine serializes writers per ID and
// each Save replaces the full instance document.
type RedisStore struct {
	client *redis.Client
	config *RedisConfig
}

// NewRedisStore creates a store connected per the configuration.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("redis store: addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	return &RedisStore{client: client, config: config}, nil
}

// Ping verifies connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) instanceKey(transactionID string) string {
	return fmt.Sprintf(instanceKeyPattern, r.config.KeyPrefix, transactionID)
}

func (r *RedisStore) stateIndexKey(state saga.SagaState) string {
	return fmt.Sprintf(stateIndexKeyPattern, r.config.KeyPrefix, state.String())
}

// Save persists the instance document and maintains the state index.
func (r *RedisStore) Save(ctx context.Context, inst *saga.Instance) error {
	if inst == nil || inst.TransactionID == "" {
		return saga.NewTransientError(saga.ErrCodeStorageFailure, "instance has no transaction id")
	}

	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redis store: marshal instance %s: %w", inst.TransactionID, err)
	}

	key := r.instanceKey(inst.TransactionID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if inst.IsTerminal() && r.config.TerminalTTL > 0 {
			pipe.Set(ctx, key, payload, r.config.TerminalTTL)
		} else {
			pipe.Set(ctx, key, payload, 0)
		}

		// Move the ID to the index set for its current state.
		for _, s := range allStates() {
			if s == inst.State {
				pipe.SAdd(ctx, r.stateIndexKey(s), inst.TransactionID)
			} else {
				pipe.SRem(ctx, r.stateIndexKey(s), inst.TransactionID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: save instance %s: %w", inst.TransactionID, err)
	}
	return nil
}

// Get retrieves and unmarshals the instance for the transaction ID.
func (r *RedisStore) Get(ctx context.Context, transactionID string) (*saga.Instance, error) {
	payload, err := r.client.Get(ctx, r.instanceKey(transactionID)).Bytes()
	if err == redis.Nil {
		return nil, saga.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get instance %s: %w", transactionID, err)
	}

	var inst saga.Instance
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, fmt.Errorf("redis store: unmarshal instance %s: %w", transactionID, err)
	}
	return &inst, nil
}

// Delete removes the instance and its index entries.
func (r *RedisStore) Delete(ctx context.Context, transactionID string) error {
	deleted, err := r.client.Del(ctx, r.instanceKey(transactionID)).Result()
	if err != nil {
		return fmt.Errorf("redis store: delete instance %s: %w", transactionID, err)
	}
	if deleted == 0 {
		return saga.ErrInstanceNotFound
	}
	for _, s := range allStates() {
		if err := r.client.SRem(ctx, r.stateIndexKey(s), transactionID).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("redis store: deindex instance %s: %w", transactionID, err)
		}
	}
	return nil
}

// List returns instances matching the filter by walking the state index.
func (r *RedisStore) List(ctx context.Context, filter *saga.Filter) ([]*saga.Instance, error) {
	states := allStates()
	if filter != nil && len(filter.States) > 0 {
		states = filter.States
	}

	var out []*saga.Instance
	for _, s := range states {
		ids, err := r.client.SMembers(ctx, r.stateIndexKey(s)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis store: list state %s: %w", s, err)
		}
		for _, id := range ids {
			inst, err := r.Get(ctx, id)
			if err == saga.ErrInstanceNotFound {
				// Expired document with a stale index entry.
				continue
			}
			if err != nil {
				return nil, err
			}
			if !filter.Matches(inst) {
				continue
			}
			out = append(out, inst)
			if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// allStates enumerates every saga state for index maintenance.
func allStates() []saga.SagaState {
	return []saga.SagaState{
		saga.StatePending,
		saga.StateRunning,
		saga.StateCompensating,
		saga.StateCompleted,
		saga.StateFailed,
		saga.StateCompensationFailed,
	}
}
