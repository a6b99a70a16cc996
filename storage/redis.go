package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/lab-workflow/types"
)

const (
	entityPrefix  = "entity:"
	recordsPrefix = "records:"
	pendingPrefix = "pending:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Transitions use WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStorage struct {
	client *redis.Client
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
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

	return &RedisStorage{client: client}, nil
}

func entityKey(id uint64) string  { return entityPrefix + strconv.FormatUint(id, 10) }
func recordsKey(id uint64) string { return recordsPrefix + strconv.FormatUint(id, 10) }
func pendingKey(id uint64) string { return pendingPrefix + strconv.FormatUint(id, 10) }

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, c redis.Cmdable, key string, errNotFound error) (T, error) {
	var zero T
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
	} else if err != nil {
		return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return result, nil
}

func recordField(r types.ApprovalRecord) string {
	return strconv.FormatUint(r.ID, 10)
}

// Create stores a new entity and its initial records in one MULTI block.
func (s *RedisStorage) Create(ctx context.Context, entity types.WorkflowEntity, records []types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		eKey := entityKey(entity.ID)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, eKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", eKey, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: id=%d", ErrDuplicate, entity.ID)
			}

			data, err := json.Marshal(entity)
			if err != nil {
				return fmt.Errorf("failed to marshal entity %d: %w", entity.ID, err)
			}
			fields := make([]interface{}, 0, 2*len(records))
			pending := ""
			for _, r := range records {
				raw, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to marshal record %d: %w", r.ID, err)
				}
				fields = append(fields, recordField(r), raw)
				if r.IsPending() {
					pending = recordField(r)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, eKey, data, 0)
				if len(fields) > 0 {
					pipe.HSet(ctx, recordsKey(entity.ID), fields...)
				}
				if pending != "" {
					pipe.Set(ctx, pendingKey(entity.ID), pending, 0)
				}
				return nil
			})
			return err
		}, eKey)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: entity=%d", ErrConflict, entity.ID)
		}
		return err
	})
}

// Entity retrieves an entity from Redis.
func (s *RedisStorage) Entity(ctx context.Context, id uint64) (types.WorkflowEntity, error) {
	return withContext(ctx, func() (types.WorkflowEntity, error) {
		return getJSON[types.WorkflowEntity](ctx, s.client, entityKey(id), ErrEntityNotFound)
	})
}

// Records lists an entity's records ordered by step.
func (s *RedisStorage) Records(ctx context.Context, entityID uint64) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		n, err := s.client.Exists(ctx, entityKey(entityID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check entity %d: %w", entityID, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: id=%d", ErrEntityNotFound, entityID)
		}

		raw, err := s.client.HGetAll(ctx, recordsKey(entityID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read records of %d: %w", entityID, err)
		}
		out := make([]types.ApprovalRecord, 0, len(raw))
		for field, data := range raw {
			var r types.ApprovalRecord
			if err := json.Unmarshal([]byte(data), &r); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record %s: %w", field, err)
			}
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Step != out[j].Step {
				return out[i].Step < out[j].Step
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

// Pending returns the entity's pending record.
func (s *RedisStorage) Pending(ctx context.Context, entityID uint64) (types.ApprovalRecord, error) {
	return withContext(ctx, func() (types.ApprovalRecord, error) {
		field, err := s.client.Get(ctx, pendingKey(entityID)).Result()
		if errors.Is(err, redis.Nil) {
			if _, err := s.Entity(ctx, entityID); err != nil {
				return types.ApprovalRecord{}, err
			}
			return types.ApprovalRecord{}, fmt.Errorf("%w: entity=%d", ErrNoPending, entityID)
		} else if err != nil {
			return types.ApprovalRecord{}, fmt.Errorf("failed to read pending of %d: %w", entityID, err)
		}
		data, err := s.client.HGet(ctx, recordsKey(entityID), field).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.ApprovalRecord{}, fmt.Errorf("%w: entity=%d", ErrNoPending, entityID)
		} else if err != nil {
			return types.ApprovalRecord{}, fmt.Errorf("failed to read record %s: %w", field, err)
		}
		var r types.ApprovalRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return types.ApprovalRecord{}, fmt.Errorf("failed to unmarshal record %s: %w", field, err)
		}
		return r, nil
	})
}

// Apply commits a transition optimistically. The entity and pending keys are
// watched; a concurrent writer makes EXEC fail with redis.TxFailedErr.
func (s *RedisStorage) Apply(ctx context.Context, tr Transition) error {
	return withContextError(ctx, func() error {
		id := tr.Entity.ID
		eKey, pKey := entityKey(id), pendingKey(id)

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getJSON[types.WorkflowEntity](ctx, tx, eKey, ErrEntityNotFound)
			if err != nil {
				return err
			}
			if current.Version != tr.ExpectedVersion {
				return fmt.Errorf("%w: entity=%d version %d, expected %d", ErrConflict, id, current.Version, tr.ExpectedVersion)
			}
			if tr.Processed != nil {
				pending, err := tx.Get(ctx, pKey).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("failed to read %s: %w", pKey, err)
				}
				if pending != recordField(*tr.Processed) {
					return fmt.Errorf("%w: record=%d is no longer pending", ErrConflict, tr.Processed.ID)
				}
			}

			entity := tr.Entity
			entity.Version = tr.ExpectedVersion + 1
			data, err := json.Marshal(entity)
			if err != nil {
				return fmt.Errorf("failed to marshal entity %d: %w", id, err)
			}
			var processed, next []byte
			if tr.Processed != nil {
				if processed, err = json.Marshal(tr.Processed); err != nil {
					return fmt.Errorf("failed to marshal record %d: %w", tr.Processed.ID, err)
				}
			}
			if tr.Next != nil {
				if next, err = json.Marshal(tr.Next); err != nil {
					return fmt.Errorf("failed to marshal record %d: %w", tr.Next.ID, err)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, eKey, data, 0)
				if processed != nil {
					pipe.HSet(ctx, recordsKey(id), recordField(*tr.Processed), processed)
				}
				if next != nil {
					pipe.HSet(ctx, recordsKey(id), recordField(*tr.Next), next)
					pipe.Set(ctx, pKey, recordField(*tr.Next), 0)
				} else if processed != nil {
					pipe.Del(ctx, pKey)
				}
				return nil
			})
			return err
		}, eKey, pKey)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: entity=%d", ErrConflict, id)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
