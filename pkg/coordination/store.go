// Package coordination implements the Coordination Store (CS) contract of
// spec.md §6 against Redis, including the optimistic-transaction template
// of §4.1 (watch a set of keys, stage writes, commit only if none of the
// watched keys changed). Redis's native WATCH/MULTI/EXEC is exactly this
// primitive, grounded on how original_source/mcc/worker_userdata.py and
// manager_userdata.py use redis-py's pipeline watch/multi/execute loop.
package coordination

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	mccerrs "github.com/cuemby/mcc/pkg/errs"
)

// Store is the Coordination Store contract (spec.md §6): GET/SET/DEL plus
// the watch-read-stage-commit optimistic transaction.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error

	// Transact runs fn against the current values of keys, watched for
	// conflicting writes. fn returns the keys it wants written (a nil map
	// commits no writes but still releases the watch cleanly). If fn's
	// keys changed since the watch began, Transact retries fn from
	// scratch with unbounded retries; this is the only primitive through
	// which remaining/in_progress/completed may be mutated (spec.md §4.1).
	Transact(ctx context.Context, keys []string, fn TxFunc) error

	Close() error
}

// TxFunc computes writes from the current values of the watched keys.
// reads[k] is nil if k did not exist. Use Abort to signal a deliberate,
// non-retriable stop (e.g. the queue is empty) rather than a watch
// conflict.
type TxFunc func(reads map[string][]byte) (writes map[string][]byte, err error)

// abortError marks a TxFunc decision to stop without retrying, as opposed
// to a watch conflict or transient store error, both of which retry.
type abortError struct{ err error }

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

// Abort wraps err so Transact returns it immediately instead of retrying.
func Abort(err error) error {
	return &abortError{err: err}
}

// RedisStore is the Store implementation backing a run's Coordination
// Store against a single Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials a Redis endpoint (spec.md §6: coordinationEndpoint,
// coordinationPort, default 6379).
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, DB: 0})}
}

// NewRedisStoreFromClient wraps an already-configured client, used by
// tests against miniredis and by callers needing custom dial options.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", mccerrs.ErrTransientCoordination, key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", mccerrs.ErrTransientCoordination, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del %v: %v", mccerrs.ErrTransientCoordination, keys, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Transact implements the §4.1 template. Retries are unbounded: a watch
// conflict (redis.TxFailedErr) or a transient transport error both loop
// back to step 2 (re-read and recompute); only an Abort-wrapped error
// from fn or a cancelled ctx stops the loop.
func (s *RedisStore) Transact(ctx context.Context, keys []string, fn TxFunc) error {
	for {
		var aborted error

		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			reads := make(map[string][]byte, len(keys))
			for _, k := range keys {
				v, err := tx.Get(ctx, k).Bytes()
				if errors.Is(err, redis.Nil) {
					reads[k] = nil
					continue
				}
				if err != nil {
					return err
				}
				reads[k] = v
			}

			writes, err := fn(reads)
			if err != nil {
				var ab *abortError
				if errors.As(err, &ab) {
					aborted = ab.Unwrap()
					return nil // release the watch cleanly, no writes
				}
				return err
			}
			if len(writes) == 0 {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for k, v := range writes {
					pipe.Set(ctx, k, v, 0)
				}
				return nil
			})
			return err
		}, keys...)

		if aborted != nil {
			return aborted
		}
		if txErr == nil {
			return nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue // watch conflict: retry unbounded per spec.md §4.1
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Any other error is treated as a transient coordination blip
		// and retried, matching spec.md §7's TransientCoordination policy.
		continue
	}
}
