package coordination

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client)
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete(ctx, "k"))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTransactCommitsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Transact(ctx, []string{"a", "b"}, func(reads map[string][]byte) (map[string][]byte, error) {
		assert.Nil(t, reads["a"])
		assert.Nil(t, reads["b"])
		return map[string][]byte{"a": []byte("1"), "b": []byte("2")}, nil
	})
	require.NoError(t, err)

	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	assert.Equal(t, []byte("1"), a)
	assert.Equal(t, []byte("2"), b)
}

func TestTransactAbortReturnsErrorWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("orig")))

	sentinel := errors.New("queue empty")
	err := s.Transact(ctx, []string{"k"}, func(reads map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{"k": []byte("changed")}, Abort(sentinel)
	})
	require.ErrorIs(t, err, sentinel)

	v, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("orig"), v)
}

// TestTransactRetriesOnConflict simulates two concurrent poppers racing
// against a length-1 queue (spec.md §8 S4): exactly one succeeds on its
// first commit, the other must retry and observe the empty queue.
func TestTransactRetriesOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "queue", []byte("1")))

	var wg sync.WaitGroup
	results := make([]string, 2)

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			<-release
			_ = s.Transact(ctx, []string{"queue"}, func(reads map[string][]byte) (map[string][]byte, error) {
				if len(reads["queue"]) == 0 || string(reads["queue"]) == "" {
					results[i] = "empty"
					return nil, nil
				}
				results[i] = "popped"
				return map[string][]byte{"queue": []byte("")}, nil
			})
		}()
	}

	<-started
	<-started
	close(release)
	wg.Wait()

	popped, empty := 0, 0
	for _, r := range results {
		switch r {
		case "popped":
			popped++
		case "empty":
			empty++
		}
	}
	assert.Equal(t, 1, popped)
	assert.Equal(t, 1, empty)
}
