package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mccerrs "github.com/cuemby/mcc/pkg/errs"
)

// flakyStore fails Put with ErrObjectStoreIO the first N times, then
// delegates to an underlying MemStore; its other methods never fail.
type flakyStore struct {
	*MemStore
	failures int
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.Join(mccerrs.ErrObjectStoreIO, errors.New("simulated put failure"))
	}
	return f.MemStore.Put(ctx, key, data)
}

func fastRetrying(store Store, maxRetries uint64) *Retrying {
	r := NewRetrying(store, maxRetries)
	r.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return r
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	flaky := &flakyStore{MemStore: NewMemStore(), failures: 2}
	r := fastRetrying(flaky, 5)

	require.NoError(t, r.Put(context.Background(), "results/a.out", []byte("data")))
	assert.Equal(t, 3, flaky.calls)

	v, err := flaky.MemStore.Get(context.Background(), "results/a.out")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), v)
}

func TestRetryingExhaustsAndFails(t *testing.T) {
	flaky := &flakyStore{MemStore: NewMemStore(), failures: 10}
	r := fastRetrying(flaky, 2)

	err := r.Put(context.Background(), "results/a.out", []byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mccerrs.ErrObjectStoreIO)
	assert.Equal(t, 3, flaky.calls) // initial attempt + 2 retries
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	store := &permanentErrStore{}
	r := fastRetrying(store, 5)

	err := r.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Equal(t, 1, store.calls)
}

type permanentErrStore struct {
	calls int
}

func (p *permanentErrStore) Put(_ context.Context, _ string, _ []byte) error {
	p.calls++
	return errors.New("not an object store i/o error")
}
func (p *permanentErrStore) Get(_ context.Context, _ string) ([]byte, error) { return nil, nil }
func (p *permanentErrStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
func (p *permanentErrStore) Delete(_ context.Context, _ string) error { return nil }
