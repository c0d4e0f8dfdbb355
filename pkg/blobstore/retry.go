package blobstore

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	mccerrs "github.com/cuemby/mcc/pkg/errs"
)

// Retrying wraps a Store so Put/Get/List/Delete retry a bounded number of
// times on ObjectStoreIOFailed before giving up (spec.md §4.3: "OS
// upload/download errors → retried locally with bounded attempts; on
// exhaustion the worker aborts and relies on the Manager's stall
// detector"). Grounded on cenkalti/backoff's exponential-backoff retry
// loop, bounded here with backoff.WithMaxRetries.
type Retrying struct {
	Store
	MaxRetries uint64

	// newBackOff constructs the per-call backoff policy; overridable by
	// tests that need to exercise retry/exhaustion without waiting out a
	// real exponential backoff.
	newBackOff func() backoff.BackOff
}

// NewRetrying wraps store with maxRetries bounded attempts per call. A
// maxRetries of 0 means one attempt, no retry.
func NewRetrying(store Store, maxRetries uint64) *Retrying {
	return &Retrying{Store: store, MaxRetries: maxRetries, newBackOff: backoff.NewExponentialBackOff}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.MaxRetries), ctx)
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	return backoff.Retry(func() error {
		return retriable(r.Store.Put(ctx, key, data))
	}, r.policy(ctx))
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		v, err := r.Store.Get(ctx, key)
		if err != nil {
			return retriable(err)
		}
		out = v
		return nil
	}, r.policy(ctx))
	return out, err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := backoff.Retry(func() error {
		v, err := r.Store.List(ctx, prefix)
		if err != nil {
			return retriable(err)
		}
		out = v
		return nil
	}, r.policy(ctx))
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return backoff.Retry(func() error {
		return retriable(r.Store.Delete(ctx, key))
	}, r.policy(ctx))
}

// retriable classifies ObjectStoreIOFailed as transient (retry) and
// anything else as permanent, matching spec.md §7's policy table: only
// the OS i/o kind gets bounded local retry.
func retriable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mccerrs.ErrObjectStoreIO) {
		return err
	}
	return backoff.Permanent(err)
}
