package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryStore decorates another ObjectStore adding automatic retry
// capabilities. Each call is attempted up to the configured number of
// attempts, waiting the specified delay between retries, so transient
// failures in the storage backend do not surface as failed files.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delayMs is 0, it defaults to 1000ms.
//
// ErrNotFound is never retried. The error from the last attempt is returned
// when all retries fail.
type RetryStore struct {
	inner    ObjectStore
	attempts int
	delay    time.Duration
}

// NewRetryStore wraps inner. The returned value still fulfils ObjectStore.
func NewRetryStore(inner ObjectStore, attempts int, delayMs int) ObjectStore {
	if inner == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetryStore{
		inner:    inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

func (r *RetryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := r.retry(ctx, "list "+prefix, func() error {
		var err error
		out, err = r.inner.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *RetryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.retry(ctx, "get "+key, func() error {
		var err error
		out, err = r.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *RetryStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return r.retry(ctx, "put "+key, func() error {
		return r.inner.Put(ctx, key, body, contentType)
	})
}

func (r *RetryStore) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete "+key, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *RetryStore) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}

		logrus.Warnf("store %s failed (attempt %d/%d): %v", op, attempt, r.attempts, err)

		// Wait before next retry unless it's the final attempt.
		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}
	return err
}
