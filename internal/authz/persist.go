package authz

import (
	"context"
	"errors"
	"time"

	"github.com/example/botauth/internal/store"
)

// DefaultStoreTimeout bounds every store call made by this package.
const DefaultStoreTimeout = 2 * time.Second

// Persist runs fn with a deadline of timeout. store.ErrNotFound passes
// through untouched; any other failure, including the deadline, becomes a
// PersistenceUnavailable rejection so callers fail closed.
func Persist[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(ctx)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return v, err
	}
	var zero T
	return zero, newError(KindPersistenceUnavailable, "authorization state is unavailable", err)
}
