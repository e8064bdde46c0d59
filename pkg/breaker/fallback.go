package breaker

import (
	"context"
	"errors"
)

// WithFallback runs fn under the breaker and, when the breaker rejects the
// call, runs fallback instead. Errors from fn itself always propagate; the
// fallback only masks *OpenError.
func WithFallback(ctx context.Context, b *Breaker, fn, fallback func(context.Context) error) error {
	err := b.Execute(ctx, fn)
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return fallback(ctx)
	}
	return err
}
