package common

import (
	"context"
	"time"
)

type ctxKey int

const (
	ctxKeyCallTimeout ctxKey = iota
)

// WithCallTimeout sets the response timeout for commands executed with
// the returned context, overriding the connection default. A zero
// duration disables the timeout.
func WithCallTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, ctxKeyCallTimeout, d)
}

func callTimeoutFromContext(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(ctxKeyCallTimeout).(time.Duration)
	return d, ok
}

// contextWithDoneChan returns a new context that is canceled either
// when the done channel is closed or ctx is canceled.
func contextWithDoneChan(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// withDefaultTimeout bounds ctx by d unless it already has a deadline.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
