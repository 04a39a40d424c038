// Package offload runs blocking backend calls on a bounded worker pool so a
// slow call for one chat cannot starve the handling of other chats.
package offload

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout reports that a call exceeded the pool's per-call deadline.
var ErrTimeout = errors.New("offload: call timed out")

const (
	defaultWorkers = 8
	defaultTimeout = 90 * time.Second
)

// Pool bounds the number of concurrently executing calls. Callers beyond the
// bound wait for a slot instead of failing.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewPool(workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
	}
}

// Do acquires a worker slot, runs fn on its own goroutine under the pool's
// per-call deadline, and hands the result back to the suspended caller. fn
// receives a context that is canceled at the deadline, so the underlying
// network call aborts and the slot is released when fn returns rather than
// leaking. A deadline expiry surfaces as ErrTimeout.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		defer cancel()
		text, err := fn(callCtx)
		done <- result{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return res.text, res.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", callCtx.Err()
	}
}
