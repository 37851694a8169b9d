// Package fanout runs independent work items concurrently and collects
// every outcome. One item failing, panicking or timing out never cancels
// its siblings and never fails the batch.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrTimeout matches any per-item timeout.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports an item that exceeded its own budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PanicError wraps a value recovered from a panicking item.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Outcome is the settled result of one item: a value or an error.
type Outcome[V any] struct {
	Value V
	Err   error
}

// OK reports whether the item succeeded.
func (o Outcome[V]) OK() bool {
	return o.Err == nil
}

// Reason returns the failure as a string, empty on success.
func (o Outcome[V]) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Executor holds the per-item timeout and an optional concurrency bound.
type Executor struct {
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLimit bounds how many items run at once. Zero means unbounded.
func WithLimit(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLogger sets the logger used for items that fail outside their own
// error path.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an executor giving each item timeout to finish.
func New(timeout time.Duration, opts ...Option) *Executor {
	e := &Executor{timeout: timeout, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the per-item budget.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Func is the work performed for one key.
type Func[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Run executes fn once per distinct key and waits for all of them to
// settle. The returned map has an entry for every key.
func Run[K comparable, V any](ctx context.Context, e *Executor, keys []K, fn Func[K, V]) map[K]Outcome[V] {
	results := make(map[K]Outcome[V], len(keys))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	seen := make(map[K]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		wg.Add(1)
		go func(key K) {
			defer wg.Done()
			var out Outcome[V]
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("key", key).Interface("panic", r).Msg("fan-out item crashed")
					out = Outcome[V]{Err: &PanicError{Value: r}}
				}
				mu.Lock()
				results[key] = out
				mu.Unlock()
			}()
			out = runOne(ctx, e, key, fn)
		}(key)
	}

	wg.Wait()
	return results
}

func runOne[K comparable, V any](ctx context.Context, e *Executor, key K, fn Func[K, V]) Outcome[V] {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return Outcome[V]{Err: fmt.Errorf("waiting for slot: %w", err)}
		}
		defer e.sem.Release(1)
	}

	itemCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan Outcome[V], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome[V]{Err: &PanicError{Value: r}}
			}
		}()
		v, err := fn(itemCtx, key)
		done <- Outcome[V]{Value: v, Err: err}
	}()

	select {
	case out := <-done:
		if out.Err != nil && ctx.Err() == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			out.Err = fmt.Errorf("%w: %v", &TimeoutError{After: e.timeout}, out.Err)
		}
		return out
	case <-itemCtx.Done():
		if ctx.Err() != nil {
			return Outcome[V]{Err: ctx.Err()}
		}
		return Outcome[V]{Err: &TimeoutError{After: e.timeout}}
	}
}

// Succeeded returns the values of successful outcomes.
func Succeeded[K comparable, V any](results map[K]Outcome[V]) map[K]V {
	out := make(map[K]V, len(results))
	for k, o := range results {
		if o.OK() {
			out[k] = o.Value
		}
	}
	return out
}
