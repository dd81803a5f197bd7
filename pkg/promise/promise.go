package promise

import (
	"context"
	"fmt"
	"sync"
)

// ErrCanceled is the error of a promise that was canceled before it settled.
// It wraps context.Canceled so callers can match either.
var ErrCanceled = fmt.Errorf("promise canceled: %w", context.Canceled)

// Promise is the result of an asynchronous computation. It settles exactly
// once, either with a value or with an error, and can be canceled.
type Promise[T any] struct {
	done chan struct{}

	mu       sync.Mutex
	value    T
	err      error
	settled  bool
	canceled bool
	hooks    []func()

	// settleOnCancel settles the promise as soon as Cancel is called.
	// Promises backed by a goroutine settle when that goroutine returns.
	settleOnCancel bool
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a promise for its result.
// Canceling the promise cancels the context passed to fn; the promise
// settles with ErrCanceled once fn returns.
func Go[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Promise[T] {
	ctx, cancel := context.WithCancel(parent)
	p := newPromise[T]()
	p.hooks = append(p.hooks, cancel)

	go func() {
		defer cancel()
		v, err := fn(ctx)
		p.complete(v, err)
	}()

	return p
}

// Resolved returns a promise already settled with v
func Resolved[T any](v T) *Promise[T] {
	p := newPromise[T]()
	p.complete(v, nil)
	return p
}

// Rejected returns a promise already settled with err
func Rejected[T any](err error) *Promise[T] {
	p := newPromise[T]()
	var zero T
	p.complete(zero, err)
	return p
}

// Completed returns an already resolved promise carrying no value
func Completed() *Promise[struct{}] {
	return Resolved(struct{}{})
}

// complete settles the promise. It reports false when the promise had
// already settled.
func (p *Promise[T]) complete(v T, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	if p.canceled {
		var zero T
		v, err = zero, ErrCanceled
	}
	p.settled = true
	p.value = v
	p.err = err
	p.hooks = nil
	p.mu.Unlock()

	close(p.done)
	return true
}

// Cancel requests cancellation. It never blocks. It reports false when the
// promise had already settled or was already canceled.
func (p *Promise[T]) Cancel() bool {
	p.mu.Lock()
	if p.settled || p.canceled {
		p.mu.Unlock()
		return false
	}
	p.canceled = true
	hooks := p.hooks
	p.hooks = nil
	immediate := p.settleOnCancel
	p.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	if immediate {
		var zero T
		p.complete(zero, ErrCanceled)
	}
	return true
}

// OnCancel registers fn to run when the promise is canceled. fn never runs
// if the promise settles first.
func (p *Promise[T]) OnCancel(fn func()) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	if p.canceled {
		p.mu.Unlock()
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// Done returns a channel closed when the promise settles
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// IsDone reports whether the promise has settled
func (p *Promise[T]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// IsCanceled reports whether Cancel was called before the promise settled
func (p *Promise[T]) IsCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Peek returns the result without blocking. ok is false while pending.
func (p *Promise[T]) Peek() (v T, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		return v, nil, false
	}
	return p.value, p.err, true
}

// Wait blocks until the promise settles
func (p *Promise[T]) Wait() (T, error) {
	<-p.done
	return p.value, p.err
}

// Await blocks until the promise settles or ctx is done. Giving up on ctx
// does not cancel the promise.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then chains fn onto a successful result. Errors skip fn and propagate.
// Canceling the returned promise cancels p.
func Then[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	next := newPromise[U]()
	next.hooks = append(next.hooks, func() { p.Cancel() })

	go func() {
		v, err := p.Wait()
		if err != nil {
			var zero U
			next.complete(zero, err)
			return
		}
		u, err := fn(v)
		next.complete(u, err)
	}()

	return next
}

// Catch runs fn when p fails, letting it replace the error with a value or
// another error. Successful results pass through.
func (p *Promise[T]) Catch(fn func(error) (T, error)) *Promise[T] {
	next := newPromise[T]()
	next.hooks = append(next.hooks, func() { p.Cancel() })

	go func() {
		v, err := p.Wait()
		if err != nil {
			v, err = fn(err)
		}
		next.complete(v, err)
	}()

	return next
}

// MapErr rewrites the error of a failed promise
func (p *Promise[T]) MapErr(fn func(error) error) *Promise[T] {
	return p.Catch(func(err error) (T, error) {
		var zero T
		return zero, fn(err)
	})
}

// Finally runs fn after p settles, whatever the outcome, and passes the
// result through
func (p *Promise[T]) Finally(fn func()) *Promise[T] {
	next := newPromise[T]()
	next.hooks = append(next.hooks, func() { p.Cancel() })

	go func() {
		v, err := p.Wait()
		fn()
		next.complete(v, err)
	}()

	return next
}

// Deferred is a promise settled from outside, by whoever holds the Deferred
type Deferred[T any] struct {
	p *Promise[T]
}

// NewDeferred creates a pending promise. Canceling it settles it
// immediately with ErrCanceled.
func NewDeferred[T any]() *Deferred[T] {
	p := newPromise[T]()
	p.settleOnCancel = true
	return &Deferred[T]{p: p}
}

// Promise returns the promise controlled by d
func (d *Deferred[T]) Promise() *Promise[T] {
	return d.p
}

// Resolve settles the promise with v. It reports false if already settled.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.p.complete(v, nil)
}

// Reject settles the promise with err. It reports false if already settled.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.p.complete(zero, err)
}
