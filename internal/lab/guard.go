package lab

import "context"

// Guard gives one holder at a time exclusive use of a value. Unlike a
// sync.Mutex, waiting for it can be abandoned through a context.
type Guard[T any] struct {
	sem chan struct{}
	v   T
}

// NewGuard wraps v.
func NewGuard[T any](v T) *Guard[T] {
	return &Guard[T]{sem: make(chan struct{}, 1), v: v}
}

// Lock waits for exclusive use of the value or for ctx to end.
func (g *Guard[T]) Lock(ctx context.Context) (T, error) {
	select {
	case g.sem <- struct{}{}:
		return g.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryLock takes the guard if it is free.
func (g *Guard[T]) TryLock() (T, bool) {
	select {
	case g.sem <- struct{}{}:
		return g.v, true
	default:
		var zero T
		return zero, false
	}
}

// Unlock releases the guard. It panics if the guard is not held.
func (g *Guard[T]) Unlock() {
	select {
	case <-g.sem:
	default:
		panic("lab: unlock of unlocked guard")
	}
}

// Peek returns the value without locking. Only use it for operations
// that are safe to run concurrently with the holder.
func (g *Guard[T]) Peek() T { return g.v }

// With runs fn while holding g.
func With[T, R any](ctx context.Context, g *Guard[T], fn func(T) (R, error)) (R, error) {
	v, err := g.Lock(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	defer g.Unlock()
	return fn(v)
}

// Do runs fn while holding g.
func Do[T any](ctx context.Context, g *Guard[T], fn func(T) error) error {
	v, err := g.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	return fn(v)
}
