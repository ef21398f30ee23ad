// Package pool provides a bounded free list for reusable objects.
package pool

// FreeList keeps up to a fixed number of idle objects and builds new ones on
// demand. It is not safe for concurrent use; callers that share a list across
// goroutines must guard it themselves.
type FreeList[T any] struct {
	idle    []T
	factory func() T
}

// New creates a FreeList that retains at most capacity idle objects. The
// factory is called by Alloc whenever the list is empty.
func New[T any](capacity int, factory func() T) *FreeList[T] {
	if capacity < 0 {
		capacity = 0
	}

	return &FreeList[T]{
		idle:    make([]T, 0, capacity),
		factory: factory,
	}
}

// Alloc returns an idle object, or a fresh one from the factory.
func (l *FreeList[T]) Alloc() (obj T) {
	if n := len(l.idle); n != 0 {
		obj = l.idle[n-1]
		var zero T
		l.idle[n-1] = zero
		l.idle = l.idle[:n-1]
		return obj
	}

	return l.factory()
}

// Free puts obj back into the idle set. It returns false when the list is
// already at capacity; the caller then owns obj and must dispose of it.
func (l *FreeList[T]) Free(obj T) bool {
	if len(l.idle) == cap(l.idle) {
		return false
	}

	l.idle = append(l.idle, obj)
	return true
}

// Len reports the number of idle objects.
func (l *FreeList[T]) Len() int {
	return len(l.idle)
}

// Cap reports the maximum number of idle objects retained.
func (l *FreeList[T]) Cap() int {
	return cap(l.idle)
}
