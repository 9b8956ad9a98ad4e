// Package instance binds runtime scope to a working directory: project
// identity, a lazily-populated per-directory state cache, and an ambient
// context accessor so deeply-nested calls can recover "which directory is
// this running against" without an extra parameter threaded through every
// signature.
package instance

import (
	"context"
	"errors"
)

// ErrContextNotFound is the value MustFrom panics with when ctx carries no
// value for T. From reports a miss through its bool result instead.
var ErrContextNotFound = errors.New("instance: value not found in context")

// ctxKey is parameterized by T so distinct types never collide in the same
// context.Context even though they share the With/From helpers.
type ctxKey[T any] struct{}

// With returns a child context carrying v, retrievable later via From.
func With[T any](ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, ctxKey[T]{}, v)
}

// From recovers the value bound by the nearest enclosing With[T] call.
func From[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(ctxKey[T]{}).(T)
	return v, ok
}

// MustFrom is From but panics with ErrContextNotFound when absent; used at
// call sites that are only ever reached from inside a Provide scope, where
// a miss is a programmer error rather than a runtime condition to handle.
func MustFrom[T any](ctx context.Context) T {
	v, ok := From[T](ctx)
	if !ok {
		panic(ErrContextNotFound)
	}
	return v
}

// Bound recovers the *Instance bound to ctx by Provide.
func Bound(ctx context.Context) (*Instance, bool) {
	return From[*Instance](ctx)
}
