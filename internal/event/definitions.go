package event

import (
	"context"
	"fmt"
)

// EventDefinition is a registered, typed event: its Name is the wire-level
// EventType paired with the Go type its Data payload must have. For a
// statically-typed event system, validating a payload against its schema
// is just the type assertion itself, so a mismatch fails fast as a
// programmer error rather than silently propagating a malformed payload.
type EventDefinition[T any] struct {
	Name EventType
}

// Define returns an EventDefinition for T under name. The returned value
// is typically stored in a package-level var next to the *Data struct it
// pairs with.
func Define[T any](name EventType) EventDefinition[T] {
	return EventDefinition[T]{Name: name}
}

// PublishTyped validates data against the definition's type and publishes
// it asynchronously. A caller that has already built an Event by hand can
// use Publish directly; PublishTyped exists for call sites that want the
// compiler to catch a Data/EventType mismatch.
func PublishTyped[T any](def EventDefinition[T], data T) {
	Publish(Event{Type: def.Name, Data: data})
}

// PublishSyncTyped is PublishTyped's synchronous counterpart.
func PublishSyncTyped[T any](def EventDefinition[T], data T) {
	PublishSync(Event{Type: def.Name, Data: data})
}

// SubscribeTyped subscribes to def.Name and type-asserts incoming payloads
// to T before invoking fn, dropping (never panicking) a payload that fails
// the assertion rather than propagating it to fn.
func SubscribeTyped[T any](def EventDefinition[T], fn func(T)) func() {
	return Subscribe(def.Name, func(e Event) {
		data, ok := e.Data.(T)
		if !ok {
			return
		}
		fn(data)
	})
}

// scopedBusKey is the ambient-context key used to bind a *Bus to a logical
// call chain, so concurrent request-scoped callers do not cross-deliver
// events through the process-wide default bus.
type scopedBusKey struct{}

// WithBus returns a context carrying bus as the ambient bus for anything
// downstream that calls BusFromContext.
func WithBus(ctx context.Context, bus *Bus) context.Context {
	return context.WithValue(ctx, scopedBusKey{}, bus)
}

// BusFromContext returns the ambient bus bound by WithBus, or the
// process-wide global bus if none was bound.
func BusFromContext(ctx context.Context) *Bus {
	if bus, ok := ctx.Value(scopedBusKey{}).(*Bus); ok && bus != nil {
		return bus
	}
	return globalBus
}

// errMismatchedPayload is an explicit error for a payload that does not
// match its event's type. No function in this package returns it.
type errMismatchedPayload struct {
	want EventType
}

func (e *errMismatchedPayload) Error() string {
	return fmt.Sprintf("event: payload does not match schema for %q", e.want)
}
